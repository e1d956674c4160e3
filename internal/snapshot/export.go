// Package snapshot periodically exports the full engine state as JSONL to
// one or more destinations (S3, git). Snapshots are a recovery and audit
// convenience; the database remains the source of truth.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// Source is the slice of the store a snapshot reads: the full entity list
// and every aspect record.
type Source interface {
	ListEntities(ctx context.Context) ([]*model.Entity, error)
	ListAllRecords(ctx context.Context) ([]*model.Record, error)
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version     string    `json:"version"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	EntityCount int       `json:"entity_count"`
	RecordCount int       `json:"record_count"`
}

// line wraps a single JSONL line with a type discriminator.
type line struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes all entities and aspect records from the store as JSONL
// to w. Entities are sorted by ID and records by (entity, kind), so two
// exports of the same state are byte-identical apart from the header
// timestamp.
func ExportJSONL(ctx context.Context, s Source, w io.Writer) error {
	entities, err := s.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].ID < entities[j].ID
	})

	records, err := s.ListAllRecords(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].EntityID != records[j].EntityID {
			return records[i].EntityID < records[j].EntityID
		}
		return records[i].Kind < records[j].Kind
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:     "1",
		Type:        "header",
		Timestamp:   time.Now().UTC(),
		EntityCount: len(entities),
		RecordCount: len(records),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, e := range entities {
		if err := enc.Encode(line{Type: "entity", Data: e}); err != nil {
			return fmt.Errorf("encode entity %s: %w", e.ID, err)
		}
	}

	for _, r := range records {
		if err := enc.Encode(line{Type: "record", Data: r}); err != nil {
			return fmt.Errorf("encode record (%s, %s): %w", r.EntityID, r.Kind, err)
		}
	}

	return nil
}
