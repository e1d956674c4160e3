// Package engine implements the concurrency core of the entity-aspect
// state engine: optimistic single-record updates, atomic multi-record
// transactions, and the escrow transfer pattern. Every mutation flows
// through the store's compare-and-swap primitive and appends its change
// event to the outbox in the same database transaction, so subscribers
// never see an event for a write that did not commit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/groblegark/aspectd/internal/idgen"
	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

// UpdateFunc is a pure transform over a record payload. It must not mutate
// its argument's nested values in place across retries; the engine re-reads
// and re-invokes it until the CAS write lands.
type UpdateFunc func(fields map[string]any) (map[string]any, error)

// Engine coordinates all writes against the store.
type Engine struct {
	store     store.Store
	logger    *slog.Logger
	now       func() time.Time
	escrowTTL time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger (defaults to slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEscrowTTL sets the default idle timeout for new escrows.
func WithEscrowTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.escrowTTL = ttl }
}

// New returns an Engine backed by the given store.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		logger:    slog.Default(),
		now:       time.Now,
		escrowTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Entities ---

// CreateEntity creates a new entity with a generated id.
func (e *Engine) CreateEntity(ctx context.Context, name, location string) (*model.Entity, error) {
	id, err := idgen.GenerateWithPrefix(idgen.EntityPrefix)
	if err != nil {
		return nil, err
	}
	ent := &model.Entity{ID: id, Name: name, Location: location}
	err = e.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.CreateEntity(ctx, ent); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:    model.TopicEntityCreated,
			EntityID: ent.ID,
			Payload:  mustJSON(map[string]string{"name": name, "location": location}),
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	return ent, nil
}

// GetEntity returns the entity with the given id.
func (e *Engine) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	ent, err := e.store.GetEntity(ctx, id)
	return ent, classify(err)
}

// Contents returns the entities located inside the given entity.
func (e *Engine) Contents(ctx context.Context, id string) ([]*model.Entity, error) {
	ents, err := e.store.Contents(ctx, id)
	return ents, classify(err)
}

// MoveEntity relocates an entity and emits a single moved event carrying
// both endpoints, so location-watchers get depart and arrive from one
// committed fact instead of reaching into each other's records.
func (e *Engine) MoveEntity(ctx context.Context, id, location string) error {
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		ent, err := tx.GetEntity(ctx, id)
		if err != nil {
			return err
		}
		if ent.Location == location {
			return nil
		}
		if err := tx.MoveEntity(ctx, id, location); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:    model.TopicEntityMoved,
			EntityID: id,
			Payload: mustJSON(map[string]string{
				"name": ent.Name,
				"from": ent.Location,
				"to":   location,
			}),
		})
	})
	return classify(err)
}

// RenameEntity updates the indexed display name.
func (e *Engine) RenameEntity(ctx context.Context, id, name string) error {
	return classify(e.store.RenameEntity(ctx, id, name))
}

// DeleteEntity removes an entity together with all its aspect records.
func (e *Engine) DeleteEntity(ctx context.Context, id string) error {
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.DeleteEntity(ctx, id); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:    model.TopicEntityDeleted,
			EntityID: id,
		})
	})
	return classify(err)
}

// --- Records ---

// Read returns a record together with its version token. Callers hand the
// token back on PutIfVersion or in a transaction's expected versions.
func (e *Engine) Read(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	rec, err := e.store.GetRecord(ctx, entityID, kind)
	return rec, classify(err)
}

// ListRecords returns all aspect records of one entity.
func (e *Engine) ListRecords(ctx context.Context, entityID string) ([]*model.Record, error) {
	recs, err := e.store.ListRecords(ctx, entityID)
	return recs, classify(err)
}

// CreateRecord creates the (entity, kind) record at version 1.
func (e *Engine) CreateRecord(ctx context.Context, entityID string, kind model.Kind, fields map[string]any) (*model.Record, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	rec := &model.Record{EntityID: entityID, Kind: kind, Payload: payload}
	err = e.store.RunInTransaction(ctx, func(tx store.Store) error {
		version, err := tx.CreateRecord(ctx, entityID, kind, payload)
		if err != nil {
			return err
		}
		rec.Version = version
		return tx.AppendEvent(ctx, &model.Event{
			Topic:      model.AspectTopic(kind),
			EntityID:   entityID,
			Kind:       kind,
			OldVersion: 0,
			NewVersion: version,
			Changed:    sortedKeys(fields),
			Payload:    payload,
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

// PutIfVersion writes a caller-computed payload if the record is still at
// the expected version. This is the raw CAS surface for callers that did
// their read-modify cycle out of process (the HTTP gateway); in-process
// callers should prefer Update.
func (e *Engine) PutIfVersion(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage, expected int64) (int64, error) {
	var newFields map[string]any
	if err := json.Unmarshal(payload, &newFields); err != nil {
		return 0, err
	}

	var version int64
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		// The old payload is read inside the transaction so the changed
		// field list is computed against the same snapshot the CAS
		// validates.
		var oldFields map[string]any
		if rec, err := tx.GetRecord(ctx, entityID, kind); err == nil {
			oldFields, _ = rec.Fields()
		}

		v, err := tx.PutRecordIfVersion(ctx, entityID, kind, payload, expected)
		// On conflict v carries the version the record actually holds.
		version = v
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:      model.AspectTopic(kind),
			EntityID:   entityID,
			Kind:       kind,
			OldVersion: expected,
			NewVersion: v,
			Changed:    changedFields(oldFields, newFields),
			Payload:    payload,
		})
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return version, &ConflictError{EntityID: entityID, Kind: kind, Current: version}
	}
	if err != nil {
		return version, classify(err)
	}
	return version, nil
}

// Update runs the read-modify-retry loop: read the current payload and
// version, apply fn, and attempt a CAS write. A version conflict re-reads
// and retries with jittered exponential backoff until the policy is
// exhausted. Nothing is written on the failed attempts, so callers can
// abandon the loop (via ctx) at any point without side effects.
func (e *Engine) Update(ctx context.Context, entityID string, kind model.Kind, fn UpdateFunc, policy RetryPolicy) (*model.Record, error) {
	policy = policy.normalize()

	for attempt := 0; ; attempt++ {
		rec, err := e.store.GetRecord(ctx, entityID, kind)
		if err != nil {
			return nil, classify(err)
		}
		oldFields, err := rec.Fields()
		if err != nil {
			return nil, err
		}
		newFields, err := fn(cloneFields(oldFields))
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(newFields)
		if err != nil {
			return nil, err
		}

		var version int64
		err = e.store.RunInTransaction(ctx, func(tx store.Store) error {
			v, err := tx.PutRecordIfVersion(ctx, entityID, kind, payload, rec.Version)
			if err != nil {
				return err
			}
			version = v
			return tx.AppendEvent(ctx, &model.Event{
				Topic:      model.AspectTopic(kind),
				EntityID:   entityID,
				Kind:       kind,
				OldVersion: rec.Version,
				NewVersion: v,
				Changed:    changedFields(oldFields, newFields),
				Payload:    payload,
			})
		})
		if err == nil {
			return &model.Record{
				EntityID: entityID,
				Kind:     kind,
				Payload:  payload,
				Version:  version,
			}, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, classify(err)
		}
		if attempt >= policy.MaxRetries {
			e.logger.Warn("update retries exhausted",
				"entity_id", entityID, "aspect_kind", kind, "attempts", attempt+1)
			return nil, ErrConcurrencyExhausted
		}
		if err := policy.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// EventsForEntity returns the entity's recent audit trail, newest first.
func (e *Engine) EventsForEntity(ctx context.Context, entityID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	evs, err := e.store.EventsForEntity(ctx, entityID, limit)
	return evs, classify(err)
}

// PruneDeliveredEvents deletes delivered outbox rows older than the
// retention window and returns how many were removed.
func (e *Engine) PruneDeliveredEvents(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := e.store.PruneDeliveredEvents(ctx, e.now().Add(-retention))
	return n, classify(err)
}

// ListEntities returns every entity in the store.
func (e *Engine) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	ents, err := e.store.ListEntities(ctx)
	return ents, classify(err)
}

// --- helpers ---

// changedFields returns the sorted top-level keys whose values differ
// between two payloads, including added and removed keys.
func changedFields(oldFields, newFields map[string]any) []string {
	var changed []string
	for k, nv := range newFields {
		ov, ok := oldFields[k]
		if !ok || !reflect.DeepEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	for k := range oldFields {
		if _, ok := newFields[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cloneFields deep-copies a payload map through JSON so UpdateFuncs cannot
// leak mutations between retry attempts.
func cloneFields(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	_ = json.Unmarshal(data, &out)
	return out
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
