package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

// RecordKey names one (entity, aspect) record.
type RecordKey struct {
	EntityID string
	Kind     model.Kind
}

// Write is one record mutation in a multi-record commit. Fn receives the
// payload as currently stored; ExpectedVersion is the version token from
// the read the caller based its decision on.
type Write struct {
	EntityID        string
	Kind            model.Kind
	ExpectedVersion int64
	Fn              UpdateFunc
}

// StaticWrite builds a Write that replaces the payload wholesale with a
// caller-computed value (the gateway's transaction surface, where the
// transform ran out of process).
func StaticWrite(entityID string, kind model.Kind, expected int64, payload json.RawMessage) Write {
	return Write{
		EntityID:        entityID,
		Kind:            kind,
		ExpectedVersion: expected,
		Fn: func(map[string]any) (map[string]any, error) {
			var fields map[string]any
			if err := json.Unmarshal(payload, &fields); err != nil {
				return nil, err
			}
			return fields, nil
		},
	}
}

// CommitMulti applies every write or none. Phase 1 locks all records in
// deterministic key order and validates every expected version with no
// writes issued; phase 2 applies the transforms and appends one event per
// record. A phase-1 mismatch aborts the transaction and reports which
// record moved via ConflictError.
func (e *Engine) CommitMulti(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	ordered := make([]Write, len(writes))
	copy(ordered, writes)
	// Lock order is sorted by key so concurrent transactions over
	// overlapping record sets cannot deadlock.
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].EntityID != ordered[j].EntityID {
			return ordered[i].EntityID < ordered[j].EntityID
		}
		return ordered[i].Kind < ordered[j].Kind
	})

	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		// Phase 1: validate under lock.
		current := make(map[RecordKey]*model.Record, len(ordered))
		for _, w := range ordered {
			rec, err := tx.LockRecord(ctx, w.EntityID, w.Kind)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &ConflictError{EntityID: w.EntityID, Kind: w.Kind}
				}
				return err
			}
			if rec.Version != w.ExpectedVersion {
				return &ConflictError{EntityID: w.EntityID, Kind: w.Kind, Current: rec.Version}
			}
			current[RecordKey{w.EntityID, w.Kind}] = rec
		}

		// Phase 2: apply.
		for _, w := range ordered {
			rec := current[RecordKey{w.EntityID, w.Kind}]
			oldFields, err := rec.Fields()
			if err != nil {
				return err
			}
			newFields, err := w.Fn(cloneFields(oldFields))
			if err != nil {
				return err
			}
			payload, err := json.Marshal(newFields)
			if err != nil {
				return err
			}
			version, err := tx.PutRecordIfVersion(ctx, w.EntityID, w.Kind, payload, rec.Version)
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ctx, &model.Event{
				Topic:      model.AspectTopic(w.Kind),
				EntityID:   w.EntityID,
				Kind:       w.Kind,
				OldVersion: rec.Version,
				NewVersion: version,
				Changed:    changedFields(oldFields, newFields),
				Payload:    payload,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

// MultiFunc computes new payloads for some or all of the read records.
// Keys absent from the result are left untouched.
type MultiFunc func(views map[RecordKey]map[string]any) (map[RecordKey]map[string]any, error)

// Transact is the retrying form of CommitMulti: it reads all named records
// fresh, lets fn compute the new payloads, and submits the whole set with
// the observed versions. On conflict the entire cycle restarts from fresh
// reads, with the same backoff discipline as Update.
func (e *Engine) Transact(ctx context.Context, keys []RecordKey, fn MultiFunc, policy RetryPolicy) error {
	policy = policy.normalize()

	for attempt := 0; ; attempt++ {
		views := make(map[RecordKey]map[string]any, len(keys))
		versions := make(map[RecordKey]int64, len(keys))
		for _, k := range keys {
			rec, err := e.store.GetRecord(ctx, k.EntityID, k.Kind)
			if err != nil {
				return classify(err)
			}
			fields, err := rec.Fields()
			if err != nil {
				return err
			}
			views[k] = fields
			versions[k] = rec.Version
		}

		updated, err := fn(views)
		if err != nil {
			return err
		}
		if len(updated) == 0 {
			return nil
		}

		writes := make([]Write, 0, len(updated))
		for k, fields := range updated {
			version, ok := versions[k]
			if !ok {
				return &ConflictError{EntityID: k.EntityID, Kind: k.Kind}
			}
			payload, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			writes = append(writes, StaticWrite(k.EntityID, k.Kind, version, payload))
		}

		err = e.CommitMulti(ctx, writes)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if attempt >= policy.MaxRetries {
			return ErrConcurrencyExhausted
		}
		if err := policy.sleep(ctx, attempt); err != nil {
			return err
		}
	}
}
