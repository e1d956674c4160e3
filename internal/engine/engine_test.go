package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memStore) {
	t.Helper()
	st := newMemStore()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(st, opts...), st
}

func mustEntity(t *testing.T, e *Engine, name, location string) *model.Entity {
	t.Helper()
	ent, err := e.CreateEntity(context.Background(), name, location)
	if err != nil {
		t.Fatalf("CreateEntity(%s): %v", name, err)
	}
	return ent
}

func mustRecord(t *testing.T, e *Engine, entityID string, kind model.Kind, fields map[string]any) *model.Record {
	t.Helper()
	rec, err := e.CreateRecord(context.Background(), entityID, kind, fields)
	if err != nil {
		t.Fatalf("CreateRecord(%s, %s): %v", entityID, kind, err)
	}
	return rec
}

func readFields(t *testing.T, e *Engine, entityID string, kind model.Kind) map[string]any {
	t.Helper()
	rec, err := e.Read(context.Background(), entityID, kind)
	if err != nil {
		t.Fatalf("Read(%s, %s): %v", entityID, kind, err)
	}
	fields, err := rec.Fields()
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	return fields
}

func TestCreateEntityEmitsEvent(t *testing.T) {
	e, st := newTestEngine(t)
	ent := mustEntity(t, e, "alice", "town")

	if ent.ID == "" {
		t.Fatal("expected generated id")
	}
	got, err := e.GetEntity(context.Background(), ent.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Name != "alice" || got.Location != "town" {
		t.Errorf("got %q at %q, want alice at town", got.Name, got.Location)
	}

	evs, err := st.UndeliveredEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("UndeliveredEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].Topic != model.TopicEntityCreated {
		t.Fatalf("expected one %s event, got %v", model.TopicEntityCreated, evs)
	}
}

func TestGetEntityNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.GetEntity(context.Background(), "en-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveEntityEventCarriesBothEndpoints(t *testing.T) {
	e, _ := newTestEngine(t)
	ent := mustEntity(t, e, "sword", "alice")

	if err := e.MoveEntity(context.Background(), ent.ID, "bob"); err != nil {
		t.Fatalf("MoveEntity: %v", err)
	}
	got, _ := e.GetEntity(context.Background(), ent.ID)
	if got.Location != "bob" {
		t.Errorf("location = %q, want bob", got.Location)
	}

	evs, err := e.EventsForEntity(context.Background(), ent.ID, 10)
	if err != nil {
		t.Fatalf("EventsForEntity: %v", err)
	}
	if evs[0].Topic != model.TopicEntityMoved {
		t.Fatalf("newest topic = %s, want %s", evs[0].Topic, model.TopicEntityMoved)
	}
	payload := string(evs[0].Payload)
	for _, want := range []string{`"from":"alice"`, `"to":"bob"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("payload %s missing %s", payload, want)
		}
	}
}

func TestMoveEntityToSameLocationIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	ent := mustEntity(t, e, "sword", "alice")

	if err := e.MoveEntity(context.Background(), ent.ID, "alice"); err != nil {
		t.Fatalf("MoveEntity: %v", err)
	}
	evs, _ := e.EventsForEntity(context.Background(), ent.ID, 10)
	for _, ev := range evs {
		if ev.Topic == model.TopicEntityMoved {
			t.Fatal("no-op move should not emit a moved event")
		}
	}
}

func TestDeleteEntityCascadesRecords(t *testing.T) {
	e, _ := newTestEngine(t)
	ent := mustEntity(t, e, "alice", "town")
	mustRecord(t, e, ent.ID, "combat", map[string]any{"hp": 20})

	if err := e.DeleteEntity(context.Background(), ent.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if _, err := e.Read(context.Background(), ent.ID, "combat"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to be gone, got %v", err)
	}
}

func TestCreateRecordStartsAtVersionOne(t *testing.T) {
	e, _ := newTestEngine(t)
	ent := mustEntity(t, e, "alice", "town")
	rec := mustRecord(t, e, ent.ID, "combat", map[string]any{"hp": 20, "level": 3})

	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
	if _, err := e.CreateRecord(context.Background(), ent.ID, "combat", nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPutIfVersionStaleToken(t *testing.T) {
	e, _ := newTestEngine(t)
	ent := mustEntity(t, e, "alice", "town")
	mustRecord(t, e, ent.ID, "combat", map[string]any{"hp": 20})

	v, err := e.PutIfVersion(context.Background(), ent.ID, "combat", []byte(`{"hp":15}`), 1)
	if err != nil || v != 2 {
		t.Fatalf("first put: version %d, err %v", v, err)
	}

	// A second writer using the stale token must fail without writing.
	_, err = e.PutIfVersion(context.Background(), ent.ID, "combat", []byte(`{"hp":99}`), 1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	// The conflict names the record and the version it actually holds.
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.EntityID != ent.ID || conflict.Kind != "combat" || conflict.Current != 2 {
		t.Errorf("conflict = %+v, want entity %s combat at version 2", conflict, ent.ID)
	}
	fields := readFields(t, e, ent.ID, "combat")
	if fields["hp"] != float64(15) {
		t.Errorf("hp = %v, want 15 (stale write must not land)", fields["hp"])
	}
}

func TestUpdateAppliesTransform(t *testing.T) {
	e, _ := newTestEngine(t)
	ent := mustEntity(t, e, "alice", "town")
	mustRecord(t, e, ent.ID, "combat", map[string]any{"hp": 20, "level": 3})

	rec, err := e.Update(context.Background(), ent.ID, "combat", func(fields map[string]any) (map[string]any, error) {
		fields["hp"] = 12
		return fields, nil
	}, DefaultRetryPolicy)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("version = %d, want 2", rec.Version)
	}

	evs, _ := e.EventsForEntity(context.Background(), ent.ID, 1)
	if want := []string{"hp"}; !reflect.DeepEqual(evs[0].Changed, want) {
		t.Errorf("changed = %v, want %v", evs[0].Changed, want)
	}
}

// conflictStore fails every transaction with a version conflict, which
// drives the retry loop to exhaustion.
type conflictStore struct {
	*memStore
}

func (c *conflictStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return store.ErrVersionConflict
}

func TestUpdateRetriesExhausted(t *testing.T) {
	_, st := newTestEngine(t)
	e := New(&conflictStore{st}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	seedRecord(t, st, "en-1", "combat", map[string]any{"hp": 20})

	calls := 0
	_, err := e.Update(context.Background(), "en-1", "combat", func(fields map[string]any) (map[string]any, error) {
		calls++
		return fields, nil
	}, RetryPolicy{MaxRetries: 2, BaseDelay: 1, MaxDelay: 1})
	if !errors.Is(err, ErrConcurrencyExhausted) {
		t.Fatalf("expected ErrConcurrencyExhausted, got %v", err)
	}
	if calls != 3 {
		t.Errorf("transform ran %d times, want 3 (initial + 2 retries)", calls)
	}
}

func TestConcurrentDeltaUpdatesSum(t *testing.T) {
	e, _ := newTestEngine(t)
	ent := mustEntity(t, e, "alice", "town")
	mustRecord(t, e, ent.ID, "combat", map[string]any{"hp": 20})

	deltas := []float64{-5, -8}
	var wg sync.WaitGroup
	errs := make([]error, len(deltas))
	for i, d := range deltas {
		wg.Add(1)
		go func(i int, d float64) {
			defer wg.Done()
			_, errs[i] = e.DeltaUpdate(context.Background(), ent.ID, "combat", "hp", d, Bounds{})
		}(i, d)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("delta %d: %v", i, err)
		}
	}

	fields := readFields(t, e, ent.ID, "combat")
	if fields["hp"] != float64(7) {
		t.Errorf("hp = %v, want 7 (both deductions must land)", fields["hp"])
	}
	rec, _ := e.Read(context.Background(), ent.ID, "combat")
	if rec.Version != 3 {
		t.Errorf("version = %d, want 3", rec.Version)
	}
}

func TestPruneDeliveredEvents(t *testing.T) {
	e, st := newTestEngine(t)
	ent := mustEntity(t, e, "alice", "town")

	evs, _ := st.UndeliveredEvents(context.Background(), 10)
	ids := make([]int64, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	if err := st.MarkEventsDelivered(context.Background(), ids); err != nil {
		t.Fatalf("MarkEventsDelivered: %v", err)
	}

	// Negative retention puts the cutoff in the future, so everything
	// delivered is prunable.
	n, err := e.PruneDeliveredEvents(context.Background(), -time.Hour)
	if err != nil {
		t.Fatalf("PruneDeliveredEvents: %v", err)
	}
	if n != int64(len(ids)) {
		t.Errorf("pruned %d, want %d", n, len(ids))
	}
	if evs, _ := e.EventsForEntity(context.Background(), ent.ID, 10); len(evs) != 0 {
		t.Errorf("expected empty trail after prune, got %d events", len(evs))
	}
}

func TestChangedFields(t *testing.T) {
	tests := []struct {
		name     string
		old, new map[string]any
		want     []string
	}{
		{"value changed", map[string]any{"hp": 20.0}, map[string]any{"hp": 12.0}, []string{"hp"}},
		{"key added", map[string]any{"hp": 20.0}, map[string]any{"hp": 20.0, "mp": 5.0}, []string{"mp"}},
		{"key removed", map[string]any{"hp": 20.0, "mp": 5.0}, map[string]any{"hp": 20.0}, []string{"mp"}},
		{"no change", map[string]any{"hp": 20.0}, map[string]any{"hp": 20.0}, nil},
		{"sorted output", map[string]any{}, map[string]any{"z": 1.0, "a": 2.0}, []string{"a", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := changedFields(tt.old, tt.new); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("changedFields = %v, want %v", got, tt.want)
			}
		})
	}
}

// seedRecord writes directly through the store, bypassing the engine, for
// tests that wrap the store in a failure mode.
func seedRecord(t *testing.T, st *memStore, entityID string, kind model.Kind, fields map[string]any) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateEntity(ctx, &model.Entity{ID: entityID, Name: entityID}); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	payload := mustJSON(fields)
	if _, err := st.CreateRecord(ctx, entityID, kind, payload); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}
