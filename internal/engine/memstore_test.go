package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

// memStore is an in-memory store.Store used by the engine tests. A single
// mutex serializes transactions, which gives the same anomaly-free behavior
// the postgres store gets from row locks, while still letting concurrent
// callers race on optimistic versions: reads outside a transaction observe
// committed state, and a conditional put inside a transaction fails when
// the version moved in between.
type memStore struct {
	mu   *sync.Mutex
	tx   bool
	data *memData
}

type memKey struct {
	entityID string
	kind     model.Kind
}

type memData struct {
	entities map[string]*model.Entity
	records  map[memKey]*model.Record
	events   []*model.Event
	nextEv   int64
	escrows  map[string]*model.Escrow
	units    map[int64]*model.EscrowUnit
	nextUnit int64
	actions  map[string]*model.ScheduledAction
	ledger   map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		mu: &sync.Mutex{},
		data: &memData{
			entities: make(map[string]*model.Entity),
			records:  make(map[memKey]*model.Record),
			escrows:  make(map[string]*model.Escrow),
			units:    make(map[int64]*model.EscrowUnit),
			actions:  make(map[string]*model.ScheduledAction),
			ledger:   make(map[string]bool),
		},
	}
}

func (s *memStore) lock() {
	if !s.tx {
		s.mu.Lock()
	}
}

func (s *memStore) unlock() {
	if !s.tx {
		s.mu.Unlock()
	}
}

// clone shallow-copies the maps; all mutations replace struct pointers, so
// a snapshot of the maps is a snapshot of the state.
func (d *memData) clone() *memData {
	c := &memData{
		entities: make(map[string]*model.Entity, len(d.entities)),
		records:  make(map[memKey]*model.Record, len(d.records)),
		events:   append([]*model.Event(nil), d.events...),
		nextEv:   d.nextEv,
		escrows:  make(map[string]*model.Escrow, len(d.escrows)),
		units:    make(map[int64]*model.EscrowUnit, len(d.units)),
		nextUnit: d.nextUnit,
		actions:  make(map[string]*model.ScheduledAction, len(d.actions)),
		ledger:   make(map[string]bool, len(d.ledger)),
	}
	for k, v := range d.entities {
		c.entities[k] = v
	}
	for k, v := range d.records {
		c.records[k] = v
	}
	for k, v := range d.escrows {
		c.escrows[k] = v
	}
	for k, v := range d.units {
		c.units[k] = v
	}
	for k, v := range d.actions {
		c.actions[k] = v
	}
	for k, v := range d.ledger {
		c.ledger[k] = v
	}
	return c
}

func (s *memStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	if s.tx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(&memStore{mu: s.mu, tx: true, data: s.data}); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

func (s *memStore) Close() error { return nil }

// --- entities ---

func (s *memStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	s.lock()
	defer s.unlock()
	if _, ok := s.data.entities[e.ID]; ok {
		return store.ErrAlreadyExists
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := *e
	s.data.entities[e.ID] = &cp
	return nil
}

func (s *memStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	s.lock()
	defer s.unlock()
	e, ok := s.data.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	s.lock()
	defer s.unlock()
	out := make([]*model.Entity, 0, len(s.data.entities))
	for _, e := range s.data.entities {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Contents(ctx context.Context, locationID string) ([]*model.Entity, error) {
	s.lock()
	defer s.unlock()
	var out []*model.Entity
	for _, e := range s.data.entities {
		if e.Location == locationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MoveEntity(ctx context.Context, id, location string) error {
	s.lock()
	defer s.unlock()
	e, ok := s.data.entities[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := *e
	cp.Location = location
	cp.UpdatedAt = time.Now()
	s.data.entities[id] = &cp
	return nil
}

func (s *memStore) RenameEntity(ctx context.Context, id, name string) error {
	s.lock()
	defer s.unlock()
	e, ok := s.data.entities[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := *e
	cp.Name = name
	cp.UpdatedAt = time.Now()
	s.data.entities[id] = &cp
	return nil
}

func (s *memStore) DeleteEntity(ctx context.Context, id string) error {
	s.lock()
	defer s.unlock()
	if _, ok := s.data.entities[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.data.entities, id)
	for k := range s.data.records {
		if k.entityID == id {
			delete(s.data.records, k)
		}
	}
	return nil
}

// --- records ---

func (s *memStore) GetRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	s.lock()
	defer s.unlock()
	r, ok := s.data.records[memKey{entityID, kind}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) LockRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	return s.GetRecord(ctx, entityID, kind)
}

func (s *memStore) ListRecords(ctx context.Context, entityID string) ([]*model.Record, error) {
	s.lock()
	defer s.unlock()
	var out []*model.Record
	for k, r := range s.data.records {
		if k.entityID == entityID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *memStore) ListAllRecords(ctx context.Context) ([]*model.Record, error) {
	s.lock()
	defer s.unlock()
	out := make([]*model.Record, 0, len(s.data.records))
	for _, r := range s.data.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

func (s *memStore) CreateRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage) (int64, error) {
	s.lock()
	defer s.unlock()
	if _, ok := s.data.entities[entityID]; !ok {
		return 0, store.ErrNotFound
	}
	key := memKey{entityID, kind}
	if _, ok := s.data.records[key]; ok {
		return 0, store.ErrAlreadyExists
	}
	s.data.records[key] = &model.Record{
		EntityID:  entityID,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		Version:   1,
		UpdatedAt: time.Now(),
	}
	return 1, nil
}

func (s *memStore) PutRecordIfVersion(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage, expected int64) (int64, error) {
	s.lock()
	defer s.unlock()
	key := memKey{entityID, kind}
	r, ok := s.data.records[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	if r.Version != expected {
		return r.Version, store.ErrVersionConflict
	}
	s.data.records[key] = &model.Record{
		EntityID:  entityID,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		Version:   expected + 1,
		UpdatedAt: time.Now(),
	}
	return expected + 1, nil
}

// --- outbox ---

func (s *memStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	s.lock()
	defer s.unlock()
	s.data.nextEv++
	cp := *ev
	cp.ID = s.data.nextEv
	cp.CreatedAt = time.Now()
	ev.ID = cp.ID
	s.data.events = append(s.data.events, &cp)
	return nil
}

func (s *memStore) UndeliveredEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	s.lock()
	defer s.unlock()
	var out []*model.Event
	for _, ev := range s.data.events {
		if ev.DeliveredAt == nil {
			cp := *ev
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	s.lock()
	defer s.unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	now := time.Now()
	for i, ev := range s.data.events {
		if want[ev.ID] && ev.DeliveredAt == nil {
			cp := *ev
			cp.DeliveredAt = &now
			s.data.events[i] = &cp
		}
	}
	return nil
}

func (s *memStore) EventsForEntity(ctx context.Context, entityID string, limit int) ([]*model.Event, error) {
	s.lock()
	defer s.unlock()
	var out []*model.Event
	for i := len(s.data.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.data.events[i].EntityID == entityID {
			cp := *s.data.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) PruneDeliveredEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	s.lock()
	defer s.unlock()
	var kept []*model.Event
	var pruned int64
	for _, ev := range s.data.events {
		if ev.DeliveredAt != nil && ev.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	s.data.events = kept
	return pruned, nil
}

// --- escrows ---

func (s *memStore) CreateEscrow(ctx context.Context, es *model.Escrow) error {
	s.lock()
	defer s.unlock()
	if _, ok := s.data.escrows[es.ID]; ok {
		return store.ErrAlreadyExists
	}
	now := time.Now()
	es.CreatedAt, es.UpdatedAt = now, now
	cp := *es
	s.data.escrows[es.ID] = &cp
	return nil
}

func (s *memStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	s.lock()
	defer s.unlock()
	es, ok := s.data.escrows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *es
	return &cp, nil
}

func (s *memStore) LockEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return s.GetEscrow(ctx, id)
}

func (s *memStore) TouchEscrow(ctx context.Context, id string, expiresAt time.Time) error {
	s.lock()
	defer s.unlock()
	es, ok := s.data.escrows[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := *es
	cp.ExpiresAt = expiresAt
	cp.UpdatedAt = time.Now()
	s.data.escrows[id] = &cp
	return nil
}

func (s *memStore) TransitionEscrow(ctx context.Context, id string, from, to model.EscrowState) error {
	s.lock()
	defer s.unlock()
	es, ok := s.data.escrows[id]
	if !ok {
		return store.ErrNotFound
	}
	if es.State != from {
		return store.ErrStaleState
	}
	cp := *es
	cp.State = to
	cp.UpdatedAt = time.Now()
	s.data.escrows[id] = &cp
	return nil
}

func (s *memStore) StaleEscrows(ctx context.Context, now time.Time, limit int) ([]*model.Escrow, error) {
	s.lock()
	defer s.unlock()
	var out []*model.Escrow
	for _, es := range s.data.escrows {
		if es.State == model.EscrowOpen && es.ExpiresAt.Before(now) {
			cp := *es
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) AddEscrowUnit(ctx context.Context, u *model.EscrowUnit) error {
	s.lock()
	defer s.unlock()
	if _, ok := s.data.escrows[u.EscrowID]; !ok {
		return store.ErrNotFound
	}
	s.data.nextUnit++
	u.ID = s.data.nextUnit
	u.CreatedAt = time.Now()
	cp := *u
	s.data.units[u.ID] = &cp
	return nil
}

func (s *memStore) EscrowUnits(ctx context.Context, escrowID string) ([]*model.EscrowUnit, error) {
	s.lock()
	defer s.unlock()
	var out []*model.EscrowUnit
	for _, u := range s.data.units {
		if u.EscrowID == escrowID {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MarkEscrowUnits(ctx context.Context, escrowID string, unitIDs []int64, state model.UnitState, releasedTo string) (int64, error) {
	s.lock()
	defer s.unlock()
	want := make(map[int64]bool, len(unitIDs))
	for _, id := range unitIDs {
		want[id] = true
	}
	var n int64
	for id, u := range s.data.units {
		if u.EscrowID != escrowID || u.State != model.UnitHeld {
			continue
		}
		if len(unitIDs) > 0 && !want[id] {
			continue
		}
		cp := *u
		cp.State = state
		cp.ReleasedTo = releasedTo
		s.data.units[id] = &cp
		n++
	}
	return n, nil
}

// --- scheduled actions ---

func (s *memStore) CreateAction(ctx context.Context, a *model.ScheduledAction) error {
	s.lock()
	defer s.unlock()
	if _, ok := s.data.actions[a.ID]; ok {
		return store.ErrAlreadyExists
	}
	a.CreatedAt = time.Now()
	cp := *a
	s.data.actions[a.ID] = &cp
	return nil
}

func (s *memStore) GetAction(ctx context.Context, id string) (*model.ScheduledAction, error) {
	s.lock()
	defer s.unlock()
	a, ok := s.data.actions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) ClaimDueActions(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*model.ScheduledAction, error) {
	s.lock()
	defer s.unlock()
	cutoff := now.Add(-grace)
	var due []*model.ScheduledAction
	for _, a := range s.data.actions {
		pending := a.State == model.ActionPending && !a.NotBefore.After(now)
		abandoned := a.State == model.ActionFiring && a.ClaimedAt != nil && a.ClaimedAt.Before(cutoff)
		if pending || abandoned {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NotBefore.Before(due[j].NotBefore) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.ScheduledAction, 0, len(due))
	for _, a := range due {
		cp := *a
		claimed := now
		cp.State = model.ActionFiring
		cp.ClaimedAt = &claimed
		cp.Attempts++
		s.data.actions[a.ID] = &cp
		ret := cp
		out = append(out, &ret)
	}
	return out, nil
}

func (s *memStore) MarkActionFired(ctx context.Context, id string, firedAt time.Time) error {
	s.lock()
	defer s.unlock()
	a, ok := s.data.actions[id]
	if !ok || a.State != model.ActionFiring {
		return store.ErrNotFound
	}
	cp := *a
	cp.State = model.ActionFired
	cp.FiredAt = &firedAt
	cp.FireCount++
	s.data.actions[id] = &cp
	return nil
}

func (s *memStore) RearmAction(ctx context.Context, id string, notBefore time.Time) error {
	s.lock()
	defer s.unlock()
	a, ok := s.data.actions[id]
	if !ok || a.State != model.ActionFiring {
		return store.ErrNotFound
	}
	now := time.Now()
	cp := *a
	cp.State = model.ActionPending
	cp.NotBefore = notBefore
	cp.ClaimedAt = nil
	cp.FiredAt = &now
	cp.FireCount++
	s.data.actions[id] = &cp
	return nil
}

func (s *memStore) CancelAction(ctx context.Context, id string) error {
	s.lock()
	defer s.unlock()
	a, ok := s.data.actions[id]
	switch {
	case !ok:
		return store.ErrNotFound
	case a.State == model.ActionCanceled:
		return nil
	case a.State != model.ActionPending:
		return store.ErrAlreadyFired
	}
	cp := *a
	cp.State = model.ActionCanceled
	s.data.actions[id] = &cp
	return nil
}

func (s *memStore) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	s.lock()
	defer s.unlock()
	if s.data.ledger[key] {
		return false, nil
	}
	s.data.ledger[key] = true
	return true, nil
}

func (s *memStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	s.lock()
	defer s.unlock()
	delete(s.data.ledger, key)
	return nil
}
