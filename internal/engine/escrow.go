package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groblegark/aspectd/internal/idgen"
	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

// BeginEscrow opens a holding area. ttl <= 0 uses the engine default; the
// idle clock restarts on every deposit, and an open escrow past its expiry
// is force-returned by the sweeper.
func (e *Engine) BeginEscrow(ctx context.Context, ttl time.Duration) (*model.Escrow, error) {
	if ttl <= 0 {
		ttl = e.escrowTTL
	}
	id, err := idgen.GenerateWithPrefix(idgen.EscrowPrefix)
	if err != nil {
		return nil, err
	}
	es := &model.Escrow{
		ID:        id,
		State:     model.EscrowOpen,
		ExpiresAt: e.now().Add(ttl),
	}
	if err := e.store.CreateEscrow(ctx, es); err != nil {
		return nil, classify(err)
	}
	return es, nil
}

// EscrowInfo returns an escrow and its units.
func (e *Engine) EscrowInfo(ctx context.Context, id string) (*model.Escrow, []*model.EscrowUnit, error) {
	es, err := e.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, nil, classify(err)
	}
	units, err := e.store.EscrowUnits(ctx, id)
	if err != nil {
		return nil, nil, classify(err)
	}
	return es, units, nil
}

// Deposit validates that the source still owns the unit and atomically
// moves it into the escrow: an item entity is relocated into the escrow,
// a quantity is debited from the source's record in the same transaction
// that records the held unit. Two parallel deposits both land; neither can
// overwrite the other because each is its own row plus CAS-checked debit.
func (e *Engine) Deposit(ctx context.Context, escrowID, sourceID string, unit model.UnitDescriptor) (*model.EscrowUnit, error) {
	if !unit.Valid() {
		return nil, fmt.Errorf("invalid unit descriptor: %w", ErrSourceValidation)
	}

	descriptor, err := json.Marshal(unit)
	if err != nil {
		return nil, err
	}
	u := &model.EscrowUnit{
		EscrowID:   escrowID,
		SourceID:   sourceID,
		Descriptor: descriptor,
		State:      model.UnitHeld,
	}

	err = e.store.RunInTransaction(ctx, func(tx store.Store) error {
		es, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if es.State != model.EscrowOpen {
			return ErrEscrowTerminal
		}

		switch unit.Kind {
		case model.UnitItem:
			item, err := tx.GetEntity(ctx, unit.ItemID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("item %s does not exist: %w", unit.ItemID, ErrSourceValidation)
				}
				return err
			}
			if item.Location != sourceID {
				return fmt.Errorf("item %s is not held by %s: %w", unit.ItemID, sourceID, ErrSourceValidation)
			}
			if err := tx.MoveEntity(ctx, unit.ItemID, escrowID); err != nil {
				return err
			}
		case model.UnitQuantity:
			if err := debitField(ctx, tx, sourceID, unit.AspectKind, unit.Field, unit.Amount); err != nil {
				return err
			}
		}

		if err := tx.AddEscrowUnit(ctx, u); err != nil {
			return err
		}
		// Restart the idle clock with the window this escrow was begun
		// with, not the engine default. The row itself carries it: both
		// at creation and after every touch, ExpiresAt sits one window
		// past UpdatedAt.
		window := es.ExpiresAt.Sub(es.UpdatedAt)
		if window <= 0 {
			window = e.escrowTTL
		}
		if err := tx.TouchEscrow(ctx, escrowID, e.now().Add(window)); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:    model.TopicEscrowDeposited,
			EntityID: escrowID,
			Payload:  mustJSON(map[string]any{"source": sourceID, "unit": unit}),
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// Release hands held units to the destination. An empty unitIDs releases
// everything still held. Naming a unit that is not held aborts the whole
// release; partially-applied releases cannot be observed. When no held
// units remain afterwards the escrow settles as released.
func (e *Engine) Release(ctx context.Context, escrowID, destinationID string, unitIDs []int64) (int, error) {
	released := 0
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		es, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if es.State != model.EscrowOpen {
			return ErrEscrowTerminal
		}

		units, err := heldUnits(ctx, tx, escrowID, unitIDs)
		if err != nil {
			return err
		}
		for _, u := range units {
			if err := settleUnit(ctx, tx, u, destinationID); err != nil {
				return err
			}
		}
		ids := unitIDList(units)
		n, err := tx.MarkEscrowUnits(ctx, escrowID, ids, model.UnitReleased, destinationID)
		if err != nil {
			return err
		}
		if n != int64(len(units)) {
			return ErrEscrowNotHeld
		}
		released = len(units)

		remaining, err := tx.EscrowUnits(ctx, escrowID)
		if err != nil {
			return err
		}
		open := false
		for _, u := range remaining {
			if u.State == model.UnitHeld {
				open = true
				break
			}
		}
		if !open {
			if err := tx.TransitionEscrow(ctx, escrowID, model.EscrowOpen, model.EscrowReleased); err != nil {
				return err
			}
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:    model.TopicEscrowReleased,
			EntityID: escrowID,
			Payload:  mustJSON(map[string]any{"destination": destinationID, "units": released}),
		})
	})
	if err != nil {
		return 0, classify(err)
	}
	return released, nil
}

// ReturnAll sends every held unit back to its depositor and settles the
// escrow as returned.
func (e *Engine) ReturnAll(ctx context.Context, escrowID string) (int, error) {
	return e.settleBack(ctx, escrowID, model.EscrowReturned, model.TopicEscrowReturned)
}

// ExpireStale force-returns open escrows whose expiry has passed. It is
// invoked periodically by the sweeper and returns how many escrows were
// settled. Expiry behaves exactly like ReturnAll except for the terminal
// state, so an abandoned trade or project never keeps units forever.
func (e *Engine) ExpireStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale, err := e.store.StaleEscrows(ctx, e.now(), limit)
	if err != nil {
		return 0, classify(err)
	}
	expired := 0
	for _, es := range stale {
		if _, err := e.settleBack(ctx, es.ID, model.EscrowExpired, model.TopicEscrowExpired); err != nil {
			// Conflicting settlement by another caller is fine; the
			// escrow reached a terminal state either way.
			if errors.Is(err, ErrEscrowTerminal) {
				continue
			}
			return expired, err
		}
		expired++
		e.logger.Info("escrow expired", "escrow_id", es.ID)
	}
	return expired, nil
}

func (e *Engine) settleBack(ctx context.Context, escrowID string, state model.EscrowState, topic string) (int, error) {
	returned := 0
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		es, err := tx.LockEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		if es.State != model.EscrowOpen {
			return ErrEscrowTerminal
		}

		units, err := heldUnits(ctx, tx, escrowID, nil)
		if err != nil {
			return err
		}
		for _, u := range units {
			if err := settleUnit(ctx, tx, u, u.SourceID); err != nil {
				return err
			}
		}
		if _, err := tx.MarkEscrowUnits(ctx, escrowID, nil, model.UnitReturned, ""); err != nil {
			return err
		}
		returned = len(units)

		if err := tx.TransitionEscrow(ctx, escrowID, model.EscrowOpen, state); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:    topic,
			EntityID: escrowID,
			Payload:  mustJSON(map[string]any{"units": returned}),
		})
	})
	if err != nil {
		return 0, classify(err)
	}
	return returned, nil
}

// heldUnits loads the escrow's held units, filtered to ids when given.
// A requested id that is not currently held fails with ErrEscrowNotHeld.
func heldUnits(ctx context.Context, tx store.Store, escrowID string, ids []int64) ([]*model.EscrowUnit, error) {
	units, err := tx.EscrowUnits(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.EscrowUnit, len(units))
	var held []*model.EscrowUnit
	for _, u := range units {
		byID[u.ID] = u
		if u.State == model.UnitHeld {
			held = append(held, u)
		}
	}
	if len(ids) == 0 {
		return held, nil
	}
	selected := make([]*model.EscrowUnit, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok || u.State != model.UnitHeld {
			return nil, fmt.Errorf("unit %d: %w", id, ErrEscrowNotHeld)
		}
		selected = append(selected, u)
	}
	return selected, nil
}

// settleUnit moves one unit out of escrow to the given entity: items are
// relocated, quantities are credited back onto the target's record.
func settleUnit(ctx context.Context, tx store.Store, u *model.EscrowUnit, to string) error {
	unit, err := u.Unit()
	if err != nil {
		return err
	}
	switch unit.Kind {
	case model.UnitItem:
		return tx.MoveEntity(ctx, unit.ItemID, to)
	case model.UnitQuantity:
		return creditField(ctx, tx, to, unit.AspectKind, unit.Field, unit.Amount)
	default:
		return fmt.Errorf("unknown unit kind %q", unit.Kind)
	}
}

func unitIDList(units []*model.EscrowUnit) []int64 {
	ids := make([]int64, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids
}

// debitField subtracts amount from a numeric field under row lock,
// failing with ErrSourceValidation when the balance does not cover it.
func debitField(ctx context.Context, tx store.Store, entityID string, kind model.Kind, field string, amount float64) error {
	rec, err := tx.LockRecord(ctx, entityID, kind)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s has no %s record: %w", entityID, kind, ErrSourceValidation)
		}
		return err
	}
	fields, err := rec.Fields()
	if err != nil {
		return err
	}
	current, _, err := getNumberPath(fields, field)
	if err != nil {
		return err
	}
	if current < amount {
		return fmt.Errorf("%s.%s is %g, need %g: %w", kind, field, current, amount, ErrSourceValidation)
	}
	return writeField(ctx, tx, rec, fields, field, current-amount)
}

// creditField adds amount to a numeric field, creating the record when the
// target has none yet.
func creditField(ctx context.Context, tx store.Store, entityID string, kind model.Kind, field string, amount float64) error {
	rec, err := tx.LockRecord(ctx, entityID, kind)
	if errors.Is(err, store.ErrNotFound) {
		fields := make(map[string]any)
		if err := setPath(fields, field, normalizeNumber(amount)); err != nil {
			return err
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		version, err := tx.CreateRecord(ctx, entityID, kind, payload)
		if err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &model.Event{
			Topic:      model.AspectTopic(kind),
			EntityID:   entityID,
			Kind:       kind,
			NewVersion: version,
			Changed:    sortedKeys(fields),
			Payload:    payload,
		})
	}
	if err != nil {
		return err
	}
	fields, err := rec.Fields()
	if err != nil {
		return err
	}
	current, _, err := getNumberPath(fields, field)
	if err != nil {
		return err
	}
	return writeField(ctx, tx, rec, fields, field, current+amount)
}

// writeField commits a single-field change on an already locked record,
// appending the matching event.
func writeField(ctx context.Context, tx store.Store, rec *model.Record, fields map[string]any, field string, value float64) error {
	if err := setPath(fields, field, normalizeNumber(value)); err != nil {
		return err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	version, err := tx.PutRecordIfVersion(ctx, rec.EntityID, rec.Kind, payload, rec.Version)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, &model.Event{
		Topic:      model.AspectTopic(rec.Kind),
		EntityID:   rec.EntityID,
		Kind:       rec.Kind,
		OldVersion: rec.Version,
		NewVersion: version,
		Changed:    []string{rootSegment(field)},
		Payload:    payload,
	})
}

func rootSegment(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
