package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	err := row.Scan(&e.ID, &e.Name, &e.Location, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntities(rows *sql.Rows) ([]*model.Entity, error) {
	var entities []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanRecord(row scannable) (*model.Record, error) {
	var (
		r       model.Record
		payload []byte
	)
	err := row.Scan(&r.EntityID, &r.Kind, &payload, &r.Version, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*model.Record, error) {
	var records []*model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanEvent(row scannable) (*model.Event, error) {
	var (
		ev        model.Event
		changed   []byte
		payload   []byte
		delivered sql.NullTime
	)
	err := row.Scan(
		&ev.ID,
		&ev.Topic,
		&ev.EntityID,
		&ev.Kind,
		&ev.OldVersion,
		&ev.NewVersion,
		&changed,
		&payload,
		&ev.CreatedAt,
		&delivered,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		if err := json.Unmarshal(changed, &ev.Changed); err != nil {
			return nil, err
		}
	}
	ev.Payload = json.RawMessage(payload)
	if delivered.Valid {
		t := delivered.Time
		ev.DeliveredAt = &t
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEscrow(row scannable) (*model.Escrow, error) {
	var es model.Escrow
	err := row.Scan(&es.ID, &es.State, &es.CreatedAt, &es.UpdatedAt, &es.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &es, nil
}

func scanEscrowUnits(rows *sql.Rows) ([]*model.EscrowUnit, error) {
	var units []*model.EscrowUnit
	for rows.Next() {
		var (
			u          model.EscrowUnit
			descriptor []byte
		)
		err := rows.Scan(&u.ID, &u.EscrowID, &u.SourceID, &descriptor, &u.State, &u.ReleasedTo, &u.CreatedAt)
		if err != nil {
			return nil, err
		}
		u.Descriptor = json.RawMessage(descriptor)
		units = append(units, &u)
	}
	return units, rows.Err()
}

func scanAction(row scannable) (*model.ScheduledAction, error) {
	var (
		a        model.ScheduledAction
		payload  []byte
		repeatMS int64
		claimed  sql.NullTime
		fired    sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.EntityID,
		&a.Kind,
		&a.Action,
		&payload,
		&a.NotBefore,
		&a.IdempotencyKey,
		&repeatMS,
		&a.State,
		&a.Attempts,
		&a.FireCount,
		&a.CreatedAt,
		&claimed,
		&fired,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	a.RepeatEvery = time.Duration(repeatMS) * time.Millisecond
	if claimed.Valid {
		t := claimed.Time
		a.ClaimedAt = &t
	}
	if fired.Valid {
		t := fired.Time
		a.FiredAt = &t
	}
	return &a, nil
}

// jsonbBytes converts a json.RawMessage to []byte for a JSONB column,
// mapping empty to nil so the column default applies.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
