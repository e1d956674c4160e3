package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Postgres error codes mapped to logical store errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func mapConstraintErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			return store.ErrAlreadyExists
		case pgForeignKeyViolation:
			return store.ErrNotFound
		}
	}
	return err
}

// --- Entities ---

const entityColumns = `id, name, location, created_at, updated_at`

func queryCreateEntity(ctx context.Context, db executor, e *model.Entity) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO entities (id, name, location)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		e.ID, e.Name, e.Location,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return mapConstraintErr(err)
}

func queryGetEntity(ctx context.Context, db executor, id string) (*model.Entity, error) {
	row := db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id)
	return scanEntity(row)
}

func queryListEntities(ctx context.Context, db executor) ([]*model.Entity, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

func queryContents(ctx context.Context, db executor, locationID string) ([]*model.Entity, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE location = $1 ORDER BY id`,
		locationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

func queryMoveEntity(ctx context.Context, db executor, id, location string) error {
	return execExpectingRow(ctx, db, `
		UPDATE entities SET location = $2, updated_at = NOW() WHERE id = $1`,
		id, location)
}

func queryRenameEntity(ctx context.Context, db executor, id, name string) error {
	return execExpectingRow(ctx, db, `
		UPDATE entities SET name = $2, updated_at = NOW() WHERE id = $1`,
		id, name)
}

// queryDeleteEntity removes the entity; its aspect records go with it via
// ON DELETE CASCADE.
func queryDeleteEntity(ctx context.Context, db executor, id string) error {
	return execExpectingRow(ctx, db, `DELETE FROM entities WHERE id = $1`, id)
}

func execExpectingRow(ctx context.Context, db executor, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Records ---

const recordColumns = `entity_id, aspect_kind, payload, version, updated_at`

func queryGetRecord(ctx context.Context, db executor, entityID string, kind model.Kind, forUpdate bool) (*model.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM records WHERE entity_id = $1 AND aspect_kind = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	row := db.QueryRowContext(ctx, q, entityID, string(kind))
	return scanRecord(row)
}

func queryListRecords(ctx context.Context, db executor, entityID string) ([]*model.Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records WHERE entity_id = $1 ORDER BY aspect_kind`,
		entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func queryListAllRecords(ctx context.Context, db executor) ([]*model.Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records ORDER BY entity_id, aspect_kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func queryCreateRecord(ctx context.Context, db executor, entityID string, kind model.Kind, payload json.RawMessage) (int64, error) {
	var version int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO records (entity_id, aspect_kind, payload)
		VALUES ($1, $2, $3)
		RETURNING version`,
		entityID, string(kind), jsonbBytes(payload),
	).Scan(&version)
	if err != nil {
		return 0, mapConstraintErr(err)
	}
	return version, nil
}

// queryPutRecordIfVersion is the engine's CAS primitive: the write lands
// only when the stored version still equals expected. A miss is
// disambiguated into conflict vs. absence with a follow-up read.
func queryPutRecordIfVersion(ctx context.Context, db executor, entityID string, kind model.Kind, payload json.RawMessage, expected int64) (int64, error) {
	var version int64
	err := db.QueryRowContext(ctx, `
		UPDATE records
		SET payload = $3, version = version + 1, updated_at = NOW()
		WHERE entity_id = $1 AND aspect_kind = $2 AND version = $4
		RETURNING version`,
		entityID, string(kind), jsonbBytes(payload), expected,
	).Scan(&version)
	if err == nil {
		return version, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	var current int64
	err = db.QueryRowContext(ctx, `
		SELECT version FROM records WHERE entity_id = $1 AND aspect_kind = $2`,
		entityID, string(kind),
	).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		return 0, store.ErrNotFound
	case err != nil:
		return 0, err
	default:
		return current, store.ErrVersionConflict
	}
}

// --- Outbox ---

const eventColumns = `id, topic, entity_id, aspect_kind, old_version, new_version, changed, payload, created_at, delivered_at`

func queryAppendEvent(ctx context.Context, db executor, ev *model.Event) error {
	changed, err := json.Marshal(ev.Changed)
	if err != nil {
		return fmt.Errorf("marshal changed fields: %w", err)
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO outbox (topic, entity_id, aspect_kind, old_version, new_version, changed, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		ev.Topic, ev.EntityID, string(ev.Kind), ev.OldVersion, ev.NewVersion,
		changed, jsonbBytes(ev.Payload),
	).Scan(&ev.ID, &ev.CreatedAt)
}

func queryUndeliveredEvents(ctx context.Context, db executor, limit int) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM outbox
		WHERE delivered_at IS NULL
		ORDER BY id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryMarkEventsDelivered(ctx context.Context, db executor, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET delivered_at = NOW() WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	return err
}

func queryEventsForEntity(ctx context.Context, db executor, entityID string, limit int) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM outbox
		WHERE entity_id = $1
		ORDER BY id DESC
		LIMIT $2`,
		entityID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryPruneDeliveredEvents(ctx context.Context, db executor, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM outbox WHERE delivered_at IS NOT NULL AND delivered_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Escrows ---

const escrowColumns = `id, state, created_at, updated_at, expires_at`

func queryCreateEscrow(ctx context.Context, db executor, es *model.Escrow) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO escrows (id, state, expires_at)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		es.ID, string(es.State), es.ExpiresAt,
	).Scan(&es.CreatedAt, &es.UpdatedAt)
	return mapConstraintErr(err)
}

func queryGetEscrow(ctx context.Context, db executor, id string, forUpdate bool) (*model.Escrow, error) {
	q := `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	return scanEscrow(db.QueryRowContext(ctx, q, id))
}

func queryTouchEscrow(ctx context.Context, db executor, id string, expiresAt time.Time) error {
	return execExpectingRow(ctx, db, `
		UPDATE escrows SET updated_at = NOW(), expires_at = $2 WHERE id = $1`,
		id, expiresAt)
}

// queryTransitionEscrow flips the state only when the current state still
// matches; a miss on an existing escrow means someone else got there first.
func queryTransitionEscrow(ctx context.Context, db executor, id string, from, to model.EscrowState) error {
	res, err := db.ExecContext(ctx, `
		UPDATE escrows SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = db.QueryRowContext(ctx, `SELECT state FROM escrows WHERE id = $1`, id).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		return store.ErrNotFound
	case err != nil:
		return err
	default:
		return fmt.Errorf("escrow %s is %s: %w", id, current, store.ErrStaleState)
	}
}

func queryStaleEscrows(ctx context.Context, db executor, now time.Time, limit int) ([]*model.Escrow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE state = 'open' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []*model.Escrow
	for rows.Next() {
		es, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, es)
	}
	return escrows, rows.Err()
}

func queryAddEscrowUnit(ctx context.Context, db executor, u *model.EscrowUnit) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO escrow_units (escrow_id, source_id, descriptor, state)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		u.EscrowID, u.SourceID, []byte(u.Descriptor), string(u.State),
	).Scan(&u.ID, &u.CreatedAt)
	return mapConstraintErr(err)
}

func queryEscrowUnits(ctx context.Context, db executor, escrowID string) ([]*model.EscrowUnit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, escrow_id, source_id, descriptor, state, released_to, created_at
		FROM escrow_units
		WHERE escrow_id = $1
		ORDER BY id`,
		escrowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrowUnits(rows)
}

// queryMarkEscrowUnits moves held units to a terminal unit state. Only
// held units match, so double-release and release-after-return are no-ops
// visible to the caller through the returned count.
func queryMarkEscrowUnits(ctx context.Context, db executor, escrowID string, unitIDs []int64, state model.UnitState, releasedTo string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if len(unitIDs) == 0 {
		res, err = db.ExecContext(ctx, `
			UPDATE escrow_units SET state = $2, released_to = $3
			WHERE escrow_id = $1 AND state = 'held'`,
			escrowID, string(state), releasedTo,
		)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE escrow_units SET state = $2, released_to = $3
			WHERE escrow_id = $1 AND state = 'held' AND id = ANY($4)`,
			escrowID, string(state), releasedTo, pq.Array(unitIDs),
		)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Scheduled actions ---

const actionColumns = `id, entity_id, aspect_kind, action, payload, not_before,
	idempotency_key, repeat_every_ms, state, attempts, fire_count, created_at, claimed_at, fired_at`

func queryCreateAction(ctx context.Context, db executor, a *model.ScheduledAction) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO scheduled_actions (
			id, entity_id, aspect_kind, action, payload, not_before,
			idempotency_key, repeat_every_ms, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		a.ID, a.EntityID, string(a.Kind), a.Action, jsonbBytes(a.Payload),
		a.NotBefore, a.IdempotencyKey, a.RepeatEvery.Milliseconds(), string(a.State),
	).Scan(&a.CreatedAt)
	return mapConstraintErr(err)
}

func queryGetAction(ctx context.Context, db executor, id string) (*model.ScheduledAction, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM scheduled_actions WHERE id = $1`, id)
	return scanAction(row)
}

// queryClaimDueActions claims due pending actions plus firing actions whose
// claim is older than the grace cutoff (a runner died mid-fire). SKIP
// LOCKED keeps concurrent runners from double-claiming in the same instant.
func queryClaimDueActions(ctx context.Context, db executor, now time.Time, grace time.Duration, limit int) ([]*model.ScheduledAction, error) {
	cutoff := now.Add(-grace)
	rows, err := db.QueryContext(ctx, `
		UPDATE scheduled_actions
		SET state = 'firing', claimed_at = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM scheduled_actions
			WHERE (state = 'pending' AND not_before <= $1)
			   OR (state = 'firing' AND claimed_at < $2)
			ORDER BY not_before
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+actionColumns,
		now, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*model.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func queryMarkActionFired(ctx context.Context, db executor, id string, firedAt time.Time) error {
	return execExpectingRow(ctx, db, `
		UPDATE scheduled_actions
		SET state = 'fired', fired_at = $2, fire_count = fire_count + 1
		WHERE id = $1 AND state = 'firing'`,
		id, firedAt)
}

// queryRearmAction returns a repeating action to pending for its next fire.
func queryRearmAction(ctx context.Context, db executor, id string, notBefore time.Time) error {
	return execExpectingRow(ctx, db, `
		UPDATE scheduled_actions
		SET state = 'pending', not_before = $2, claimed_at = NULL,
		    fired_at = NOW(), fire_count = fire_count + 1
		WHERE id = $1 AND state = 'firing'`,
		id, notBefore)
}

// queryCancelAction cancels a pending action. A near-simultaneous fire wins
// the race: the action is already firing or fired and the caller learns it
// was too late.
func queryCancelAction(ctx context.Context, db executor, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE scheduled_actions SET state = 'canceled'
		WHERE id = $1 AND state = 'pending'`,
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var state string
	err = db.QueryRowContext(ctx, `SELECT state FROM scheduled_actions WHERE id = $1`, id).Scan(&state)
	switch {
	case err == sql.ErrNoRows:
		return store.ErrNotFound
	case err != nil:
		return err
	case state == string(model.ActionCanceled):
		return nil
	default:
		return store.ErrAlreadyFired
	}
}

// --- Idempotency ledger ---

func queryClaimIdempotencyKey(ctx context.Context, db executor, key string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO action_ledger (idempotency_key)
		VALUES ($1)
		ON CONFLICT DO NOTHING`,
		key,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func queryReleaseIdempotencyKey(ctx context.Context, db executor, key string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM action_ledger WHERE idempotency_key = $1`,
		key,
	)
	return err
}
