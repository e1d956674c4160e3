// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	return queryCreateEntity(ctx, s.db, e)
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	return queryGetEntity(ctx, s.db, id)
}

func (s *PostgresStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	return queryListEntities(ctx, s.db)
}

func (s *PostgresStore) Contents(ctx context.Context, locationID string) ([]*model.Entity, error) {
	return queryContents(ctx, s.db, locationID)
}

func (s *PostgresStore) MoveEntity(ctx context.Context, id, location string) error {
	return queryMoveEntity(ctx, s.db, id, location)
}

func (s *PostgresStore) RenameEntity(ctx context.Context, id, name string) error {
	return queryRenameEntity(ctx, s.db, id, name)
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, id string) error {
	return queryDeleteEntity(ctx, s.db, id)
}

func (s *PostgresStore) GetRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	return queryGetRecord(ctx, s.db, entityID, kind, false)
}

func (s *PostgresStore) LockRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	return queryGetRecord(ctx, s.db, entityID, kind, true)
}

func (s *PostgresStore) ListRecords(ctx context.Context, entityID string) ([]*model.Record, error) {
	return queryListRecords(ctx, s.db, entityID)
}

func (s *PostgresStore) ListAllRecords(ctx context.Context) ([]*model.Record, error) {
	return queryListAllRecords(ctx, s.db)
}

func (s *PostgresStore) CreateRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage) (int64, error) {
	return queryCreateRecord(ctx, s.db, entityID, kind, payload)
}

func (s *PostgresStore) PutRecordIfVersion(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage, expected int64) (int64, error) {
	return queryPutRecordIfVersion(ctx, s.db, entityID, kind, payload, expected)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	return queryAppendEvent(ctx, s.db, ev)
}

func (s *PostgresStore) UndeliveredEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	return queryUndeliveredEvents(ctx, s.db, limit)
}

func (s *PostgresStore) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	return queryMarkEventsDelivered(ctx, s.db, ids)
}

func (s *PostgresStore) EventsForEntity(ctx context.Context, entityID string, limit int) ([]*model.Event, error) {
	return queryEventsForEntity(ctx, s.db, entityID, limit)
}

func (s *PostgresStore) PruneDeliveredEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	return queryPruneDeliveredEvents(ctx, s.db, olderThan)
}

func (s *PostgresStore) CreateEscrow(ctx context.Context, es *model.Escrow) error {
	return queryCreateEscrow(ctx, s.db, es)
}

func (s *PostgresStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return queryGetEscrow(ctx, s.db, id, false)
}

func (s *PostgresStore) LockEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return queryGetEscrow(ctx, s.db, id, true)
}

func (s *PostgresStore) TouchEscrow(ctx context.Context, id string, expiresAt time.Time) error {
	return queryTouchEscrow(ctx, s.db, id, expiresAt)
}

func (s *PostgresStore) TransitionEscrow(ctx context.Context, id string, from, to model.EscrowState) error {
	return queryTransitionEscrow(ctx, s.db, id, from, to)
}

func (s *PostgresStore) StaleEscrows(ctx context.Context, now time.Time, limit int) ([]*model.Escrow, error) {
	return queryStaleEscrows(ctx, s.db, now, limit)
}

func (s *PostgresStore) AddEscrowUnit(ctx context.Context, u *model.EscrowUnit) error {
	return queryAddEscrowUnit(ctx, s.db, u)
}

func (s *PostgresStore) EscrowUnits(ctx context.Context, escrowID string) ([]*model.EscrowUnit, error) {
	return queryEscrowUnits(ctx, s.db, escrowID)
}

func (s *PostgresStore) MarkEscrowUnits(ctx context.Context, escrowID string, unitIDs []int64, state model.UnitState, releasedTo string) (int64, error) {
	return queryMarkEscrowUnits(ctx, s.db, escrowID, unitIDs, state, releasedTo)
}

func (s *PostgresStore) CreateAction(ctx context.Context, a *model.ScheduledAction) error {
	return queryCreateAction(ctx, s.db, a)
}

func (s *PostgresStore) GetAction(ctx context.Context, id string) (*model.ScheduledAction, error) {
	return queryGetAction(ctx, s.db, id)
}

func (s *PostgresStore) ClaimDueActions(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*model.ScheduledAction, error) {
	return queryClaimDueActions(ctx, s.db, now, grace, limit)
}

func (s *PostgresStore) MarkActionFired(ctx context.Context, id string, firedAt time.Time) error {
	return queryMarkActionFired(ctx, s.db, id, firedAt)
}

func (s *PostgresStore) RearmAction(ctx context.Context, id string, notBefore time.Time) error {
	return queryRearmAction(ctx, s.db, id, notBefore)
}

func (s *PostgresStore) CancelAction(ctx context.Context, id string) error {
	return queryCancelAction(ctx, s.db, id)
}

func (s *PostgresStore) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return queryClaimIdempotencyKey(ctx, s.db, key)
}

func (s *PostgresStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return queryReleaseIdempotencyKey(ctx, s.db, key)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	return queryCreateEntity(ctx, s.tx, e)
}

func (s *txStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	return queryGetEntity(ctx, s.tx, id)
}

func (s *txStore) ListEntities(ctx context.Context) ([]*model.Entity, error) {
	return queryListEntities(ctx, s.tx)
}

func (s *txStore) Contents(ctx context.Context, locationID string) ([]*model.Entity, error) {
	return queryContents(ctx, s.tx, locationID)
}

func (s *txStore) MoveEntity(ctx context.Context, id, location string) error {
	return queryMoveEntity(ctx, s.tx, id, location)
}

func (s *txStore) RenameEntity(ctx context.Context, id, name string) error {
	return queryRenameEntity(ctx, s.tx, id, name)
}

func (s *txStore) DeleteEntity(ctx context.Context, id string) error {
	return queryDeleteEntity(ctx, s.tx, id)
}

func (s *txStore) GetRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	return queryGetRecord(ctx, s.tx, entityID, kind, false)
}

func (s *txStore) LockRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	return queryGetRecord(ctx, s.tx, entityID, kind, true)
}

func (s *txStore) ListRecords(ctx context.Context, entityID string) ([]*model.Record, error) {
	return queryListRecords(ctx, s.tx, entityID)
}

func (s *txStore) ListAllRecords(ctx context.Context) ([]*model.Record, error) {
	return queryListAllRecords(ctx, s.tx)
}

func (s *txStore) CreateRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage) (int64, error) {
	return queryCreateRecord(ctx, s.tx, entityID, kind, payload)
}

func (s *txStore) PutRecordIfVersion(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage, expected int64) (int64, error) {
	return queryPutRecordIfVersion(ctx, s.tx, entityID, kind, payload, expected)
}

func (s *txStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	return queryAppendEvent(ctx, s.tx, ev)
}

func (s *txStore) UndeliveredEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	return queryUndeliveredEvents(ctx, s.tx, limit)
}

func (s *txStore) MarkEventsDelivered(ctx context.Context, ids []int64) error {
	return queryMarkEventsDelivered(ctx, s.tx, ids)
}

func (s *txStore) EventsForEntity(ctx context.Context, entityID string, limit int) ([]*model.Event, error) {
	return queryEventsForEntity(ctx, s.tx, entityID, limit)
}

func (s *txStore) PruneDeliveredEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	return queryPruneDeliveredEvents(ctx, s.tx, olderThan)
}

func (s *txStore) CreateEscrow(ctx context.Context, es *model.Escrow) error {
	return queryCreateEscrow(ctx, s.tx, es)
}

func (s *txStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return queryGetEscrow(ctx, s.tx, id, false)
}

func (s *txStore) LockEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	return queryGetEscrow(ctx, s.tx, id, true)
}

func (s *txStore) TouchEscrow(ctx context.Context, id string, expiresAt time.Time) error {
	return queryTouchEscrow(ctx, s.tx, id, expiresAt)
}

func (s *txStore) TransitionEscrow(ctx context.Context, id string, from, to model.EscrowState) error {
	return queryTransitionEscrow(ctx, s.tx, id, from, to)
}

func (s *txStore) StaleEscrows(ctx context.Context, now time.Time, limit int) ([]*model.Escrow, error) {
	return queryStaleEscrows(ctx, s.tx, now, limit)
}

func (s *txStore) AddEscrowUnit(ctx context.Context, u *model.EscrowUnit) error {
	return queryAddEscrowUnit(ctx, s.tx, u)
}

func (s *txStore) EscrowUnits(ctx context.Context, escrowID string) ([]*model.EscrowUnit, error) {
	return queryEscrowUnits(ctx, s.tx, escrowID)
}

func (s *txStore) MarkEscrowUnits(ctx context.Context, escrowID string, unitIDs []int64, state model.UnitState, releasedTo string) (int64, error) {
	return queryMarkEscrowUnits(ctx, s.tx, escrowID, unitIDs, state, releasedTo)
}

func (s *txStore) CreateAction(ctx context.Context, a *model.ScheduledAction) error {
	return queryCreateAction(ctx, s.tx, a)
}

func (s *txStore) GetAction(ctx context.Context, id string) (*model.ScheduledAction, error) {
	return queryGetAction(ctx, s.tx, id)
}

func (s *txStore) ClaimDueActions(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*model.ScheduledAction, error) {
	return queryClaimDueActions(ctx, s.tx, now, grace, limit)
}

func (s *txStore) MarkActionFired(ctx context.Context, id string, firedAt time.Time) error {
	return queryMarkActionFired(ctx, s.tx, id, firedAt)
}

func (s *txStore) RearmAction(ctx context.Context, id string, notBefore time.Time) error {
	return queryRearmAction(ctx, s.tx, id, notBefore)
}

func (s *txStore) CancelAction(ctx context.Context, id string) error {
	return queryCancelAction(ctx, s.tx, id)
}

func (s *txStore) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return queryClaimIdempotencyKey(ctx, s.tx, key)
}

func (s *txStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return queryReleaseIdempotencyKey(ctx, s.tx, key)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
