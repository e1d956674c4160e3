// Package store defines the persistence interface of the engine: entities,
// versioned aspect records with compare-and-swap writes, the event outbox,
// escrows, scheduled actions, and the idempotency ledger.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// Logical failures. Everything else returned by a Store implementation is a
// backend failure and should be treated as StoreUnavailable by callers.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrStaleState      = errors.New("state changed concurrently")
	ErrAlreadyFired    = errors.New("action already fired")
)

// Store is the durable backend. All single-record operations are
// linearizable per key; multi-record atomicity is obtained by running the
// individual operations inside RunInTransaction.
type Store interface {
	// Entities. Deleting an entity deletes its aspect records in the same
	// operation.
	CreateEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context) ([]*model.Entity, error)
	Contents(ctx context.Context, locationID string) ([]*model.Entity, error)
	MoveEntity(ctx context.Context, id, location string) error
	RenameEntity(ctx context.Context, id, name string) error
	DeleteEntity(ctx context.Context, id string) error

	// Aspect records. PutRecordIfVersion succeeds only when the stored
	// version equals expected, and returns the new version; it returns
	// ErrVersionConflict when the record moved and ErrNotFound when it is
	// absent. LockRecord is only meaningful inside RunInTransaction.
	GetRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error)
	LockRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error)
	ListRecords(ctx context.Context, entityID string) ([]*model.Record, error)
	ListAllRecords(ctx context.Context) ([]*model.Record, error)
	CreateRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage) (int64, error)
	PutRecordIfVersion(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage, expected int64) (int64, error)

	// Event outbox.
	AppendEvent(ctx context.Context, ev *model.Event) error
	UndeliveredEvents(ctx context.Context, limit int) ([]*model.Event, error)
	MarkEventsDelivered(ctx context.Context, ids []int64) error
	EventsForEntity(ctx context.Context, entityID string, limit int) ([]*model.Event, error)
	PruneDeliveredEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// Escrows. LockEscrow takes a row lock and is only meaningful inside
	// RunInTransaction. TransitionEscrow is conditional on the current
	// state and returns ErrStaleState when it no longer holds.
	CreateEscrow(ctx context.Context, es *model.Escrow) error
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)
	LockEscrow(ctx context.Context, id string) (*model.Escrow, error)
	TouchEscrow(ctx context.Context, id string, expiresAt time.Time) error
	TransitionEscrow(ctx context.Context, id string, from, to model.EscrowState) error
	StaleEscrows(ctx context.Context, now time.Time, limit int) ([]*model.Escrow, error)
	AddEscrowUnit(ctx context.Context, u *model.EscrowUnit) error
	EscrowUnits(ctx context.Context, escrowID string) ([]*model.EscrowUnit, error)
	MarkEscrowUnits(ctx context.Context, escrowID string, unitIDs []int64, state model.UnitState, releasedTo string) (int64, error)

	// Scheduled actions. ClaimDueActions atomically moves due actions to
	// the firing state (skipping rows locked by other runners) and returns
	// them; firing actions claimed before the grace cutoff are reclaimed.
	CreateAction(ctx context.Context, a *model.ScheduledAction) error
	GetAction(ctx context.Context, id string) (*model.ScheduledAction, error)
	ClaimDueActions(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*model.ScheduledAction, error)
	MarkActionFired(ctx context.Context, id string, firedAt time.Time) error
	RearmAction(ctx context.Context, id string, notBefore time.Time) error
	CancelAction(ctx context.Context, id string) error

	// Idempotency ledger. ClaimIdempotencyKey returns false when the key
	// was already claimed (the effect has been applied before).
	// ReleaseIdempotencyKey undoes a claim whose effect did not apply, so
	// a later redelivery can claim it again.
	ClaimIdempotencyKey(ctx context.Context, key string) (bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error

	// RunInTransaction runs fn against a Store view bound to one database
	// transaction, committing on nil and rolling back on error.
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	Close() error
}
