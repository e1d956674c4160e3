// Package client provides a transport-agnostic interface for the aspectd
// service and an HTTP/JSON implementation that talks to the aspectd REST API.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// AspectClient is the interface that all aspectd CLI commands use to
// communicate with the server. It is implemented by HTTPClient (default)
// and can be backed by any transport.
type AspectClient interface {
	// Entities
	CreateEntity(ctx context.Context, req *CreateEntityRequest) (*model.Entity, error)
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context) (*ListEntitiesResponse, error)
	RenameEntity(ctx context.Context, id, name string) (*model.Entity, error)
	MoveEntity(ctx context.Context, id, location string) (*model.Entity, error)
	DeleteEntity(ctx context.Context, id string) error
	Contents(ctx context.Context, id string) (*ListEntitiesResponse, error)
	GetEvents(ctx context.Context, entityID string, limit int) ([]*model.Event, error)

	// Aspect records
	GetRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error)
	ListRecords(ctx context.Context, entityID string) ([]*model.Record, error)
	CreateRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage) (*model.Record, error)
	PutRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage, expectedVersion int64) (int64, error)
	DeltaRecord(ctx context.Context, entityID string, kind model.Kind, req *DeltaRequest) (*DeltaResponse, error)
	Commit(ctx context.Context, writes []TransactionWrite) (int, error)

	// Escrows
	CreateEscrow(ctx context.Context, ttl time.Duration) (*model.Escrow, error)
	GetEscrow(ctx context.Context, id string) (*EscrowResponse, error)
	Deposit(ctx context.Context, escrowID, sourceID string, unit model.UnitDescriptor) (*model.EscrowUnit, error)
	Release(ctx context.Context, escrowID, destinationID string, unitIDs []int64) (int64, error)
	Return(ctx context.Context, escrowID string) (int64, error)

	// Scheduled actions
	ScheduleAction(ctx context.Context, req *ScheduleActionRequest) (*model.ScheduledAction, error)
	GetAction(ctx context.Context, id string) (*model.ScheduledAction, error)
	CancelAction(ctx context.Context, id string) error

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// CreateEntityRequest holds parameters for creating an entity.
type CreateEntityRequest struct {
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// ListEntitiesResponse is the response from ListEntities and Contents.
type ListEntitiesResponse struct {
	Entities []*model.Entity `json:"entities"`
	Total    int             `json:"total"`
}

// DeltaRequest holds parameters for a numeric delta update.
type DeltaRequest struct {
	Field   string   `json:"field"`
	Delta   float64  `json:"delta"`
	Floor   *float64 `json:"floor,omitempty"`
	Ceiling *float64 `json:"ceiling,omitempty"`
}

// DeltaResponse is the outcome of a delta update: the field's new value,
// whether bounds clamped it, and the record's new version.
type DeltaResponse struct {
	Value   float64 `json:"value"`
	Clamped bool    `json:"clamped"`
	Version int64   `json:"version"`
}

// TransactionWrite is one compare-and-swap write in a multi-record commit.
type TransactionWrite struct {
	EntityID        string          `json:"entity_id"`
	Kind            model.Kind      `json:"aspect_kind"`
	ExpectedVersion int64           `json:"expected_version"`
	Payload         json.RawMessage `json:"payload"`
}

// EscrowResponse is the response from GetEscrow.
type EscrowResponse struct {
	Escrow *model.Escrow      `json:"escrow"`
	Units  []*model.EscrowUnit `json:"units"`
}

// ScheduleActionRequest holds parameters for scheduling a deferred action.
// Set either NotBefore or Delay; when both are empty the action is due
// immediately.
type ScheduleActionRequest struct {
	EntityID       string          `json:"entity_id"`
	Kind           model.Kind      `json:"aspect_kind,omitempty"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	Delay          string          `json:"delay,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RepeatEvery    string          `json:"repeat_every,omitempty"`
}
