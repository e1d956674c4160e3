// Package sched implements deferred actions: one-shot or repeating
// invocations scheduled against an entity/aspect, delivered at least once
// by the runner, with an idempotency ledger bounding the observable effect
// to at most once per fire.
package sched

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/groblegark/aspectd/internal/idgen"
	"github.com/groblegark/aspectd/internal/model"
)

// ActionStore is the slice of the store the scheduler uses.
type ActionStore interface {
	CreateAction(ctx context.Context, a *model.ScheduledAction) error
	GetAction(ctx context.Context, id string) (*model.ScheduledAction, error)
	ClaimDueActions(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*model.ScheduledAction, error)
	MarkActionFired(ctx context.Context, id string, firedAt time.Time) error
	RearmAction(ctx context.Context, id string, notBefore time.Time) error
	CancelAction(ctx context.Context, id string) error
	ClaimIdempotencyKey(ctx context.Context, key string) (bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// Request describes an action to schedule.
type Request struct {
	EntityID       string
	Kind           model.Kind
	Action         string
	Payload        json.RawMessage
	NotBefore      time.Time
	IdempotencyKey string
	RepeatEvery    time.Duration
}

// Service schedules and cancels actions.
type Service struct {
	store  ActionStore
	logger *slog.Logger
}

// NewService returns a scheduling service over the given store.
func NewService(s ActionStore, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Schedule registers a deferred action and returns it with a generated id.
// A zero NotBefore means due immediately.
func (s *Service) Schedule(ctx context.Context, req Request) (*model.ScheduledAction, error) {
	id, err := idgen.GenerateWithPrefix(idgen.ActionPrefix)
	if err != nil {
		return nil, err
	}
	a := &model.ScheduledAction{
		ID:             id,
		EntityID:       req.EntityID,
		Kind:           req.Kind,
		Action:         req.Action,
		Payload:        req.Payload,
		NotBefore:      req.NotBefore,
		IdempotencyKey: req.IdempotencyKey,
		RepeatEvery:    req.RepeatEvery,
		State:          model.ActionPending,
	}
	if a.NotBefore.IsZero() {
		a.NotBefore = time.Now()
	}
	if err := s.store.CreateAction(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Debug("action scheduled",
		"action_id", a.ID, "action", a.Action, "not_before", a.NotBefore)
	return a, nil
}

// Get returns an action by id.
func (s *Service) Get(ctx context.Context, id string) (*model.ScheduledAction, error) {
	return s.store.GetAction(ctx, id)
}

// Cancel cancels a pending action. A cancel that loses the race against
// the runner returns store.ErrAlreadyFired; canceling an already-canceled
// action is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.store.CancelAction(ctx, id)
}
