package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionState is the lifecycle state of a scheduled action.
// pending -> firing -> fired is the normal path; a firing action whose
// runner died is reclaimed after a grace period (at-least-once delivery).
type ActionState string

const (
	ActionPending  ActionState = "pending"
	ActionFiring   ActionState = "firing"
	ActionFired    ActionState = "fired"
	ActionCanceled ActionState = "canceled"
)

// ScheduledAction is a deferred invocation against one entity/aspect. The
// handler named by Action runs at or after NotBefore, at least once; the
// idempotency key bounds the observable effect to at most once.
type ScheduledAction struct {
	ID             string          `json:"id"`
	EntityID       string          `json:"entity_id"`
	Kind           Kind            `json:"aspect_kind"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	NotBefore      time.Time       `json:"not_before"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RepeatEvery    time.Duration   `json:"repeat_every,omitempty"` // 0 = one-shot
	State          ActionState     `json:"state"`
	Attempts       int             `json:"attempts"`
	FireCount      int             `json:"fire_count"`
	CreatedAt      time.Time       `json:"created_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	FiredAt        *time.Time      `json:"fired_at,omitempty"`
}

// NextIdempotencyKey derives the dedup key for the upcoming fire of a
// repeating action. One-shot actions use the caller-supplied key as-is.
func (a *ScheduledAction) NextIdempotencyKey() string {
	if a.IdempotencyKey == "" {
		return ""
	}
	if a.RepeatEvery <= 0 {
		return a.IdempotencyKey
	}
	return fmt.Sprintf("%s#%d", a.IdempotencyKey, a.FireCount)
}
