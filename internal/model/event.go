package model

import (
	"encoding/json"
	"time"
)

// Event is an immutable notification of a committed change, appended to the
// outbox in the same database transaction as the write it describes. It is
// published to subscribers only after commit; DeliveredAt stays null until
// the relay has handed it off, so the outbox doubles as a short audit trail.
type Event struct {
	ID          int64           `json:"id"`
	Topic       string          `json:"topic"`
	EntityID    string          `json:"entity_id"`
	Kind        Kind            `json:"aspect_kind,omitempty"`
	OldVersion  int64           `json:"old_version"`
	NewVersion  int64           `json:"new_version"`
	Changed     []string        `json:"changed,omitempty"` // top-level fields that changed
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}
