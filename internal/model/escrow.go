package model

import (
	"encoding/json"
	"time"
)

// EscrowState is the lifecycle state of an escrow.
// Transitions: open -> released | returned | expired. The three right-hand
// states are terminal; expired behaves exactly like returned.
type EscrowState string

const (
	EscrowOpen     EscrowState = "open"
	EscrowReleased EscrowState = "released"
	EscrowReturned EscrowState = "returned"
	EscrowExpired  EscrowState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowReleased, EscrowReturned, EscrowExpired:
		return true
	}
	return false
}

// Escrow is a neutral holding area for units moved out of their sources
// during a multi-party operation (trade, project contribution, slot swap).
// An open escrow idle past ExpiresAt is force-returned by the sweeper.
type Escrow struct {
	ID        string      `json:"id"`
	State     EscrowState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// UnitState accounts for a deposited unit. Every unit is in exactly one of
// these states; nothing is ever duplicated or implicitly destroyed.
type UnitState string

const (
	UnitHeld     UnitState = "held"
	UnitReleased UnitState = "released"
	UnitReturned UnitState = "returned"
)

// UnitKind discriminates what a deposited unit refers to.
type UnitKind string

const (
	// UnitItem is a whole entity (an item); depositing moves its location
	// into the escrow, releasing moves it to the destination.
	UnitItem UnitKind = "item"
	// UnitQuantity is an amount drawn from a numeric field of the source's
	// aspect record (gold, stacked materials).
	UnitQuantity UnitKind = "quantity"
)

// UnitDescriptor identifies what is being deposited.
type UnitDescriptor struct {
	Kind UnitKind `json:"kind"`

	// Item units.
	ItemID string `json:"item_id,omitempty"`

	// Quantity units.
	AspectKind Kind    `json:"aspect_kind,omitempty"`
	Field      string  `json:"field,omitempty"` // dotted path into the payload
	Amount     float64 `json:"amount,omitempty"`
}

// Valid reports whether the descriptor is well-formed.
func (d UnitDescriptor) Valid() bool {
	switch d.Kind {
	case UnitItem:
		return d.ItemID != ""
	case UnitQuantity:
		return d.AspectKind.IsValid() && d.Field != "" && d.Amount > 0
	}
	return false
}

// EscrowUnit is one deposited unit and its accounting state.
type EscrowUnit struct {
	ID         int64           `json:"id"`
	EscrowID   string          `json:"escrow_id"`
	SourceID   string          `json:"source_entity_id"`
	Descriptor json.RawMessage `json:"descriptor"`
	State      UnitState       `json:"state"`
	ReleasedTo string          `json:"released_to,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Unit decodes the stored descriptor.
func (u *EscrowUnit) Unit() (UnitDescriptor, error) {
	var d UnitDescriptor
	err := json.Unmarshal(u.Descriptor, &d)
	return d, err
}
