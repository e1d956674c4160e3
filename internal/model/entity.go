// Package model defines the persisted types of the entity-aspect engine:
// entities, versioned aspect records, committed-change events, escrows,
// and scheduled actions.
package model

import "time"

// Entity is a uniquely identified thing in the world. It carries only
// identity and the indexed fields (name, location) that must be queryable
// without deserializing any aspect payload. Everything else lives in
// per-aspect records.
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Location  string    `json:"location,omitempty"` // containing entity, empty = nowhere
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
