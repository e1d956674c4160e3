package model

import (
	"encoding/json"
	"time"
)

// Kind names an aspect ("combat", "inventory", "project", ...). The engine
// treats kinds as opaque labels; any non-empty string without whitespace or
// dots is valid. Dots are reserved for event topic segments.
type Kind string

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid reports whether the kind can be used as a record key and topic
// segment.
func (k Kind) IsValid() bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Record is one aspect's versioned data for one entity. Payload is an
// opaque JSON object; Version strictly increases on every successful write
// and is the token callers hand back for optimistic writes.
type Record struct {
	EntityID  string          `json:"entity_id"`
	Kind      Kind            `json:"aspect_kind"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Fields decodes the payload into a map. A nil or empty payload decodes to
// an empty map, never nil.
func (r *Record) Fields() (map[string]any, error) {
	m := make(map[string]any)
	if len(r.Payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}
