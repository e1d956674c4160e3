package dispatch

import (
	"sync"

	"github.com/groblegark/aspectd/internal/model"
)

// Cursor deduplicates at-least-once event delivery for a consumer. It
// tracks the highest record version seen per (entity, kind); replays and
// reordered duplicates fall below the watermark and are dropped.
type Cursor struct {
	mu   sync.Mutex
	seen map[cursorKey]int64
}

type cursorKey struct {
	entityID string
	kind     model.Kind
}

// NewCursor returns an empty cursor.
func NewCursor() *Cursor {
	return &Cursor{seen: make(map[cursorKey]int64)}
}

// Observe reports whether the event advances the cursor. Events without a
// record version (entity and escrow lifecycle topics) are always fresh.
func (c *Cursor) Observe(ev *model.Event) bool {
	if ev.NewVersion == 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cursorKey{ev.EntityID, ev.Kind}
	if ev.NewVersion <= c.seen[key] {
		return false
	}
	c.seen[key] = ev.NewVersion
	return true
}
