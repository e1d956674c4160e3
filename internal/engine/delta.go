package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/groblegark/aspectd/internal/model"
)

// Bounds clamp a delta update. Nil means unbounded on that side.
type Bounds struct {
	Floor   *float64
	Ceiling *float64
}

// Clamp returns v limited to the bounds and whether clamping occurred.
func (b Bounds) Clamp(v float64) (float64, bool) {
	if b.Floor != nil && v < *b.Floor {
		return *b.Floor, true
	}
	if b.Ceiling != nil && v > *b.Ceiling {
		return *b.Ceiling, true
	}
	return v, false
}

// DeltaResult is the outcome of a DeltaUpdate.
type DeltaResult struct {
	Value   float64 `json:"value"`
	Clamped bool    `json:"clamped"`
	Version int64   `json:"version"`
}

// DeltaUpdate atomically adds delta to a numeric field, clamping to the
// bounds. An absent field counts as zero. The write goes through the same
// CAS loop as Update, so concurrent deltas against the same record always
// sum instead of clobbering each other.
//
// When a deduction hits the floor, the clamped value is committed and the
// shortfall is reported as ErrInsufficientResource alongside the result,
// so "tried to spend 200 of 150" never silently goes negative and never
// silently succeeds either.
func (e *Engine) DeltaUpdate(ctx context.Context, entityID string, kind model.Kind, fieldPath string, delta float64, bounds Bounds) (DeltaResult, error) {
	var res DeltaResult

	rec, err := e.Update(ctx, entityID, kind, func(fields map[string]any) (map[string]any, error) {
		current, _, err := getNumberPath(fields, fieldPath)
		if err != nil {
			return nil, err
		}
		value, clamped := bounds.Clamp(current + delta)
		if err := setPath(fields, fieldPath, normalizeNumber(value)); err != nil {
			return nil, err
		}
		res.Value = value
		res.Clamped = clamped
		return fields, nil
	}, DefaultRetryPolicy)
	if err != nil {
		return DeltaResult{}, err
	}
	res.Version = rec.Version

	if res.Clamped && delta < 0 && bounds.Floor != nil {
		return res, fmt.Errorf("%s clamped to %g applying %g: %w",
			fieldPath, res.Value, delta, ErrInsufficientResource)
	}
	return res, nil
}

// getNumberPath resolves a dotted path to a numeric value. Missing
// segments resolve to (0, false, nil); a non-numeric value is an error.
func getNumberPath(fields map[string]any, path string) (float64, bool, error) {
	v, ok := lookupPath(fields, path)
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	default:
		return 0, false, fmt.Errorf("field %q is not numeric (%T)", path, v)
	}
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(fields)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a value at a dotted path, creating intermediate maps.
// It fails if an intermediate segment exists but is not an object.
func setPath(fields map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	m := fields
	for i, p := range parts[:len(parts)-1] {
		next, ok := m[p]
		if !ok {
			child := make(map[string]any)
			m[p] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("field %q is not an object", strings.Join(parts[:i+1], "."))
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
	return nil
}

// normalizeNumber keeps integral results integral through the JSON
// round-trip (hp stays 7, not 7.0 formatting surprises downstream).
func normalizeNumber(v float64) any {
	if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
		return int64(v)
	}
	return v
}
