package engine

import (
	"errors"
	"fmt"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/store"
)

// The engine's error taxonomy. Transient conflicts (ErrVersionConflict) are
// retried inside Update/Transact and only escape as ErrConcurrencyExhausted;
// everything else is domain-meaningful and returned to the calling aspect.
var (
	ErrNotFound        = store.ErrNotFound
	ErrAlreadyExists   = store.ErrAlreadyExists
	ErrVersionConflict = store.ErrVersionConflict

	// ErrConcurrencyExhausted means the CAS retry budget ran out under
	// sustained contention. Callers surface this as "try again".
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")

	// ErrInsufficientResource reports a floor clamp on a deduction: the
	// clamped write has been committed, but the full delta did not fit.
	ErrInsufficientResource = errors.New("insufficient resource")

	// ErrSourceValidation means a deposit referenced a unit the claimed
	// source no longer owns; nothing was moved.
	ErrSourceValidation = errors.New("source does not own unit")

	// ErrEscrowNotHeld means a release named a unit the escrow does not
	// currently hold.
	ErrEscrowNotHeld = errors.New("unit not held in escrow")

	// ErrEscrowTerminal means the escrow has already been released,
	// returned, or expired.
	ErrEscrowTerminal = errors.New("escrow already settled")

	// ErrStoreUnavailable wraps backend failures, distinguishable from
	// every logical conflict above.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ConflictError reports which record failed validation in a multi-record
// commit. It matches ErrVersionConflict under errors.Is.
type ConflictError struct {
	EntityID string
	Kind     model.Kind
	// Current is the version the record actually holds, when known.
	// Zero means the record was missing or the version was not observed.
	Current int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on (%s, %s)", e.EntityID, e.Kind)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// classify passes logical errors through untouched and wraps anything else
// as a backend failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, logical := range []error{
		ErrNotFound, ErrAlreadyExists, ErrVersionConflict,
		ErrConcurrencyExhausted, ErrInsufficientResource,
		ErrSourceValidation, ErrEscrowNotHeld, ErrEscrowTerminal,
		store.ErrStaleState, store.ErrAlreadyFired,
	} {
		if errors.Is(err, logical) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
