/*
errors.go - Centralized error types for the earnings engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match categories with errors.Is() against the sentinels and pull
  details out with errors.As() on the structured types.

ERROR CATEGORIES:
  1. Validation errors - Negative or malformed input, rejected before any mutation
  2. State errors      - No active shift; shift already open (a notice, not a failure)
  3. Time errors       - End before start, manual timestamp in the future
  4. Lookup errors     - Unknown shift or worker
  5. Store errors      - Persistence collaborator failed (propagated as-is)

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them onto HTTP status codes
*/
package earnings

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for negative or malformed numeric input.
	ErrValidation = errors.New("validation failed")

	// ErrNoActiveShift is returned when an accrual, rate change or end is
	// attempted and the worker has no shift in the required state.
	ErrNoActiveShift = errors.New("no active shift")

	// ErrShiftAlreadyOpen is informational: StartShift resumes and reports
	// it in StartResult.Notice instead of failing.
	ErrShiftAlreadyOpen = errors.New("shift already open")

	// ErrInvalidTime is returned when a supplied instant breaks ordering.
	ErrInvalidTime = errors.New("invalid time")

	// ErrNotFound is returned for unknown shift or worker ids.
	ErrNotFound = errors.New("not found")

	// ErrStore is returned when the persistence collaborator fails.
	ErrStore = errors.New("store failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NoActiveShiftError describes a command that needs an open shift.
type NoActiveShiftError struct {
	WorkerID WorkerID
	ShiftID  ShiftID
	Status   Status // empty when no shift exists at all
}

func (e *NoActiveShiftError) Error() string {
	if e.ShiftID != "" {
		return fmt.Sprintf("no active shift for worker %s: shift %s is %s", e.WorkerID, e.ShiftID, e.Status)
	}
	return fmt.Sprintf("no active shift for worker %s", e.WorkerID)
}

func (e *NoActiveShiftError) Unwrap() error { return ErrNoActiveShift }

// ShiftAlreadyOpenError names the open shift a StartShift resumed.
type ShiftAlreadyOpenError struct {
	WorkerID WorkerID
	ShiftID  ShiftID
	Status   Status
}

func (e *ShiftAlreadyOpenError) Error() string {
	return fmt.Sprintf("worker %s already has %s shift %s", e.WorkerID, e.Status, e.ShiftID)
}

func (e *ShiftAlreadyOpenError) Unwrap() error { return ErrShiftAlreadyOpen }

// InvalidTimeError describes an instant that violates an ordering bound.
type InvalidTimeError struct {
	Field  string
	At     time.Time
	Bound  time.Time
	Reason string
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid %s %s: %s %s",
		e.Field, e.At.Format(time.RFC3339), e.Reason, e.Bound.Format(time.RFC3339))
}

func (e *InvalidTimeError) Unwrap() error { return ErrInvalidTime }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string // "shift", "worker"
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StoreError wraps a persistence failure. It matches ErrStore and unwraps
// to the driver error.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// storeErr wraps err as a StoreError unless it already carries a domain category.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrNoActiveShift) ||
		errors.Is(err, ErrInvalidTime) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsClientError returns true if the error is due to invalid client input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTime) ||
		errors.Is(err, ErrNoActiveShift)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNoActiveShift):
		return "no_active_shift"
	case errors.Is(err, ErrShiftAlreadyOpen):
		return "shift_already_open"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStore):
		return "store"
	}
	return "internal"
}
