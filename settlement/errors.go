/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP layer maps these to status codes via the helpers at the bottom.

ERROR CATEGORIES:
  1. Expected outcomes - nothing to settle, settlement already exists
  2. Validation errors - malformed input
  3. Invariant violations - illegal transitions, arithmetic or stop-limit broken
  4. Store errors - conflicts, missing records, lost optimistic updates

USAGE:
    if errors.Is(err, settlement.ErrNoEligibleActivity) {
        // skip, not a failure
    }

SEE ALSO:
  - workflow.go: returns TransitionError and InvariantError
  - generator.go: classifies per-driver outcomes with these sentinels
*/
package settlement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoEligibleActivity means the driver has nothing to settle for the
	// period. Callers treat this as a skip, not a failure.
	ErrNoEligibleActivity = errors.New("no eligible activity for period")

	// ErrDuplicateSettlement means a live settlement already covers the
	// driver and period.
	ErrDuplicateSettlement = errors.New("settlement already exists for driver and period")

	// ErrValidation is returned for malformed input: bad periods, unknown
	// drivers, missing payment method.
	ErrValidation = errors.New("validation failed")

	// ErrInvariantViolation means a persisted settlement or rule no longer
	// satisfies its arithmetic or stop-limit invariant.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStorageConflict is a uniqueness violation raised by the store.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when an optimistic version
	// check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDispatchUnavailable means the async queue refused the job.
	ErrDispatchUnavailable = errors.New("dispatch unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError is an illegal workflow transition. It belongs to the
// invariant-violation class: the settlement is left unchanged.
type TransitionError struct {
	Op             string
	Status         Status
	ApprovalStatus ApprovalStatus
}

func (e *TransitionError) Error() string {
	if e.Status == StatusPending || string(e.Status) == string(e.ApprovalStatus) {
		return fmt.Sprintf("cannot %s a %s settlement", e.Op, e.ApprovalStatus)
	}
	return fmt.Sprintf("cannot %s a %s settlement (approval %s)", e.Op, e.Status, e.ApprovalStatus)
}

func (e *TransitionError) Unwrap() error { return ErrInvariantViolation }

// InvariantError describes which invariant a settlement broke.
type InvariantError struct {
	SettlementID SettlementID
	RuleID       RuleID
	Detail       string
}

func (e *InvariantError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("invariant violation on settlement %s, rule %s: %s",
			e.SettlementID, e.RuleID, e.Detail)
	}
	return fmt.Sprintf("invariant violation on settlement %s: %s", e.SettlementID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// DriverError attaches a driver to a per-driver failure in a batch.
type DriverError struct {
	DriverID DriverID
	Err      error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver %s: %v", e.DriverID, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStorageConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if the request lost against existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateSettlement) ||
		errors.Is(err, ErrStorageConflict) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrInvariantViolation)
}

// IsSkip returns true for per-driver outcomes that are not failures.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNoEligibleActivity) ||
		errors.Is(err, ErrDuplicateSettlement)
}
