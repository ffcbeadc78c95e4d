/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store backends translate their native failures (SQLite extended codes,
  Postgres SQLSTATEs) into these errors so callers only ever need errors.Is.

ERROR CATEGORIES:
  1. Constraint errors - duplicate (year, month) period
  2. Lookup errors - unknown cycle or transaction id
  3. Validation errors - month outside [1,12]

ABSENCE IS NOT AN ERROR AT THE FACADE:
  The Repository turns ErrNotFound from point lookups into a nil result, and
  treats update/delete of a missing record as a successful no-op. Only the
  Store surfaces ErrNotFound.

SEE ALSO:
  - store.go: Uses these errors
  - repository.go: Absence handling
*/
package budget

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConstraintViolation is returned when a cycle would share its
	// (year, month) with another cycle. Not retryable.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound is returned by the store for an id that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPeriod is returned when a month is outside [1,12].
	ErrInvalidPeriod = errors.New("invalid period: month must be in [1,12]")

	// ErrNotifierClosed is returned when subscribing to a closed notifier.
	ErrNotifierClosed = errors.New("notifier closed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicatePeriodError reports which cycle already owns a period.
type DuplicatePeriodError struct {
	Period     Period
	ExistingID CycleID // zero when the backend could not tell
}

func (e *DuplicatePeriodError) Error() string {
	if e.ExistingID == 0 {
		return fmt.Sprintf("constraint violation: a cycle for %04d-%02d already exists",
			e.Period.Year, e.Period.Month)
	}
	return fmt.Sprintf("constraint violation: cycle %d already covers %04d-%02d",
		e.ExistingID, e.Period.Year, e.Period.Month)
}

func (e *DuplicatePeriodError) Unwrap() error {
	return ErrConstraintViolation
}

// RecordKind names the collection a NotFoundError refers to.
type RecordKind string

const (
	KindCycle       RecordKind = "cycle"
	KindTransaction RecordKind = "transaction"
)

// NotFoundError reports a missing record.
type NotFoundError struct {
	Kind RecordKind
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CycleNotFound builds the error stores return for a missing cycle.
func CycleNotFound(id CycleID) error {
	return &NotFoundError{Kind: KindCycle, ID: int64(id)}
}

// TransactionNotFound builds the error stores return for a missing transaction.
func TransactionNotFound(id TransactionID) error {
	return &NotFoundError{Kind: KindTransaction, ID: int64(id)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true for (year, month) uniqueness violations.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConstraintViolation) ||
		errors.Is(err, ErrInvalidPeriod)
}
