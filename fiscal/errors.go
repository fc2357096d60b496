package fiscal

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

// Domain failures form a small closed taxonomy. The API layer maps each
// sentinel to exactly one HTTP status and error code; everything else
// becomes internal.
var (
	// ErrInvalidArgument marks pre-commit validation failures.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a missing employee, ledger row, or request.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks optimistic-balance mismatches and concurrent
	// modification, including a second ingest racing a running one.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientBalance marks a deduction larger than the combined
	// available balance. Carries detail via InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPolicyViolation marks operations that would exceed the
	// accumulation cap or bypass expiration.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrInvalidTransition marks a state-machine event not permitted from
	// the request's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidSeniority marks a negative hire-to-reference interval.
	ErrInvalidSeniority = errors.New("invalid seniority")

	// ErrCarryOverFailed wraps a year-end carry-over rollback.
	ErrCarryOverFailed = errors.New("carry-over failed")

	// ErrIngestionFailed marks a workbook-level ingestion failure
	// (missing sheet, unreadable file); no partial writes happen.
	ErrIngestionFailed = errors.New("ingestion failed")

	// ErrUnauthenticated marks bad credentials, a bad signature, or an
	// expired token.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidToken marks a syntactically malformed bearer token,
	// as opposed to a well-formed one that fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrForbidden marks an authenticated principal lacking the role an
	// operation requires.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// InsufficientBalanceError reports a failed deduction with the exact
// available-vs-requested delta and the rows that were considered.
type InsufficientBalanceError struct {
	EmployeeNum EmployeeNum
	Year        int
	Available   decimal.Decimal
	Requested   decimal.Decimal
	Considered  []Deduction // per-year available at evaluation time
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s in %d: available %s, requested %s",
		e.EmployeeNum, e.Year, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is the amount by which the request exceeds availability.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// CarryOverError identifies the row on which year-end processing failed.
// The whole carry-over transaction is rolled back before this is returned.
type CarryOverError struct {
	EmployeeNum EmployeeNum
	Year        int
	Err         error
}

func (e *CarryOverError) Error() string {
	return fmt.Sprintf("carry-over failed at %s/%d: %v", e.EmployeeNum, e.Year, e.Err)
}

func (e *CarryOverError) Unwrap() error { return ErrCarryOverFailed }

// TransitionError reports the attempted state-machine event against the
// request's actual status.
type TransitionError struct {
	RequestID string
	From      RequestStatus
	Event     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s: cannot %s from %s", e.RequestID, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a balance-identity mismatch detected after a write.
type ConflictError struct {
	EmployeeNum EmployeeNum
	Year        int
	Stored      decimal.Decimal
	Computed    decimal.Decimal
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("balance mismatch for %s/%d: stored %s, computed %s",
		e.EmployeeNum, e.Year, e.Stored, e.Computed)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsNotFound reports whether err is (or wraps) a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError reports whether the failure was caused by the request
// rather than the system; these never log at error level.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidSeniority) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrForbidden)
}
