/*
store.go - Persistence contracts for the paid-leave core

PURPOSE:
  Defines what the engine and the request workflow need from storage. The
  SQLite implementation lives in store/sqlite; tests may substitute an
  in-memory :memory: database through the same interfaces.

KEY CONCEPTS:
  Store:
    The full persistence surface: registers, ledger rows, usage events,
    leave requests, audit. Reads outside transactions use it directly.

  TxStore:
    Store plus WithTx. Every multi-row mutation (deduct, carry-over,
    request transitions, ingest apply) runs inside WithTx; the callback's
    Store routes all calls through one database transaction, and any error
    rolls back everything written inside it, audit entries included.

SEE ALSO:
  - engine.go: the transactional call sites
  - store/sqlite: the implementation
*/
package fiscal

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

// PageRequest bounds list reads. Zero values are normalized by the API
// layer before they reach the store (page >= 1, limit in [1,500]).
type PageRequest struct {
	Page  int
	Limit int
}

// Offset converts the page request into a row offset.
func (p PageRequest) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// EmployeeFilter selects register employees.
type EmployeeFilter struct {
	Category   Category // empty = all
	ActiveOnly bool
	Year       int    // non-zero = only employees holding a ledger row that year
	Query      string // full-text over name and work location
	Page       PageRequest
}

// RequestFilter selects leave requests.
type RequestFilter struct {
	Status      RequestStatus // empty = all
	EmployeeNum EmployeeNum   // empty = all
	Year        int           // zero = all
	Page        PageRequest
}

// AuditFilter selects audit entries, newest first.
type AuditFilter struct {
	Action     AuditAction // empty = all
	EntityKind string      // empty = all
	Actor      string      // empty = all
	From       *time.Time
	To         *time.Time
	Page       PageRequest
}

// =============================================================================
// STORE CONTRACTS
// =============================================================================

// RegisterStore persists the three category registers.
type RegisterStore interface {
	// GetRegisterEmployee resolves one employee across all categories with
	// a single indexed lookup per table. Returns ErrNotFound when absent.
	GetRegisterEmployee(ctx context.Context, num EmployeeNum) (*RegisterEmployee, error)

	// PutRegisterEmployee upserts into the employee's category table,
	// keyed on employee_num.
	PutRegisterEmployee(ctx context.Context, emp RegisterEmployee) error

	// ListRegisterEmployees returns a filtered page plus the unpaged total.
	ListRegisterEmployees(ctx context.Context, f EmployeeFilter) ([]RegisterEmployee, int, error)
}

// LedgerStore persists per-year balance rows.
type LedgerStore interface {
	// GetLedgerRow returns ErrNotFound when the (employee, year) row does
	// not exist.
	GetLedgerRow(ctx context.Context, num EmployeeNum, year int) (*LedgerRow, error)

	// LedgerRowsForEmployee returns all of one employee's rows, newest
	// year first.
	LedgerRowsForEmployee(ctx context.Context, num EmployeeNum) ([]LedgerRow, error)

	// LedgerRowsForYear returns every row of a fiscal year.
	LedgerRowsForYear(ctx context.Context, year int) ([]LedgerRow, error)

	// StaleLedgerRows returns rows with positive balance in years at or
	// before maxYear (aging candidates for expiration).
	StaleLedgerRows(ctx context.Context, maxYear int) ([]LedgerRow, error)

	// LedgerRowsBefore returns every row in years strictly before year
	// (retention purge candidates), oldest first.
	LedgerRowsBefore(ctx context.Context, year int) ([]LedgerRow, error)

	// PutLedgerRow upserts on (employee_num, year).
	PutLedgerRow(ctx context.Context, row LedgerRow) error

	// DeleteLedgerRow removes a row and cascades to its usage events.
	// Fails with ErrConflict while a non-terminal request references it.
	DeleteLedgerRow(ctx context.Context, num EmployeeNum, year int) error
}

// UsageStore persists dated usage events.
type UsageStore interface {
	// PutUsageEvent upserts on (employee_num, year, use_date),
	// last-writer-wins on days/type/source.
	PutUsageEvent(ctx context.Context, ev UsageEvent) error

	// UsageEventsForRow returns a row's events ordered by date.
	UsageEventsForRow(ctx context.Context, num EmployeeNum, year int) ([]UsageEvent, error)

	// UsageEventsByRequest returns the events appended by one approval.
	UsageEventsByRequest(ctx context.Context, requestID string) ([]UsageEvent, error)

	// DeleteUsageEventsByRequest removes an approval's events (revert path).
	DeleteUsageEventsByRequest(ctx context.Context, requestID string) error
}

// RequestStore persists leave requests.
type RequestStore interface {
	CreateLeaveRequest(ctx context.Context, req LeaveRequest) error
	GetLeaveRequest(ctx context.Context, id string) (*LeaveRequest, error)
	UpdateLeaveRequest(ctx context.Context, req LeaveRequest) error

	// DeleteLeaveRequest removes a terminal request (administrative).
	DeleteLeaveRequest(ctx context.Context, id string) error

	// CountOpenRequests reports non-terminal requests referencing a
	// ledger row; row deletion is refused while any exist.
	CountOpenRequests(ctx context.Context, num EmployeeNum, year int) (int, error)

	ListLeaveRequests(ctx context.Context, f RequestFilter) ([]LeaveRequest, int, error)
}

// AuditStore appends to the immutable audit log. There is deliberately no
// update or delete; the storage layer additionally rejects both by trigger.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, int, error)
}

// Store is the full persistence surface used by the core.
type Store interface {
	RegisterStore
	LedgerStore
	UsageStore
	RequestStore
	AuditStore
}

// TxStore adds scoped transactions. Implementations must roll back every
// write made through the callback's Store when fn returns an error, and
// must propagate ctx cancellation into the transaction.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
