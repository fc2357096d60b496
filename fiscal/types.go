/*
Package fiscal implements the statutory paid-leave ledger.

PURPOSE:
  Tracks 有給休暇 (paid leave) per employee per fiscal year according to the
  Labor Standards Act, Article 39:
  - Grant days by seniority (the Article 39 table, capped at 20)
  - Consume days newest-year-first (LIFO) across carry-over years
  - Carry unused balance into the next year, capped and aged out after
    max_carry_over_years
  - Flag employees who must use 5 days per year and have not

KEY CONCEPTS:
  LedgerRow:
    One (employee, fiscal year) balance line. Mutations go through Engine
    operations only; every mutation recomputes and re-verifies the balance
    identity before commit.

  UsageEvent:
    One dated, typed debit against a ledger row. A row's used column must
    always equal the sum of its non-expired usage events. Expiration is
    recorded as a zero-day event so the audit trail shows when days lapsed.

  LeaveRequest:
    A workflow document. Approval is the only path from a request to ledger
    mutation; the deduction breakdown is persisted on the request so a later
    revert credits exactly the years that were debited.

  FiscalPolicy:
    Process-wide constants loaded once at boot (period anchoring, carry-over
    window, accumulation cap, the 5-day rule thresholds).

DESIGN PRINCIPLES:
  1. Day quantities are decimals, never floats (0.25 and 0.5 must be exact)
  2. All multi-row mutations run inside one store transaction
  3. Typed errors, mapped to HTTP exactly once at the API boundary
  4. Audit entries are written inside the same transaction as the change

USAGE:
  engine := fiscal.NewEngine(store, policy, logger)
  breakdown, err := engine.Deduct(ctx, "E001", fiscal.Days(3), 2025, "approve req-42")

SEE ALSO:
  - policy.go: FiscalPolicy and the Article 39 grant table
  - period.go: fiscal-year anchoring and business-day math
  - engine.go: grant, deduct, carry-over, compliance
  - store.go: persistence contracts
*/
package fiscal

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// EmployeeNum is the opaque employee identifier carried by every register and
// ledger record. Upstream HR owns the format; we only bound its length.
type EmployeeNum string

// MaxEmployeeNumLen bounds employee identifiers at ingestion and request time.
const MaxEmployeeNumLen = 20

// Valid reports whether the identifier is non-empty and within bounds.
func (e EmployeeNum) Valid() bool {
	s := strings.TrimSpace(string(e))
	return s != "" && len(s) <= MaxEmployeeNumLen && s == string(e)
}

// =============================================================================
// EMPLOYMENT CATEGORIES AND STATUS
// =============================================================================

// Category is the employment category. Each category has its own register
// sheet and its own register table.
type Category string

const (
	CategoryDispatch Category = "dispatch"
	CategoryContract Category = "contract"
	CategoryStaff    Category = "staff"
)

// ParseCategory resolves a category string, rejecting unknown values.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryDispatch, CategoryContract, CategoryStaff:
		return Category(s), nil
	default:
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidArgument, s)
	}
}

// EmployeeStatus tracks employment state on registers and ledger rows.
type EmployeeStatus string

const (
	StatusActive    EmployeeStatus = "active"
	StatusRetired   EmployeeStatus = "retired"
	StatusSuspended EmployeeStatus = "suspended"
)

// =============================================================================
// REGISTER RECORDS
// =============================================================================

// RegisterEmployee is one row of an employment register. The three categories
// share this shape; fields a category's workbook does not carry stay zero.
type RegisterEmployee struct {
	EmployeeNum EmployeeNum
	Category    Category
	Name        string

	// Category-specific placement fields.
	DispatchName string // dispatch: client site name
	Business     string // contract: contracted business
	Office       string // staff: office

	HourlyWage  *int64 // yen; nil when the register does not carry a wage
	BirthDate   *time.Time
	Nationality string
	HireDate    *time.Time
	LeaveDate   *time.Time
	Status      EmployeeStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkLocation returns the category-specific placement field.
func (r RegisterEmployee) WorkLocation() string {
	switch r.Category {
	case CategoryDispatch:
		return r.DispatchName
	case CategoryContract:
		return r.Business
	default:
		return r.Office
	}
}

// Active reports whether the employee is currently employed.
func (r RegisterEmployee) Active() bool {
	return r.Status == StatusActive && r.LeaveDate == nil
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

// LedgerRow is one (employee, fiscal year) balance line.
//
// The balance identity, checked on every engine mutation:
//
//	balance = granted + carried_in - used - expired - carried_out
//
// carried_out is zero until year-end carry-over moves days into the next
// year's carried_in; keeping it on the source row lets the identity hold at
// every read, including after year-end processing.
type LedgerRow struct {
	EmployeeNum EmployeeNum
	Year        int

	// Denormalized from the register at row creation for reporting.
	Name         string
	Category     Category
	WorkLocation string

	Granted    decimal.Decimal
	Used       decimal.Decimal
	CarriedIn  decimal.Decimal
	Expired    decimal.Decimal
	CarriedOut decimal.Decimal
	Balance    decimal.Decimal

	HireDate    *time.Time
	LeaveDate   *time.Time
	Status      EmployeeStatus
	LastUpdated time.Time
}

// ComputedBalance evaluates the balance identity from the row's components.
func (r LedgerRow) ComputedBalance() decimal.Decimal {
	return r.Granted.Add(r.CarriedIn).Sub(r.Used).Sub(r.Expired).Sub(r.CarriedOut)
}

// Consistent reports whether the stored balance matches the identity.
func (r LedgerRow) Consistent() bool {
	return r.Balance.Equal(r.ComputedBalance())
}

// Validate checks the row invariants that hold independent of policy.
func (r LedgerRow) Validate() error {
	if !r.EmployeeNum.Valid() {
		return fmt.Errorf("%w: employee_num %q", ErrInvalidArgument, r.EmployeeNum)
	}
	if r.Year < 1950 || r.Year > 2200 {
		return fmt.Errorf("%w: year %d out of range", ErrInvalidArgument, r.Year)
	}
	if r.Granted.IsNegative() || r.Granted.GreaterThan(MaxGrantDays) {
		return fmt.Errorf("%w: granted %s outside [0,%s]", ErrInvalidArgument, r.Granted, MaxGrantDays)
	}
	if r.Used.IsNegative() {
		return fmt.Errorf("%w: used %s is negative", ErrInvalidArgument, r.Used)
	}
	if r.CarriedIn.IsNegative() || r.Expired.IsNegative() || r.CarriedOut.IsNegative() {
		return fmt.Errorf("%w: negative carry/expire component", ErrInvalidArgument)
	}
	return nil
}

// =============================================================================
// USAGE EVENTS
// =============================================================================

// UsageType classifies how a day (or fraction) was consumed.
type UsageType string

const (
	UsageFull    UsageType = "full"     // whole day off
	UsageHalf    UsageType = "half"     // 半日, AM/PM
	UsageHourly  UsageType = "hourly"   // 2h slot of an 8h day
	UsageExpired UsageType = "expired"  // 消滅: statutory lapse, zero days
	UsagePaidOut UsageType = "paid_out" // 支給: settled in pay, one day
)

// UsageSource records which path appended the event.
type UsageSource string

const (
	SourceIngested        UsageSource = "ingested"
	SourceApprovedRequest UsageSource = "approved_request"
	SourceManual          UsageSource = "manual"
)

// Day quantities a single usage event may carry.
var (
	DaysZero    = decimal.Zero
	DaysQuarter = decimal.New(25, -2) // 0.25
	DaysHalf    = decimal.New(5, -1)  // 0.5
	DaysFull    = decimal.New(1, 0)   // 1.0
)

// UsageEvent is one dated debit (or zero-day expiration marker) attached to a
// ledger row. Events are keyed (employee, year, use_date) with
// last-writer-wins on re-ingest.
type UsageEvent struct {
	EmployeeNum EmployeeNum
	Year        int
	UseDate     time.Time
	DaysUsed    decimal.Decimal
	Type        UsageType
	Source      UsageSource
	RequestID   string // set when Source == SourceApprovedRequest
	CreatedAt   time.Time
}

// Validate checks the event's day quantity against its type.
func (u UsageEvent) Validate() error {
	if !u.EmployeeNum.Valid() {
		return fmt.Errorf("%w: employee_num %q", ErrInvalidArgument, u.EmployeeNum)
	}
	if u.UseDate.IsZero() {
		return fmt.Errorf("%w: usage event without date", ErrInvalidArgument)
	}
	switch u.Type {
	case UsageExpired:
		if !u.DaysUsed.IsZero() {
			return fmt.Errorf("%w: expired event must carry 0 days, got %s", ErrInvalidArgument, u.DaysUsed)
		}
	case UsageFull, UsagePaidOut:
		if !u.DaysUsed.Equal(DaysFull) {
			return fmt.Errorf("%w: %s event must carry 1.0 days, got %s", ErrInvalidArgument, u.Type, u.DaysUsed)
		}
	case UsageHalf:
		if !u.DaysUsed.Equal(DaysHalf) {
			return fmt.Errorf("%w: half event must carry 0.5 days, got %s", ErrInvalidArgument, u.DaysUsed)
		}
	case UsageHourly:
		if !u.DaysUsed.IsPositive() || u.DaysUsed.GreaterThan(DaysFull) ||
			!u.DaysUsed.Mod(DaysQuarter).IsZero() {
			return fmt.Errorf("%w: hourly event must carry quarter-day steps within one day, got %s", ErrInvalidArgument, u.DaysUsed)
		}
	default:
		return fmt.Errorf("%w: unknown usage type %q", ErrInvalidArgument, u.Type)
	}
	return nil
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

// RequestStatus is the leave-request state machine state.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether the status accepts no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// LeaveType is the kind of leave a request asks for.
type LeaveType string

const (
	LeaveFull   LeaveType = "full"
	LeaveHalf   LeaveType = "half"
	LeaveHourly LeaveType = "hourly"
)

// Request bounds.
var (
	MaxRequestDays  = decimal.New(40, 0)
	MaxRequestHours = decimal.New(320, 0)
)

// MaxReasonLen bounds the free-text reason.
const MaxReasonLen = 500

// Deduction is one (year, days) slice of a LIFO deduction.
type Deduction struct {
	Year int             `json:"year"`
	Days decimal.Decimal `json:"days"`
}

// TotalDeducted sums a deduction breakdown.
func TotalDeducted(breakdown []Deduction) decimal.Decimal {
	total := decimal.Zero
	for _, d := range breakdown {
		total = total.Add(d.Days)
	}
	return total
}

// LeaveRequest is a workflow document. Employee name and hourly wage are
// snapshots taken at creation; later register changes do not alter them.
type LeaveRequest struct {
	ID           string
	EmployeeNum  EmployeeNum
	EmployeeName string
	Year         int
	StartDate    time.Time
	EndDate      time.Time

	DaysRequested  decimal.Decimal
	HoursRequested decimal.Decimal // non-zero only when LeaveType == LeaveHourly
	LeaveType      LeaveType
	Reason         string

	Status       RequestStatus
	RequestedBy  string
	RequestedAt  time.Time
	ApprovedBy   string
	ApprovedAt   *time.Time
	RejectedBy   string
	RejectedAt   *time.Time
	RejectReason string

	HourlyWage   int64           // yen at creation; 0 when the register had none
	CostEstimate decimal.Decimal // days*8*wage, or hours*wage

	// Deductions is the persisted LIFO breakdown written at approval and
	// cleared at revert. Revert credits exactly these slices.
	Deductions []Deduction

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EstimateCost computes the yen cost of a request from its captured wage.
func (r LeaveRequest) EstimateCost() decimal.Decimal {
	wage := decimal.New(r.HourlyWage, 0)
	if r.LeaveType == LeaveHourly {
		return r.HoursRequested.Mul(wage)
	}
	return r.DaysRequested.Mul(decimal.New(HoursPerWorkday, 0)).Mul(wage)
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditAction identifies what a ledger or workflow mutation did.
type AuditAction string

const (
	AuditCreate    AuditAction = "create"
	AuditUpdate    AuditAction = "update"
	AuditDelete    AuditAction = "delete"
	AuditApprove   AuditAction = "approve"
	AuditReject    AuditAction = "reject"
	AuditRevert    AuditAction = "revert"
	AuditCancel    AuditAction = "cancel"
	AuditSync      AuditAction = "sync"
	AuditRestore   AuditAction = "restore"
	AuditPurge     AuditAction = "purge"
	AuditCarryOver AuditAction = "carry_over"
	AuditLogin     AuditAction = "login"
)

// SystemActor marks audit entries written by background processing rather
// than an authenticated user.
const SystemActor = "system"

// AuditEntry is one append-only audit record. Before and After hold
// serialized snapshots (JSON) of the touched entity, when applicable.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	Actor      string
	Action     AuditAction
	EntityKind string
	EntityID   string
	Before     *string
	After      *string
	SourceIP   string
	UserAgent  string
	Extra      map[string]any
}

// =============================================================================
// USERS
// =============================================================================

// Role orders API permissions. Every authenticated user may read; approvers
// additionally decide requests; admins additionally run ingestion,
// carry-over, exports and backups.
type Role string

const (
	RoleUser     Role = "user"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

// Allows reports whether a holder of this role may act as required.
// Roles are strictly ordered: admin > approver > user.
func (r Role) Allows(required Role) bool {
	rank := map[Role]int{RoleUser: 1, RoleApprover: 2, RoleAdmin: 3}
	return rank[r] >= rank[required]
}

// User is an API account. PasswordHash is a bcrypt hash; anything else is
// rejected at boot outside development.
type User struct {
	Username     string
	PasswordHash string
	Role         Role
	EmployeeNum  EmployeeNum
	Active       bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// DAY HELPERS
// =============================================================================

// Days builds a day quantity from a literal. Test and call-site convenience;
// storage always round-trips decimals as strings.
func Days(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// DateOnly normalizes a timestamp to a UTC calendar date.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
