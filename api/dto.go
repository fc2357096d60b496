/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request / Create*DTO: Request body types from clients

VALIDATION:
  Request bodies carry go-playground/validator struct tags, checked by
  decodeJSON in handlers.go before any domain code runs. Tag failures map
  to invalid_argument with one detail row per offending field.

UNITS:
  Day quantities travel as JSON numbers. Internally they are decimals in
  quarter-day steps, so the float64 round trip is exact. Dates are
  "2006-01-02"; timestamps are RFC3339 UTC.

SEE ALSO:
  - handlers.go: decodes and validates these types
  - envelope.go: the response wrapper around every DTO
*/
package api

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/warp/yukyu/fiscal"
	"github.com/warp/yukyu/store/sqlite"
)

// validate checks request DTO struct tags. One instance for the package;
// the validator caches struct metadata internally.
var validate = validator.New(validator.WithRequiredStructEnabled())

const dateLayout = "2006-01-02"

// =============================================================================
// AUTH
// =============================================================================

// LoginRequest carries credentials. Neither field is ever logged.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

// SessionDTO is the login response. The CSRF token also travels in the
// X-CSRF-Token response header for clients that prefer headers.
type SessionDTO struct {
	Token     string  `json:"token"`
	ExpiresAt string  `json:"expires_at"`
	CSRFToken string  `json:"csrf_token"`
	User      UserDTO `json:"user"`
}

// UserDTO is the public view of an account. No credential material.
type UserDTO struct {
	Username    string `json:"username"`
	Role        string `json:"role"`
	EmployeeNum string `json:"employee_num,omitempty"`
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// EmployeeDTO is the register view exposed over the API. Birth date,
// nationality and wage stay internal; they are payroll inputs, not
// leave-administration outputs.
type EmployeeDTO struct {
	EmployeeNum  string `json:"employee_num"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	WorkLocation string `json:"work_location,omitempty"`
	HireDate     string `json:"hire_date,omitempty"`
	LeaveDate    string `json:"leave_date,omitempty"`
	Status       string `json:"status"`
}

// =============================================================================
// BALANCES
// =============================================================================

// LedgerRowDTO is one (employee, fiscal year) balance row.
type LedgerRowDTO struct {
	EmployeeNum  string  `json:"employee_num"`
	Year         int     `json:"year"`
	Name         string  `json:"name,omitempty"`
	Category     string  `json:"category,omitempty"`
	WorkLocation string  `json:"work_location,omitempty"`
	Granted      float64 `json:"granted"`
	Used         float64 `json:"used"`
	CarriedIn    float64 `json:"carried_in"`
	Expired      float64 `json:"expired"`
	CarriedOut   float64 `json:"carried_out"`
	Balance      float64 `json:"balance"`
	Status       string  `json:"status"`
	LastUpdated  string  `json:"last_updated,omitempty"`
}

// BalanceSliceDTO is one year's contribution in deduction order.
type BalanceSliceDTO struct {
	Year      int     `json:"year"`
	Priority  int     `json:"priority"`
	Available float64 `json:"available"`
	Granted   float64 `json:"granted"`
	Used      float64 `json:"used"`
	CarriedIn float64 `json:"carried_in"`
}

// GrantProjectionDTO is the next grant milestone for an employee.
type GrantProjectionDTO struct {
	Date string  `json:"date"`
	Days float64 `json:"days"`
}

// BalanceDTO is the full LIFO view for one employee and fiscal year.
type BalanceDTO struct {
	EmployeeNum    string              `json:"employee_num"`
	Year           int                 `json:"year"`
	Current        *LedgerRowDTO       `json:"current"`
	CarryRows      []LedgerRowDTO      `json:"carry_rows"`
	LIFOOrder      []BalanceSliceDTO   `json:"lifo_order"`
	TotalAvailable float64             `json:"total_available"`
	TotalGranted   float64             `json:"total_granted"`
	TotalUsed      float64             `json:"total_used"`
	NextGrant      *GrantProjectionDTO `json:"next_grant,omitempty"`
}

// LeaveInfoDTO pairs the register entry with the balance breakdown.
type LeaveInfoDTO struct {
	Employee EmployeeDTO `json:"employee"`
	Balance  BalanceDTO  `json:"balance"`
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

// CreateLeaveRequestDTO is the request-creation body. Hours is set for
// hourly requests only and must be a positive multiple of two.
type CreateLeaveRequestDTO struct {
	EmployeeNum string  `json:"employee_num" validate:"required,max=20"`
	StartDate   string  `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string  `json:"end_date" validate:"required,datetime=2006-01-02"`
	LeaveType   string  `json:"leave_type" validate:"required,oneof=full half hourly"`
	Hours       float64 `json:"hours,omitempty" validate:"omitempty,gt=0,lte=320"`
	Reason      string  `json:"reason,omitempty" validate:"max=500"`
}

// RejectLeaveRequestDTO carries the mandatory rejection reason.
type RejectLeaveRequestDTO struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// DeductionDTO is one year's share of an approved request.
type DeductionDTO struct {
	Year int     `json:"year"`
	Days float64 `json:"days"`
}

// LeaveRequestDTO is a request in API responses. The wage snapshot stays
// internal; the derived cost estimate is what approvers need.
type LeaveRequestDTO struct {
	ID             string         `json:"id"`
	EmployeeNum    string         `json:"employee_num"`
	EmployeeName   string         `json:"employee_name"`
	Year           int            `json:"year"`
	StartDate      string         `json:"start_date"`
	EndDate        string         `json:"end_date"`
	DaysRequested  float64        `json:"days_requested"`
	HoursRequested float64        `json:"hours_requested,omitempty"`
	LeaveType      string         `json:"leave_type"`
	Reason         string         `json:"reason,omitempty"`
	Status         string         `json:"status"`
	RequestedBy    string         `json:"requested_by"`
	RequestedAt    string         `json:"requested_at"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     string         `json:"approved_at,omitempty"`
	RejectedBy     string         `json:"rejected_by,omitempty"`
	RejectedAt     string         `json:"rejected_at,omitempty"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	CostEstimate   float64        `json:"cost_estimate"`
	Deductions     []DeductionDTO `json:"deductions,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// =============================================================================
// YEAR-END AND COMPLIANCE
// =============================================================================

// CarryOverRequestDTO triggers year-end processing. ToYear must be
// FromYear+1; the engine enforces it, the tag catches the obvious typos.
type CarryOverRequestDTO struct {
	FromYear int `json:"from_year" validate:"required,gte=1950,lte=2200"`
	ToYear   int `json:"to_year" validate:"required,gte=1950,lte=2200"`
}

// CarryOverResultDTO summarizes one year-end run.
type CarryOverResultDTO struct {
	FromYear     int     `json:"from_year"`
	ToYear       int     `json:"to_year"`
	CarriedRows  int     `json:"carried_rows"`
	ExpiredRows  int     `json:"expired_rows"`
	PurgedRows   int     `json:"purged_rows"`
	TotalCarried float64 `json:"total_carried"`
	TotalLapsed  float64 `json:"total_lapsed"`
	TotalExpired float64 `json:"total_expired"`
}

// ComplianceEntryDTO is one employee's five-day standing.
type ComplianceEntryDTO struct {
	EmployeeNum       string  `json:"employee_num"`
	Name              string  `json:"name"`
	Category          string  `json:"category"`
	Granted           float64 `json:"granted"`
	CarriedIn         float64 `json:"carried_in"`
	CombinedAvailable float64 `json:"combined_available"`
	Used              float64 `json:"used"`
	RequiredUse       float64 `json:"required_use"`
	MonthsRemaining   int     `json:"months_remaining"`
	Class             string  `json:"class"`
}

// ComplianceReportDTO is the classification for one fiscal year.
type ComplianceReportDTO struct {
	Year            int                  `json:"year"`
	AsOf            string               `json:"as_of"`
	MonthsRemaining int                  `json:"months_remaining"`
	Counts          map[string]int       `json:"counts"`
	Entries         []ComplianceEntryDTO `json:"entries"`
}

// =============================================================================
// INGESTION AND OPERATIONS
// =============================================================================

// SyncRunDTO is one recorded ingestion run.
type SyncRunDTO struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	FileName     string `json:"file_name,omitempty"`
	RowsRead     int    `json:"rows_read"`
	RowsAccepted int    `json:"rows_accepted"`
	RowsSkipped  int    `json:"rows_skipped"`
	Error        string `json:"error,omitempty"`
	StartedBy    string `json:"started_by"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// AuditEntryDTO is one audit log row.
type AuditEntryDTO struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Before     *string        `json:"before,omitempty"`
	After      *string        `json:"after,omitempty"`
	SourceIP   string         `json:"source_ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// BackupResultDTO reports where the snapshot landed.
type BackupResultDTO struct {
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

// HealthDTO is the liveness payload.
type HealthDTO struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toUserDTO(u fiscal.User) UserDTO {
	return UserDTO{
		Username:    u.Username,
		Role:        string(u.Role),
		EmployeeNum: string(u.EmployeeNum),
	}
}

func toEmployeeDTO(e fiscal.RegisterEmployee) EmployeeDTO {
	return EmployeeDTO{
		EmployeeNum:  string(e.EmployeeNum),
		Name:         e.Name,
		Category:     string(e.Category),
		WorkLocation: e.WorkLocation(),
		HireDate:     formatDatePtr(e.HireDate),
		LeaveDate:    formatDatePtr(e.LeaveDate),
		Status:       string(e.Status),
	}
}

func toEmployeeDTOs(emps []fiscal.RegisterEmployee) []EmployeeDTO {
	dtos := make([]EmployeeDTO, len(emps))
	for i, e := range emps {
		dtos[i] = toEmployeeDTO(e)
	}
	return dtos
}

func toLedgerRowDTO(r fiscal.LedgerRow) LedgerRowDTO {
	dto := LedgerRowDTO{
		EmployeeNum:  string(r.EmployeeNum),
		Year:         r.Year,
		Name:         r.Name,
		Category:     string(r.Category),
		WorkLocation: r.WorkLocation,
		Granted:      r.Granted.InexactFloat64(),
		Used:         r.Used.InexactFloat64(),
		CarriedIn:    r.CarriedIn.InexactFloat64(),
		Expired:      r.Expired.InexactFloat64(),
		CarriedOut:   r.CarriedOut.InexactFloat64(),
		Balance:      r.Balance.InexactFloat64(),
		Status:       string(r.Status),
	}
	if !r.LastUpdated.IsZero() {
		dto.LastUpdated = r.LastUpdated.UTC().Format(time.RFC3339)
	}
	return dto
}

func toBalanceDTO(b *fiscal.Breakdown) BalanceDTO {
	dto := BalanceDTO{
		EmployeeNum:    string(b.EmployeeNum),
		Year:           b.Year,
		CarryRows:      make([]LedgerRowDTO, len(b.CarryRows)),
		LIFOOrder:      make([]BalanceSliceDTO, len(b.LIFO)),
		TotalAvailable: b.TotalAvailable.InexactFloat64(),
		TotalGranted:   b.TotalGranted.InexactFloat64(),
		TotalUsed:      b.TotalUsed.InexactFloat64(),
	}
	if b.Current != nil {
		row := toLedgerRowDTO(*b.Current)
		dto.Current = &row
	}
	for i, r := range b.CarryRows {
		dto.CarryRows[i] = toLedgerRowDTO(r)
	}
	for i, s := range b.LIFO {
		dto.LIFOOrder[i] = BalanceSliceDTO{
			Year:      s.Year,
			Priority:  s.Priority,
			Available: s.Available.InexactFloat64(),
			Granted:   s.Granted.InexactFloat64(),
			Used:      s.Used.InexactFloat64(),
			CarriedIn: s.CarriedIn.InexactFloat64(),
		}
	}
	if b.NextGrant != nil {
		dto.NextGrant = &GrantProjectionDTO{
			Date: b.NextGrant.Date.Format(dateLayout),
			Days: b.NextGrant.Days.InexactFloat64(),
		}
	}
	return dto
}

func toLeaveRequestDTO(r fiscal.LeaveRequest) LeaveRequestDTO {
	dto := LeaveRequestDTO{
		ID:             r.ID,
		EmployeeNum:    string(r.EmployeeNum),
		EmployeeName:   r.EmployeeName,
		Year:           r.Year,
		StartDate:      r.StartDate.Format(dateLayout),
		EndDate:        r.EndDate.Format(dateLayout),
		DaysRequested:  r.DaysRequested.InexactFloat64(),
		HoursRequested: r.HoursRequested.InexactFloat64(),
		LeaveType:      string(r.LeaveType),
		Reason:         r.Reason,
		Status:         string(r.Status),
		RequestedBy:    r.RequestedBy,
		RequestedAt:    r.RequestedAt.UTC().Format(time.RFC3339),
		ApprovedBy:     r.ApprovedBy,
		ApprovedAt:     formatTimePtr(r.ApprovedAt),
		RejectedBy:     r.RejectedBy,
		RejectedAt:     formatTimePtr(r.RejectedAt),
		RejectReason:   r.RejectReason,
		CostEstimate:   r.CostEstimate.InexactFloat64(),
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, d := range r.Deductions {
		dto.Deductions = append(dto.Deductions, DeductionDTO{Year: d.Year, Days: d.Days.InexactFloat64()})
	}
	return dto
}

func toLeaveRequestDTOs(reqs []fiscal.LeaveRequest) []LeaveRequestDTO {
	dtos := make([]LeaveRequestDTO, len(reqs))
	for i, r := range reqs {
		dtos[i] = toLeaveRequestDTO(r)
	}
	return dtos
}

func toCarryOverResultDTO(r *fiscal.CarryOverResult) CarryOverResultDTO {
	return CarryOverResultDTO{
		FromYear:     r.FromYear,
		ToYear:       r.ToYear,
		CarriedRows:  r.CarriedRows,
		ExpiredRows:  r.ExpiredRows,
		PurgedRows:   r.PurgedRows,
		TotalCarried: r.TotalCarried.InexactFloat64(),
		TotalLapsed:  r.TotalLapsed.InexactFloat64(),
		TotalExpired: r.TotalExpired.InexactFloat64(),
	}
}

func toComplianceReportDTO(r *fiscal.ComplianceReport) ComplianceReportDTO {
	dto := ComplianceReportDTO{
		Year:            r.Year,
		AsOf:            r.AsOf.Format(dateLayout),
		MonthsRemaining: r.MonthsRemaining,
		Counts:          make(map[string]int, len(r.Counts)),
		Entries:         make([]ComplianceEntryDTO, len(r.Entries)),
	}
	for class, n := range r.Counts {
		dto.Counts[string(class)] = n
	}
	for i, e := range r.Entries {
		dto.Entries[i] = ComplianceEntryDTO{
			EmployeeNum:       string(e.EmployeeNum),
			Name:              e.Name,
			Category:          string(e.Category),
			Granted:           e.Granted.InexactFloat64(),
			CarriedIn:         e.CarriedIn.InexactFloat64(),
			CombinedAvailable: e.CombinedAvailable.InexactFloat64(),
			Used:              e.Used.InexactFloat64(),
			RequiredUse:       e.RequiredUse.InexactFloat64(),
			MonthsRemaining:   e.MonthsRemaining,
			Class:             string(e.Class),
		}
	}
	return dto
}

func toSyncRunDTO(r sqlite.SyncRun) SyncRunDTO {
	return SyncRunDTO{
		ID:           r.ID,
		Kind:         r.Kind,
		Status:       r.Status,
		FileName:     r.FileName,
		RowsRead:     r.RowsRead,
		RowsAccepted: r.RowsAccepted,
		RowsSkipped:  r.RowsSkipped,
		Error:        r.Error,
		StartedBy:    r.StartedBy,
		StartedAt:    r.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:  formatTimePtr(r.CompletedAt),
	}
}

func toSyncRunDTOs(runs []sqlite.SyncRun) []SyncRunDTO {
	dtos := make([]SyncRunDTO, len(runs))
	for i, r := range runs {
		dtos[i] = toSyncRunDTO(r)
	}
	return dtos
}

func toAuditEntryDTO(e fiscal.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
		Actor:      e.Actor,
		Action:     string(e.Action),
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Before:     e.Before,
		After:      e.After,
		SourceIP:   e.SourceIP,
		UserAgent:  e.UserAgent,
		Extra:      e.Extra,
	}
}

func toAuditEntryDTOs(entries []fiscal.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	return dtos
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
