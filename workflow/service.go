/*
Package workflow runs the leave-request state machine.

PURPOSE:
  Requests move PENDING -> APPROVED | REJECTED | CANCELLED, and an
  approval can be reverted back to PENDING. Only approval and revert touch
  balances; both run the ledger mutation, the usage events, the status
  change and the audit entries inside one database transaction.

KEY CONCEPTS:
  State machine:
    PENDING   --approve-->  APPROVED   (deducts, writes usage events)
    PENDING   --reject--->  REJECTED
    PENDING   --cancel--->  CANCELLED
    APPROVED  --revert--->  PENDING    (credits the exact deduction back,
                                        removes the events)
    REJECTED and CANCELLED are terminal.

  Wage snapshot:
    The hourly wage and employee name are captured from the register when
    the request is created. Later register edits never change an existing
    request or its cost estimate.

  Deduction breakdown:
    Approval persists the per-year LIFO breakdown on the request. Revert
    credits exactly those slices; if an old request predates the breakdown
    column, the slices are reconstructed from the request's usage events.

SEE ALSO:
  - fiscal/engine.go: DeductTx / RestoreTx
  - allocation.go: how a span becomes dated usage events
*/
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/yukyu/fiscal"
	"github.com/warp/yukyu/notify"
)

// Actor is the authenticated principal driving a transition.
type Actor struct {
	Name        string // username, recorded in audit entries
	Role        fiscal.Role
	EmployeeNum fiscal.EmployeeNum // empty unless the account is bound to an employee
}

// Service owns request transitions.
type Service struct {
	store    fiscal.TxStore
	engine   *fiscal.Engine
	policy   fiscal.FiscalPolicy
	notifier notify.Notifier
	log      zerolog.Logger
}

// NewService wires the workflow over the shared store and engine.
func NewService(store fiscal.TxStore, engine *fiscal.Engine, notifier notify.Notifier, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		policy:   engine.Policy(),
		notifier: notifier,
		log:      log.With().Str("component", "workflow").Logger(),
	}
}

// CreateInput is a new request before validation.
type CreateInput struct {
	EmployeeNum fiscal.EmployeeNum
	StartDate   time.Time
	EndDate     time.Time
	LeaveType   fiscal.LeaveType
	Days        decimal.Decimal // optional for full/half; required meaning for none
	Hours       decimal.Decimal // hourly only, multiples of 2
	Reason      string
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates the input, snapshots the wage, and files a PENDING
// request. Balances do not change here.
func (s *Service) Create(ctx context.Context, in CreateInput, actor Actor) (*fiscal.LeaveRequest, error) {
	if !actor.Role.Allows(fiscal.RoleApprover) && actor.EmployeeNum != in.EmployeeNum {
		return nil, fmt.Errorf("%w: requests may only be filed for yourself", fiscal.ErrForbidden)
	}

	emp, err := s.store.GetRegisterEmployee(ctx, in.EmployeeNum)
	if err != nil {
		return nil, err
	}
	if !emp.Active() {
		return nil, fmt.Errorf("%w: employee %s is not active", fiscal.ErrPolicyViolation, in.EmployeeNum)
	}

	days, err := s.resolveDays(in)
	if err != nil {
		return nil, err
	}

	year := s.policy.YearOf(in.StartDate)
	if s.policy.YearOf(in.EndDate) != year {
		return nil, fmt.Errorf("%w: request spans two fiscal years; split it at the period boundary",
			fiscal.ErrPolicyViolation)
	}

	now := time.Now().UTC()
	req := fiscal.LeaveRequest{
		ID:             uuid.NewString(),
		EmployeeNum:    in.EmployeeNum,
		EmployeeName:   emp.Name,
		Year:           year,
		StartDate:      fiscal.DateOnly(in.StartDate),
		EndDate:        fiscal.DateOnly(in.EndDate),
		DaysRequested:  days,
		HoursRequested: in.Hours,
		LeaveType:      in.LeaveType,
		Reason:         in.Reason,
		Status:         fiscal.StatusPending,
		RequestedBy:    actor.Name,
		RequestedAt:    now,
	}
	if emp.HourlyWage != nil {
		req.HourlyWage = *emp.HourlyWage
	}
	req.CostEstimate = req.EstimateCost()

	err = s.store.WithTx(ctx, func(tx fiscal.Store) error {
		if err := tx.CreateLeaveRequest(ctx, req); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, fiscal.AuditCreate, req, nil, &req)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.RequestCreated(ctx, req)
	s.log.Info().Str("request_id", req.ID).Str("employee", string(req.EmployeeNum)).
		Str("days", days.String()).Msg("request created")
	return &req, nil
}

// resolveDays derives the canonical day quantity for the request type and
// checks the span can hold it.
func (s *Service) resolveDays(in CreateInput) (decimal.Decimal, error) {
	start, end := fiscal.DateOnly(in.StartDate), fiscal.DateOnly(in.EndDate)
	if end.Before(start) {
		return decimal.Zero, fmt.Errorf("%w: end date %s before start date %s",
			fiscal.ErrInvalidArgument, end.Format("2006-01-02"), start.Format("2006-01-02"))
	}
	if len(in.Reason) > fiscal.MaxReasonLen {
		return decimal.Zero, fmt.Errorf("%w: reason exceeds %d characters", fiscal.ErrInvalidArgument, fiscal.MaxReasonLen)
	}

	span := fiscal.BusinessDays(start, end)
	var days decimal.Decimal

	switch in.LeaveType {
	case fiscal.LeaveFull:
		if span == 0 {
			return decimal.Zero, fmt.Errorf("%w: no business days between %s and %s",
				fiscal.ErrInvalidArgument, start.Format("2006-01-02"), end.Format("2006-01-02"))
		}
		days = decimal.New(int64(span), 0)
		if !in.Days.IsZero() && !in.Days.Equal(days) {
			return decimal.Zero, fmt.Errorf("%w: span holds %s business days, request says %s",
				fiscal.ErrInvalidArgument, days, in.Days)
		}

	case fiscal.LeaveHalf:
		if !start.Equal(end) {
			return decimal.Zero, fmt.Errorf("%w: half-day leave covers a single date", fiscal.ErrInvalidArgument)
		}
		if !fiscal.IsBusinessDay(start) {
			return decimal.Zero, fmt.Errorf("%w: %s is not a business day", fiscal.ErrInvalidArgument, start.Format("2006-01-02"))
		}
		days = fiscal.DaysHalf
		if !in.Days.IsZero() && !in.Days.Equal(days) {
			return decimal.Zero, fmt.Errorf("%w: half-day leave is 0.5 days, request says %s",
				fiscal.ErrInvalidArgument, in.Days)
		}

	case fiscal.LeaveHourly:
		two := decimal.New(2, 0)
		if !in.Hours.IsPositive() || !in.Hours.Mod(two).IsZero() {
			return decimal.Zero, fmt.Errorf("%w: hourly leave takes positive multiples of 2 hours, got %s",
				fiscal.ErrInvalidArgument, in.Hours)
		}
		if in.Hours.GreaterThan(fiscal.MaxRequestHours) {
			return decimal.Zero, fmt.Errorf("%w: %s hours exceeds the %s hour bound",
				fiscal.ErrInvalidArgument, in.Hours, fiscal.MaxRequestHours)
		}
		days = in.Hours.Div(decimal.New(fiscal.HoursPerWorkday, 0))
		// Ceiling of days: each business day absorbs at most one day.
		need := days.Ceil().IntPart()
		if int64(span) < need {
			return decimal.Zero, fmt.Errorf("%w: %s days of hourly leave need %d business days, span holds %d",
				fiscal.ErrInvalidArgument, days, need, span)
		}

	default:
		return decimal.Zero, fmt.Errorf("%w: leave type %q", fiscal.ErrInvalidArgument, in.LeaveType)
	}

	if !days.IsPositive() || days.GreaterThan(fiscal.MaxRequestDays) {
		return decimal.Zero, fmt.Errorf("%w: %s days outside (0, %s]",
			fiscal.ErrInvalidArgument, days, fiscal.MaxRequestDays)
	}
	return days, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Approve moves PENDING to APPROVED: deducts LIFO, writes one usage event
// per absence date, persists the deduction breakdown. One transaction.
func (s *Service) Approve(ctx context.Context, id string, actor Actor) (*fiscal.LeaveRequest, error) {
	if !actor.Role.Allows(fiscal.RoleApprover) {
		return nil, fmt.Errorf("%w: approving requests needs the approver role", fiscal.ErrForbidden)
	}

	var out fiscal.LeaveRequest
	err := s.store.WithTx(ctx, func(tx fiscal.Store) error {
		req, err := tx.GetLeaveRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != fiscal.StatusPending {
			return &fiscal.TransitionError{RequestID: id, From: req.Status, Event: "approve"}
		}
		before := *req

		breakdown, err := s.engine.DeductTx(ctx, tx, req.EmployeeNum, req.DaysRequested, req.Year, actor.Name)
		if err != nil {
			return err
		}

		events, err := allocate(*req)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := ev.Validate(); err != nil {
				return err
			}
			if err := tx.PutUsageEvent(ctx, ev); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		req.Status = fiscal.StatusApproved
		req.ApprovedBy = actor.Name
		req.ApprovedAt = &now
		req.Deductions = breakdown
		if err := tx.UpdateLeaveRequest(ctx, *req); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, fiscal.AuditApprove, *req, &before, req); err != nil {
			return err
		}
		out = *req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.RequestApproved(ctx, out)
	return &out, nil
}

// Reject moves PENDING to REJECTED. Terminal.
func (s *Service) Reject(ctx context.Context, id, reason string, actor Actor) (*fiscal.LeaveRequest, error) {
	if !actor.Role.Allows(fiscal.RoleApprover) {
		return nil, fmt.Errorf("%w: rejecting requests needs the approver role", fiscal.ErrForbidden)
	}

	var out fiscal.LeaveRequest
	err := s.store.WithTx(ctx, func(tx fiscal.Store) error {
		req, err := tx.GetLeaveRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != fiscal.StatusPending {
			return &fiscal.TransitionError{RequestID: id, From: req.Status, Event: "reject"}
		}
		before := *req

		now := time.Now().UTC()
		req.Status = fiscal.StatusRejected
		req.RejectedBy = actor.Name
		req.RejectedAt = &now
		req.RejectReason = reason
		if err := tx.UpdateLeaveRequest(ctx, *req); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, fiscal.AuditReject, *req, &before, req); err != nil {
			return err
		}
		out = *req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.RequestRejected(ctx, out)
	return &out, nil
}

// Cancel moves PENDING to CANCELLED. The requester may cancel their own
// request; approvers may cancel any.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (*fiscal.LeaveRequest, error) {
	var out fiscal.LeaveRequest
	err := s.store.WithTx(ctx, func(tx fiscal.Store) error {
		req, err := tx.GetLeaveRequest(ctx, id)
		if err != nil {
			return err
		}
		if !actor.Role.Allows(fiscal.RoleApprover) && actor.EmployeeNum != req.EmployeeNum {
			return fmt.Errorf("%w: only the requester or an approver may cancel", fiscal.ErrForbidden)
		}
		if req.Status != fiscal.StatusPending {
			return &fiscal.TransitionError{RequestID: id, From: req.Status, Event: "cancel"}
		}
		before := *req

		req.Status = fiscal.StatusCancelled
		if err := tx.UpdateLeaveRequest(ctx, *req); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, fiscal.AuditCancel, *req, &before, req); err != nil {
			return err
		}
		out = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Revert undoes an approval: credits the persisted deduction slices back,
// removes the approval's usage events, and returns the request to PENDING.
func (s *Service) Revert(ctx context.Context, id string, actor Actor) (*fiscal.LeaveRequest, error) {
	if !actor.Role.Allows(fiscal.RoleApprover) {
		return nil, fmt.Errorf("%w: reverting approvals needs the approver role", fiscal.ErrForbidden)
	}

	var out fiscal.LeaveRequest
	err := s.store.WithTx(ctx, func(tx fiscal.Store) error {
		req, err := tx.GetLeaveRequest(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != fiscal.StatusApproved {
			return &fiscal.TransitionError{RequestID: id, From: req.Status, Event: "revert"}
		}
		before := *req

		breakdown := req.Deductions
		if len(breakdown) == 0 {
			breakdown, err = reconstructBreakdown(ctx, tx, id)
			if err != nil {
				return err
			}
		}
		if err := s.engine.RestoreTx(ctx, tx, req.EmployeeNum, breakdown, actor.Name); err != nil {
			return err
		}
		if err := tx.DeleteUsageEventsByRequest(ctx, id); err != nil {
			return err
		}

		req.Status = fiscal.StatusPending
		req.ApprovedBy = ""
		req.ApprovedAt = nil
		req.Deductions = nil
		if err := tx.UpdateLeaveRequest(ctx, *req); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, actor, fiscal.AuditRevert, *req, &before, req); err != nil {
			return err
		}
		out = *req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.RequestReverted(ctx, out)
	return &out, nil
}

// reconstructBreakdown rebuilds the per-year deduction slices from the
// usage events an approval wrote.
func reconstructBreakdown(ctx context.Context, tx fiscal.Store, requestID string) ([]fiscal.Deduction, error) {
	events, err := tx.UsageEventsByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: request %s has no deduction breakdown and no usage events",
			fiscal.ErrConflict, requestID)
	}
	byYear := map[int]decimal.Decimal{}
	var years []int
	for _, ev := range events {
		if _, seen := byYear[ev.Year]; !seen {
			years = append(years, ev.Year)
		}
		byYear[ev.Year] = byYear[ev.Year].Add(ev.DaysUsed)
	}
	breakdown := make([]fiscal.Deduction, 0, len(years))
	for _, y := range years {
		breakdown = append(breakdown, fiscal.Deduction{Year: y, Days: byYear[y]})
	}
	return breakdown, nil
}

// Delete removes a terminal request row. Admin housekeeping; APPROVED and
// PENDING requests must be resolved through the state machine first.
func (s *Service) Delete(ctx context.Context, id string, actor Actor) error {
	if !actor.Role.Allows(fiscal.RoleAdmin) {
		return fmt.Errorf("%w: deleting requests needs the admin role", fiscal.ErrForbidden)
	}
	return s.store.WithTx(ctx, func(tx fiscal.Store) error {
		req, err := tx.GetLeaveRequest(ctx, id)
		if err != nil {
			return err
		}
		if !req.Status.Terminal() {
			return &fiscal.TransitionError{RequestID: id, From: req.Status, Event: "delete"}
		}
		if err := tx.DeleteLeaveRequest(ctx, id); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, fiscal.AuditDelete, *req, req, nil)
	})
}

// =============================================================================
// READS
// =============================================================================

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (*fiscal.LeaveRequest, error) {
	return s.store.GetLeaveRequest(ctx, id)
}

// List returns a filtered page of requests plus the unpaged total.
func (s *Service) List(ctx context.Context, f fiscal.RequestFilter) ([]fiscal.LeaveRequest, int, error) {
	return s.store.ListLeaveRequests(ctx, f)
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *Service) audit(ctx context.Context, tx fiscal.Store, actor Actor, action fiscal.AuditAction, req fiscal.LeaveRequest, before, after *fiscal.LeaveRequest) error {
	entry := fiscal.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor.Name,
		Action:     action,
		EntityKind: "leave_request",
		EntityID:   req.ID,
		Before:     snapshotJSON(before),
		After:      snapshotJSON(after),
	}
	return tx.AppendAudit(ctx, entry)
}

func snapshotJSON(req *fiscal.LeaveRequest) *string {
	if req == nil {
		return nil
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
