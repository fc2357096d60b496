package workflow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/yukyu/fiscal"
)

// allocate spreads an approved request over its span as usage events, one
// per absence date:
//
//	full:   1.0 on every business day from start through end
//	half:   0.5 on the single start date
//	hourly: quarter-day steps, at most 1.0 per business day, until the
//	        requested total is placed
//
// The events carry the request ID so a later revert can remove exactly
// what approval wrote.
func allocate(req fiscal.LeaveRequest) ([]fiscal.UsageEvent, error) {
	switch req.LeaveType {
	case fiscal.LeaveFull:
		return allocateFull(req)
	case fiscal.LeaveHalf:
		return []fiscal.UsageEvent{event(req, req.StartDate, fiscal.DaysHalf, fiscal.UsageHalf)}, nil
	case fiscal.LeaveHourly:
		return allocateHourly(req)
	default:
		return nil, fmt.Errorf("%w: leave type %q", fiscal.ErrInvalidArgument, req.LeaveType)
	}
}

func allocateFull(req fiscal.LeaveRequest) ([]fiscal.UsageEvent, error) {
	var events []fiscal.UsageEvent
	fiscal.EachBusinessDay(req.StartDate, req.EndDate, func(day time.Time) {
		events = append(events, event(req, day, fiscal.DaysFull, fiscal.UsageFull))
	})
	placed := decimal.New(int64(len(events)), 0)
	if !placed.Equal(req.DaysRequested) {
		return nil, fmt.Errorf("%w: span %s..%s holds %s business days, request says %s",
			fiscal.ErrInvalidArgument,
			req.StartDate.Format("2006-01-02"), req.EndDate.Format("2006-01-02"),
			placed, req.DaysRequested)
	}
	return events, nil
}

func allocateHourly(req fiscal.LeaveRequest) ([]fiscal.UsageEvent, error) {
	var events []fiscal.UsageEvent
	remaining := req.DaysRequested
	fiscal.EachBusinessDay(req.StartDate, req.EndDate, func(day time.Time) {
		if !remaining.IsPositive() {
			return
		}
		portion := decimal.Min(fiscal.DaysFull, remaining)
		events = append(events, event(req, day, portion, fiscal.UsageHourly))
		remaining = remaining.Sub(portion)
	})
	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: %s days left unplaced after %s..%s",
			fiscal.ErrInvalidArgument, remaining,
			req.StartDate.Format("2006-01-02"), req.EndDate.Format("2006-01-02"))
	}
	return events, nil
}

func event(req fiscal.LeaveRequest, day time.Time, days decimal.Decimal, kind fiscal.UsageType) fiscal.UsageEvent {
	return fiscal.UsageEvent{
		EmployeeNum: req.EmployeeNum,
		Year:        req.Year,
		UseDate:     fiscal.DateOnly(day),
		DaysUsed:    days,
		Type:        kind,
		Source:      fiscal.SourceApprovedRequest,
		RequestID:   req.ID,
	}
}
