package fiscal

import "time"

// =============================================================================
// FISCAL-YEAR ANCHORING
// =============================================================================
//
// A fiscal period runs day PeriodStartDay of one month through PeriodEndDay
// of the next. Chaining twelve of those, fiscal year Y covers
//
//	Dec PeriodStartDay (Y-1) .. Dec PeriodEndDay (Y)
//
// YearOf is the single date-to-year resolution in the system; ingestion,
// the engine, and the API all go through it.

// YearOf returns the fiscal year a calendar date belongs to.
func (p FiscalPolicy) YearOf(date time.Time) int {
	d := DateOnly(date)
	if d.Month() == time.December && d.Day() >= p.PeriodStartDay {
		return d.Year() + 1
	}
	return d.Year()
}

// PeriodStart returns the first day of fiscal year y.
func (p FiscalPolicy) PeriodStart(y int) time.Time {
	return time.Date(y-1, time.December, p.PeriodStartDay, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd returns the last day of fiscal year y. Expiration events written
// by carry-over are dated here.
func (p FiscalPolicy) PeriodEnd(y int) time.Time {
	return time.Date(y, time.December, p.PeriodEndDay, 0, 0, 0, 0, time.UTC)
}

// Contains reports whether date falls inside fiscal year y.
func (p FiscalPolicy) Contains(y int, date time.Time) bool {
	d := DateOnly(date)
	return !d.Before(p.PeriodStart(y)) && !d.After(p.PeriodEnd(y))
}

// MonthsRemaining returns whole months between asOf and the end of fiscal
// year y, floored at zero. The 5-day compliance check uses this to separate
// at-risk from non-compliant.
func (p FiscalPolicy) MonthsRemaining(y int, asOf time.Time) int {
	end := p.PeriodEnd(y)
	d := DateOnly(asOf)
	if !d.Before(end) {
		return 0
	}
	months := (end.Year()-d.Year())*12 + int(end.Month()) - int(d.Month())
	if end.Day() < d.Day() {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

// =============================================================================
// BUSINESS DAYS
// =============================================================================

// IsBusinessDay reports whether the date is a weekday. Public holidays are
// not modeled; requests spanning one are counted like workdays, matching how
// the vacation workbooks record them.
func IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// BusinessDays counts weekdays in [start, end] inclusive. Returns 0 when
// end precedes start.
func BusinessDays(start, end time.Time) int {
	s, e := DateOnly(start), DateOnly(end)
	if e.Before(s) {
		return 0
	}
	n := 0
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		if IsBusinessDay(d) {
			n++
		}
	}
	return n
}

// EachBusinessDay visits weekdays in [start, end] in order.
func EachBusinessDay(start, end time.Time, fn func(time.Time)) {
	s, e := DateOnly(start), DateOnly(end)
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		if IsBusinessDay(d) {
			fn(d)
		}
	}
}
