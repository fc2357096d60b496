/*
policy.go - Fiscal policy constants and the Article 39 grant table

PURPOSE:
  Holds the process-wide policy the engine runs under. Loaded once at boot,
  validated, then read-only. There is exactly one statutory policy; it is
  not per-employee configuration.

THE GRANT TABLE (Labor Standards Act, Article 39):
  seniority (years)  granted (days)
        0.5               10
        1.5               11
        2.5               12
        3.5               14
        4.5               16
        5.5               18
       >=6.5              20

  Seniority below half a year grants nothing; negative seniority is a
  caller error.

SEE ALSO:
  - period.go: how period_start_day / period_end_day anchor the fiscal year
  - engine.go: Grant, CarryOver, CheckFiveDay consume these constants
*/
package fiscal

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// HoursPerWorkday converts hourly leave into day fractions: a 2h slot is
// 2/8 = 0.25 days. Confirmed against the labor-policy owner's convention.
const HoursPerWorkday = 8

// MaxGrantDays is the statutory ceiling of the grant table.
var MaxGrantDays = decimal.New(20, 0)

// =============================================================================
// FISCAL POLICY
// =============================================================================

// FiscalPolicy holds the process-wide accounting constants. Zero value is
// not usable; build with DefaultPolicy and overlay configuration.
type FiscalPolicy struct {
	// PeriodStartDay / PeriodEndDay anchor fiscal attribution: a fiscal
	// period runs day PeriodStartDay of one month through day PeriodEndDay
	// of the next. At the year edge this puts Dec 21 .. Dec 20 into one
	// fiscal year (see period.go).
	PeriodStartDay int `yaml:"period_start_day"`
	PeriodEndDay   int `yaml:"period_end_day"`

	// MaxCarryOverYears ages balances out: a row older than
	// toYear - MaxCarryOverYears expires in full at carry-over.
	MaxCarryOverYears int `yaml:"max_carry_over_years"`

	// MaxAccumulatedDays caps granted + carried_in on the receiving year.
	MaxAccumulatedDays int `yaml:"max_accumulated_days"`

	// MinimumAnnualUse and MinimumDaysForObligation parametrize the 5-day
	// rule: employees whose granted + carried_in meets the obligation
	// threshold must use at least MinimumAnnualUse days per year.
	MinimumAnnualUse         int `yaml:"minimum_annual_use"`
	MinimumDaysForObligation int `yaml:"minimum_days_for_obligation"`

	// LedgerRetentionYears bounds how long closed rows are kept before the
	// administrative purge may remove them.
	LedgerRetentionYears int `yaml:"ledger_retention_years"`
}

// DefaultPolicy returns the statutory defaults.
func DefaultPolicy() FiscalPolicy {
	return FiscalPolicy{
		PeriodStartDay:           21,
		PeriodEndDay:             20,
		MaxCarryOverYears:        2,
		MaxAccumulatedDays:       40,
		MinimumAnnualUse:         5,
		MinimumDaysForObligation: 10,
		LedgerRetentionYears:     3,
	}
}

// Validate checks every bound. Boot fails on the first violation.
func (p FiscalPolicy) Validate() error {
	if p.PeriodStartDay < 1 || p.PeriodStartDay > 31 {
		return fmt.Errorf("%w: period_start_day %d outside [1,31]", ErrInvalidArgument, p.PeriodStartDay)
	}
	if p.PeriodEndDay < 1 || p.PeriodEndDay > 31 {
		return fmt.Errorf("%w: period_end_day %d outside [1,31]", ErrInvalidArgument, p.PeriodEndDay)
	}
	if p.PeriodEndDay >= p.PeriodStartDay {
		return fmt.Errorf("%w: period_end_day %d must precede period_start_day %d",
			ErrInvalidArgument, p.PeriodEndDay, p.PeriodStartDay)
	}
	if p.MaxCarryOverYears < 1 || p.MaxCarryOverYears > 5 {
		return fmt.Errorf("%w: max_carry_over_years %d outside [1,5]", ErrInvalidArgument, p.MaxCarryOverYears)
	}
	if p.MaxAccumulatedDays < 20 || p.MaxAccumulatedDays > 80 {
		return fmt.Errorf("%w: max_accumulated_days %d outside [20,80]", ErrInvalidArgument, p.MaxAccumulatedDays)
	}
	if p.MinimumAnnualUse < 0 || p.MinimumAnnualUse > 20 {
		return fmt.Errorf("%w: minimum_annual_use %d outside [0,20]", ErrInvalidArgument, p.MinimumAnnualUse)
	}
	if p.MinimumDaysForObligation < 1 || p.MinimumDaysForObligation > 40 {
		return fmt.Errorf("%w: minimum_days_for_obligation %d outside [1,40]", ErrInvalidArgument, p.MinimumDaysForObligation)
	}
	if p.LedgerRetentionYears < p.MaxCarryOverYears {
		return fmt.Errorf("%w: ledger_retention_years %d below max_carry_over_years %d",
			ErrInvalidArgument, p.LedgerRetentionYears, p.MaxCarryOverYears)
	}
	return nil
}

// =============================================================================
// GRANT TABLE
// =============================================================================

// grantTier is one step of the Article 39 table.
type grantTier struct {
	MinSeniority decimal.Decimal // inclusive lower bound, half-year steps
	Days         decimal.Decimal
}

// grantTable is ordered ascending; lookup floors to the highest tier whose
// bound does not exceed the seniority.
var grantTable = []grantTier{
	{decimal.New(5, -1), decimal.New(10, 0)},  // 0.5 -> 10
	{decimal.New(15, -1), decimal.New(11, 0)}, // 1.5 -> 11
	{decimal.New(25, -1), decimal.New(12, 0)}, // 2.5 -> 12
	{decimal.New(35, -1), decimal.New(14, 0)}, // 3.5 -> 14
	{decimal.New(45, -1), decimal.New(16, 0)}, // 4.5 -> 16
	{decimal.New(55, -1), decimal.New(18, 0)}, // 5.5 -> 18
	{decimal.New(65, -1), decimal.New(20, 0)}, // 6.5 -> 20
}

// GrantDays resolves granted days for a seniority expressed in years.
// Below the first tier the grant is zero; negative seniority is an error.
func GrantDays(seniorityYears decimal.Decimal) (decimal.Decimal, error) {
	if seniorityYears.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s years", ErrInvalidSeniority, seniorityYears)
	}
	granted := decimal.Zero
	for _, tier := range grantTable {
		if seniorityYears.LessThan(tier.MinSeniority) {
			break
		}
		granted = tier.Days
	}
	if granted.GreaterThan(MaxGrantDays) {
		return decimal.Zero, fmt.Errorf("%w: grant %s exceeds statutory cap", ErrPolicyViolation, granted)
	}
	return granted, nil
}

// SeniorityYears computes whole-and-half years of service between hire and
// a reference date: full months elapsed, floored to half-year steps.
func SeniorityYears(hireDate, asOf time.Time) (decimal.Decimal, error) {
	hire := DateOnly(hireDate)
	ref := DateOnly(asOf)
	if ref.Before(hire) {
		return decimal.Zero, fmt.Errorf("%w: reference %s precedes hire %s",
			ErrInvalidSeniority, ref.Format(time.DateOnly), hire.Format(time.DateOnly))
	}
	months := (ref.Year()-hire.Year())*12 + int(ref.Month()) - int(hire.Month())
	if ref.Day() < hire.Day() {
		months--
	}
	halfYears := months / 6
	return decimal.New(int64(halfYears)*5, -1), nil
}

// GrantForHireDate is the composed lookup used by the engine: seniority at
// asOf, then the table.
func GrantForHireDate(hireDate, asOf time.Time) (decimal.Decimal, error) {
	seniority, err := SeniorityYears(hireDate, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return GrantDays(seniority)
}
