package fiscal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// GRANT TABLE
// =============================================================================

func TestGrantDays_StatutoryTable(t *testing.T) {
	cases := []struct {
		name      string
		seniority float64
		want      int64
	}{
		{"below first tier", 0, 0},
		{"just below half year", 0.49, 0},
		{"first tier", 0.5, 10},
		{"between tiers floors down", 1.0, 10},
		{"second tier", 1.5, 11},
		{"third tier", 2.5, 12},
		{"fourth tier", 3.5, 14},
		{"fifth tier", 4.5, 16},
		{"sixth tier", 5.5, 18},
		{"just below top tier", 6.0, 18},
		{"top tier", 6.5, 20},
		{"long tenure stays capped", 43.5, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := GrantDays(decimal.NewFromFloat(tc.seniority))
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.New(tc.want, 0)),
				"seniority %v: want %d, got %s", tc.seniority, tc.want, got)
		})
	}
}

func TestGrantDays_NegativeSeniority(t *testing.T) {
	_, err := GrantDays(decimal.NewFromFloat(-0.5))
	assert.ErrorIs(t, err, ErrInvalidSeniority)
}

// =============================================================================
// SENIORITY
// =============================================================================

func TestSeniorityYears_HalfYearFlooring(t *testing.T) {
	hire := time.Date(2020, time.April, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		asOf time.Time
		want float64
	}{
		{"hire day itself", hire, 0},
		{"five full months", time.Date(2020, time.September, 30, 0, 0, 0, 0, time.UTC), 0},
		{"exactly six months", time.Date(2020, time.October, 1, 0, 0, 0, 0, time.UTC), 0.5},
		{"eleven months floors to half", time.Date(2021, time.March, 31, 0, 0, 0, 0, time.UTC), 0.5},
		{"first anniversary", time.Date(2021, time.April, 1, 0, 0, 0, 0, time.UTC), 1},
		{"six and a half years", time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC), 6.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SeniorityYears(hire, tc.asOf)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.NewFromFloat(tc.want)),
				"asOf %s: want %v, got %s", tc.asOf.Format(time.DateOnly), tc.want, got)
		})
	}
}

func TestSeniorityYears_DayOfMonthBoundary(t *testing.T) {
	// GIVEN: a mid-month hire date
	// WHEN: the reference lands one day before vs. on the month mark
	// THEN: the incomplete month does not count

	hire := time.Date(2020, time.April, 15, 0, 0, 0, 0, time.UTC)

	before, err := SeniorityYears(hire, time.Date(2020, time.October, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, before.IsZero())

	on, err := SeniorityYears(hire, time.Date(2020, time.October, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, on.Equal(decimal.NewFromFloat(0.5)))
}

func TestSeniorityYears_ReferenceBeforeHire(t *testing.T) {
	hire := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	_, err := SeniorityYears(hire, hire.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ErrInvalidSeniority)
}

func TestGrantForHireDate_AtPeriodStart(t *testing.T) {
	// GIVEN: an employee hired 2023-04-01
	// WHEN: grants are computed at successive fiscal period starts
	// THEN: the table advances one tier per anniversary-ish step

	p := DefaultPolicy()
	hire := time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		year int
		want int64
	}{
		{2023, 0},  // 2022-12-21: not yet hired half a year (pre-hire is caught below)
		{2024, 10}, // 2023-12-21: 8 months in
		{2025, 11}, // 2024-12-21: 1 year 8 months
		{2026, 12}, // 2025-12-21: 2 years 8 months
		{2030, 20}, // far out: capped
	}
	for _, tc := range cases {
		got, err := GrantForHireDate(hire, p.PeriodStart(tc.year))
		if tc.year == 2023 {
			// period start precedes the hire date entirely
			assert.ErrorIs(t, err, ErrInvalidSeniority)
			continue
		}
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.New(tc.want, 0)),
			"year %d: want %d, got %s", tc.year, tc.want, got)
	}
}

// =============================================================================
// POLICY VALIDATION
// =============================================================================

func TestFiscalPolicy_ValidateDefaults(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
}

func TestFiscalPolicy_ValidateBounds(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*FiscalPolicy)
		wantMsg string
	}{
		{"start day zero", func(p *FiscalPolicy) { p.PeriodStartDay = 0 }, "period_start_day"},
		{"end day 32", func(p *FiscalPolicy) { p.PeriodEndDay = 32 }, "period_end_day"},
		{"end not before start", func(p *FiscalPolicy) { p.PeriodEndDay = 21 }, "must precede"},
		{"carry-over zero", func(p *FiscalPolicy) { p.MaxCarryOverYears = 0 }, "max_carry_over_years"},
		{"accumulation below floor", func(p *FiscalPolicy) { p.MaxAccumulatedDays = 10 }, "max_accumulated_days"},
		{"annual use above cap", func(p *FiscalPolicy) { p.MinimumAnnualUse = 21 }, "minimum_annual_use"},
		{"obligation zero", func(p *FiscalPolicy) { p.MinimumDaysForObligation = 0 }, "minimum_days_for_obligation"},
		{"retention below carry-over", func(p *FiscalPolicy) { p.LedgerRetentionYears = 1 }, "ledger_retention_years"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			tc.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}
