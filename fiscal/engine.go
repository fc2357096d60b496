/*
engine.go - Grant, LIFO deduction, carry-over, and 5-day compliance

PURPOSE:
  The only writer of ledger rows. Four operation families:

  Grant:       seniority -> Article 39 table -> granted days; EnsureGrant
               materializes or refreshes the (employee, year) row.
  Deduct:      consume days newest-year-first across the carry-over window,
               all rows in one transaction, with a post-write recomputation
               of the balance identity (rollback on mismatch).
  CarryOver:   year-end close. Transfers capped balances into the next
               year, ages out rows past the carry-over window (writing a
               dated expiration event), purges rows past retention.
  CheckFiveDay: classifies employees against the statutory 5-day minimum,
               on combined (granted + carried-in) availability.

TRANSACTION COMPOSITION:
  Operations that the request workflow embeds in its own transaction are
  exported as *Tx variants taking the transaction-scoped Store. The plain
  variants wrap themselves in WithTx. Mixing the two in one call chain is
  a bug; *Tx never opens a transaction.

SEE ALSO:
  - policy.go: grant table and policy constants
  - workflow: approve/revert call DeductTx/RestoreTx inside their own WithTx
*/
package fiscal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine executes ledger mutations under one fiscal policy.
type Engine struct {
	store  TxStore
	policy FiscalPolicy
	log    zerolog.Logger
}

// NewEngine builds an engine. The policy must already be validated.
func NewEngine(store TxStore, policy FiscalPolicy, log zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		log:    log.With().Str("component", "fiscal").Logger(),
	}
}

// Policy returns the engine's frozen policy.
func (e *Engine) Policy() FiscalPolicy { return e.policy }

// =============================================================================
// GRANT
// =============================================================================

// Grant resolves the employee's granted days as of a date, from the hire
// date on the register. It does not create or modify rows.
func (e *Engine) Grant(ctx context.Context, num EmployeeNum, asOf time.Time) (decimal.Decimal, error) {
	emp, err := e.store.GetRegisterEmployee(ctx, num)
	if err != nil {
		return decimal.Zero, err
	}
	if emp.HireDate == nil {
		return decimal.Zero, fmt.Errorf("%w: employee %s has no hire date on register", ErrInvalidArgument, num)
	}
	return GrantForHireDate(*emp.HireDate, asOf)
}

// EnsureGrant materializes the (employee, year) row with the grant the
// employee is entitled to as of asOf, creating or refreshing it. Employees
// below half a year of seniority get no row. Runs in its own transaction.
func (e *Engine) EnsureGrant(ctx context.Context, num EmployeeNum, year int, asOf time.Time, actor string) (*LedgerRow, error) {
	var out *LedgerRow
	err := e.store.WithTx(ctx, func(s Store) error {
		row, err := e.EnsureGrantTx(ctx, s, num, year, asOf, actor)
		if err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

// EnsureGrantTx is EnsureGrant inside the caller's transaction.
func (e *Engine) EnsureGrantTx(ctx context.Context, s Store, num EmployeeNum, year int, asOf time.Time, actor string) (*LedgerRow, error) {
	emp, err := s.GetRegisterEmployee(ctx, num)
	if err != nil {
		return nil, err
	}
	if emp.HireDate == nil {
		return nil, fmt.Errorf("%w: employee %s has no hire date on register", ErrInvalidArgument, num)
	}
	granted, err := GrantForHireDate(*emp.HireDate, asOf)
	if err != nil {
		return nil, err
	}
	if granted.IsZero() {
		return nil, nil // below the first tier; no row yet
	}

	now := time.Now().UTC()
	row, err := s.GetLedgerRow(ctx, num, year)
	switch {
	case IsNotFound(err):
		fresh := LedgerRow{
			EmployeeNum:  num,
			Year:         year,
			Name:         emp.Name,
			Category:     emp.Category,
			WorkLocation: emp.WorkLocation(),
			Granted:      granted,
			HireDate:     emp.HireDate,
			LeaveDate:    emp.LeaveDate,
			Status:       emp.Status,
			LastUpdated:  now,
		}
		fresh.Balance = fresh.ComputedBalance()
		if err := fresh.Validate(); err != nil {
			return nil, err
		}
		if err := s.PutLedgerRow(ctx, fresh); err != nil {
			return nil, err
		}
		if err := e.auditRow(ctx, s, actor, AuditCreate, fresh, nil, &fresh); err != nil {
			return nil, err
		}
		return &fresh, nil
	case err != nil:
		return nil, err
	}

	if row.Granted.Equal(granted) {
		return row, nil
	}
	before := *row
	row.Granted = granted
	row.Balance = row.ComputedBalance()
	row.LastUpdated = now
	if err := row.Validate(); err != nil {
		return nil, err
	}
	if err := s.PutLedgerRow(ctx, *row); err != nil {
		return nil, err
	}
	if err := e.auditRow(ctx, s, actor, AuditUpdate, *row, &before, row); err != nil {
		return nil, err
	}
	return row, nil
}

// =============================================================================
// BALANCE BREAKDOWN
// =============================================================================

// BalanceSlice is one year's availability in LIFO order.
type BalanceSlice struct {
	Year      int
	Priority  int // 1 = current year, 2 = carry-over years
	Available decimal.Decimal
	Granted   decimal.Decimal
	Used      decimal.Decimal
	CarriedIn decimal.Decimal
}

// GrantProjection is the employee's next grant milestone.
type GrantProjection struct {
	Date time.Time
	Days decimal.Decimal
}

// Breakdown is the full balance view for one employee and fiscal year.
type Breakdown struct {
	EmployeeNum    EmployeeNum
	Year           int
	Current        *LedgerRow
	CarryRows      []LedgerRow
	LIFO           []BalanceSlice
	TotalAvailable decimal.Decimal
	TotalGranted   decimal.Decimal
	TotalUsed      decimal.Decimal
	NextGrant      *GrantProjection
}

// BalanceBreakdown assembles the LIFO view: the current-year row first,
// then prior years with remaining balance inside the carry-over window,
// newest first.
func (e *Engine) BalanceBreakdown(ctx context.Context, num EmployeeNum, year int) (*Breakdown, error) {
	emp, err := e.store.GetRegisterEmployee(ctx, num)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.LedgerRowsForEmployee(ctx, num)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{EmployeeNum: num, Year: year}
	minYear := year - e.policy.MaxCarryOverYears
	for i := range rows {
		row := rows[i]
		switch {
		case row.Year == year:
			b.Current = &rows[i]
		case row.Year >= minYear && row.Year < year && row.Balance.IsPositive():
			b.CarryRows = append(b.CarryRows, row)
		}
	}

	if b.Current != nil {
		b.LIFO = append(b.LIFO, sliceOf(*b.Current, 1))
	}
	for _, row := range b.CarryRows { // already newest-first from the store
		b.LIFO = append(b.LIFO, sliceOf(row, 2))
	}
	for _, s := range b.LIFO {
		b.TotalAvailable = b.TotalAvailable.Add(s.Available)
		b.TotalGranted = b.TotalGranted.Add(s.Granted)
		b.TotalUsed = b.TotalUsed.Add(s.Used)
	}

	if emp.HireDate != nil {
		if proj, err := nextGrant(*emp.HireDate, time.Now().UTC()); err == nil {
			b.NextGrant = proj
		}
	}
	return b, nil
}

func sliceOf(row LedgerRow, priority int) BalanceSlice {
	return BalanceSlice{
		Year:      row.Year,
		Priority:  priority,
		Available: row.Balance,
		Granted:   row.Granted,
		Used:      row.Used,
		CarriedIn: row.CarriedIn,
	}
}

// nextGrant finds the next half-year-anniversary milestone (0.5, 1.5, ...)
// after asOf and the days that milestone grants.
func nextGrant(hireDate, asOf time.Time) (*GrantProjection, error) {
	hire := DateOnly(hireDate)
	ref := DateOnly(asOf)
	if ref.Before(hire) {
		ref = hire
	}
	elapsed := (ref.Year()-hire.Year())*12 + int(ref.Month()) - int(hire.Month())
	if ref.Day() < hire.Day() {
		elapsed--
	}
	// Milestones sit at 6, 18, 30, ... months of service.
	next := 6
	for next <= elapsed {
		next += 12
	}
	seniority := decimal.New(int64(next), 0).Div(decimal.New(12, 0))
	days, err := GrantDays(seniority)
	if err != nil {
		return nil, err
	}
	return &GrantProjection{Date: hire.AddDate(0, next, 0), Days: days}, nil
}

// =============================================================================
// LIFO DEDUCTION
// =============================================================================

// Deduct consumes days from the LIFO order in its own transaction.
func (e *Engine) Deduct(ctx context.Context, num EmployeeNum, days decimal.Decimal, year int, actor string) ([]Deduction, error) {
	var breakdown []Deduction
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		breakdown, err = e.DeductTx(ctx, s, num, days, year, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return breakdown, nil
}

// DeductTx consumes days newest-available-year-first inside the caller's
// transaction. On shortfall nothing is written and the error carries the
// available-vs-requested delta. After writing, every touched row is re-read
// and its balance identity re-verified; a mismatch aborts the transaction.
func (e *Engine) DeductTx(ctx context.Context, s Store, num EmployeeNum, days decimal.Decimal, year int, actor string) ([]Deduction, error) {
	if !days.IsPositive() {
		return nil, fmt.Errorf("%w: deduction of %s days", ErrInvalidArgument, days)
	}

	rows, err := e.lifoRows(ctx, s, num, year)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	considered := make([]Deduction, 0, len(rows))
	for _, row := range rows {
		available = available.Add(row.Balance)
		considered = append(considered, Deduction{Year: row.Year, Days: row.Balance})
	}
	if available.LessThan(days) {
		return nil, &InsufficientBalanceError{
			EmployeeNum: num,
			Year:        year,
			Available:   available,
			Requested:   days,
			Considered:  considered,
		}
	}

	now := time.Now().UTC()
	remaining := days
	var breakdown []Deduction
	for i := range rows {
		if remaining.IsZero() {
			break
		}
		row := rows[i]
		if !row.Balance.IsPositive() {
			continue
		}
		draw := decimal.Min(row.Balance, remaining)
		row.Used = row.Used.Add(draw)
		row.Balance = row.Balance.Sub(draw)
		row.LastUpdated = now
		if err := s.PutLedgerRow(ctx, row); err != nil {
			return nil, err
		}
		breakdown = append(breakdown, Deduction{Year: row.Year, Days: draw})
		remaining = remaining.Sub(draw)
	}

	// Defense in depth against concurrent modification: the written rows
	// must still satisfy the balance identity when read back.
	for _, d := range breakdown {
		row, err := s.GetLedgerRow(ctx, num, d.Year)
		if err != nil {
			return nil, err
		}
		if !row.Consistent() {
			return nil, &ConflictError{
				EmployeeNum: num,
				Year:        d.Year,
				Stored:      row.Balance,
				Computed:    row.ComputedBalance(),
			}
		}
	}

	if err := e.auditDeduction(ctx, s, actor, num, year, days, breakdown, "deduct"); err != nil {
		return nil, err
	}
	e.log.Debug().Str("employee", string(num)).Int("year", year).
		Str("days", days.String()).Msg("deducted")
	return breakdown, nil
}

// RestoreTx credits a previous deduction back, year by year, inside the
// caller's transaction. It is the exact inverse of DeductTx's breakdown.
func (e *Engine) RestoreTx(ctx context.Context, s Store, num EmployeeNum, breakdown []Deduction, actor string) error {
	if len(breakdown) == 0 {
		return fmt.Errorf("%w: empty deduction breakdown", ErrInvalidArgument)
	}
	now := time.Now().UTC()
	for _, d := range breakdown {
		row, err := s.GetLedgerRow(ctx, num, d.Year)
		if err != nil {
			return err
		}
		row.Used = row.Used.Sub(d.Days)
		if row.Used.IsNegative() {
			return fmt.Errorf("%w: restore of %s days would make %s/%d used negative",
				ErrConflict, d.Days, num, d.Year)
		}
		row.Balance = row.Balance.Add(d.Days)
		row.LastUpdated = now
		if err := s.PutLedgerRow(ctx, *row); err != nil {
			return err
		}
		if !row.Consistent() {
			return &ConflictError{
				EmployeeNum: num,
				Year:        d.Year,
				Stored:      row.Balance,
				Computed:    row.ComputedBalance(),
			}
		}
	}
	return e.auditDeduction(ctx, s, actor, num, 0, TotalDeducted(breakdown), breakdown, "restore")
}

// lifoRows returns the deduction order: current year first, then carry
// years newest-first, only rows with remaining balance plus the current row.
func (e *Engine) lifoRows(ctx context.Context, s Store, num EmployeeNum, year int) ([]LedgerRow, error) {
	all, err := s.LedgerRowsForEmployee(ctx, num)
	if err != nil {
		return nil, err
	}
	minYear := year - e.policy.MaxCarryOverYears

	var current *LedgerRow
	var carry []LedgerRow
	for i := range all {
		row := all[i]
		switch {
		case row.Year == year:
			current = &all[i]
		case row.Year >= minYear && row.Year < year && row.Balance.IsPositive():
			carry = append(carry, row)
		}
	}
	if current == nil {
		return nil, fmt.Errorf("%w: ledger row %s/%d", ErrNotFound, num, year)
	}
	return append([]LedgerRow{*current}, carry...), nil
}

// =============================================================================
// YEAR-END CARRY-OVER
// =============================================================================

// CarryOverResult summarizes one year-end run.
type CarryOverResult struct {
	FromYear     int
	ToYear       int
	CarriedRows  int
	ExpiredRows  int
	PurgedRows   int
	TotalCarried decimal.Decimal
	TotalLapsed  decimal.Decimal
	TotalExpired decimal.Decimal
}

// CarryOver closes fromYear into toYear in one transaction:
//
//  1. Every active row with positive balance transfers
//     min(balance, max_accumulated_days - new grant) into toYear's
//     carried_in; the excess lapses into the source row's expired.
//  2. Rows in years at or before toYear - max_carry_over_years expire in
//     full, with a zero-day expiration event dated at their period end.
//  3. Rows in years strictly before toYear - ledger_retention_years are
//     purged, one audit entry each.
//
// Any row failure rolls back the whole run. A second run over the same
// pair is a no-op: step 1 and 2 only touch positive balances, which the
// first run zeroed.
func (e *Engine) CarryOver(ctx context.Context, fromYear, toYear int, actor string) (*CarryOverResult, error) {
	if toYear != fromYear+1 {
		return nil, fmt.Errorf("%w: carry-over must close into the next year, got %d -> %d",
			ErrInvalidArgument, fromYear, toYear)
	}

	res := &CarryOverResult{FromYear: fromYear, ToYear: toYear}
	err := e.store.WithTx(ctx, func(s Store) error {
		if err := e.carryForward(ctx, s, fromYear, toYear, actor, res); err != nil {
			return err
		}
		if err := e.expireStale(ctx, s, toYear, actor, res); err != nil {
			return err
		}
		if err := e.purgeRetired(ctx, s, toYear, actor, res); err != nil {
			return err
		}
		return e.auditCarryOver(ctx, s, actor, res)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Int("from", fromYear).Int("to", toYear).
		Int("carried", res.CarriedRows).Int("expired", res.ExpiredRows).Int("purged", res.PurgedRows).
		Msg("carry-over complete")
	return res, nil
}

func (e *Engine) carryForward(ctx context.Context, s Store, fromYear, toYear int, actor string, res *CarryOverResult) error {
	rows, err := s.LedgerRowsForYear(ctx, fromYear)
	if err != nil {
		return err
	}
	newYearStart := e.policy.PeriodStart(toYear)
	now := time.Now().UTC()
	accumCap := decimal.New(int64(e.policy.MaxAccumulatedDays), 0)

	for i := range rows {
		src := rows[i]
		if src.Status != StatusActive || !src.Balance.IsPositive() {
			continue
		}

		grantedNew := decimal.Zero
		if src.HireDate != nil {
			g, err := GrantForHireDate(*src.HireDate, newYearStart)
			if err != nil {
				return &CarryOverError{EmployeeNum: src.EmployeeNum, Year: src.Year, Err: err}
			}
			grantedNew = g
		}

		room := accumCap.Sub(grantedNew)
		if room.IsNegative() {
			room = decimal.Zero
		}
		carried := decimal.Min(src.Balance, room)
		lapsed := src.Balance.Sub(carried)

		dst, err := s.GetLedgerRow(ctx, src.EmployeeNum, toYear)
		switch {
		case IsNotFound(err):
			dst = &LedgerRow{
				EmployeeNum:  src.EmployeeNum,
				Year:         toYear,
				Name:         src.Name,
				Category:     src.Category,
				WorkLocation: src.WorkLocation,
				HireDate:     src.HireDate,
				LeaveDate:    src.LeaveDate,
				Status:       src.Status,
			}
		case err != nil:
			return &CarryOverError{EmployeeNum: src.EmployeeNum, Year: src.Year, Err: err}
		}
		dst.Granted = grantedNew
		dst.CarriedIn = carried
		dst.Balance = dst.ComputedBalance()
		dst.LastUpdated = now

		srcBefore := src
		src.CarriedOut = src.CarriedOut.Add(carried)
		src.Expired = src.Expired.Add(lapsed)
		src.Balance = src.ComputedBalance()
		src.LastUpdated = now
		if !src.Balance.IsZero() {
			return &CarryOverError{EmployeeNum: src.EmployeeNum, Year: src.Year,
				Err: fmt.Errorf("source balance %s after transfer", src.Balance)}
		}

		if err := s.PutLedgerRow(ctx, *dst); err != nil {
			return &CarryOverError{EmployeeNum: src.EmployeeNum, Year: toYear, Err: err}
		}
		if err := s.PutLedgerRow(ctx, src); err != nil {
			return &CarryOverError{EmployeeNum: src.EmployeeNum, Year: src.Year, Err: err}
		}
		if err := e.auditRow(ctx, s, actor, AuditCarryOver, src, &srcBefore, &src); err != nil {
			return err
		}

		res.CarriedRows++
		res.TotalCarried = res.TotalCarried.Add(carried)
		res.TotalLapsed = res.TotalLapsed.Add(lapsed)
	}
	return nil
}

func (e *Engine) expireStale(ctx context.Context, s Store, toYear int, actor string, res *CarryOverResult) error {
	cutoff := toYear - e.policy.MaxCarryOverYears
	stale, err := s.StaleLedgerRows(ctx, cutoff)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range stale {
		row := stale[i]
		before := row
		amount := row.Balance
		row.Expired = row.Expired.Add(amount)
		row.Balance = row.ComputedBalance()
		row.LastUpdated = now
		if err := s.PutLedgerRow(ctx, row); err != nil {
			return &CarryOverError{EmployeeNum: row.EmployeeNum, Year: row.Year, Err: err}
		}
		ev := UsageEvent{
			EmployeeNum: row.EmployeeNum,
			Year:        row.Year,
			UseDate:     e.policy.PeriodEnd(row.Year),
			DaysUsed:    decimal.Zero,
			Type:        UsageExpired,
			Source:      SourceManual,
		}
		if err := s.PutUsageEvent(ctx, ev); err != nil {
			return &CarryOverError{EmployeeNum: row.EmployeeNum, Year: row.Year, Err: err}
		}
		if err := e.auditRow(ctx, s, actor, AuditUpdate, row, &before, &row); err != nil {
			return err
		}
		res.ExpiredRows++
		res.TotalExpired = res.TotalExpired.Add(amount)
	}
	return nil
}

func (e *Engine) purgeRetired(ctx context.Context, s Store, toYear int, actor string, res *CarryOverResult) error {
	cutoff := toYear - e.policy.LedgerRetentionYears // strictly older than this
	rows, err := s.LedgerRowsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range rows {
		row := rows[i]
		if err := s.DeleteLedgerRow(ctx, row.EmployeeNum, row.Year); err != nil {
			return &CarryOverError{EmployeeNum: row.EmployeeNum, Year: row.Year, Err: err}
		}
		if err := e.auditRow(ctx, s, actor, AuditPurge, row, &row, nil); err != nil {
			return err
		}
		res.PurgedRows++
	}
	return nil
}

// =============================================================================
// FIVE-DAY COMPLIANCE
// =============================================================================

// ComplianceClass buckets employees under the 5-day rule.
type ComplianceClass string

const (
	Compliant    ComplianceClass = "compliant"
	AtRisk       ComplianceClass = "at_risk"
	NonCompliant ComplianceClass = "non_compliant"
	Exempted     ComplianceClass = "exempted"
)

// ComplianceEntry is one employee's standing.
type ComplianceEntry struct {
	EmployeeNum       EmployeeNum
	Name              string
	Category          Category
	Granted           decimal.Decimal
	CarriedIn         decimal.Decimal
	CombinedAvailable decimal.Decimal
	Used              decimal.Decimal
	RequiredUse       decimal.Decimal
	MonthsRemaining   int
	Class             ComplianceClass
}

// ComplianceReport is the full classification for one fiscal year.
type ComplianceReport struct {
	Year            int
	AsOf            time.Time
	MonthsRemaining int
	Entries         []ComplianceEntry
	Counts          map[ComplianceClass]int
}

// CheckFiveDay classifies every employee whose combined availability
// (granted + carried-in, joined with the previous year's live balance when
// carry-over has not yet run) meets the obligation threshold. Employees
// below the threshold are out of scope and not listed.
func (e *Engine) CheckFiveDay(ctx context.Context, year int, asOf time.Time) (*ComplianceReport, error) {
	rows, err := e.store.LedgerRowsForYear(ctx, year)
	if err != nil {
		return nil, err
	}
	prior, err := e.store.LedgerRowsForYear(ctx, year-1)
	if err != nil {
		return nil, err
	}
	priorBal := make(map[EmployeeNum]decimal.Decimal, len(prior))
	for _, p := range prior {
		priorBal[p.EmployeeNum] = p.Balance
	}

	threshold := decimal.New(int64(e.policy.MinimumDaysForObligation), 0)
	required := decimal.New(int64(e.policy.MinimumAnnualUse), 0)
	monthsLeft := e.policy.MonthsRemaining(year, asOf)

	report := &ComplianceReport{
		Year:            year,
		AsOf:            DateOnly(asOf),
		MonthsRemaining: monthsLeft,
		Counts:          map[ComplianceClass]int{},
	}

	for _, row := range rows {
		// Before carry-over runs, the incoming days still sit on the
		// previous year's row; after it, they sit in carried_in and the
		// previous balance is zero. Summing both covers either state.
		combined := row.Granted.Add(row.CarriedIn).Add(priorBal[row.EmployeeNum])
		if combined.LessThan(threshold) {
			continue
		}

		entry := ComplianceEntry{
			EmployeeNum:       row.EmployeeNum,
			Name:              row.Name,
			Category:          row.Category,
			Granted:           row.Granted,
			CarriedIn:         row.CarriedIn,
			CombinedAvailable: combined,
			Used:              row.Used,
			RequiredUse:       required,
			MonthsRemaining:   monthsLeft,
		}
		switch {
		case row.Status != StatusActive:
			entry.Class = Exempted
		case row.Used.GreaterThanOrEqual(required):
			entry.Class = Compliant
		case monthsLeft >= 3:
			entry.Class = AtRisk
		default:
			entry.Class = NonCompliant
		}
		report.Entries = append(report.Entries, entry)
		report.Counts[entry.Class]++
	}
	return report, nil
}

// =============================================================================
// AUDIT HELPERS
// =============================================================================

func (e *Engine) auditRow(ctx context.Context, s Store, actor string, action AuditAction, row LedgerRow, before, after *LedgerRow) error {
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		EntityKind: "ledger_row",
		EntityID:   fmt.Sprintf("%s/%d", row.EmployeeNum, row.Year),
		Before:     marshalSnapshot(before),
		After:      marshalSnapshot(after),
	}
	return s.AppendAudit(ctx, entry)
}

func (e *Engine) auditDeduction(ctx context.Context, s Store, actor string, num EmployeeNum, year int, days decimal.Decimal, breakdown []Deduction, op string) error {
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     AuditUpdate,
		EntityKind: "ledger_row",
		EntityID:   string(num),
		Extra: map[string]any{
			"op":        op,
			"year":      year,
			"days":      days.String(),
			"breakdown": breakdown,
		},
	}
	return s.AppendAudit(ctx, entry)
}

func (e *Engine) auditCarryOver(ctx context.Context, s Store, actor string, res *CarryOverResult) error {
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     AuditCarryOver,
		EntityKind: "fiscal_year",
		EntityID:   fmt.Sprintf("%d->%d", res.FromYear, res.ToYear),
		Extra: map[string]any{
			"carried_rows":  res.CarriedRows,
			"expired_rows":  res.ExpiredRows,
			"purged_rows":   res.PurgedRows,
			"total_carried": res.TotalCarried.String(),
			"total_lapsed":  res.TotalLapsed.String(),
			"total_expired": res.TotalExpired.String(),
		},
	}
	return s.AppendAudit(ctx, entry)
}

func marshalSnapshot(v any) *string {
	if v == nil {
		return nil
	}
	// Typed nils arrive as non-nil interfaces; treat them as absent.
	switch t := v.(type) {
	case *LedgerRow:
		if t == nil {
			return nil
		}
	case *LeaveRequest:
		if t == nil {
			return nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}
