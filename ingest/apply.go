// Package ingest imports the upstream HR spreadsheets into the store.
//
// PURPOSE:
//
//	Two workbook families arrive from the HR process: employment registers
//	(dispatch / contract / staff sheets) and the vacation ledger (one sheet
//	of per-employee calendar rows with typed usage marks). This package
//	parses both, classifies every calendar cell into a usage event, and
//	applies the result in a single transaction.
//
// KEY CONCEPTS:
//
//	Cell classifier - the calendar grid encodes usage with sentinels (半 for
//	half days, 2h for hourly slices, 消滅 for statutory expiration, 支給 for
//	paid-out days, * and N日間 as padding). classifyCell evaluates the rules
//	in a fixed order and stops at the first match.
//
//	Idempotence - registers are keyed by employee number and usage events by
//	(employee, year, use date) with last-writer-wins, so re-submitting a
//	corrected workbook converges instead of duplicating.
//
//	Failure budget - a bad row is skipped and reported, never fatal. A bad
//	file (missing sheet, unreadable archive) fails the run before anything
//	is written.
//
// USAGE:
//
//	svc := ingest.NewService(store, policy, logger)
//	report, err := svc.IngestVacation(ctx, upload, "2025.xlsx", actor)
//
// SEE ALSO:
//
//	fiscal/engine.go  - balance recomputation the import feeds into
//	api/handlers.go   - upload endpoints and single-flight run tracking
package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/warp/yukyu/fiscal"
)

// Service applies parsed workbooks to the store.
type Service struct {
	store  fiscal.TxStore
	policy fiscal.FiscalPolicy
	log    zerolog.Logger
}

func NewService(store fiscal.TxStore, policy fiscal.FiscalPolicy, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		policy: policy,
		log:    log.With().Str("component", "ingest").Logger(),
	}
}

// IngestVacation imports the vacation workbook: usage events, per-year
// granted values, and the recomputed used totals for every touched ledger
// row. All writes happen in one transaction; an infrastructure failure rolls
// the whole run back.
func (s *Service) IngestVacation(ctx context.Context, r io.Reader, fileName, actor string) (*Report, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable workbook: %v", fiscal.ErrIngestionFailed, err)
	}
	defer f.Close()

	report := &Report{Kind: "vacation", FileName: fileName}
	now := time.Now().UTC()
	rows, err := parseVacationWorkbook(f, s.policy, now, report)
	if err != nil {
		return nil, err
	}

	seen := make(map[fiscal.EmployeeNum]bool)
	err = s.store.WithTx(ctx, func(st fiscal.Store) error {
		for _, row := range rows {
			if err := s.applyVacationRow(ctx, st, row, now, report); err != nil {
				return fmt.Errorf("apply row %d: %w", row.RowNum, err)
			}
			seen[row.EmployeeNum] = true
			report.EventsWritten += len(row.Events)
		}
		report.Employees = len(seen)
		return appendIngestAudit(ctx, st, actor, report, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("file", fileName).
		Int("rows_read", report.RowsRead).
		Int("rows_accepted", report.RowsAccepted).
		Int("rows_skipped", report.RowsSkipped).
		Int("events", report.EventsWritten).
		Msg("vacation workbook ingested")
	return report, nil
}

// applyVacationRow upserts one (employee, year) line: the granted value when
// the sheet carries one, every usage event, and the used total recomputed
// from the full event set so the balance identity holds.
func (s *Service) applyVacationRow(ctx context.Context, st fiscal.Store, row vacationRow, now time.Time, report *Report) error {
	ledger, err := st.GetLedgerRow(ctx, row.EmployeeNum, row.Year)
	switch {
	case fiscal.IsNotFound(err):
		ledger = &fiscal.LedgerRow{
			EmployeeNum: row.EmployeeNum,
			Year:        row.Year,
			Name:        row.Name,
			Status:      fiscal.StatusActive,
		}
		if emp, regErr := st.GetRegisterEmployee(ctx, row.EmployeeNum); regErr == nil {
			ledger.Name = emp.Name
			ledger.Category = emp.Category
			ledger.WorkLocation = emp.WorkLocation()
			ledger.HireDate = emp.HireDate
			ledger.LeaveDate = emp.LeaveDate
			ledger.Status = emp.Status
		} else if fiscal.IsNotFound(regErr) {
			report.warn("employee %s not on any register; ledger row created from sheet data", row.EmployeeNum)
		} else {
			return regErr
		}
	case err != nil:
		return err
	}

	if row.HasGranted {
		ledger.Granted = row.Granted
	}
	if row.Name != "" {
		ledger.Name = row.Name
	}

	for _, ev := range row.Events {
		ev.CreatedAt = now
		if err := ev.Validate(); err != nil {
			return err
		}
		if err := st.PutUsageEvent(ctx, ev); err != nil {
			return err
		}
	}

	events, err := st.UsageEventsForRow(ctx, row.EmployeeNum, row.Year)
	if err != nil {
		return err
	}
	used := fiscal.DaysZero
	for _, ev := range events {
		used = used.Add(ev.DaysUsed)
	}
	ledger.Used = used
	ledger.Balance = ledger.ComputedBalance()
	ledger.LastUpdated = now
	if ledger.Balance.IsNegative() {
		report.warn("employee %s year %d: usage exceeds entitlement, balance %s", row.EmployeeNum, row.Year, ledger.Balance)
	}
	return st.PutLedgerRow(ctx, *ledger)
}

// IngestRegister imports the three-category register workbook, upserting
// every employee keyed by number. Existing ledger rows are not touched; the
// register drives who appears in listings and grant scans.
func (s *Service) IngestRegister(ctx context.Context, r io.Reader, fileName, actor string) (*Report, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable workbook: %v", fiscal.ErrIngestionFailed, err)
	}
	defer f.Close()

	report := &Report{Kind: "register", FileName: fileName}
	now := time.Now().UTC()
	employees, err := parseRegisterWorkbook(f, now, report)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(st fiscal.Store) error {
		for _, emp := range employees {
			if err := st.PutRegisterEmployee(ctx, emp); err != nil {
				return fmt.Errorf("upsert employee %s: %w", emp.EmployeeNum, err)
			}
		}
		report.Employees = len(employees)
		return appendIngestAudit(ctx, st, actor, report, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("file", fileName).
		Int("rows_read", report.RowsRead).
		Int("rows_accepted", report.RowsAccepted).
		Int("rows_skipped", report.RowsSkipped).
		Msg("register workbook ingested")
	return report, nil
}

func appendIngestAudit(ctx context.Context, st fiscal.Store, actor string, report *Report, now time.Time) error {
	return st.AppendAudit(ctx, fiscal.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  now,
		Actor:      actor,
		Action:     fiscal.AuditSync,
		EntityKind: "ingest_run",
		EntityID:   report.Kind,
		Extra: map[string]any{
			"file":          report.FileName,
			"rows_read":     report.RowsRead,
			"rows_accepted": report.RowsAccepted,
			"rows_skipped":  report.RowsSkipped,
			"events":        report.EventsWritten,
		},
	})
}
