/*
scheduler.go - Nightly grant scan and compliance snapshot

PURPOSE:
  Runs the two recurring jobs the ledger needs without operator action:
  - grant-scan:           materializes/refreshes every active employee's
                          (employee, current year) row from the grant
                          table, catching anniversary tier steps
  - compliance-snapshot:  runs the five-day classification and records
                          the class counts for trend monitoring

DESIGN:
  - robfig/cron drives the schedule (standard five-field specs)
  - Every run is persisted to scheduler_runs: running -> completed/failed
  - RunNow executes a job synchronously for ops use and tests
  - SkipIfStillRunning guards each entry; a job that outlives its
    interval is skipped, not stacked

SCHEDULE:
  grant-scan            02:00 server time
  compliance-snapshot   03:00 server time

SEE ALSO:
  - fiscal/engine.go: EnsureGrant, CheckFiveDay
  - store/sqlite/system.go: run records
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/yukyu/fiscal"
	"github.com/warp/yukyu/store/sqlite"
)

// Job names as stored in scheduler_runs.
const (
	JobGrantScan          = "grant-scan"
	JobComplianceSnapshot = "compliance-snapshot"
)

const (
	grantScanSpec  = "0 2 * * *"
	complianceSpec = "0 3 * * *"
)

// schedulerActor marks audit entries written by scheduled jobs.
const schedulerActor = "system"

// Scheduler owns the recurring jobs.
type Scheduler struct {
	store  *sqlite.Store
	engine *fiscal.Engine
	policy fiscal.FiscalPolicy
	cron   *cron.Cron
	log    zerolog.Logger
}

// NewScheduler builds the scheduler; Start arms it.
func NewScheduler(store *sqlite.Store, engine *fiscal.Engine, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		store:  store,
		engine: engine,
		policy: engine.Policy(),
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}))),
		log:    log,
	}
}

// cronLogger adapts zerolog to cron's logging interface so skip
// decisions surface in the service log.
type cronLogger struct{ log zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Interface("detail", keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Interface("detail", keysAndValues).Msg(msg)
}

// Start registers the cron entries and begins the schedule.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(grantScanSpec, func() { s.run(JobGrantScan) }); err != nil {
		return fmt.Errorf("register %s: %w", JobGrantScan, err)
	}
	if _, err := s.cron.AddFunc(complianceSpec, func() { s.run(JobComplianceSnapshot) }); err != nil {
		return fmt.Errorf("register %s: %w", JobComplianceSnapshot, err)
	}
	s.cron.Start()
	s.log.Info().Str("grant_scan", grantScanSpec).Str("compliance", complianceSpec).Msg("scheduler started")
	return nil
}

// Stop halts the schedule and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// RunNow executes one job synchronously and returns its recorded outcome.
func (s *Scheduler) RunNow(job string) (*sqlite.SchedulerRun, error) {
	switch job {
	case JobGrantScan, JobComplianceSnapshot:
		return s.run(job), nil
	default:
		return nil, fmt.Errorf("%w: unknown job %q", fiscal.ErrInvalidArgument, job)
	}
}

// run executes a job under a persisted run record.
func (s *Scheduler) run(job string) *sqlite.SchedulerRun {
	ctx := context.Background()
	run := sqlite.SchedulerRun{
		ID:        uuid.NewString(),
		Job:       job,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.SaveSchedulerRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("job", job).Msg("record run start")
	}

	var detail string
	var err error
	switch job {
	case JobGrantScan:
		detail, err = s.grantScan(ctx)
	case JobComplianceSnapshot:
		detail, err = s.complianceSnapshot(ctx)
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Detail = detail
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		s.log.Error().Err(err).Str("job", job).Msg("job failed")
	} else {
		run.Status = "completed"
		s.log.Info().Str("job", job).Str("detail", detail).Msg("job completed")
	}
	if saveErr := s.store.SaveSchedulerRun(ctx, run); saveErr != nil {
		s.log.Error().Err(saveErr).Str("job", job).Msg("record run end")
	}
	return &run
}

// grantScan walks the active register and materializes the current
// fiscal year's row for every employee past the first seniority tier.
// Per-employee failures are counted, logged and do not stop the scan.
func (s *Scheduler) grantScan(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	year := s.policy.YearOf(now)

	var created, failed, total int
	page := fiscal.PageRequest{Page: 1, Limit: 200}
	for {
		emps, totalRows, err := s.store.ListRegisterEmployees(ctx, fiscal.EmployeeFilter{
			ActiveOnly: true,
			Page:       page,
		})
		if err != nil {
			return "", fmt.Errorf("list employees: %w", err)
		}
		for _, emp := range emps {
			total++
			if emp.HireDate == nil {
				continue
			}
			if _, err := s.engine.EnsureGrant(ctx, emp.EmployeeNum, year, now, schedulerActor); err != nil {
				failed++
				s.log.Warn().Err(err).Str("employee", string(emp.EmployeeNum)).Msg("grant scan entry failed")
				continue
			}
			created++
		}
		if page.Page*page.Limit >= totalRows || len(emps) == 0 {
			break
		}
		page.Page++
	}

	detail := fmt.Sprintf("year=%d scanned=%d ensured=%d failed=%d", year, total, created, failed)
	if failed > 0 {
		return detail, fmt.Errorf("%d of %d grant entries failed", failed, total)
	}
	return detail, nil
}

// complianceSnapshot records the current five-day class counts.
func (s *Scheduler) complianceSnapshot(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	year := s.policy.YearOf(now)

	report, err := s.engine.CheckFiveDay(ctx, year, now)
	if err != nil {
		return "", err
	}
	detail := fmt.Sprintf("year=%d obligated=%d compliant=%d at_risk=%d non_compliant=%d exempted=%d",
		year,
		len(report.Entries),
		report.Counts[fiscal.Compliant],
		report.Counts[fiscal.AtRisk],
		report.Counts[fiscal.NonCompliant],
		report.Counts[fiscal.Exempted],
	)
	return detail, nil
}
