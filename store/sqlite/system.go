package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warp/yukyu/fiscal"
)

// =============================================================================
// USER STORE
// =============================================================================

// GetUser fetches an account by username.
func (s *Store) GetUser(ctx context.Context, username string) (*fiscal.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		u         fiscal.User
		role      string
		num       string
		active    int
		lastLogin sql.NullString
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, role, employee_num, active, last_login_at, created_at, updated_at
		 FROM users WHERE username = ?`, username,
	).Scan(&u.Username, &u.PasswordHash, &role, &num, &active, &lastLogin, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: user %s", fiscal.ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	u.Role = fiscal.Role(role)
	u.EmployeeNum = fiscal.EmployeeNum(num)
	u.Active = active != 0
	u.LastLoginAt = parseTimePtr(lastLogin)
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &u, nil
}

// PutUser upserts an account.
func (s *Store) PutUser(ctx context.Context, u fiscal.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO users
		(username, password_hash, role, employee_num, active, last_login_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			password_hash = excluded.password_hash,
			role = excluded.role,
			employee_num = excluded.employee_num,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	active := 0
	if u.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		u.Username, u.PasswordHash, string(u.Role), string(u.EmployeeNum),
		active, nullTime(u.LastLoginAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// ListUsers returns every account ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]fiscal.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password_hash, role, employee_num, active, last_login_at, created_at, updated_at
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []fiscal.User
	for rows.Next() {
		var (
			u         fiscal.User
			role      string
			num       string
			active    int
			lastLogin sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&u.Username, &u.PasswordHash, &role, &num, &active, &lastLogin, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = fiscal.Role(role)
		u.EmployeeNum = fiscal.EmployeeNum(num)
		u.Active = active != 0
		u.LastLoginAt = parseTimePtr(lastLogin)
		u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// TouchUserLogin stamps a successful login.
func (s *Store) TouchUserLogin(ctx context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login_at = ? WHERE username = ?",
		at.UTC().Format(time.RFC3339), username)
	if err != nil {
		return fmt.Errorf("touch user login: %w", err)
	}
	return nil
}

// =============================================================================
// EMPLOYEE SEARCH
// =============================================================================

// SearchEmployees matches names, work locations and employee numbers against
// the given terms through the employee_search view. Every term must match
// somewhere; matching is substring LIKE, so the stock sqlite build suffices.
func (s *Store) SearchEmployees(ctx context.Context, query string, limit int) ([]fiscal.RegisterEmployee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var conds []string
	var args []any
	for _, t := range terms {
		pat := "%" + escapeLike(t) + "%"
		conds = append(conds, `(name LIKE ? ESCAPE '\' OR location LIKE ? ESCAPE '\' OR employee_num LIKE ? ESCAPE '\')`)
		args = append(args, pat, pat, pat)
	}
	args = append(args, limit)

	q := `
		SELECT ` + registerColumns + `
		FROM register_employees
		WHERE employee_num IN (
			SELECT employee_num FROM employee_search
			WHERE ` + strings.Join(conds, " AND ") + `
			ORDER BY name LIMIT ?
		)
		ORDER BY employee_num
	`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search employees: %w", err)
	}
	defer rows.Close()

	var out []fiscal.RegisterEmployee
	for rows.Next() {
		emp, err := scanRegisterEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, *emp)
	}
	return out, rows.Err()
}

// escapeLike neutralizes LIKE wildcards in user input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// =============================================================================
// SYNC RUNS (ingest single-flight and history)
// =============================================================================

// SyncRun records one ingestion attempt. A partial unique index allows at
// most one 'running' row per kind.
type SyncRun struct {
	ID           string
	Kind         string // vacation | register
	Status       string // running | completed | failed
	FileName     string
	RowsRead     int
	RowsAccepted int
	RowsSkipped  int
	ReportJSON   string
	Error        string
	StartedBy    string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// StartSyncRun inserts a running record. A second concurrent run of the
// same kind fails with a conflict.
func (s *Store) StartSyncRun(ctx context.Context, run SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sync_runs
		(id, kind, status, file_name, rows_read, rows_accepted, rows_skipped,
		 report_json, error, started_by, started_at, completed_at)
		VALUES (?, ?, 'running', ?, 0, 0, 0, NULL, '', ?, ?, NULL)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Kind, run.FileName, run.StartedBy,
		run.StartedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: a %s ingest is already running", fiscal.ErrConflict, run.Kind)
		}
		return fmt.Errorf("start sync run: %w", err)
	}
	return nil
}

// FinishSyncRun closes a run with its outcome and report.
func (s *Store) FinishSyncRun(ctx context.Context, run SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE sync_runs SET
			status = ?,
			rows_read = ?,
			rows_accepted = ?,
			rows_skipped = ?,
			report_json = ?,
			error = ?,
			completed_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		run.Status, run.RowsRead, run.RowsAccepted, run.RowsSkipped,
		nullString(run.ReportJSON), run.Error,
		time.Now().UTC().Format(time.RFC3339),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sync run %s", fiscal.ErrNotFound, run.ID)
	}
	return nil
}

// ListSyncRuns returns recent runs, newest first. Empty kind means all.
func (s *Store) ListSyncRuns(ctx context.Context, kind string, limit int) ([]SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, kind, status, file_name, rows_read, rows_accepted, rows_skipped,
		       report_json, error, started_by, started_at, completed_at
		FROM sync_runs
	`
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var (
			r           SyncRun
			report      sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.FileName,
			&r.RowsRead, &r.RowsAccepted, &r.RowsSkipped,
			&report, &r.Error, &r.StartedBy, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		r.ReportJSON = report.String
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// SCHEDULER RUNS
// =============================================================================

// SchedulerRun records one background job execution.
type SchedulerRun struct {
	ID          string
	Job         string
	Status      string // running | completed | failed
	Detail      string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SaveSchedulerRun upserts a job run record by ID.
func (s *Store) SaveSchedulerRun(ctx context.Context, run SchedulerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO scheduler_runs (id, job, status, detail, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			detail = excluded.detail,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Job, run.Status, run.Detail, run.Error,
		run.StartedAt.UTC().Format(time.RFC3339),
		nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save scheduler run: %w", err)
	}
	return nil
}

// ListSchedulerRuns returns recent runs for one job (or all jobs when job
// is empty), newest first.
func (s *Store) ListSchedulerRuns(ctx context.Context, job string, limit int) ([]SchedulerRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, job, status, detail, error, started_at, completed_at FROM scheduler_runs"
	var args []any
	if job != "" {
		query += " WHERE job = ?"
		args = append(args, job)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduler runs: %w", err)
	}
	defer rows.Close()

	var out []SchedulerRun
	for rows.Next() {
		var (
			r           SchedulerRun
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &r.Detail, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan scheduler run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.CompletedAt = parseTimePtr(completedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// BACKUP
// =============================================================================

// Backup writes a consistent copy of the live database to destPath using
// VACUUM INTO. The destination must not already exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}
