/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements fiscal.Store and fiscal.TxStore, plus the surfaces the API
  layer needs beyond the core contracts (users, employee search, ingest
  and scheduler run records, online backup).

INTERFACES IMPLEMENTED:
  fiscal.Store:   registers, ledger rows, usage events, requests, audit
  fiscal.TxStore: WithTx routes every call through one database transaction
  auth.UserStore: account lookups for login

SCHEMA:
  Managed by goose with embedded, versioned migrations (see migrations/).
  New() refuses to serve a database whose version differs from the one the
  binary was built against. Day quantities are stored as decimal strings
  and recomputed through shopspring/decimal; dates are YYYY-MM-DD strings,
  timestamps RFC3339.

APPEND-ONLY AUDIT:
  audit_log rejects UPDATE and DELETE at the database via triggers.
  Corrections happen as new entries.

EMPLOYEE SEARCH:
  employee_search is a view folding the category-specific location columns
  into one place; SearchEmployees matches it with escaped LIKE patterns.

CONCURRENCY:
  WAL mode plus a sync.RWMutex. SQLite allows one writer at a time; the
  mutex keeps WithTx exclusive so a transaction never interleaves with
  another writer on the same handle.

USAGE:
  store, err := sqlite.New("./data/yukyu.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := fiscal.NewEngine(store, policy, logger)

SEE ALSO:
  - fiscal/store.go: interface definitions
  - migrations/: schema history
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/yukyu/fiscal"
)

const (
	dateFormat = "2006-01-02"
)

// Store implements the storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and brings the schema to
// the expected version. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite has a single writer anyway, and :memory:
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by *sql.DB and *sql.Tx; every query helper runs
// against either.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONS (fiscal.TxStore)
// =============================================================================

// WithTx executes fn inside one database transaction. Any error from fn
// rolls back everything written through the callback's store, audit
// entries included.
func (s *Store) WithTx(ctx context.Context, fn func(fiscal.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txView{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// txView is the transaction-scoped fiscal.Store handed to WithTx callbacks.
// Reads go through the transaction too, so a deduction sees its own writes.
type txView struct {
	tx *sql.Tx
}

func (t *txView) GetRegisterEmployee(ctx context.Context, num fiscal.EmployeeNum) (*fiscal.RegisterEmployee, error) {
	return getRegisterEmployee(ctx, t.tx, num)
}

func (t *txView) PutRegisterEmployee(ctx context.Context, emp fiscal.RegisterEmployee) error {
	return putRegisterEmployee(ctx, t.tx, emp)
}

func (t *txView) ListRegisterEmployees(ctx context.Context, f fiscal.EmployeeFilter) ([]fiscal.RegisterEmployee, int, error) {
	return listRegisterEmployees(ctx, t.tx, f)
}

func (t *txView) GetLedgerRow(ctx context.Context, num fiscal.EmployeeNum, year int) (*fiscal.LedgerRow, error) {
	return getLedgerRow(ctx, t.tx, num, year)
}

func (t *txView) LedgerRowsForEmployee(ctx context.Context, num fiscal.EmployeeNum) ([]fiscal.LedgerRow, error) {
	return ledgerRowsForEmployee(ctx, t.tx, num)
}

func (t *txView) LedgerRowsForYear(ctx context.Context, year int) ([]fiscal.LedgerRow, error) {
	return ledgerRowsForYear(ctx, t.tx, year)
}

func (t *txView) StaleLedgerRows(ctx context.Context, maxYear int) ([]fiscal.LedgerRow, error) {
	return staleLedgerRows(ctx, t.tx, maxYear)
}

func (t *txView) LedgerRowsBefore(ctx context.Context, year int) ([]fiscal.LedgerRow, error) {
	return ledgerRowsBefore(ctx, t.tx, year)
}

func (t *txView) PutLedgerRow(ctx context.Context, row fiscal.LedgerRow) error {
	return putLedgerRow(ctx, t.tx, row)
}

func (t *txView) DeleteLedgerRow(ctx context.Context, num fiscal.EmployeeNum, year int) error {
	return deleteLedgerRow(ctx, t.tx, num, year)
}

func (t *txView) PutUsageEvent(ctx context.Context, ev fiscal.UsageEvent) error {
	return putUsageEvent(ctx, t.tx, ev)
}

func (t *txView) UsageEventsForRow(ctx context.Context, num fiscal.EmployeeNum, year int) ([]fiscal.UsageEvent, error) {
	return usageEventsForRow(ctx, t.tx, num, year)
}

func (t *txView) UsageEventsByRequest(ctx context.Context, requestID string) ([]fiscal.UsageEvent, error) {
	return usageEventsByRequest(ctx, t.tx, requestID)
}

func (t *txView) DeleteUsageEventsByRequest(ctx context.Context, requestID string) error {
	return deleteUsageEventsByRequest(ctx, t.tx, requestID)
}

func (t *txView) CreateLeaveRequest(ctx context.Context, req fiscal.LeaveRequest) error {
	return createLeaveRequest(ctx, t.tx, req)
}

func (t *txView) GetLeaveRequest(ctx context.Context, id string) (*fiscal.LeaveRequest, error) {
	return getLeaveRequest(ctx, t.tx, id)
}

func (t *txView) UpdateLeaveRequest(ctx context.Context, req fiscal.LeaveRequest) error {
	return updateLeaveRequest(ctx, t.tx, req)
}

func (t *txView) DeleteLeaveRequest(ctx context.Context, id string) error {
	return deleteLeaveRequest(ctx, t.tx, id)
}

func (t *txView) CountOpenRequests(ctx context.Context, num fiscal.EmployeeNum, year int) (int, error) {
	return countOpenRequests(ctx, t.tx, num, year)
}

func (t *txView) ListLeaveRequests(ctx context.Context, f fiscal.RequestFilter) ([]fiscal.LeaveRequest, int, error) {
	return listLeaveRequests(ctx, t.tx, f)
}

func (t *txView) AppendAudit(ctx context.Context, entry fiscal.AuditEntry) error {
	return appendAudit(ctx, t.tx, entry)
}

func (t *txView) ListAudit(ctx context.Context, f fiscal.AuditFilter) ([]fiscal.AuditEntry, int, error) {
	return listAudit(ctx, t.tx, f)
}

// =============================================================================
// REGISTER STORE
// =============================================================================

// GetRegisterEmployee looks an employee up by number.
func (s *Store) GetRegisterEmployee(ctx context.Context, num fiscal.EmployeeNum) (*fiscal.RegisterEmployee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRegisterEmployee(ctx, s.db, num)
}

// PutRegisterEmployee upserts on employee number.
func (s *Store) PutRegisterEmployee(ctx context.Context, emp fiscal.RegisterEmployee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putRegisterEmployee(ctx, s.db, emp)
}

// ListRegisterEmployees returns a filtered page plus the unpaged total.
func (s *Store) ListRegisterEmployees(ctx context.Context, f fiscal.EmployeeFilter) ([]fiscal.RegisterEmployee, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRegisterEmployees(ctx, s.db, f)
}

const registerColumns = `employee_num, category, name, dispatch_name, business, office,
	hourly_wage, birth_date, nationality, hire_date, leave_date, status, created_at, updated_at`

func getRegisterEmployee(ctx context.Context, db dbtx, num fiscal.EmployeeNum) (*fiscal.RegisterEmployee, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+registerColumns+` FROM register_employees WHERE employee_num = ?`, string(num))
	emp, err := scanRegisterEmployee(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: employee %s not on register", fiscal.ErrNotFound, num)
	}
	if err != nil {
		return nil, fmt.Errorf("get register employee: %w", err)
	}
	return emp, nil
}

func putRegisterEmployee(ctx context.Context, db dbtx, emp fiscal.RegisterEmployee) error {
	query := `
		INSERT INTO register_employees
		(employee_num, category, name, dispatch_name, business, office,
		 hourly_wage, birth_date, nationality, hire_date, leave_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_num) DO UPDATE SET
			category = excluded.category,
			name = excluded.name,
			dispatch_name = excluded.dispatch_name,
			business = excluded.business,
			office = excluded.office,
			hourly_wage = excluded.hourly_wage,
			birth_date = excluded.birth_date,
			nationality = excluded.nationality,
			hire_date = excluded.hire_date,
			leave_date = excluded.leave_date,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx, query,
		string(emp.EmployeeNum),
		string(emp.Category),
		emp.Name,
		emp.DispatchName,
		emp.Business,
		emp.Office,
		nullInt64(emp.HourlyWage),
		nullDate(emp.BirthDate),
		emp.Nationality,
		nullDate(emp.HireDate),
		nullDate(emp.LeaveDate),
		string(emp.Status),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("put register employee: %w", err)
	}
	return nil
}

func listRegisterEmployees(ctx context.Context, db dbtx, f fiscal.EmployeeFilter) ([]fiscal.RegisterEmployee, int, error) {
	var conds []string
	var args []any

	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.ActiveOnly {
		conds = append(conds, "status = 'active'")
	}
	if f.Year != 0 {
		conds = append(conds, "employee_num IN (SELECT employee_num FROM ledger_rows WHERE year = ?)")
		args = append(args, f.Year)
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		conds = append(conds, "(name LIKE ? OR dispatch_name LIKE ? OR business LIKE ? OR office LIKE ?)")
		args = append(args, like, like, like, like)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM register_employees"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count register employees: %w", err)
	}

	query := `SELECT ` + registerColumns + ` FROM register_employees` + where + ` ORDER BY employee_num`
	if f.Page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Page.Limit, f.Page.Offset())
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list register employees: %w", err)
	}
	defer rows.Close()

	var out []fiscal.RegisterEmployee
	for rows.Next() {
		emp, err := scanRegisterEmployee(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan register employee: %w", err)
		}
		out = append(out, *emp)
	}
	return out, total, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRegisterEmployee(sc scanner) (*fiscal.RegisterEmployee, error) {
	var (
		emp        fiscal.RegisterEmployee
		num        string
		category   string
		status     string
		wage       sql.NullInt64
		birthDate  sql.NullString
		hireDate   sql.NullString
		leaveDate  sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := sc.Scan(
		&num, &category, &emp.Name, &emp.DispatchName, &emp.Business, &emp.Office,
		&wage, &birthDate, &emp.Nationality, &hireDate, &leaveDate, &status,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	emp.EmployeeNum = fiscal.EmployeeNum(num)
	emp.Category = fiscal.Category(category)
	emp.Status = fiscal.EmployeeStatus(status)
	if wage.Valid {
		w := wage.Int64
		emp.HourlyWage = &w
	}
	emp.BirthDate = parseDatePtr(birthDate)
	emp.HireDate = parseDatePtr(hireDate)
	emp.LeaveDate = parseDatePtr(leaveDate)
	emp.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	emp.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &emp, nil
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// GetLedgerRow fetches one (employee, year) account.
func (s *Store) GetLedgerRow(ctx context.Context, num fiscal.EmployeeNum, year int) (*fiscal.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLedgerRow(ctx, s.db, num, year)
}

// LedgerRowsForEmployee returns all of one employee's rows, newest year first.
func (s *Store) LedgerRowsForEmployee(ctx context.Context, num fiscal.EmployeeNum) ([]fiscal.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerRowsForEmployee(ctx, s.db, num)
}

// LedgerRowsForYear returns every row of a fiscal year.
func (s *Store) LedgerRowsForYear(ctx context.Context, year int) ([]fiscal.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerRowsForYear(ctx, s.db, year)
}

// StaleLedgerRows returns aging candidates: positive balances at or before
// maxYear.
func (s *Store) StaleLedgerRows(ctx context.Context, maxYear int) ([]fiscal.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return staleLedgerRows(ctx, s.db, maxYear)
}

// LedgerRowsBefore returns retention-purge candidates: every row strictly
// before year.
func (s *Store) LedgerRowsBefore(ctx context.Context, year int) ([]fiscal.LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerRowsBefore(ctx, s.db, year)
}

// PutLedgerRow upserts on (employee_num, year).
func (s *Store) PutLedgerRow(ctx context.Context, row fiscal.LedgerRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putLedgerRow(ctx, s.db, row)
}

// DeleteLedgerRow removes a row and (via cascade) its usage events. Rows
// still referenced by an open request refuse deletion.
func (s *Store) DeleteLedgerRow(ctx context.Context, num fiscal.EmployeeNum, year int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteLedgerRow(ctx, s.db, num, year)
}

const ledgerColumns = `employee_num, year, name, category, work_location,
	granted, used, carried_in, expired, carried_out, balance,
	hire_date, leave_date, status, last_updated`

func getLedgerRow(ctx context.Context, db dbtx, num fiscal.EmployeeNum, year int) (*fiscal.LedgerRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_rows WHERE employee_num = ? AND year = ?`,
		string(num), year)
	lr, err := scanLedgerRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: ledger row %s/%d", fiscal.ErrNotFound, num, year)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger row: %w", err)
	}
	return lr, nil
}

func ledgerRowsForEmployee(ctx context.Context, db dbtx, num fiscal.EmployeeNum) ([]fiscal.LedgerRow, error) {
	return queryLedgerRows(ctx, db,
		`SELECT `+ledgerColumns+` FROM ledger_rows WHERE employee_num = ? ORDER BY year DESC`,
		string(num))
}

func ledgerRowsForYear(ctx context.Context, db dbtx, year int) ([]fiscal.LedgerRow, error) {
	return queryLedgerRows(ctx, db,
		`SELECT `+ledgerColumns+` FROM ledger_rows WHERE year = ? ORDER BY employee_num`,
		year)
}

func staleLedgerRows(ctx context.Context, db dbtx, maxYear int) ([]fiscal.LedgerRow, error) {
	return queryLedgerRows(ctx, db,
		`SELECT `+ledgerColumns+` FROM ledger_rows
		 WHERE year <= ? AND CAST(balance AS REAL) > 0
		 ORDER BY year, employee_num`,
		maxYear)
}

func ledgerRowsBefore(ctx context.Context, db dbtx, year int) ([]fiscal.LedgerRow, error) {
	return queryLedgerRows(ctx, db,
		`SELECT `+ledgerColumns+` FROM ledger_rows WHERE year < ? ORDER BY year, employee_num`,
		year)
}

func putLedgerRow(ctx context.Context, db dbtx, row fiscal.LedgerRow) error {
	query := `
		INSERT INTO ledger_rows
		(employee_num, year, name, category, work_location,
		 granted, used, carried_in, expired, carried_out, balance,
		 hire_date, leave_date, status, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_num, year) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			work_location = excluded.work_location,
			granted = excluded.granted,
			used = excluded.used,
			carried_in = excluded.carried_in,
			expired = excluded.expired,
			carried_out = excluded.carried_out,
			balance = excluded.balance,
			hire_date = excluded.hire_date,
			leave_date = excluded.leave_date,
			status = excluded.status,
			last_updated = excluded.last_updated
	`
	_, err := db.ExecContext(ctx, query,
		string(row.EmployeeNum),
		row.Year,
		row.Name,
		string(row.Category),
		row.WorkLocation,
		row.Granted.String(),
		row.Used.String(),
		row.CarriedIn.String(),
		row.Expired.String(),
		row.CarriedOut.String(),
		row.Balance.String(),
		nullDate(row.HireDate),
		nullDate(row.LeaveDate),
		string(row.Status),
		row.LastUpdated.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put ledger row %s/%d: %w", row.EmployeeNum, row.Year, err)
	}
	return nil
}

func deleteLedgerRow(ctx context.Context, db dbtx, num fiscal.EmployeeNum, year int) error {
	open, err := countOpenRequests(ctx, db, num, year)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("%w: %d open request(s) reference ledger row %s/%d",
			fiscal.ErrConflict, open, num, year)
	}
	res, err := db.ExecContext(ctx,
		"DELETE FROM ledger_rows WHERE employee_num = ? AND year = ?", string(num), year)
	if err != nil {
		return fmt.Errorf("delete ledger row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: ledger row %s/%d", fiscal.ErrNotFound, num, year)
	}
	return nil
}

func queryLedgerRows(ctx context.Context, db dbtx, query string, args ...any) ([]fiscal.LedgerRow, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger rows: %w", err)
	}
	defer rows.Close()

	var out []fiscal.LedgerRow
	for rows.Next() {
		lr, err := scanLedgerRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, *lr)
	}
	return out, rows.Err()
}

func scanLedgerRow(sc scanner) (*fiscal.LedgerRow, error) {
	var (
		row         fiscal.LedgerRow
		num         string
		category    string
		status      string
		granted     string
		used        string
		carriedIn   string
		expired     string
		carriedOut  string
		balance     string
		hireDate    sql.NullString
		leaveDate   sql.NullString
		lastUpdated string
	)
	err := sc.Scan(
		&num, &row.Year, &row.Name, &category, &row.WorkLocation,
		&granted, &used, &carriedIn, &expired, &carriedOut, &balance,
		&hireDate, &leaveDate, &status, &lastUpdated,
	)
	if err != nil {
		return nil, err
	}

	row.EmployeeNum = fiscal.EmployeeNum(num)
	row.Category = fiscal.Category(category)
	row.Status = fiscal.EmployeeStatus(status)
	row.Granted = parseDec(granted)
	row.Used = parseDec(used)
	row.CarriedIn = parseDec(carriedIn)
	row.Expired = parseDec(expired)
	row.CarriedOut = parseDec(carriedOut)
	row.Balance = parseDec(balance)
	row.HireDate = parseDatePtr(hireDate)
	row.LeaveDate = parseDatePtr(leaveDate)
	row.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	return &row, nil
}

// =============================================================================
// USAGE EVENT STORE
// =============================================================================

// PutUsageEvent upserts on (employee_num, year, use_date): the latest
// write for a date wins.
func (s *Store) PutUsageEvent(ctx context.Context, ev fiscal.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putUsageEvent(ctx, s.db, ev)
}

// UsageEventsForRow returns one account's events ordered by date.
func (s *Store) UsageEventsForRow(ctx context.Context, num fiscal.EmployeeNum, year int) ([]fiscal.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return usageEventsForRow(ctx, s.db, num, year)
}

// UsageEventsByRequest returns the events written when a request was approved.
func (s *Store) UsageEventsByRequest(ctx context.Context, requestID string) ([]fiscal.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return usageEventsByRequest(ctx, s.db, requestID)
}

// DeleteUsageEventsByRequest removes the events a reverted approval wrote.
func (s *Store) DeleteUsageEventsByRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteUsageEventsByRequest(ctx, s.db, requestID)
}

const usageColumns = `employee_num, year, use_date, days_used, type, source, request_id, created_at`

func putUsageEvent(ctx context.Context, db dbtx, ev fiscal.UsageEvent) error {
	query := `
		INSERT INTO usage_events
		(employee_num, year, use_date, days_used, type, source, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_num, year, use_date) DO UPDATE SET
			days_used = excluded.days_used,
			type = excluded.type,
			source = excluded.source,
			request_id = excluded.request_id,
			created_at = excluded.created_at
	`
	_, err := db.ExecContext(ctx, query,
		string(ev.EmployeeNum),
		ev.Year,
		ev.UseDate.Format(dateFormat),
		ev.DaysUsed.String(),
		string(ev.Type),
		string(ev.Source),
		nullString(ev.RequestID),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put usage event %s/%d/%s: %w",
			ev.EmployeeNum, ev.Year, ev.UseDate.Format(dateFormat), err)
	}
	return nil
}

func usageEventsForRow(ctx context.Context, db dbtx, num fiscal.EmployeeNum, year int) ([]fiscal.UsageEvent, error) {
	return queryUsageEvents(ctx, db,
		`SELECT `+usageColumns+` FROM usage_events
		 WHERE employee_num = ? AND year = ? ORDER BY use_date`,
		string(num), year)
}

func usageEventsByRequest(ctx context.Context, db dbtx, requestID string) ([]fiscal.UsageEvent, error) {
	return queryUsageEvents(ctx, db,
		`SELECT `+usageColumns+` FROM usage_events WHERE request_id = ? ORDER BY use_date`,
		requestID)
}

func deleteUsageEventsByRequest(ctx context.Context, db dbtx, requestID string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM usage_events WHERE request_id = ?", requestID)
	if err != nil {
		return fmt.Errorf("delete usage events for request %s: %w", requestID, err)
	}
	return nil
}

func queryUsageEvents(ctx context.Context, db dbtx, query string, args ...any) ([]fiscal.UsageEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var out []fiscal.UsageEvent
	for rows.Next() {
		var (
			ev        fiscal.UsageEvent
			num       string
			useDate   string
			daysUsed  string
			evType    string
			source    string
			requestID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&num, &ev.Year, &useDate, &daysUsed, &evType, &source, &requestID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		ev.EmployeeNum = fiscal.EmployeeNum(num)
		ev.UseDate, _ = time.Parse(dateFormat, useDate)
		ev.DaysUsed = parseDec(daysUsed)
		ev.Type = fiscal.UsageType(evType)
		ev.Source = fiscal.UsageSource(source)
		ev.RequestID = requestID.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateFormat), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseDatePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(dateFormat, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
