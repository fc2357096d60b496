package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/yukyu/fiscal"
)

// =============================================================================
// REQUEST STORE
// =============================================================================

// CreateLeaveRequest inserts a new request. Reusing an ID is a conflict.
func (s *Store) CreateLeaveRequest(ctx context.Context, req fiscal.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLeaveRequest(ctx, s.db, req)
}

// GetLeaveRequest fetches a request by ID.
func (s *Store) GetLeaveRequest(ctx context.Context, id string) (*fiscal.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLeaveRequest(ctx, s.db, id)
}

// UpdateLeaveRequest rewrites a request's mutable fields.
func (s *Store) UpdateLeaveRequest(ctx context.Context, req fiscal.LeaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLeaveRequest(ctx, s.db, req)
}

// DeleteLeaveRequest removes a request row.
func (s *Store) DeleteLeaveRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteLeaveRequest(ctx, s.db, id)
}

// CountOpenRequests counts PENDING and APPROVED requests against one
// (employee, year) account.
func (s *Store) CountOpenRequests(ctx context.Context, num fiscal.EmployeeNum, year int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countOpenRequests(ctx, s.db, num, year)
}

// ListLeaveRequests returns a filtered page plus the unpaged total, newest
// first.
func (s *Store) ListLeaveRequests(ctx context.Context, f fiscal.RequestFilter) ([]fiscal.LeaveRequest, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLeaveRequests(ctx, s.db, f)
}

const requestColumns = `id, employee_num, employee_name, year, start_date, end_date,
	days_requested, hours_requested, leave_type, reason, status,
	requested_by, requested_at, approved_by, approved_at,
	rejected_by, rejected_at, reject_reason,
	hourly_wage, cost_estimate, deduction_json, created_at, updated_at`

func createLeaveRequest(ctx context.Context, db dbtx, req fiscal.LeaveRequest) error {
	query := `
		INSERT INTO leave_requests
		(id, employee_num, employee_name, year, start_date, end_date,
		 days_requested, hours_requested, leave_type, reason, status,
		 requested_by, requested_at, approved_by, approved_at,
		 rejected_by, rejected_at, reject_reason,
		 hourly_wage, cost_estimate, deduction_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx, query,
		req.ID,
		string(req.EmployeeNum),
		req.EmployeeName,
		req.Year,
		req.StartDate.Format(dateFormat),
		req.EndDate.Format(dateFormat),
		req.DaysRequested.String(),
		req.HoursRequested.String(),
		string(req.LeaveType),
		req.Reason,
		string(req.Status),
		req.RequestedBy,
		req.RequestedAt.UTC().Format(time.RFC3339),
		req.ApprovedBy,
		nullTime(req.ApprovedAt),
		req.RejectedBy,
		nullTime(req.RejectedAt),
		req.RejectReason,
		req.HourlyWage,
		req.CostEstimate.String(),
		marshalDeductions(req.Deductions),
		now,
		now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: request %s already exists", fiscal.ErrConflict, req.ID)
		}
		return fmt.Errorf("create leave request: %w", err)
	}
	return nil
}

func getLeaveRequest(ctx context.Context, db dbtx, id string) (*fiscal.LeaveRequest, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	req, err := scanLeaveRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: leave request %s", fiscal.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get leave request: %w", err)
	}
	return req, nil
}

func updateLeaveRequest(ctx context.Context, db dbtx, req fiscal.LeaveRequest) error {
	query := `
		UPDATE leave_requests SET
			status = ?,
			approved_by = ?,
			approved_at = ?,
			rejected_by = ?,
			rejected_at = ?,
			reject_reason = ?,
			deduction_json = ?,
			updated_at = ?
		WHERE id = ?
	`
	res, err := db.ExecContext(ctx, query,
		string(req.Status),
		req.ApprovedBy,
		nullTime(req.ApprovedAt),
		req.RejectedBy,
		nullTime(req.RejectedAt),
		req.RejectReason,
		marshalDeductions(req.Deductions),
		time.Now().UTC().Format(time.RFC3339),
		req.ID,
	)
	if err != nil {
		return fmt.Errorf("update leave request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: leave request %s", fiscal.ErrNotFound, req.ID)
	}
	return nil
}

func deleteLeaveRequest(ctx context.Context, db dbtx, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM leave_requests WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete leave request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: leave request %s", fiscal.ErrNotFound, id)
	}
	return nil
}

func countOpenRequests(ctx context.Context, db dbtx, num fiscal.EmployeeNum, year int) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leave_requests
		 WHERE employee_num = ? AND year = ? AND status IN ('PENDING', 'APPROVED')`,
		string(num), year,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open requests: %w", err)
	}
	return count, nil
}

func listLeaveRequests(ctx context.Context, db dbtx, f fiscal.RequestFilter) ([]fiscal.LeaveRequest, int, error) {
	var conds []string
	var args []any

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.EmployeeNum != "" {
		conds = append(conds, "employee_num = ?")
		args = append(args, string(f.EmployeeNum))
	}
	if f.Year != 0 {
		conds = append(conds, "year = ?")
		args = append(args, f.Year)
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM leave_requests"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count leave requests: %w", err)
	}

	query := `SELECT ` + requestColumns + ` FROM leave_requests` + where + ` ORDER BY requested_at DESC, id`
	if f.Page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Page.Limit, f.Page.Offset())
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list leave requests: %w", err)
	}
	defer rows.Close()

	var out []fiscal.LeaveRequest
	for rows.Next() {
		req, err := scanLeaveRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan leave request: %w", err)
		}
		out = append(out, *req)
	}
	return out, total, rows.Err()
}

func scanLeaveRequest(sc scanner) (*fiscal.LeaveRequest, error) {
	var (
		req           fiscal.LeaveRequest
		num           string
		startDate     string
		endDate       string
		daysRequested string
		hoursReq      string
		leaveType     string
		status        string
		requestedAt   string
		approvedAt    sql.NullString
		rejectedAt    sql.NullString
		costEstimate  string
		deductionJSON sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := sc.Scan(
		&req.ID, &num, &req.EmployeeName, &req.Year, &startDate, &endDate,
		&daysRequested, &hoursReq, &leaveType, &req.Reason, &status,
		&req.RequestedBy, &requestedAt, &req.ApprovedBy, &approvedAt,
		&req.RejectedBy, &rejectedAt, &req.RejectReason,
		&req.HourlyWage, &costEstimate, &deductionJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.EmployeeNum = fiscal.EmployeeNum(num)
	req.StartDate, _ = time.Parse(dateFormat, startDate)
	req.EndDate, _ = time.Parse(dateFormat, endDate)
	req.DaysRequested = parseDec(daysRequested)
	req.HoursRequested = parseDec(hoursReq)
	req.LeaveType = fiscal.LeaveType(leaveType)
	req.Status = fiscal.RequestStatus(status)
	req.RequestedAt, _ = time.Parse(time.RFC3339, requestedAt)
	req.ApprovedAt = parseTimePtr(approvedAt)
	req.RejectedAt = parseTimePtr(rejectedAt)
	req.CostEstimate = parseDec(costEstimate)
	req.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	req.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if deductionJSON.Valid && deductionJSON.String != "" {
		json.Unmarshal([]byte(deductionJSON.String), &req.Deductions)
	}
	return &req, nil
}

func marshalDeductions(ds []fiscal.Deduction) sql.NullString {
	if len(ds) == 0 {
		return sql.NullString{}
	}
	raw, err := json.Marshal(ds)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// =============================================================================
// AUDIT STORE
// =============================================================================

// AppendAudit writes one immutable audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry fiscal.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

// ListAudit returns a filtered page of audit entries, newest first, plus
// the unpaged total.
func (s *Store) ListAudit(ctx context.Context, f fiscal.AuditFilter) ([]fiscal.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAudit(ctx, s.db, f)
}

const auditColumns = `id, ts, actor, action, entity_kind, entity_id,
	before_json, after_json, source_ip, user_agent, extra_json`

func appendAudit(ctx context.Context, db dbtx, entry fiscal.AuditEntry) error {
	var extra sql.NullString
	if len(entry.Extra) > 0 {
		raw, err := json.Marshal(entry.Extra)
		if err == nil {
			extra = sql.NullString{String: string(raw), Valid: true}
		}
	}
	query := `
		INSERT INTO audit_log
		(id, ts, actor, action, entity_kind, entity_id,
		 before_json, after_json, source_ip, user_agent, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		entry.ID,
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.Actor,
		string(entry.Action),
		entry.EntityKind,
		entry.EntityID,
		nullStringPtr(entry.Before),
		nullStringPtr(entry.After),
		entry.SourceIP,
		entry.UserAgent,
		extra,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func listAudit(ctx context.Context, db dbtx, f fiscal.AuditFilter) ([]fiscal.AuditEntry, int, error) {
	var conds []string
	var args []any

	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.EntityKind != "" {
		conds = append(conds, "entity_kind = ?")
		args = append(args, f.EntityKind)
	}
	if f.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.From != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log` + where + ` ORDER BY ts DESC, id`
	if f.Page.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Page.Limit, f.Page.Offset())
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []fiscal.AuditEntry
	for rows.Next() {
		var (
			entry      fiscal.AuditEntry
			ts         string
			action     string
			beforeJSON sql.NullString
			afterJSON  sql.NullString
			extraJSON  sql.NullString
		)
		if err := rows.Scan(
			&entry.ID, &ts, &entry.Actor, &action, &entry.EntityKind, &entry.EntityID,
			&beforeJSON, &afterJSON, &entry.SourceIP, &entry.UserAgent, &extraJSON,
		); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339, ts)
		entry.Action = fiscal.AuditAction(action)
		if beforeJSON.Valid {
			v := beforeJSON.String
			entry.Before = &v
		}
		if afterJSON.Valid {
			v := afterJSON.String
			entry.After = &v
		}
		if extraJSON.Valid && extraJSON.String != "" {
			json.Unmarshal([]byte(extraJSON.String), &entry.Extra)
		}
		out = append(out, entry)
	}
	return out, total, rows.Err()
}

func nullStringPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
