/*
handlers.go - HTTP request handlers

PURPOSE:
  Implements the HTTP endpoints. Handlers stay thin: decode and validate
  the DTO, resolve the acting principal, call one domain service, convert
  the result, respond. No business rules live here.

HANDLER GROUPS:
  Auth:        Login, Logout
  Employees:   ListEmployees, SearchEmployees, LeaveInfo
  Requests:    CreateLeaveRequest, ListLeaveRequests, GetLeaveRequest,
               ApproveLeaveRequest, RejectLeaveRequest, CancelLeaveRequest,
               RevertLeaveRequest, DeleteLeaveRequest
  Fiscal:      GetBalance, TriggerCarryOver, FiveDayCompliance
  Ingestion:   SyncVacation, SyncRegister, ListSyncRuns
  Operations:  ListAudit, ExportLedger, TriggerBackup, Health

VISIBILITY:
  Plain users see their own requests only; approvers and admins see all.
  The filter is forced server side, never trusted from the query string.

ERROR HANDLING:
  Every failure goes through respondError (envelope.go), which maps the
  domain error taxonomy onto HTTP statuses deterministically.

SEE ALSO:
  - server.go: route and middleware wiring
  - dto.go: request/response shapes and validation tags
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/yukyu/auth"
	"github.com/warp/yukyu/fiscal"
	"github.com/warp/yukyu/ingest"
	"github.com/warp/yukyu/store/sqlite"
	"github.com/warp/yukyu/workflow"
)

// maxBodyBytes bounds JSON request bodies. Workbook uploads have their
// own multipart limit.
const maxBodyBytes = 1 << 20

// maxUploadBytes bounds workbook uploads (the largest production register
// observed is under 4 MB).
const maxUploadBytes = 32 << 20

// Handler carries the dependencies for all endpoints.
type Handler struct {
	store     *sqlite.Store
	engine    *fiscal.Engine
	requests  *workflow.Service
	ingester  *ingest.Service
	auth      *auth.Service
	policy    fiscal.FiscalPolicy
	backupDir string
	log       zerolog.Logger
}

// NewHandler wires the handler set.
func NewHandler(
	store *sqlite.Store,
	engine *fiscal.Engine,
	requests *workflow.Service,
	ingester *ingest.Service,
	authSvc *auth.Service,
	backupDir string,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		store:     store,
		engine:    engine,
		requests:  requests,
		ingester:  ingester,
		auth:      authSvc,
		policy:    engine.Policy(),
		backupDir: backupDir,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// AUTH
// =============================================================================

// Login verifies credentials and issues a bearer token plus CSRF token.
// POST /v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	session, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	entry := fiscal.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Actor:      session.User.Username,
		Action:     fiscal.AuditLogin,
		EntityKind: "user",
		EntityID:   session.User.Username,
		SourceIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
	}
	if err := h.store.AppendAudit(r.Context(), entry); err != nil {
		h.log.Error().Err(err).Msg("append login audit")
	}

	w.Header().Set(auth.CSRFHeader, session.CSRFToken)
	respond(w, http.StatusOK, SessionDTO{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
		CSRFToken: session.CSRFToken,
		User:      toUserDTO(session.User),
	})
}

// Logout acknowledges the client discarding its token. Tokens are
// stateless, so there is no server-side session to tear down.
// POST /v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// ListEmployees returns a filtered register page.
// GET /v1/employees?year=&category=&active=&q=&page=&limit=
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fiscal.EmployeeFilter{
		Category:   fiscal.Category(q.Get("category")),
		ActiveOnly: q.Get("active") == "true",
		Year:       queryInt(r, "year", 0),
		Query:      q.Get("q"),
		Page:       parsePage(r),
	}

	emps, total, err := h.store.ListRegisterEmployees(r.Context(), filter)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondPage(w, toEmployeeDTOs(emps), filter.Page, total)
}

// SearchEmployees runs full-text search over name, location and number.
// GET /v1/employees/search?q=&limit=
func (h *Handler) SearchEmployees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, h.log, fmt.Errorf("%w: query parameter q is required", fiscal.ErrInvalidArgument))
		return
	}

	emps, err := h.store.SearchEmployees(r.Context(), q, queryInt(r, "limit", 20))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toEmployeeDTOs(emps))
}

// LeaveInfo returns the register entry with the full balance breakdown.
// GET /v1/employees/{num}/leave-info?year=
func (h *Handler) LeaveInfo(w http.ResponseWriter, r *http.Request) {
	num := fiscal.EmployeeNum(chi.URLParam(r, "num"))
	year := queryInt(r, "year", h.currentYear())

	emp, err := h.store.GetRegisterEmployee(r.Context(), num)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	breakdown, err := h.engine.BalanceBreakdown(r.Context(), num, year)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, LeaveInfoDTO{
		Employee: toEmployeeDTO(*emp),
		Balance:  toBalanceDTO(breakdown),
	})
}

// =============================================================================
// LEAVE REQUESTS
// =============================================================================

// CreateLeaveRequest files a new request as PENDING.
// POST /v1/leave-requests
func (h *Handler) CreateLeaveRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateLeaveRequestDTO
	if !h.decodeJSON(w, r, &req) {
		return
	}

	start, _ := time.Parse(dateLayout, req.StartDate)
	end, _ := time.Parse(dateLayout, req.EndDate)
	in := workflow.CreateInput{
		EmployeeNum: fiscal.EmployeeNum(req.EmployeeNum),
		StartDate:   start,
		EndDate:     end,
		LeaveType:   fiscal.LeaveType(req.LeaveType),
		Hours:       fiscal.Days(req.Hours),
		Reason:      req.Reason,
	}

	created, err := h.requests.Create(r.Context(), in, actorFrom(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusCreated, toLeaveRequestDTO(*created))
}

// ListLeaveRequests returns a filtered page. Plain users are pinned to
// their own employee number regardless of the query string.
// GET /v1/leave-requests?status=&employee_num=&year=&page=&limit=
func (h *Handler) ListLeaveRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fiscal.RequestFilter{
		Status:      fiscal.RequestStatus(q.Get("status")),
		EmployeeNum: fiscal.EmployeeNum(q.Get("employee_num")),
		Year:        queryInt(r, "year", 0),
		Page:        parsePage(r),
	}

	if p := principalFrom(r.Context()); p != nil && !p.Role.Allows(fiscal.RoleApprover) {
		if p.EmployeeNum == "" {
			respondPage(w, []LeaveRequestDTO{}, filter.Page, 0)
			return
		}
		filter.EmployeeNum = p.EmployeeNum
	}

	reqs, total, err := h.requests.List(r.Context(), filter)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondPage(w, toLeaveRequestDTOs(reqs), filter.Page, total)
}

// GetLeaveRequest returns one request. Plain users may only read their own.
// GET /v1/leave-requests/{id}
func (h *Handler) GetLeaveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	if p := principalFrom(r.Context()); p != nil && !p.Role.Allows(fiscal.RoleApprover) && p.EmployeeNum != req.EmployeeNum {
		respondError(w, h.log, fiscal.ErrForbidden)
		return
	}
	respond(w, http.StatusOK, toLeaveRequestDTO(*req))
}

// ApproveLeaveRequest deducts the balance and marks the request APPROVED.
// PATCH /v1/leave-requests/{id}/approve
func (h *Handler) ApproveLeaveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Approve(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toLeaveRequestDTO(*req))
}

// RejectLeaveRequest marks the request REJECTED with a reason.
// PATCH /v1/leave-requests/{id}/reject
func (h *Handler) RejectLeaveRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectLeaveRequestDTO
	if !h.decodeJSON(w, r, &body) {
		return
	}
	req, err := h.requests.Reject(r.Context(), chi.URLParam(r, "id"), body.Reason, actorFrom(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toLeaveRequestDTO(*req))
}

// CancelLeaveRequest cancels a PENDING request (requester or approver).
// PATCH /v1/leave-requests/{id}/cancel
func (h *Handler) CancelLeaveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toLeaveRequestDTO(*req))
}

// RevertLeaveRequest undoes an approval: credits the deduction back,
// removes the usage events and returns the request to PENDING.
// PATCH /v1/leave-requests/{id}/revert
func (h *Handler) RevertLeaveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Revert(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toLeaveRequestDTO(*req))
}

// DeleteLeaveRequest removes a terminal request (admin only).
// DELETE /v1/leave-requests/{id}
func (h *Handler) DeleteLeaveRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.requests.Delete(r.Context(), id, actorFrom(r.Context())); err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"deleted": id})
}

// =============================================================================
// FISCAL
// =============================================================================

// GetBalance returns the LIFO breakdown for one employee.
// GET /v1/fiscal/balance/{num}?year=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	num := fiscal.EmployeeNum(chi.URLParam(r, "num"))
	year := queryInt(r, "year", h.currentYear())

	breakdown, err := h.engine.BalanceBreakdown(r.Context(), num, year)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toBalanceDTO(breakdown))
}

// TriggerCarryOver runs year-end processing. Idempotent for a given
// (from_year, to_year) pair.
// POST /v1/fiscal/carry-over
func (h *Handler) TriggerCarryOver(w http.ResponseWriter, r *http.Request) {
	var req CarryOverRequestDTO
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.engine.CarryOver(r.Context(), req.FromYear, req.ToYear, actorFrom(r.Context()).Name)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toCarryOverResultDTO(result))
}

// FiveDayCompliance classifies every obligated employee for a year.
// GET /v1/compliance/five-day/{year}
func (h *Handler) FiveDayCompliance(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		respondError(w, h.log, fmt.Errorf("%w: year must be numeric", fiscal.ErrInvalidArgument))
		return
	}

	report, err := h.engine.CheckFiveDay(r.Context(), year, time.Now().UTC())
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toComplianceReportDTO(report))
}

// =============================================================================
// INGESTION
// =============================================================================

// SyncVacation ingests a vacation workbook upload.
// POST /v1/sync/vacation
func (h *Handler) SyncVacation(w http.ResponseWriter, r *http.Request) {
	h.syncWorkbook(w, r, "vacation")
}

// SyncRegister ingests a register workbook upload.
// POST /v1/sync/register
func (h *Handler) SyncRegister(w http.ResponseWriter, r *http.Request) {
	h.syncWorkbook(w, r, "register")
}

// syncWorkbook runs one ingest under a recorded sync run. A second upload
// of the same kind while one is running is refused with a conflict.
func (h *Handler) syncWorkbook(w http.ResponseWriter, r *http.Request, kind string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, h.log, fmt.Errorf("%w: multipart field \"file\" is required", fiscal.ErrInvalidArgument))
		return
	}
	defer file.Close()

	actor := actorFrom(r.Context())
	run := sqlite.SyncRun{
		ID:        uuid.NewString(),
		Kind:      kind,
		FileName:  filepath.Base(header.Filename),
		StartedBy: actor.Name,
		StartedAt: time.Now().UTC(),
	}
	if err := h.store.StartSyncRun(r.Context(), run); err != nil {
		respondError(w, h.log, err)
		return
	}

	var report *ingest.Report
	switch kind {
	case "vacation":
		report, err = h.ingester.IngestVacation(r.Context(), file, run.FileName, actor.Name)
	default:
		report, err = h.ingester.IngestRegister(r.Context(), file, run.FileName, actor.Name)
	}

	h.finishSyncRun(r, run, report, err)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, report)
}

// finishSyncRun closes the run record with the outcome. Failure to record
// never masks the ingest result.
func (h *Handler) finishSyncRun(r *http.Request, run sqlite.SyncRun, report *ingest.Report, ingestErr error) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Status = "completed"
	if ingestErr != nil {
		run.Status = "failed"
		run.Error = ingestErr.Error()
	}
	if report != nil {
		run.RowsRead = report.RowsRead
		run.RowsAccepted = report.RowsAccepted
		run.RowsSkipped = report.RowsSkipped
		if raw, err := json.Marshal(report); err == nil {
			run.ReportJSON = string(raw)
		}
	}
	if err := h.store.FinishSyncRun(r.Context(), run); err != nil {
		h.log.Error().Err(err).Str("kind", run.Kind).Msg("finish sync run")
	}
}

// ListSyncRuns returns recent ingestion runs, newest first.
// GET /v1/sync/runs?kind=&limit=
func (h *Handler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListSyncRuns(r.Context(), r.URL.Query().Get("kind"), queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respond(w, http.StatusOK, toSyncRunDTOs(runs))
}

// =============================================================================
// OPERATIONS
// =============================================================================

// ListAudit returns a filtered audit page, newest first.
// GET /v1/audit?action=&entity_kind=&actor=&from=&to=&page=&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fiscal.AuditFilter{
		Action:     fiscal.AuditAction(q.Get("action")),
		EntityKind: q.Get("entity_kind"),
		Actor:      q.Get("actor"),
		Page:       parsePage(r),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			respondError(w, h.log, fmt.Errorf("%w: from must be YYYY-MM-DD", fiscal.ErrInvalidArgument))
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			respondError(w, h.log, fmt.Errorf("%w: to must be YYYY-MM-DD", fiscal.ErrInvalidArgument))
			return
		}
		filter.To = &t
	}

	entries, total, err := h.store.ListAudit(r.Context(), filter)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	respondPage(w, toAuditEntryDTOs(entries), filter.Page, total)
}

// ExportLedger streams the year's ledger as an Excel workbook.
// GET /v1/export/ledger?year=
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	year := queryInt(r, "year", h.currentYear())

	rows, err := h.store.LedgerRowsForYear(r.Context(), year)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	buf, err := buildLedgerWorkbook(year, rows)
	if err != nil {
		respondError(w, h.log, err)
		return
	}

	name := fmt.Sprintf("ledger_%d.xlsx", year)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.log.Warn().Err(err).Msg("write export body")
	}
}

// TriggerBackup snapshots the database into the backup directory.
// POST /v1/admin/backup
func (h *Handler) TriggerBackup(w http.ResponseWriter, r *http.Request) {
	if err := os.MkdirAll(h.backupDir, 0o755); err != nil {
		respondError(w, h.log, fmt.Errorf("create backup dir: %w", err))
		return
	}

	now := time.Now().UTC()
	dest := filepath.Join(h.backupDir, fmt.Sprintf("yukyu-%s.db", now.Format("20060102T150405Z")))
	if err := h.store.Backup(r.Context(), dest); err != nil {
		respondError(w, h.log, err)
		return
	}

	h.log.Info().Str("path", dest).Str("actor", actorFrom(r.Context()).Name).Msg("database backup written")
	respond(w, http.StatusOK, BackupResultDTO{
		Path:      dest,
		CreatedAt: now.Format(time.RFC3339),
	})
}

// Health is the liveness probe.
// GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, HealthDTO{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeJSON reads and validates a request body. On failure it writes the
// invalid_argument envelope and returns false.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		respondError(w, h.log, fmt.Errorf("%w: malformed JSON body: %v", fiscal.ErrInvalidArgument, err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusUnprocessableEntity, envelope{
				Status: "error",
				Error: &errorBody{
					Code:    "invalid_argument",
					Message: "request body failed validation",
					Details: validationDetails(verrs),
				},
				Meta: newMeta(),
			})
			return false
		}
		respondError(w, h.log, fmt.Errorf("%w: %v", fiscal.ErrInvalidArgument, err))
		return false
	}
	return true
}

// validationDetails flattens validator errors into one row per field.
func validationDetails(verrs validator.ValidationErrors) []map[string]string {
	details := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, map[string]string{
			"field":      fe.Field(),
			"constraint": fe.Tag(),
			"param":      fe.Param(),
		})
	}
	return details
}

// parsePage reads page/limit with bounds: page >= 1, 1 <= limit <= 200.
func parsePage(r *http.Request) fiscal.PageRequest {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return fiscal.PageRequest{Page: page, Limit: limit}
}

// queryInt parses an integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// currentYear resolves today's fiscal year under the active policy.
func (h *Handler) currentYear() int {
	return h.policy.YearOf(time.Now().UTC())
}
