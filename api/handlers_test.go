/*
handlers_test.go - End-to-end tests over the HTTP surface

Runs the full router against an in-memory store: authentication, role
and CSRF gates, the request lifecycle with LIFO deduction, carry-over,
ingestion uploads, export, backup, and the error envelope contract.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/yukyu/auth"
	"github.com/warp/yukyu/fiscal"
	"github.com/warp/yukyu/ingest"
	"github.com/warp/yukyu/notify"
	"github.com/warp/yukyu/store/sqlite"
	"github.com/warp/yukyu/workflow"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Seeded fixture: fiscal year 2025 runs 2024-12-21 .. 2025-12-20.
//
//	E100 山田太郎  dispatch, wage 1500, hired 2023-04-01
//	     2025 row: granted 11, balance 11
//	     2024 row: granted 10, used 2, balance 8   (LIFO total 19)
//	E200 佐藤花子  staff, no wage, hired 2024-10-01
//	     2025 row: granted 10, balance 10
//
// Accounts: admin (admin), suzuki (approver), yamada (user, E100),
// ghost (user, no employee binding). All share testPassword.
const (
	seedYear     = 2025
	testPassword = "open sesame"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

var (
	hashOnce sync.Once
	seedHash string
)

func sharedHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := auth.HashPassword(testPassword)
		if err != nil {
			t.Fatalf("hash password: %v", err)
		}
		seedHash = h
	})
	return seedHash
}

type testEnv struct {
	t         *testing.T
	store     *sqlite.Store
	engine    *fiscal.Engine
	srv       *httptest.Server
	backupDir string
}

// generousBuckets keeps functional tests clear of the rate limiter.
func generousBuckets() []auth.BucketConfig {
	cfgs := auth.DefaultBucketConfigs()
	for i := range cfgs {
		cfgs[i].Requests = 100000
	}
	return cfgs
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvBuckets(t, generousBuckets())
}

func newTestEnvBuckets(t *testing.T, buckets []auth.BucketConfig) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zerolog.Nop()
	tokens, err := auth.NewTokenManager(testSigningKey, "v1", time.Hour)
	require.NoError(t, err)
	authSvc := auth.NewService(store, tokens, false, log)

	engine := fiscal.NewEngine(store, fiscal.DefaultPolicy(), log)
	requests := workflow.NewService(store, engine, notify.NewLogNotifier(log), log)
	ingester := ingest.NewService(store, fiscal.DefaultPolicy(), log)

	backupDir := t.TempDir()
	h := NewHandler(store, engine, requests, ingester, authSvc, backupDir, log)
	router := NewRouter(h, RouterConfig{RateLimits: buckets})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	env := &testEnv{t: t, store: store, engine: engine, srv: srv, backupDir: backupDir}
	env.seed()
	return env
}

func (e *testEnv) seed() {
	e.t.Helper()
	ctx := context.Background()
	hash := sharedHash(e.t)

	for _, u := range []fiscal.User{
		{Username: "admin", PasswordHash: hash, Role: fiscal.RoleAdmin, Active: true},
		{Username: "suzuki", PasswordHash: hash, Role: fiscal.RoleApprover, Active: true},
		{Username: "yamada", PasswordHash: hash, Role: fiscal.RoleUser, EmployeeNum: "E100", Active: true},
		{Username: "ghost", PasswordHash: hash, Role: fiscal.RoleUser, Active: true},
	} {
		require.NoError(e.t, e.store.PutUser(ctx, u))
	}

	wage := int64(1500)
	hire100 := time.Date(2023, time.April, 1, 0, 0, 0, 0, time.UTC)
	hire200 := time.Date(2024, time.October, 1, 0, 0, 0, 0, time.UTC)
	for _, emp := range []fiscal.RegisterEmployee{
		{EmployeeNum: "E100", Category: fiscal.CategoryDispatch, Name: "山田太郎",
			DispatchName: "品川物流センター", HourlyWage: &wage, HireDate: &hire100, Status: fiscal.StatusActive},
		{EmployeeNum: "E200", Category: fiscal.CategoryStaff, Name: "佐藤花子",
			Office: "本社", HireDate: &hire200, Status: fiscal.StatusActive},
	} {
		require.NoError(e.t, e.store.PutRegisterEmployee(ctx, emp))
	}

	now := time.Now().UTC()
	for _, row := range []fiscal.LedgerRow{
		{EmployeeNum: "E100", Year: seedYear, Name: "山田太郎", Category: fiscal.CategoryDispatch,
			WorkLocation: "品川物流センター", Granted: fiscal.Days(11), Balance: fiscal.Days(11),
			HireDate: &hire100, Status: fiscal.StatusActive, LastUpdated: now},
		{EmployeeNum: "E100", Year: seedYear - 1, Name: "山田太郎", Category: fiscal.CategoryDispatch,
			WorkLocation: "品川物流センター", Granted: fiscal.Days(10), Used: fiscal.Days(2), Balance: fiscal.Days(8),
			HireDate: &hire100, Status: fiscal.StatusActive, LastUpdated: now},
		{EmployeeNum: "E200", Year: seedYear, Name: "佐藤花子", Category: fiscal.CategoryStaff,
			WorkLocation: "本社", Granted: fiscal.Days(10), Balance: fiscal.Days(10),
			HireDate: &hire200, Status: fiscal.StatusActive, LastUpdated: now},
	} {
		require.NoError(e.t, e.store.PutLedgerRow(ctx, row))
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

type testEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	Meta struct {
		Page       *int   `json:"page"`
		Limit      *int   `json:"limit"`
		Total      *int   `json:"total"`
		TotalPages *int   `json:"total_pages"`
		Timestamp  string `json:"timestamp"`
		Version    string `json:"version"`
	} `json:"meta"`
}

// do sends one request and decodes the envelope. Raw responses (export
// downloads) go through doRaw instead.
func (e *testEnv) do(method, path string, headers map[string]string, body any) (*http.Response, testEnvelope) {
	e.t.Helper()
	resp := e.doRaw(method, path, headers, body)
	defer resp.Body.Close()

	var env testEnvelope
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&env), "%s %s", method, path)
	return resp, env
}

func (e *testEnv) doRaw(method, path string, headers map[string]string, body any) *http.Response {
	e.t.Helper()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	return resp
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (e *testEnv) login(username string) SessionDTO {
	e.t.Helper()
	resp, env := e.do(http.MethodPost, "/v1/auth/login", nil,
		LoginRequest{Username: username, Password: testPassword})
	require.Equal(e.t, http.StatusOK, resp.StatusCode, "login %s", username)

	var session SessionDTO
	require.NoError(e.t, json.Unmarshal(env.Data, &session))
	return session
}

func decodeData(t *testing.T, env testEnvelope, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

// =============================================================================
// HEALTH AND VERSIONED MOUNTS
// =============================================================================

func TestHealth_VersionedAndLegacyMounts(t *testing.T) {
	// GIVEN: the router with its /v1 mount and the deprecated legacy mount
	// WHEN: probing health on both
	// THEN: both answer, the legacy mount carries deprecation headers

	e := newTestEnv(t)

	resp, env := e.do(http.MethodGet, "/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "v1", env.Meta.Version)
	assert.Empty(t, resp.Header.Get("Deprecation"))

	var health HealthDTO
	decodeData(t, env, &health)
	assert.Equal(t, "ok", health.Status)

	legacy, _ := e.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, legacy.StatusCode)
	assert.Equal(t, "true", legacy.Header.Get("Deprecation"))
	assert.Contains(t, legacy.Header.Get("Link"), "successor-version")
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestLogin_IssuesSessionAndCSRFHeader(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.do(http.MethodPost, "/v1/auth/login", nil,
		LoginRequest{Username: "yamada", Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session SessionDTO
	decodeData(t, env, &session)
	assert.NotEmpty(t, session.Token)
	assert.NotEmpty(t, session.ExpiresAt)
	assert.True(t, auth.ValidCSRFToken(session.CSRFToken))
	assert.Equal(t, session.CSRFToken, resp.Header.Get(auth.CSRFHeader))
	assert.Equal(t, "yamada", session.User.Username)
	assert.Equal(t, "E100", session.User.EmployeeNum)
}

func TestLogin_BadCredentials(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.do(http.MethodPost, "/v1/auth/login", nil,
		LoginRequest{Username: "yamada", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthenticated", env.Error.Code)
}

func TestLogin_ValidationDetails(t *testing.T) {
	// GIVEN: a login body without a password
	// WHEN: posted
	// THEN: 422 with a per-field detail row naming the constraint

	e := newTestEnv(t)

	resp, env := e.do(http.MethodPost, "/v1/auth/login", nil,
		map[string]string{"username": "yamada"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_argument", env.Error.Code)

	var details []map[string]string
	require.NoError(t, json.Unmarshal(env.Error.Details, &details))
	require.Len(t, details, 1)
	assert.Equal(t, "Password", details[0]["field"])
	assert.Equal(t, "required", details[0]["constraint"])
}

func TestAuthGate(t *testing.T) {
	// GIVEN: a protected route
	// WHEN: called with no token, a garbage token, and a real one
	// THEN: 401 unauthenticated, 401 invalid_token, then 200

	e := newTestEnv(t)

	resp, env := e.do(http.MethodGet, "/v1/employees", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthenticated", env.Error.Code)

	resp, env = e.do(http.MethodGet, "/v1/employees", bearer("not-a-jwt"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_token", env.Error.Code)

	session := e.login("yamada")
	resp, env = e.do(http.MethodGet, "/v1/employees", bearer(session.Token), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", env.Status)
	require.NotNil(t, env.Meta.Total)
	assert.Equal(t, 2, *env.Meta.Total)
}

func TestRoleGate(t *testing.T) {
	// GIVEN: admin-only routes
	// WHEN: a plain user and an approver call them
	// THEN: forbidden until the role allows

	e := newTestEnv(t)
	user := e.login("yamada")
	approver := e.login("suzuki")

	resp, env := e.do(http.MethodPost, "/v1/fiscal/carry-over", bearer(user.Token),
		CarryOverRequestDTO{FromYear: seedYear - 1, ToYear: seedYear})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "forbidden", env.Error.Code)

	resp, _ = e.do(http.MethodGet, "/v1/audit", bearer(user.Token), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// approver is still not admin
	resp, _ = e.do(http.MethodGet, "/v1/audit", bearer(approver.Token), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCSRFGate(t *testing.T) {
	// GIVEN: a browser-shaped mutation (Origin header present)
	// WHEN: sent without, then with, the session's CSRF token
	// THEN: 403 without, accepted with

	e := newTestEnv(t)
	session := e.login("yamada")

	body := CreateLeaveRequestDTO{
		EmployeeNum: "E100",
		StartDate:   "2025-07-07",
		EndDate:     "2025-07-07",
		LeaveType:   "full",
	}

	headers := bearer(session.Token)
	headers["Origin"] = "http://localhost:3000"
	resp, env := e.do(http.MethodPost, "/v1/leave-requests", headers, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "forbidden", env.Error.Code)

	headers[auth.CSRFHeader] = session.CSRFToken
	resp, _ = e.do(http.MethodPost, "/v1/leave-requests", headers, body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// LEAVE REQUEST LIFECYCLE
// =============================================================================

func TestLeaveRequestLifecycle(t *testing.T) {
	// GIVEN: E100 with 11 current-year days and 8 carried from 2024
	// WHEN: a 3-day request is created, approved, and reverted
	// THEN: the balance follows each transition and the deduction is LIFO

	e := newTestEnv(t)
	user := e.login("yamada")
	approver := e.login("suzuki")

	// Mon 2025-07-07 .. Wed 2025-07-09: three business days.
	resp, env := e.do(http.MethodPost, "/v1/leave-requests", bearer(user.Token),
		CreateLeaveRequestDTO{
			EmployeeNum: "E100",
			StartDate:   "2025-07-07",
			EndDate:     "2025-07-09",
			LeaveType:   "full",
			Reason:      "帰省",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created LeaveRequestDTO
	decodeData(t, env, &created)
	assert.Equal(t, "PENDING", created.Status)
	assert.Equal(t, seedYear, created.Year)
	assert.Equal(t, 3.0, created.DaysRequested)
	assert.Equal(t, 36000.0, created.CostEstimate, "3 days * 8h * 1500 yen")
	assert.Equal(t, "yamada", created.RequestedBy)
	assert.Empty(t, created.Deductions, "nothing deducted before approval")

	resp, env = e.do(http.MethodPatch, "/v1/leave-requests/"+created.ID+"/approve",
		bearer(approver.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var approved LeaveRequestDTO
	decodeData(t, env, &approved)
	assert.Equal(t, "APPROVED", approved.Status)
	assert.Equal(t, "suzuki", approved.ApprovedBy)
	require.Len(t, approved.Deductions, 1, "3 days fit in the current-year slice")
	assert.Equal(t, seedYear, approved.Deductions[0].Year)
	assert.Equal(t, 3.0, approved.Deductions[0].Days)

	resp, env = e.do(http.MethodGet, "/v1/fiscal/balance/E100?year=2025", bearer(user.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var balance BalanceDTO
	decodeData(t, env, &balance)
	require.NotNil(t, balance.Current)
	assert.Equal(t, 8.0, balance.Current.Balance)
	assert.Equal(t, 3.0, balance.Current.Used)
	assert.Equal(t, 16.0, balance.TotalAvailable)
	require.Len(t, balance.LIFOOrder, 2)
	assert.Equal(t, seedYear, balance.LIFOOrder[0].Year)
	assert.Equal(t, 1, balance.LIFOOrder[0].Priority)
	assert.Equal(t, seedYear-1, balance.LIFOOrder[1].Year)

	resp, env = e.do(http.MethodPatch, "/v1/leave-requests/"+created.ID+"/revert",
		bearer(approver.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reverted LeaveRequestDTO
	decodeData(t, env, &reverted)
	assert.Equal(t, "PENDING", reverted.Status, "revert reopens the request")
	assert.Empty(t, reverted.ApprovedBy)
	assert.Empty(t, reverted.Deductions, "revert clears the persisted breakdown")

	_, env = e.do(http.MethodGet, "/v1/fiscal/balance/E100?year=2025", bearer(user.Token), nil)
	decodeData(t, env, &balance)
	assert.Equal(t, 11.0, balance.Current.Balance, "revert restores the slice")
	assert.Equal(t, 19.0, balance.TotalAvailable)
}

func TestLeaveRequest_LIFOSpansCarryYear(t *testing.T) {
	// GIVEN: 11 current days plus 8 carried
	// WHEN: a 15-day request is approved
	// THEN: deductions split 11 from 2025 and 4 from 2024, newest first

	e := newTestEnv(t)
	approver := e.login("suzuki")

	// Mon 2025-06-02 .. Fri 2025-06-20: fifteen business days.
	resp, env := e.do(http.MethodPost, "/v1/leave-requests", bearer(approver.Token),
		CreateLeaveRequestDTO{
			EmployeeNum: "E100",
			StartDate:   "2025-06-02",
			EndDate:     "2025-06-20",
			LeaveType:   "full",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created LeaveRequestDTO
	decodeData(t, env, &created)
	assert.Equal(t, 15.0, created.DaysRequested)

	resp, env = e.do(http.MethodPatch, "/v1/leave-requests/"+created.ID+"/approve",
		bearer(approver.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var approved LeaveRequestDTO
	decodeData(t, env, &approved)
	require.Len(t, approved.Deductions, 2)
	assert.Equal(t, seedYear, approved.Deductions[0].Year)
	assert.Equal(t, 11.0, approved.Deductions[0].Days)
	assert.Equal(t, seedYear-1, approved.Deductions[1].Year)
	assert.Equal(t, 4.0, approved.Deductions[1].Days)
}

func TestLeaveRequest_InsufficientBalanceOnApproval(t *testing.T) {
	// GIVEN: a 25-day request against 19 available days
	// WHEN: approved
	// THEN: 422 insufficient_balance with the shortfall, request stays pending

	e := newTestEnv(t)
	approver := e.login("suzuki")

	// Mon 2025-06-02 .. Fri 2025-07-04: twenty-five business days.
	resp, env := e.do(http.MethodPost, "/v1/leave-requests", bearer(approver.Token),
		CreateLeaveRequestDTO{
			EmployeeNum: "E100",
			StartDate:   "2025-06-02",
			EndDate:     "2025-07-04",
			LeaveType:   "full",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created LeaveRequestDTO
	decodeData(t, env, &created)
	assert.Equal(t, 25.0, created.DaysRequested)

	resp, env = e.do(http.MethodPatch, "/v1/leave-requests/"+created.ID+"/approve",
		bearer(approver.Token), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "insufficient_balance", env.Error.Code)

	var details map[string]any
	require.NoError(t, json.Unmarshal(env.Error.Details, &details))
	assert.Equal(t, 19.0, details["available"])
	assert.Equal(t, 25.0, details["requested"])
	assert.Equal(t, 6.0, details["shortfall"])

	_, env = e.do(http.MethodGet, "/v1/leave-requests/"+created.ID, bearer(approver.Token), nil)
	var after LeaveRequestDTO
	decodeData(t, env, &after)
	assert.Equal(t, "PENDING", after.Status, "failed approval must not consume the request")

	_, env = e.do(http.MethodGet, "/v1/fiscal/balance/E100?year=2025", bearer(approver.Token), nil)
	var balance BalanceDTO
	decodeData(t, env, &balance)
	assert.Equal(t, 19.0, balance.TotalAvailable, "nothing deducted on shortfall")
}

func TestLeaveRequest_ValidationFailures(t *testing.T) {
	e := newTestEnv(t)
	session := e.login("yamada")
	hdr := bearer(session.Token)

	t.Run("unknown leave type", func(t *testing.T) {
		resp, env := e.do(http.MethodPost, "/v1/leave-requests", hdr, CreateLeaveRequestDTO{
			EmployeeNum: "E100", StartDate: "2025-07-07", EndDate: "2025-07-07", LeaveType: "sabbatical",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.NotNil(t, env.Error)
		assert.Equal(t, "invalid_argument", env.Error.Code)
	})

	t.Run("unknown body field", func(t *testing.T) {
		resp, env := e.do(http.MethodPost, "/v1/leave-requests", hdr, map[string]any{
			"employee_num": "E100", "start_date": "2025-07-07", "end_date": "2025-07-07",
			"leave_type": "full", "priority": "high",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.NotNil(t, env.Error)
		assert.Equal(t, "invalid_argument", env.Error.Code)
	})

	t.Run("end before start", func(t *testing.T) {
		resp, env := e.do(http.MethodPost, "/v1/leave-requests", hdr, CreateLeaveRequestDTO{
			EmployeeNum: "E100", StartDate: "2025-07-09", EndDate: "2025-07-07", LeaveType: "full",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.NotNil(t, env.Error)
		assert.Equal(t, "invalid_argument", env.Error.Code)
	})

	t.Run("span crosses fiscal years", func(t *testing.T) {
		// 2025-12-19 is in fiscal 2025, 2025-12-22 in fiscal 2026.
		resp, env := e.do(http.MethodPost, "/v1/leave-requests", hdr, CreateLeaveRequestDTO{
			EmployeeNum: "E100", StartDate: "2025-12-19", EndDate: "2025-12-22", LeaveType: "full",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.NotNil(t, env.Error)
		assert.Equal(t, "policy_violation", env.Error.Code)
	})

	t.Run("odd hourly slot", func(t *testing.T) {
		resp, env := e.do(http.MethodPost, "/v1/leave-requests", hdr, CreateLeaveRequestDTO{
			EmployeeNum: "E100", StartDate: "2025-07-07", EndDate: "2025-07-07",
			LeaveType: "hourly", Hours: 3,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		require.NotNil(t, env.Error)
		assert.Equal(t, "invalid_argument", env.Error.Code)
	})
}

func TestLeaveRequest_OwnershipScope(t *testing.T) {
	// GIVEN: yamada's pending request
	// WHEN: listed and fetched by yamada, ghost (unbound user), and suzuki
	// THEN: owners and approvers see it, an unbound account sees nothing

	e := newTestEnv(t)
	user := e.login("yamada")
	ghost := e.login("ghost")
	approver := e.login("suzuki")

	resp, env := e.do(http.MethodPost, "/v1/leave-requests", bearer(user.Token),
		CreateLeaveRequestDTO{
			EmployeeNum: "E100", StartDate: "2025-07-07", EndDate: "2025-07-07", LeaveType: "half",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created LeaveRequestDTO
	decodeData(t, env, &created)
	assert.Equal(t, 0.5, created.DaysRequested)

	// The owner's list is pinned to their own employee even when the
	// query asks for someone else.
	_, env = e.do(http.MethodGet, "/v1/leave-requests?employee_num=E200", bearer(user.Token), nil)
	require.NotNil(t, env.Meta.Total)
	assert.Equal(t, 1, *env.Meta.Total)

	var page []LeaveRequestDTO
	decodeData(t, env, &page)
	require.Len(t, page, 1)
	assert.Equal(t, "E100", page[0].EmployeeNum)

	_, env = e.do(http.MethodGet, "/v1/leave-requests", bearer(ghost.Token), nil)
	require.NotNil(t, env.Meta.Total)
	assert.Equal(t, 0, *env.Meta.Total)

	resp, env = e.do(http.MethodGet, "/v1/leave-requests/"+created.ID, bearer(ghost.Token), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "forbidden", env.Error.Code)

	resp, _ = e.do(http.MethodGet, "/v1/leave-requests/"+created.ID, bearer(approver.Token), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLeaveRequest_RejectAndTerminalTransitions(t *testing.T) {
	// GIVEN: a pending request
	// WHEN: rejected with a reason, then approved
	// THEN: the rejection lands, the late approval is an invalid transition

	e := newTestEnv(t)
	user := e.login("yamada")
	approver := e.login("suzuki")

	_, env := e.do(http.MethodPost, "/v1/leave-requests", bearer(user.Token),
		CreateLeaveRequestDTO{
			EmployeeNum: "E100", StartDate: "2025-07-07", EndDate: "2025-07-07", LeaveType: "full",
		})
	var created LeaveRequestDTO
	decodeData(t, env, &created)

	resp, env := e.do(http.MethodPatch, "/v1/leave-requests/"+created.ID+"/reject",
		bearer(approver.Token), RejectLeaveRequestDTO{Reason: "繁忙期のため"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rejected LeaveRequestDTO
	decodeData(t, env, &rejected)
	assert.Equal(t, "REJECTED", rejected.Status)
	assert.Equal(t, "繁忙期のため", rejected.RejectReason)

	resp, env = e.do(http.MethodPatch, "/v1/leave-requests/"+created.ID+"/approve",
		bearer(approver.Token), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_transition", env.Error.Code)

	var details map[string]any
	require.NoError(t, json.Unmarshal(env.Error.Details, &details))
	assert.Equal(t, "REJECTED", details["status"])
	assert.Equal(t, "approve", details["event"])

	// terminal requests can be deleted, but only by an admin
	admin := e.login("admin")
	resp, env = e.do(http.MethodDelete, "/v1/leave-requests/"+created.ID, bearer(admin.Token), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted map[string]string
	decodeData(t, env, &deleted)
	assert.Equal(t, created.ID, deleted["deleted"])

	resp, _ = e.do(http.MethodGet, "/v1/leave-requests/"+created.ID, bearer(approver.Token), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// FISCAL OPERATIONS
// =============================================================================

func TestCarryOver_EndToEnd(t *testing.T) {
	// GIVEN: E100's 2024 row holding 8 unused days
	// WHEN: an admin closes 2024 into 2025, twice
	// THEN: the first run moves 8 days, the second is a no-op

	e := newTestEnv(t)
	admin := e.login("admin")

	resp, env := e.do(http.MethodPost, "/v1/fiscal/carry-over", bearer(admin.Token),
		CarryOverRequestDTO{FromYear: seedYear - 1, ToYear: seedYear})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result CarryOverResultDTO
	decodeData(t, env, &result)
	assert.Equal(t, seedYear-1, result.FromYear)
	assert.Equal(t, seedYear, result.ToYear)
	assert.Equal(t, 1, result.CarriedRows)
	assert.Equal(t, 8.0, result.TotalCarried)
	assert.Equal(t, 0.0, result.TotalLapsed)

	_, env = e.do(http.MethodGet, "/v1/fiscal/balance/E100?year=2025", bearer(admin.Token), nil)
	var balance BalanceDTO
	decodeData(t, env, &balance)
	require.NotNil(t, balance.Current)
	assert.Equal(t, 8.0, balance.Current.CarriedIn)
	assert.Equal(t, 19.0, balance.Current.Balance, "11 granted + 8 carried")
	assert.Empty(t, balance.CarryRows, "2024 is drained after carry-over")

	resp, env = e.do(http.MethodPost, "/v1/fiscal/carry-over", bearer(admin.Token),
		CarryOverRequestDTO{FromYear: seedYear - 1, ToYear: seedYear})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &result)
	assert.Equal(t, 0, result.CarriedRows, "second run finds no positive balances")
	assert.Equal(t, 0.0, result.TotalCarried)
}

func TestCarryOver_RejectsNonAdjacentYears(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login("admin")

	resp, env := e.do(http.MethodPost, "/v1/fiscal/carry-over", bearer(admin.Token),
		CarryOverRequestDTO{FromYear: 2023, ToYear: 2025})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_argument", env.Error.Code)
}

func TestFiveDayCompliance(t *testing.T) {
	// GIVEN: two employees at or above the 10-day obligation threshold
	// WHEN: the year is classified
	// THEN: both are listed with their usage and a class

	e := newTestEnv(t)
	approver := e.login("suzuki")

	resp, env := e.do(http.MethodGet, "/v1/compliance/five-day/2025", bearer(approver.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report ComplianceReportDTO
	decodeData(t, env, &report)
	assert.Equal(t, seedYear, report.Year)
	require.Len(t, report.Entries, 2)

	total := 0
	for _, n := range report.Counts {
		total += n
	}
	assert.Equal(t, 2, total, "counts partition the entries")

	resp, env = e.do(http.MethodGet, "/v1/compliance/five-day/latest", bearer(approver.Token), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_argument", env.Error.Code)
}

// =============================================================================
// INGESTION UPLOADS
// =============================================================================

// multipartUpload builds a multipart body holding one workbook file.
func multipartUpload(t *testing.T, f *excelize.File) (*bytes.Buffer, string) {
	t.Helper()
	wb, err := f.WriteToBuffer()
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "vacation.xlsx")
	require.NoError(t, err)
	_, err = io.Copy(part, wb)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestSyncVacation_Upload(t *testing.T) {
	// GIVEN: a vacation workbook granting E300 ten days with one usage mark
	// WHEN: an admin uploads it
	// THEN: the report lands, the ledger row exists, and the run is recorded

	e := newTestEnv(t)
	admin := e.login("admin")

	f := excelize.NewFile()
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.SetSheetName("Sheet1", ingest.VacationSheetName))
	header := []any{"社員番号", "氏名", "年度", "付与日数", "取得日"}
	require.NoError(t, f.SetSheetRow(ingest.VacationSheetName, "A5", &header))
	require.NoError(t, f.SetSheetRow(ingest.VacationSheetName, "A6",
		&[]any{"E300", "田中三郎", 2025, 10, "7/7"}))

	body, contentType := multipartUpload(t, f)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/sync/vacation", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin.Token)
	req.Header.Set("Content-Type", contentType)

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env testEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	var report ingest.Report
	decodeData(t, env, &report)
	assert.Equal(t, "vacation", report.Kind)
	assert.Equal(t, 1, report.RowsRead)
	assert.Equal(t, 1, report.RowsAccepted)
	assert.Equal(t, 1, report.EventsWritten)

	row, err := e.store.GetLedgerRow(context.Background(), "E300", 2025)
	require.NoError(t, err)
	assert.True(t, row.Granted.Equal(fiscal.Days(10)))
	assert.True(t, row.Used.Equal(fiscal.Days(1)))

	_, env = e.do(http.MethodGet, "/v1/sync/runs", bearer(admin.Token), nil)
	var runs []SyncRunDTO
	decodeData(t, env, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "vacation", runs[0].Kind)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, "vacation.xlsx", runs[0].FileName)
	assert.Equal(t, 1, runs[0].RowsAccepted)
	assert.Equal(t, "admin", runs[0].StartedBy)
	assert.NotEmpty(t, runs[0].CompletedAt)
}

func TestSyncVacation_RequiresAdminAndFile(t *testing.T) {
	e := newTestEnv(t)
	user := e.login("yamada")
	admin := e.login("admin")

	// non-admin upload is refused before any parsing
	resp, env := e.do(http.MethodPost, "/v1/sync/vacation", bearer(user.Token), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "forbidden", env.Error.Code)

	// admin without a multipart file gets a field-level rejection
	resp, env = e.do(http.MethodPost, "/v1/sync/vacation", bearer(admin.Token), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_argument", env.Error.Code)
	assert.Contains(t, env.Error.Message, "file")
}

// =============================================================================
// EXPORT AND BACKUP
// =============================================================================

func TestExportLedger(t *testing.T) {
	// GIVEN: two seeded 2025 ledger rows
	// WHEN: the year is exported
	// THEN: the attachment parses as a workbook with a header and both rows

	e := newTestEnv(t)
	session := e.login("yamada")

	resp := e.doRaw(http.MethodGet, "/v1/export/ledger?year=2025", bearer(session.Token), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "ledger_2025.xlsx")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("有給台帳2025")
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two employees")
	assert.Equal(t, "社員番号", rows[0][0])

	nums := []string{rows[1][0], rows[2][0]}
	assert.Contains(t, nums, "E100")
	assert.Contains(t, nums, "E200")
}

func TestBackup(t *testing.T) {
	// GIVEN: an admin session
	// WHEN: a backup is triggered
	// THEN: a snapshot file lands in the backup directory

	e := newTestEnv(t)
	admin := e.login("admin")

	resp, env := e.do(http.MethodPost, "/v1/admin/backup", bearer(admin.Token), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result BackupResultDTO
	decodeData(t, env, &result)
	require.NotEmpty(t, result.Path)

	info, err := os.Stat(result.Path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	// plain users may not trigger backups
	user := e.login("yamada")
	resp, _ = e.do(http.MethodPost, "/v1/admin/backup", bearer(user.Token), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func TestAuditTrail_RecordsLifecycle(t *testing.T) {
	// GIVEN: a login, a created request, and an approval
	// WHEN: the admin lists the audit trail
	// THEN: every action is present with its actor

	e := newTestEnv(t)
	user := e.login("yamada")
	approver := e.login("suzuki")
	admin := e.login("admin")

	_, env := e.do(http.MethodPost, "/v1/leave-requests", bearer(user.Token),
		CreateLeaveRequestDTO{
			EmployeeNum: "E100", StartDate: "2025-07-07", EndDate: "2025-07-07", LeaveType: "full",
		})
	var created LeaveRequestDTO
	decodeData(t, env, &created)
	_, _ = e.do(http.MethodPatch, "/v1/leave-requests/"+created.ID+"/approve", bearer(approver.Token), nil)

	_, env = e.do(http.MethodGet, "/v1/audit?limit=200", bearer(admin.Token), nil)
	var entries []AuditEntryDTO
	decodeData(t, env, &entries)

	actions := make(map[string]bool)
	for _, entry := range entries {
		actions[entry.Action] = true
	}
	assert.True(t, actions["login"], "logins are audited")
	assert.True(t, actions["create"], "request creation is audited")
	assert.True(t, actions["approve"], "approval is audited")

	// filters narrow by action
	_, env = e.do(http.MethodGet, "/v1/audit?action=approve", bearer(admin.Token), nil)
	decodeData(t, env, &entries)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, "approve", entry.Action)
		assert.Equal(t, "suzuki", entry.Actor)
	}

	resp, env := e.do(http.MethodGet, "/v1/audit?from=yesterday", bearer(admin.Token), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_argument", env.Error.Code)
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimit_LoginBucket(t *testing.T) {
	// GIVEN: the default auth bucket of five requests per minute
	// WHEN: one client posts six logins
	// THEN: the sixth is rejected with 429 and a positive Retry-After

	e := newTestEnvBuckets(t, auth.DefaultBucketConfigs())

	body := LoginRequest{Username: "yamada", Password: "wrong"}
	for i := 1; i <= 5; i++ {
		resp, _ := e.do(http.MethodPost, "/v1/auth/login", nil, body)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "request %d", i)
		assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
	}

	resp, env := e.do(http.MethodPost, "/v1/auth/login", nil, body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "too_many_requests", env.Error.Code)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 0)

	// the auth bucket does not drain the default bucket
	health, _ := e.do(http.MethodGet, "/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, "100", health.Header.Get("X-RateLimit-Limit"))
}

// =============================================================================
// ENVELOPE CONTRACT
// =============================================================================

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.do(http.MethodGet, "/v1/no-such-route", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)

	resp, env = e.do(http.MethodDelete, "/v1/health", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_argument", env.Error.Code)
}

func TestEmployeeEndpoints(t *testing.T) {
	// GIVEN: the seeded register
	// WHEN: listing, searching, and fetching leave info
	// THEN: payloads carry placement fields but never wage or birth data

	e := newTestEnv(t)
	session := e.login("yamada")
	hdr := bearer(session.Token)

	_, env := e.do(http.MethodGet, "/v1/employees?category=dispatch", hdr, nil)
	var emps []EmployeeDTO
	decodeData(t, env, &emps)
	require.Len(t, emps, 1)
	assert.Equal(t, "E100", emps[0].EmployeeNum)
	assert.Equal(t, "品川物流センター", emps[0].WorkLocation)

	raw, err := json.Marshal(emps[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "wage")
	assert.NotContains(t, string(raw), "birth")

	resp, env := e.do(http.MethodGet, "/v1/employees/search?q=佐藤", hdr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &emps)
	require.Len(t, emps, 1)
	assert.Equal(t, "E200", emps[0].EmployeeNum)

	resp, env = e.do(http.MethodGet, "/v1/employees/search", hdr, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "q is required")

	resp, env = e.do(http.MethodGet, "/v1/employees/E100/leave-info?year=2025", hdr, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info LeaveInfoDTO
	decodeData(t, env, &info)
	assert.Equal(t, "E100", info.Employee.EmployeeNum)
	assert.Equal(t, 19.0, info.Balance.TotalAvailable)
	require.NotNil(t, info.Balance.NextGrant)

	resp, _ = e.do(http.MethodGet, "/v1/employees/E999/leave-info", hdr, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
