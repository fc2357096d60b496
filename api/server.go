/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK (outermost first):
  1. RequestID:  unique id per request for tracing
  2. RealIP:     folds trusted forwarding headers into RemoteAddr
  3. requestLog: one structured line per request
  4. recoverer:  panic -> envelope 500
  5. CORS:       configured origins, X-CSRF-Token exposed to the browser

ROUTE GROUPS (all under /v1):
  /auth/*             login (auth bucket, public), logout
  /employees/*        register reads and search
  /leave-requests/*   request workflow; approver and admin gates per verb
  /fiscal/*           balances (user), carry-over (admin)
  /compliance/*       five-day classification
  /sync/*             workbook ingestion (admin, sync bucket), run history
  /audit              audit reads (admin)
  /export/*           Excel downloads (export bucket)
  /admin/backup       database snapshot (admin, backup bucket)
  /health             liveness (public)

RATE BUCKETS:
  Each route belongs to exactly one bucket: auth for login, sync for
  uploads, export for downloads, backup for snapshots, default for the
  rest. Login is never exempt; the bucket runs before authentication.

LEGACY PATHS:
  The same routes answer unversioned (no /v1 prefix) for clients that
  predate versioning, with a Deprecation header on every response.

SEE ALSO:
  - handlers.go: handler implementations
  - middleware.go: the middleware constructors
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/yukyu/auth"
	"github.com/warp/yukyu/fiscal"
)

// RouterConfig carries the deployment-specific router inputs.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimits     []auth.BucketConfig
}

// NewRouter creates the router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(h.log))
	r.Use(recoverer(h.log))

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.CSRFHeader},
			ExposedHeaders:   []string{auth.CSRFHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	routes := h.routes(newLimiterSet(cfg.RateLimits))
	r.Mount("/v1", routes)

	// Unversioned paths still answer for pre-versioning clients, with a
	// Deprecation header pointing at /v1.
	legacy := chi.NewRouter()
	legacy.Use(deprecated)
	legacy.Mount("/", routes)
	r.Mount("/", legacy)

	return r
}

// routes builds the endpoint tree. Extracted so the same tree can be
// mounted at /v1 and at the legacy root.
func (h *Handler) routes(lim limiterSet) chi.Router {
	r := chi.NewRouter()
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	// Public routes.
	r.With(lim.bucket(auth.BucketDefault)).Get("/health", h.Health)
	r.With(lim.bucket(auth.BucketAuth)).Post("/auth/login", h.Login)

	// Everything else needs a valid token.
	r.Group(func(r chi.Router) {
		r.Use(authenticate(h.auth, h.log))
		r.Use(csrfProtect(h.log))

		approver := requireRole(fiscal.RoleApprover, h.log)
		admin := requireRole(fiscal.RoleAdmin, h.log)

		// Default-bucket routes.
		r.Group(func(r chi.Router) {
			r.Use(lim.bucket(auth.BucketDefault))

			r.Post("/auth/logout", h.Logout)

			r.Route("/employees", func(r chi.Router) {
				r.Get("/", h.ListEmployees)
				r.Get("/search", h.SearchEmployees)
				r.Get("/{num}/leave-info", h.LeaveInfo)
			})

			r.Route("/leave-requests", func(r chi.Router) {
				r.Post("/", h.CreateLeaveRequest)
				r.Get("/", h.ListLeaveRequests)
				r.Get("/{id}", h.GetLeaveRequest)
				r.Patch("/{id}/cancel", h.CancelLeaveRequest)
				r.With(approver).Patch("/{id}/approve", h.ApproveLeaveRequest)
				r.With(approver).Patch("/{id}/reject", h.RejectLeaveRequest)
				r.With(approver).Patch("/{id}/revert", h.RevertLeaveRequest)
				r.With(admin).Delete("/{id}", h.DeleteLeaveRequest)
			})

			r.Get("/fiscal/balance/{num}", h.GetBalance)
			r.With(admin).Post("/fiscal/carry-over", h.TriggerCarryOver)
			r.Get("/compliance/five-day/{year}", h.FiveDayCompliance)
			r.With(admin).Get("/sync/runs", h.ListSyncRuns)
			r.With(admin).Get("/audit", h.ListAudit)
		})

		// Special-bucket routes.
		r.With(admin, lim.bucket(auth.BucketSync)).Post("/sync/vacation", h.SyncVacation)
		r.With(admin, lim.bucket(auth.BucketSync)).Post("/sync/register", h.SyncRegister)
		r.With(lim.bucket(auth.BucketExport)).Get("/export/ledger", h.ExportLedger)
		r.With(admin, lim.bucket(auth.BucketBackup)).Post("/admin/backup", h.TriggerBackup)
	})

	return r
}

// =============================================================================
// RATE LIMITER SET
// =============================================================================

// limiterSet holds one limiter per bucket, shared across mounts so the
// versioned and legacy paths drain the same budget.
type limiterSet map[string]*auth.RateLimiter

func newLimiterSet(configs []auth.BucketConfig) limiterSet {
	set := limiterSet{}
	for _, cfg := range auth.DefaultBucketConfigs() {
		set[cfg.Name] = auth.NewRateLimiter(cfg)
	}
	for _, cfg := range configs {
		set[cfg.Name] = auth.NewRateLimiter(cfg)
	}
	return set
}

// bucket returns the middleware for a named bucket, falling back to the
// default bucket for unknown names.
func (s limiterSet) bucket(name string) func(http.Handler) http.Handler {
	l, ok := s[name]
	if !ok {
		l = s[auth.BucketDefault]
	}
	return rateLimit(l)
}

// =============================================================================
// ROUTER-LEVEL RESPONSES
// =============================================================================

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, envelope{
		Status: "error",
		Error:  &errorBody{Code: "not_found", Message: "resource not found"},
		Meta:   newMeta(),
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, envelope{
		Status: "error",
		Error:  &errorBody{Code: "invalid_argument", Message: "method not allowed"},
		Meta:   newMeta(),
	})
}

// deprecated flags legacy unversioned responses.
func deprecated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Deprecation", "true")
		w.Header().Set("Link", `</v1>; rel="successor-version"`)
		next.ServeHTTP(w, r)
	})
}
