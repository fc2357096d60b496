/*
middleware.go - Cross-cutting HTTP middleware

PURPOSE:
  The per-request plumbing between the router and the handlers:
  - authenticate: bearer token -> Principal in the request context
  - requireRole:  role floor per route group (user < approver < admin)
  - csrfProtect:  header token check on mutating browser requests
  - rateLimit:    per-IP token buckets with X-RateLimit-* headers
  - requestLog:   one structured line per request
  - recoverer:    panic -> envelope 500 instead of a dropped connection

ORDER:
  RequestID and RealIP (from chi) run first so every later stage sees the
  request id and the client IP. Rate limiting runs before authentication:
  the login bucket must count failures from anonymous clients too.

LOG HYGIENE:
  The request line carries method, path, status, duration and request id.
  Query strings, bodies, header values and credentials never reach a log.

SEE ALSO:
  - auth/token.go: token verification
  - auth/ratelimit.go: bucket admission
  - server.go: where each middleware is mounted
*/
package api

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/warp/yukyu/auth"
	"github.com/warp/yukyu/fiscal"
	"github.com/warp/yukyu/workflow"
)

// ctxKey is private so no other package can collide with our context keys.
type ctxKey int

const principalKey ctxKey = iota

// principalFrom returns the authenticated principal, or nil on public
// routes and in tests that skip the authenticate middleware.
func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// actorFrom converts the context principal into a workflow actor.
func actorFrom(ctx context.Context) workflow.Actor {
	if p := principalFrom(ctx); p != nil {
		return workflow.Actor{Name: p.Username, Role: p.Role, EmployeeNum: p.EmployeeNum}
	}
	return workflow.Actor{Name: "anonymous"}
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// tokenVerifier is the slice of auth.Service the middleware needs.
type tokenVerifier interface {
	Verify(raw string) (*auth.Principal, error)
}

// authenticate rejects requests without a valid bearer token and stores
// the resolved principal in the context.
func authenticate(tokens tokenVerifier, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				respondError(w, log, fiscal.ErrUnauthenticated)
				return
			}
			principal, err := tokens.Verify(raw)
			if err != nil {
				respondError(w, log, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// requireRole enforces a role floor. Mount after authenticate.
func requireRole(role fiscal.Role, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if p == nil {
				respondError(w, log, fiscal.ErrUnauthenticated)
				return
			}
			if !p.Role.Allows(role) {
				respondError(w, log, fiscal.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// CSRF
// =============================================================================

// csrfProtect requires a well-formed X-CSRF-Token on mutating requests
// that arrive from a browser origin. Non-browser clients (no Origin, no
// Referer) authenticate with the bearer token alone; a token in a header
// is already out of reach for a cross-site form post.
func csrfProtect(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mutating(r.Method) && fromBrowser(r) {
				if !auth.ValidCSRFToken(r.Header.Get(auth.CSRFHeader)) {
					respondError(w, log, fiscal.ErrForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func fromBrowser(r *http.Request) bool {
	return r.Header.Get("Origin") != "" || r.Header.Get("Referer") != ""
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// rateLimit admits requests through one bucket, keyed on client IP. The
// X-RateLimit-* headers are set on every response so well-behaved clients
// can pace themselves; Retry-After is added on 429.
func rateLimit(limiter *auth.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Allow(clientIP(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

			if !d.Allowed {
				retry := int(d.RetryAfter.Round(time.Second).Seconds())
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				respondTooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP returns the bare IP. chi's RealIP middleware has already folded
// trusted forwarding headers into RemoteAddr by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// LOGGING AND RECOVERY
// =============================================================================

// requestLog emits one line per request.
func requestLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", clientIP(r)).
				Msg("request")
		})
	}
}

// recoverer turns a handler panic into an envelope 500 and a stack trace
// in the log, keeping the process alive.
func recoverer(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error().
						Interface("panic", rec).
						Bytes("stack", debug.Stack()).
						Str("request_id", middleware.GetReqID(r.Context())).
						Msg("handler panic")
					writeJSON(w, http.StatusInternalServerError, envelope{
						Status: "error",
						Error:  &errorBody{Code: "internal", Message: "internal error"},
						Meta:   newMeta(),
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
