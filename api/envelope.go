package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/yukyu/fiscal"
)

// apiVersion is stamped into every response envelope.
const apiVersion = "v1"

// =============================================================================
// RESPONSE ENVELOPE
// =============================================================================
// Every response, success or error, uses the same shape:
//
//	{ "status": "success" | "error",
//	  "data": <payload> | null,
//	  "error": { "code", "message", "details"? } | null,
//	  "meta": { "page"?, "limit"?, "total"?, "total_pages"?, "timestamp", "version" } }

type envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data"`
	Error  *errorBody `json:"error"`
	Meta   meta       `json:"meta"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type meta struct {
	Page       *int   `json:"page,omitempty"`
	Limit      *int   `json:"limit,omitempty"`
	Total      *int   `json:"total,omitempty"`
	TotalPages *int   `json:"total_pages,omitempty"`
	Timestamp  string `json:"timestamp"`
	Version    string `json:"version"`
}

func newMeta() meta {
	return meta{Timestamp: time.Now().UTC().Format(time.RFC3339), Version: apiVersion}
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// respond writes a success envelope.
func respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: "success", Data: data, Meta: newMeta()})
}

// respondPage writes a success envelope with pagination metadata. total is
// the unpaged count.
func respondPage(w http.ResponseWriter, data any, page fiscal.PageRequest, total int) {
	m := newMeta()
	pages := 0
	if page.Limit > 0 {
		pages = (total + page.Limit - 1) / page.Limit
	}
	m.Page = &page.Page
	m.Limit = &page.Limit
	m.Total = &total
	m.TotalPages = &pages
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data, Meta: m})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// httpStatus and errorCode map each domain sentinel deterministically.
// Anything unrecognized is an internal error with a generic message; the
// real cause is logged server-side, never sent to the client.

func httpStatus(err error) int {
	switch {
	case errors.Is(err, fiscal.ErrUnauthenticated), errors.Is(err, fiscal.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, fiscal.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, fiscal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fiscal.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, fiscal.ErrInvalidArgument),
		errors.Is(err, fiscal.ErrInvalidSeniority),
		errors.Is(err, fiscal.ErrInsufficientBalance),
		errors.Is(err, fiscal.ErrPolicyViolation),
		errors.Is(err, fiscal.ErrInvalidTransition),
		errors.Is(err, fiscal.ErrIngestionFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, fiscal.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, fiscal.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, fiscal.ErrForbidden):
		return "forbidden"
	case errors.Is(err, fiscal.ErrNotFound):
		return "not_found"
	case errors.Is(err, fiscal.ErrConflict):
		return "conflict"
	case errors.Is(err, fiscal.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, fiscal.ErrPolicyViolation):
		return "policy_violation"
	case errors.Is(err, fiscal.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, fiscal.ErrInvalidArgument), errors.Is(err, fiscal.ErrInvalidSeniority):
		return "invalid_argument"
	case errors.Is(err, fiscal.ErrCarryOverFailed):
		return "carry_over_failed"
	case errors.Is(err, fiscal.ErrIngestionFailed):
		return "ingestion_failed"
	default:
		return "internal"
	}
}

// errorDetails surfaces structured context for failures that carry it, such
// as the available-vs-requested delta on an insufficient balance.
func errorDetails(err error) any {
	var insufficient *fiscal.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return map[string]any{
			"employee_num": insufficient.EmployeeNum,
			"year":         insufficient.Year,
			"available":    insufficient.Available.InexactFloat64(),
			"requested":    insufficient.Requested.InexactFloat64(),
			"shortfall":    insufficient.Shortfall().InexactFloat64(),
		}
	}
	var transition *fiscal.TransitionError
	if errors.As(err, &transition) {
		return map[string]any{
			"request_id": transition.RequestID,
			"status":     transition.From,
			"event":      transition.Event,
		}
	}
	return nil
}

// respondError maps err onto the envelope. Client-caused failures log at
// debug; everything else logs at error with the full chain and the client
// sees only a generic message.
func respondError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := httpStatus(err)
	code := errorCode(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	} else {
		log.Debug().Err(err).Str("code", code).Msg("request rejected")
	}

	writeJSON(w, status, envelope{
		Status: "error",
		Error:  &errorBody{Code: code, Message: msg, Details: errorDetails(err)},
		Meta:   newMeta(),
	})
}

// respondTooManyRequests writes the 429 envelope; rate-limit headers are set
// by the middleware before calling.
func respondTooManyRequests(w http.ResponseWriter) {
	writeJSON(w, http.StatusTooManyRequests, envelope{
		Status: "error",
		Error:  &errorBody{Code: "too_many_requests", Message: "rate limit exceeded"},
		Meta:   newMeta(),
	})
}
