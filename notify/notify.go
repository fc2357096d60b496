/*
Package notify delivers workflow notifications.

PURPOSE:
  The request workflow announces lifecycle changes (created, approved,
  rejected, reverted) without knowing how they reach people. The default
  implementation writes structured log lines; a mail or chat transport
  implements the same interface.

DESIGN PRINCIPLES:
  Notifications are fire-and-forget and run after the owning transaction
  commits. A lost notification never invalidates a committed transition.
  Payloads carry identifiers and quantities, not free-text reasons.
*/
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/warp/yukyu/fiscal"
)

// Notifier receives request lifecycle announcements.
type Notifier interface {
	RequestCreated(ctx context.Context, req fiscal.LeaveRequest)
	RequestApproved(ctx context.Context, req fiscal.LeaveRequest)
	RequestRejected(ctx context.Context, req fiscal.LeaveRequest)
	RequestReverted(ctx context.Context, req fiscal.LeaveRequest)
}

// LogNotifier writes notifications as structured log events.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier builds the default log-backed notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) RequestCreated(ctx context.Context, req fiscal.LeaveRequest) {
	n.event(req).Msg("leave request created, awaiting approval")
}

func (n *LogNotifier) RequestApproved(ctx context.Context, req fiscal.LeaveRequest) {
	n.event(req).Msg("leave request approved")
}

func (n *LogNotifier) RequestRejected(ctx context.Context, req fiscal.LeaveRequest) {
	n.event(req).Msg("leave request rejected")
}

func (n *LogNotifier) RequestReverted(ctx context.Context, req fiscal.LeaveRequest) {
	n.event(req).Msg("leave request approval reverted")
}

func (n *LogNotifier) event(req fiscal.LeaveRequest) *zerolog.Event {
	return n.log.Info().
		Str("request_id", req.ID).
		Str("employee", string(req.EmployeeNum)).
		Int("year", req.Year).
		Str("days", req.DaysRequested.String()).
		Str("status", string(req.Status))
}

// Discard drops every notification. Test convenience.
type Discard struct{}

func (Discard) RequestCreated(context.Context, fiscal.LeaveRequest)  {}
func (Discard) RequestApproved(context.Context, fiscal.LeaveRequest) {}
func (Discard) RequestRejected(context.Context, fiscal.LeaveRequest) {}
func (Discard) RequestReverted(context.Context, fiscal.LeaveRequest) {}
