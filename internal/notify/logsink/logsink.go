// Package logsink stands in for the in-app feed: each request becomes one
// structured log line the feed collector tails.
package logsink

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// Notifier writes notification requests to a logger.
type Notifier struct {
	logger log.Logger
}

// New returns a Notifier writing to logger.
func New(logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{logger: logger.With("sink", "in_app")}
}

// Notify implements triage.Notifier. It always delivers.
func (n *Notifier) Notify(ctx context.Context, req *triage.NotificationRequest) triage.DeliveryOutcome {
	n.logger.Info(ctx, "in-app notification",
		"alert_id", req.AlertID,
		"severity", req.Severity.String(),
		"audience", string(req.Audience),
		"reason", req.Reason,
	)
	return triage.Delivered()
}
