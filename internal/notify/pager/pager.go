// Package pager posts notification requests to an SMS or voice gateway webhook.
//
// The gateway owns the roster: it receives the audience and resolves it to
// phone numbers. One gateway can serve both channels; the payload names the
// medium so the gateway can text or call.
package pager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/triage"
)

const (
	httpTimeout = 10 * time.Second

	// gateways truncate beyond this, keep the important part
	maxExcerptLen = 280
)

// Payload is the JSON body sent to the gateway.
type Payload struct {
	Medium   string `json:"medium"`
	AlertID  string `json:"alert_id"`
	Severity string `json:"severity"`
	Audience string `json:"audience"`
	Excerpt  string `json:"excerpt"`
	Reason   string `json:"reason,omitempty"`
	SentAt   string `json:"sent_at"`
}

// Notifier delivers to a pager gateway for a single medium.
type Notifier struct {
	url    string
	token  string
	medium notify.Channel
	client *http.Client
	logger log.Logger
	now    func() time.Time
}

// New creates a pager notifier for medium (sms or phone). token, when set,
// is sent as a bearer credential.
func New(url, token string, medium notify.Channel, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		url:    url,
		token:  token,
		medium: medium,
		client: &http.Client{Timeout: httpTimeout},
		logger: logger,
		now:    time.Now,
	}
}

// Notify implements triage.Notifier.
func (n *Notifier) Notify(ctx context.Context, req *triage.NotificationRequest) triage.DeliveryOutcome {
	if n.url == "" {
		return triage.Failed(false, "pager: no gateway url configured")
	}

	body, err := json.Marshal(n.payload(req))
	if err != nil {
		return triage.Failed(false, fmt.Sprintf("pager: marshal payload: %v", err))
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return triage.Failed(false, fmt.Sprintf("pager: create request: %v", err))
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Idempotency-Key", IdempotencyKey(req, n.medium))
	if n.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(hreq) //nolint:gosec // G704: gateway url is from trusted config
	if err != nil {
		return notify.ClassifyError(fmt.Errorf("pager: post %s: %w", n.medium, err))
	}
	defer func() { _ = resp.Body.Close() }()

	out := notify.ClassifyResponse(resp)
	if !out.Delivered {
		n.logger.Warn(ctx, "pager gateway rejected notification",
			"alert_id", req.AlertID,
			"medium", string(n.medium),
			"status", resp.StatusCode,
		)
	}
	return out
}

func (n *Notifier) payload(req *triage.NotificationRequest) Payload {
	excerpt := req.Excerpt
	if len(excerpt) > maxExcerptLen {
		excerpt = excerpt[:maxExcerptLen-3] + "..."
	}
	return Payload{
		Medium:   string(n.medium),
		AlertID:  req.AlertID,
		Severity: req.Severity.String(),
		Audience: string(req.Audience),
		Excerpt:  excerpt,
		Reason:   req.Reason,
		SentAt:   n.now().UTC().Format(time.RFC3339),
	}
}

// IdempotencyKey is stable across retries of the same request so the gateway
// can drop duplicates.
func IdempotencyKey(req *triage.NotificationRequest, medium notify.Channel) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", req.AlertID, medium, req.Audience, req.Severity, req.Reason)
}
