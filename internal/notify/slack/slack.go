// Package slack delivers crisis alert notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/triage"
)

const (
	maxExcerptLen = 1500
	httpTimeout   = 10 * time.Second
)

// Notifier posts notification requests to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// New creates a new Slack notifier.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// Notify implements triage.Notifier.
func (n *Notifier) Notify(ctx context.Context, req *triage.NotificationRequest) triage.DeliveryOutcome {
	if n.webhookURL == "" {
		return triage.Failed(false, "slack: no webhook url configured")
	}

	body, err := json.Marshal(buildMessage(req, n.now()))
	if err != nil {
		return triage.Failed(false, fmt.Sprintf("slack: marshal message: %v", err))
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return triage.Failed(false, fmt.Sprintf("slack: create request: %v", err))
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(hreq) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return notify.ClassifyError(fmt.Errorf("slack: post webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	out := notify.ClassifyResponse(resp)
	if !out.Delivered {
		n.logger.Warn(ctx, "slack webhook rejected notification",
			"alert_id", req.AlertID,
			"status", resp.StatusCode,
			"retryable", out.Retryable,
		)
	}
	return out
}

func buildMessage(req *triage.NotificationRequest, now time.Time) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("%s crisis alert %s (%s)", severityEmoji(req.Severity), req.AlertID, req.Severity),
		"blocks": []map[string]any{
			headerBlock(req),
			fieldsBlock(req),
			excerptBlock(req),
			contextBlock(req, now),
		},
	}
}

func headerBlock(req *triage.NotificationRequest) map[string]any {
	title := "Crisis alert"
	if req.Audience == triage.AudienceEscalation {
		title = "Escalated crisis alert"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", severityEmoji(req.Severity), title, strings.ToUpper(req.Severity.String())),
		},
	}
}

func fieldsBlock(req *triage.NotificationRequest) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Alert:* `%s`", req.AlertID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Audience:* %s", audienceLabel(req.Audience))},
	}
	if req.Reason != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Why:* %s", req.Reason)})
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func excerptBlock(req *triage.NotificationRequest) map[string]any {
	text := truncate(req.Excerpt, maxExcerptLen)
	if text == "" {
		text = "_No excerpt._"
	} else {
		text = "> " + strings.ReplaceAll(text, "\n", "\n> ")
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func contextBlock(req *triage.NotificationRequest, now time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("lifeline • alert %s • %s", req.AlertID, now.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func audienceLabel(a triage.Audience) string {
	switch {
	case a == triage.AudienceOnCall:
		return "on-call responders"
	case a == triage.AudienceEscalation:
		return "escalation tier"
	case strings.HasPrefix(string(a), "responder:"):
		return "<@" + strings.TrimPrefix(string(a), "responder:") + ">"
	default:
		return string(a)
	}
}

func severityEmoji(s triage.Severity) string {
	switch s {
	case triage.SeverityCritical:
		return "\U0001f534" // red circle
	case triage.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case triage.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
