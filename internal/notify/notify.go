// Package notify routes triage notification requests to delivery channels.
//
// The Router is the triage.Notifier the dispatcher calls. It picks channels
// from the request severity and fans out to whichever channel notifiers are
// registered. Roster resolution (who is on call, who is in the escalation
// tier) belongs to the channel backends, which receive the audience as-is.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelChat  Channel = "chat"
	ChannelSMS   Channel = "sms"
	ChannelPhone Channel = "phone"
)

// Routes maps a severity to the channels it is delivered on.
type Routes map[triage.Severity][]Channel

// DefaultRoutes escalates the medium with severity.
func DefaultRoutes() Routes {
	return Routes{
		triage.SeverityLow:      {ChannelInApp},
		triage.SeverityMedium:   {ChannelInApp, ChannelChat},
		triage.SeverityHigh:     {ChannelChat, ChannelSMS},
		triage.SeverityCritical: {ChannelChat, ChannelSMS, ChannelPhone},
	}
}

// pendingTTL bounds how long partial-delivery state is kept for a request
// that the dispatcher has stopped retrying.
const pendingTTL = time.Hour

type pending struct {
	delivered map[Channel]bool
	at        time.Time
}

// Router fans a request out to the channels for its severity. Channels that
// already delivered a request are skipped when the dispatcher retries it.
type Router struct {
	routes   Routes
	logger   log.Logger
	mu       sync.Mutex
	channels map[Channel]triage.Notifier
	pending  map[*triage.NotificationRequest]*pending
	now      func() time.Time
}

// NewRouter creates a Router. nil routes take DefaultRoutes.
func NewRouter(routes Routes, logger log.Logger) *Router {
	if routes == nil {
		routes = DefaultRoutes()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{
		routes:   routes,
		logger:   logger,
		channels: make(map[Channel]triage.Notifier),
		pending:  make(map[*triage.NotificationRequest]*pending),
		now:      time.Now,
	}
}

// Register binds a notifier to a channel, replacing any previous one.
func (r *Router) Register(ch Channel, n triage.Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch] = n
}

// Channels returns the registered channel names.
func (r *Router) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Notify implements triage.Notifier.
func (r *Router) Notify(ctx context.Context, req *triage.NotificationRequest) triage.DeliveryOutcome {
	targets, state := r.plan(req)
	if len(targets) == 0 {
		r.logger.Warn(ctx, "no channel registered for notification",
			"alert_id", req.AlertID,
			"severity", req.Severity.String(),
			"audience", string(req.Audience),
		)
		return triage.Failed(false, "no channel registered for severity "+req.Severity.String())
	}

	var (
		failures  []string
		retryable bool
	)
	for _, t := range targets {
		if state.delivered[t.ch] {
			continue
		}
		out := t.n.Notify(ctx, req)
		if out.Delivered {
			r.mark(state, t.ch)
			continue
		}
		failures = append(failures, fmt.Sprintf("%s: %s", t.ch, out.Detail))
		retryable = retryable || out.Retryable
	}

	if len(failures) == 0 || !retryable {
		r.forget(req)
	}
	if len(failures) == 0 {
		return triage.Delivered()
	}
	return triage.Failed(retryable, strings.Join(failures, "; "))
}

type target struct {
	ch Channel
	n  triage.Notifier
}

func (r *Router) plan(req *triage.NotificationRequest) ([]target, *pending) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for k, p := range r.pending {
		if now.Sub(p.at) > pendingTTL {
			delete(r.pending, k)
		}
	}
	state, ok := r.pending[req]
	if !ok {
		state = &pending{delivered: make(map[Channel]bool), at: now}
		r.pending[req] = state
	}

	var out []target
	for _, ch := range r.routes[req.Severity] {
		if n, ok := r.channels[ch]; ok {
			out = append(out, target{ch: ch, n: n})
		}
	}
	return out, state
}

func (r *Router) mark(p *pending, ch Channel) {
	r.mu.Lock()
	p.delivered[ch] = true
	r.mu.Unlock()
}

func (r *Router) forget(req *triage.NotificationRequest) {
	r.mu.Lock()
	delete(r.pending, req)
	r.mu.Unlock()
}

// ParseRoutes reads a routing policy such as "low=in_app;critical=chat,sms,phone".
// Severities not named keep their default channels.
func ParseRoutes(s string) (Routes, error) {
	routes := DefaultRoutes()
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, list, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("route %q: want severity=channel[,channel]", part)
		}
		sev, err := triage.ParseSeverity(name)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", part, err)
		}
		var chans []Channel
		for _, c := range strings.Split(list, ",") {
			ch := Channel(strings.TrimSpace(c))
			switch ch {
			case ChannelInApp, ChannelChat, ChannelSMS, ChannelPhone:
				chans = append(chans, ch)
			case "":
			default:
				return nil, fmt.Errorf("route %q: unknown channel %q", part, ch)
			}
		}
		if len(chans) == 0 {
			return nil, fmt.Errorf("route %q: no channels", part)
		}
		routes[sev] = chans
	}
	return routes, nil
}
