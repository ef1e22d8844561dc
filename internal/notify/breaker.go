package notify

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/sony/gobreaker"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// BreakerConfig tunes the circuit breaker around a webhook channel.
type BreakerConfig struct {
	// Failures is how many consecutive retryable failures open the breaker.
	Failures uint32
	// OpenFor is how long the breaker stays open before a half-open probe.
	OpenFor time.Duration
}

// DefaultBreakerConfig returns the stock breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Failures: 5, OpenFor: 30 * time.Second}
}

// errDelivery marks an outcome that should count against the breaker.
type errDelivery struct{ out triage.DeliveryOutcome }

func (e *errDelivery) Error() string { return e.out.Detail }

// Breaker wraps a notifier in a circuit breaker. Only retryable failures
// count toward tripping; a permanent rejection says nothing about the
// backend's health.
type Breaker struct {
	name  string
	inner triage.Notifier
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps n. State changes are logged on logger.
func NewBreaker(name string, n triage.Notifier, cfg BreakerConfig, logger log.Logger) *Breaker {
	if logger == nil {
		logger = log.Nop()
	}
	def := DefaultBreakerConfig()
	if cfg.Failures == 0 {
		cfg.Failures = def.Failures
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = def.OpenFor
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Failures
		},
		IsSuccessful: func(err error) bool {
			var de *errDelivery
			if errors.As(err, &de) {
				return !de.out.Retryable
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "notification channel breaker state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Breaker{name: name, inner: n, cb: gobreaker.NewCircuitBreaker(st)}
}

// Notify implements triage.Notifier.
func (b *Breaker) Notify(ctx context.Context, req *triage.NotificationRequest) triage.DeliveryOutcome {
	res, err := b.cb.Execute(func() (interface{}, error) {
		out := b.inner.Notify(ctx, req)
		if !out.Delivered {
			return out, &errDelivery{out: out}
		}
		return out, nil
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return triage.Failed(true, b.name+": circuit open")
	case err != nil:
		var de *errDelivery
		if errors.As(err, &de) {
			return de.out
		}
		return triage.Failed(true, err.Error())
	}
	return res.(triage.DeliveryOutcome)
}

// State reports the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
