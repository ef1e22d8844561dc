package triage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
)

// Notifier is the outbound adapter that turns a request into pushes, texts, or calls.
type Notifier interface {
	Notify(ctx context.Context, req *NotificationRequest) DeliveryOutcome
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, req *NotificationRequest) DeliveryOutcome

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, req *NotificationRequest) DeliveryOutcome {
	return f(ctx, req)
}

// RetryPolicy bounds notification retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// DefaultRetryPolicy returns the stock retry bounds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		AttemptTimeout:  10 * time.Second,
	}
}

// Dispatcher delivers notification requests asynchronously with bounded
// exponential retry. Delivery never feeds back into alert state.
type Dispatcher struct {
	notifier Notifier
	policy   RetryPolicy
	logger   log.Logger
	hooks    DispatchHooks

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. A nil notifier turns Dispatch into a logged no-op.
func NewDispatcher(n Notifier, policy RetryPolicy, logger log.Logger, hooks DispatchHooks) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = def.AttemptTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifier: n,
		policy:   policy,
		logger:   logger,
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch queues req for delivery and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, req NotificationRequest) {
	if d == nil {
		return
	}
	L := d.logger.With("alert_id", req.AlertID, "audience", string(req.Audience), "severity", req.Severity.String())
	if d.notifier == nil {
		L.Info(ctx, "notification dropped, no notifier configured")
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		L.Warn(ctx, "notification dropped, dispatcher closed")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	// detach from the caller's request lifetime but stop when the dispatcher is closed
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.ctx, cancel)

	go func() {
		defer d.wg.Done()
		defer cancel()
		defer stop()
		d.deliver(dctx, L, &req)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, L log.Logger, req *NotificationRequest) {
	attempts := 0
	op := func() (DeliveryOutcome, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		defer cancel()

		out := d.notifier.Notify(actx, req)
		if d.hooks.OnAttempt != nil {
			d.hooks.OnAttempt(req, attempts, out)
		}
		if out.Delivered {
			return out, nil
		}
		derr := &NotificationDeliveryError{
			AlertID:   req.AlertID,
			Audience:  req.Audience,
			Attempts:  attempts,
			Retryable: out.Retryable,
			Detail:    out.Detail,
		}
		if !out.Retryable {
			return out, backoff.Permanent(derr)
		}
		L.Warn(ctx, "notification attempt failed", "attempt", attempts, "detail", out.Detail)
		return out, derr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.policy.InitialInterval
	b.MaxInterval = d.policy.MaxInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.policy.MaxAttempts)),
	)

	delivered := err == nil
	if d.hooks.OnDone != nil {
		d.hooks.OnDone(req, attempts, delivered)
	}
	if delivered {
		L.Info(ctx, "notification delivered", "attempts", attempts)
		return
	}

	var derr *NotificationDeliveryError
	if !errors.As(err, &derr) {
		derr = &NotificationDeliveryError{
			AlertID:  req.AlertID,
			Audience: req.Audience,
			Attempts: attempts,
			Detail:   err.Error(),
		}
	}
	derr.Attempts = attempts

	// alert-on-alert: the clinical alert is untouched, operations must look at this
	L.Error(ctx, derr, "notification delivery exhausted",
		"event", "alert_on_alert",
		"op_severity", "critical",
		"attempts", attempts,
	)
	if d.hooks.OnExhaust != nil {
		d.hooks.OnExhaust(req, derr)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting requests and waits for in-flight deliveries. When ctx
// expires first, remaining deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
