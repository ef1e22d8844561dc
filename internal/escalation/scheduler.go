// Package escalation fires deadline expiry for armed alerts.
//
// The Scheduler polls the store for due alerts on a fixed interval and also
// wakes early for the soonest deadline it has been told about. Every fire goes
// through Engine.Expire, whose status guard turns duplicate or stale fires
// into no-ops, so sweeping from several replicas is safe.
package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// Expirer escalates one alert whose deadline has passed.
type Expirer interface {
	Expire(ctx context.Context, id string) (*triage.Alert, error)
}

// DueLister finds armed alerts whose deadline has passed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*triage.Alert, error)
}

// Config tunes the Scheduler. Zero values take defaults.
type Config struct {
	Interval    time.Duration // poll period, default 15s
	Concurrency int           // parallel Expire calls per sweep, default 8
	BatchSize   int           // due alerts fetched per round, default 100
	Now         func() time.Time
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Due       int
	Escalated int
	Stale     int // already moved on by a claim, resolve, or another replica
	Failed    int
	Duration  time.Duration
}

// Hooks are optional callbacks. Nil fields are skipped.
type Hooks struct {
	OnSweep func(r SweepResult)
}

// Scheduler drives deadline expiry.
type Scheduler struct {
	due    DueLister
	engine Expirer
	logger log.Logger
	hooks  Hooks

	interval    time.Duration
	concurrency int
	batch       int
	now         func() time.Time

	mu       sync.Mutex
	nextWake time.Time
	wake     chan struct{}
}

// New creates a Scheduler.
func New(due DueLister, engine Expirer, logger log.Logger, cfg Config, hooks Hooks) *Scheduler {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		due:         due,
		engine:      engine,
		logger:      logger,
		hooks:       hooks,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
		batch:       cfg.BatchSize,
		now:         cfg.Now,
		wake:        make(chan struct{}, 1),
	}
}

// Arm tells the scheduler about a deadline so it can wake before the next
// poll. It never blocks; wire it to triage.EngineHooks.OnDeadlineArmed.
func (s *Scheduler) Arm(_ string, deadline time.Time) {
	s.mu.Lock()
	earlier := s.nextWake.IsZero() || deadline.Before(s.nextWake)
	if earlier {
		s.nextWake = deadline
	}
	s.mu.Unlock()

	if earlier {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Start runs the scheduler until the returned stop function is called or ctx
// ends. stop waits for an in-flight sweep, bounded by its own ctx.
func (s *Scheduler) Start(ctx context.Context) func(context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopOnParent := context.AfterFunc(ctx, cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(runCtx)
	}()

	return func(sctx context.Context) error {
		stopOnParent()
		cancel()
		select {
		case <-done:
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}
}

// Run sweeps on start, then on every interval tick or early wake, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info(ctx, "escalation scheduler started", "interval", s.interval.String(), "concurrency", s.concurrency)
	defer s.logger.Info(context.WithoutCancel(ctx), "escalation scheduler stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			s.mu.Lock()
			if !s.nextWake.After(s.now()) {
				s.nextWake = time.Time{}
			}
			s.mu.Unlock()
			if _, err := s.SweepAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, err, "escalation sweep failed")
			}
		}
		timer.Reset(s.untilNext())
	}
}

// untilNext is the shorter of the poll interval and the time to the earliest armed deadline.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	next := s.nextWake
	s.mu.Unlock()

	d := s.interval
	if !next.IsZero() {
		if until := next.Sub(s.now()); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// SweepAll repeats Sweep while full batches come back.
func (s *Scheduler) SweepAll(ctx context.Context) (SweepResult, error) {
	var total SweepResult
	for {
		r, err := s.Sweep(ctx)
		total.Due += r.Due
		total.Escalated += r.Escalated
		total.Stale += r.Stale
		total.Failed += r.Failed
		total.Duration += r.Duration
		if err != nil {
			return total, err
		}
		// stop when the batch was short or nothing moved, so failures cannot spin
		if r.Due < s.batch || r.Escalated+r.Stale == 0 {
			return total, nil
		}
	}
}

// Sweep expires one batch of due alerts.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	due, err := s.due.ListDue(ctx, s.now(), s.batch)
	if err != nil {
		return SweepResult{}, err
	}

	var (
		mu  sync.Mutex
		res = SweepResult{Due: len(due)}
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, a := range due {
		id := a.ID
		g.Go(func() error {
			_, err := s.engine.Expire(gctx, id)
			var ite *triage.InvalidTransitionError
			var vce *triage.VersionConflictError
			switch {
			case err == nil:
				count(&res.Escalated)
			case errors.As(err, &ite), errors.Is(err, triage.ErrNotFound):
				count(&res.Stale)
			case errors.As(err, &vce):
				// lost to a concurrent writer; the next sweep re-reads it
				count(&res.Failed)
			default:
				count(&res.Failed)
				s.logger.Error(gctx, err, "deadline expiry failed", "alert_id", id)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	if res.Due > 0 {
		s.logger.Info(ctx, "escalation sweep complete",
			"due", res.Due,
			"escalated", res.Escalated,
			"stale", res.Stale,
			"failed", res.Failed,
			"duration", res.Duration.Seconds(),
		)
	}
	if s.hooks.OnSweep != nil {
		s.hooks.OnSweep(res)
	}
	return res, nil
}
