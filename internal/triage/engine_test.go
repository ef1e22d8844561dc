package triage_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/lifeline/internal/triage"
	"github.com/linnemanlabs/lifeline/internal/triage/memstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder is a Notifier that remembers every request and always delivers.
type recorder struct {
	mu   sync.Mutex
	reqs []triage.NotificationRequest
}

func (r *recorder) Notify(_ context.Context, req *triage.NotificationRequest) triage.DeliveryOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, *req)
	return triage.Delivered()
}

func (r *recorder) audiences() []triage.Audience {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]triage.Audience, 0, len(r.reqs))
	for _, req := range r.reqs {
		out = append(out, req.Audience)
	}
	return out
}

type harness struct {
	engine *triage.Engine
	store  *memstore.Store
	clock  *fakeClock
	disp   *triage.Dispatcher
	notes  *recorder
}

func newHarness(t *testing.T, hooks triage.EngineHooks) *harness {
	t.Helper()
	h := &harness{store: memstore.New(), clock: newFakeClock(), notes: &recorder{}}
	h.disp = triage.NewDispatcher(h.notes, triage.RetryPolicy{MaxAttempts: 1}, log.Nop(), triage.DispatchHooks{})
	t.Cleanup(func() { _ = h.disp.Close(context.Background()) })
	h.engine = triage.NewEngine(h.store, h.disp, log.Nop(), triage.EngineConfig{
		Now:         h.clock.Now,
		Supervisors: []string{"sup-1"},
	}, hooks)
	return h
}

func (h *harness) ingest(t *testing.T, subject string, sev triage.Severity, source string) *triage.AlertRef {
	t.Helper()
	ref, err := h.engine.Ingest(context.Background(), triage.RiskSignal{
		SubjectRef: subject,
		Severity:   sev,
		Excerpt:    "i can't do this anymore",
		SourceID:   source,
	})
	if err != nil {
		t.Fatalf("Ingest(%s, %s): %v", subject, source, err)
	}
	return ref
}

// checkInvariants asserts the assignee and deadline rules hold for a.
func checkInvariants(t *testing.T, a *triage.Alert) {
	t.Helper()
	if armed := a.Status.Armed(); armed != (a.EscalationDeadline != nil) {
		t.Errorf("status %s: deadline %v, armed=%v", a.Status, a.EscalationDeadline, armed)
	}
	if armed := a.Status.Armed(); armed != (a.Assignee != "") {
		t.Errorf("status %s: assignee %q, armed=%v", a.Status, a.Assignee, armed)
	}
	if a.Status == triage.StatusNew && a.EscalationDeadline != nil {
		t.Errorf("new alert carries deadline %v", a.EscalationDeadline)
	}
}

func mustGet(t *testing.T, h *harness, id string) *triage.Alert {
	t.Helper()
	a, ok, err := h.engine.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Get(%s): ok=%v err=%v", id, ok, err)
	}
	checkInvariants(t, a)
	return a
}

func TestEngine_FullLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()

	ref := h.ingest(t, "u1", triage.SeverityHigh, "sig-1")
	if ref.Outcome != triage.IngestCreated {
		t.Fatalf("outcome = %s, want created", ref.Outcome)
	}
	a := mustGet(t, h, ref.ID)
	if a.Status != triage.StatusNew || a.Severity != triage.SeverityHigh {
		t.Fatalf("after create: status=%s severity=%s", a.Status, a.Severity)
	}

	claimedAt := h.clock.Now()
	a, err := h.engine.Claim(ctx, ref.ID, "R1")
	if err != nil {
		t.Fatalf("Claim R1: %v", err)
	}
	checkInvariants(t, a)
	if a.Status != triage.StatusAssigned || a.Assignee != "R1" {
		t.Fatalf("after claim: status=%s assignee=%q", a.Status, a.Assignee)
	}
	if want := claimedAt.Add(15 * time.Minute); !a.EscalationDeadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", a.EscalationDeadline, want)
	}

	h.clock.Advance(time.Minute)
	if a, err = h.engine.Acknowledge(ctx, ref.ID, "R1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if a.Status != triage.StatusInProgress {
		t.Fatalf("after ack: status=%s", a.Status)
	}
	if want := h.clock.Now().Add(15 * time.Minute); !a.EscalationDeadline.Equal(want) {
		t.Errorf("ack deadline = %v, want restarted clock %v", a.EscalationDeadline, want)
	}

	h.clock.Advance(16 * time.Minute)
	if a, err = h.engine.Expire(ctx, ref.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	checkInvariants(t, a)
	if a.Status != triage.StatusEscalated || a.Severity != triage.SeverityCritical || a.Assignee != "" {
		t.Fatalf("after expire: status=%s severity=%s assignee=%q", a.Status, a.Severity, a.Assignee)
	}

	if a, err = h.engine.Claim(ctx, ref.ID, "R2"); err != nil {
		t.Fatalf("Claim R2: %v", err)
	}
	if a.Status != triage.StatusAssigned || a.Assignee != "R2" {
		t.Fatalf("after reclaim: status=%s assignee=%q", a.Status, a.Assignee)
	}

	if a, err = h.engine.Resolve(ctx, ref.ID, "R2", "contacted, safe"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	checkInvariants(t, a)
	if a.Status != triage.StatusResolved || a.ResolutionNote != "contacted, safe" || a.ResolvedBy != "R2" {
		t.Fatalf("after resolve: %+v", a)
	}

	if a, err = h.engine.Close(ctx, ref.ID, "sup-1", ""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a.Status != triage.StatusClosed {
		t.Fatalf("after close: status=%s", a.Status)
	}

	entries, err := h.engine.Audit(ctx, ref.ID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	// seven entries: creation is recorded as seq 1, ahead of the six transitions
	wantTo := []triage.Status{
		triage.StatusNew,
		triage.StatusAssigned,
		triage.StatusInProgress,
		triage.StatusEscalated,
		triage.StatusAssigned,
		triage.StatusResolved,
		triage.StatusClosed,
	}
	if len(entries) != len(wantTo) {
		t.Fatalf("audit entries = %d, want %d", len(entries), len(wantTo))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entries[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.ToStatus != wantTo[i] {
			t.Errorf("entries[%d].ToStatus = %s, want %s", i, e.ToStatus, wantTo[i])
		}
		if i > 0 && e.FromStatus != entries[i-1].ToStatus {
			t.Errorf("entries[%d].FromStatus = %s, want %s", i, e.FromStatus, entries[i-1].ToStatus)
		}
	}
	if entries[3].Actor != triage.ActorSystem || entries[3].Trigger != triage.TriggerDeadlineExpired {
		t.Errorf("escalation entry = %+v", entries[3])
	}
	if err := triage.VerifyChain(entries); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}

	h.disp.Wait()
	got := h.notes.audiences()
	var sawOnCall, sawTier bool
	for _, aud := range got {
		sawOnCall = sawOnCall || aud == triage.AudienceOnCall
		sawTier = sawTier || aud == triage.AudienceEscalation
	}
	if !sawOnCall || !sawTier {
		t.Errorf("audiences = %v, want on_call and escalation_tier", got)
	}
}

func TestIngest_ReplayedSourceIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	first := h.ingest(t, "u1", triage.SeverityMedium, "s1")
	second := h.ingest(t, "u1", triage.SeverityCritical, "s1")

	if second.Outcome != triage.IngestReplayed {
		t.Errorf("outcome = %s, want replayed", second.Outcome)
	}
	if second.ID != first.ID || second.Version != first.Version {
		t.Errorf("replay ref = %+v, want %+v", second, first)
	}

	entries, _ := h.engine.Audit(context.Background(), first.ID)
	if len(entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(entries))
	}
	if a := mustGet(t, h, first.ID); a.Severity != triage.SeverityMedium {
		t.Errorf("severity = %s, replay must not change it", a.Severity)
	}
}

func TestIngest_ReplayAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	first := h.ingest(t, "u9", triage.SeverityHigh, "s1")
	if _, err := h.engine.Claim(ctx, first.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.engine.Resolve(ctx, first.ID, "R1", "safe with family"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	closed, err := h.engine.Close(ctx, first.ID, "sup-1", "")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.disp.Wait()
	pages := len(h.notes.audiences())

	h.clock.Advance(time.Hour)
	replay := h.ingest(t, "u9", triage.SeverityHigh, "s1")
	if replay.Outcome != triage.IngestReplayed || replay.ID != first.ID || replay.Version != closed.Version {
		t.Fatalf("redelivery after close = %+v, want replayed %s@%d", replay, first.ID, closed.Version)
	}
	open, err := h.engine.List(ctx, triage.ByStatus(triage.StatusNew))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("redelivery opened %d new alerts", len(open))
	}
	h.disp.Wait()
	if got := len(h.notes.audiences()); got != pages {
		t.Errorf("notifications = %d after redelivery, want %d", got, pages)
	}

	// a new source is a new episode
	fresh := h.ingest(t, "u9", triage.SeverityLow, "s2")
	if fresh.Outcome != triage.IngestCreated || fresh.ID == first.ID {
		t.Errorf("new source after close = %+v, want a new alert", fresh)
	}
}

func TestIngest_ReplayAfterCloseOutsideRetention(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	first := h.ingest(t, "u10", triage.SeverityLow, "s1")
	if _, err := h.engine.Claim(ctx, first.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.engine.Resolve(ctx, first.ID, "R1", "ok"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := h.engine.Close(ctx, first.ID, "sup-1", ""); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h.clock.Advance(25 * time.Hour)
	again := h.ingest(t, "u10", triage.SeverityLow, "s1")
	if again.Outcome != triage.IngestCreated || again.ID == first.ID {
		t.Errorf("source older than retention = %+v, want a new alert", again)
	}
}

func TestIngest_SeverityIsMaxOfSignals(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ref := h.ingest(t, "u2", triage.SeverityLow, "a")
	h.ingest(t, "u2", triage.SeverityHigh, "b")
	last := h.ingest(t, "u2", triage.SeverityMedium, "c")

	if last.ID != ref.ID || last.Outcome != triage.IngestUpdated {
		t.Fatalf("third ingest = %+v, want update of %s", last, ref.ID)
	}
	if a := mustGet(t, h, ref.ID); a.Severity != triage.SeverityHigh {
		t.Errorf("severity = %s, want high", a.Severity)
	}
	entries, _ := h.engine.Audit(context.Background(), ref.ID)
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(entries))
	}
	for _, e := range entries[1:] {
		if e.Trigger != triage.TriggerSignal || e.FromStatus != e.ToStatus {
			t.Errorf("re-evaluation entry = %+v", e)
		}
	}
}

func TestIngest_ConcurrentSignalsShareOneAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	const n = 4
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			ref, err := h.engine.Ingest(context.Background(), triage.RiskSignal{
				SubjectRef: "u3",
				Severity:   triage.SeverityMedium,
				SourceID:   "src-" + string(rune('a'+i)),
			})
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			ids[i] = ref.ID
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("ids = %v, want one alert", ids)
		}
	}
	entries, _ := h.engine.Audit(context.Background(), ids[0])
	if len(entries) != n {
		t.Errorf("audit entries = %d, want %d", len(entries), n)
	}
	if err := triage.VerifyChain(entries); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestIngest_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	cases := map[string]triage.RiskSignal{
		"missing subject": {Severity: triage.SeverityHigh},
		"bad severity":    {SubjectRef: "u1", Severity: 9},
		"long excerpt":    {SubjectRef: "u1", Severity: triage.SeverityLow, Excerpt: strings.Repeat("x", 2001)},
	}
	for name, sig := range cases {
		_, err := h.engine.Ingest(context.Background(), sig)
		var ve *triage.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: err = %v, want ValidationError", name, err)
		}
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ref := h.ingest(t, "u4", triage.SeverityCritical, "s")

	const n = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			_, err := h.engine.Claim(context.Background(), ref.ID, "R"+string(rune('A'+i)))
			var ce *triage.ConflictError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &ce):
				conflicts.Add(1)
			default:
				t.Errorf("Claim: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins.Load(), conflicts.Load(), n-1)
	}
	entries, _ := h.engine.Audit(context.Background(), ref.ID)
	if len(entries) != 2 {
		t.Errorf("audit entries = %d, want 2", len(entries))
	}
}

func TestClaim_Guards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	ref := h.ingest(t, "u5", triage.SeverityLow, "s")

	if _, err := h.engine.Claim(ctx, "missing", "R1"); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("claim missing: err = %v, want ErrNotFound", err)
	}
	if _, err := h.engine.Claim(ctx, ref.ID, ""); err == nil {
		t.Error("claim without responder should fail validation")
	}

	if _, err := h.engine.Claim(ctx, ref.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_, err := h.engine.Claim(ctx, ref.ID, "R2")
	var ce *triage.ConflictError
	if !errors.As(err, &ce) || ce.Assignee != "R1" {
		t.Errorf("second claim err = %v, want ConflictError held by R1", err)
	}

	_, err = h.engine.Acknowledge(ctx, ref.ID, "R2")
	var ite *triage.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Errorf("ack by non-assignee err = %v, want InvalidTransitionError", err)
	}
	if _, err := h.engine.Resolve(ctx, ref.ID, "R1", "  "); err == nil {
		t.Error("resolve without note should fail validation")
	}
	if _, err := h.engine.Close(ctx, ref.ID, "sup-1", ""); !errors.As(err, &ite) {
		t.Errorf("close before resolve err = %v, want InvalidTransitionError", err)
	}

	if _, err := h.engine.Resolve(ctx, ref.ID, "R1", "done"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := h.engine.Claim(ctx, ref.ID, "R2"); !errors.As(err, &ite) {
		t.Errorf("claim resolved err = %v, want InvalidTransitionError", err)
	}
}

func TestExpire_Guards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	ref := h.ingest(t, "u6", triage.SeverityCritical, "s")

	var ite *triage.InvalidTransitionError
	if _, err := h.engine.Expire(ctx, ref.ID); !errors.As(err, &ite) {
		t.Errorf("expire unarmed err = %v, want InvalidTransitionError", err)
	}

	if _, err := h.engine.Claim(ctx, ref.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	h.clock.Advance(4 * time.Minute)
	if _, err := h.engine.Expire(ctx, ref.ID); !errors.As(err, &ite) {
		t.Errorf("expire early err = %v, want InvalidTransitionError", err)
	}

	h.clock.Advance(time.Minute)
	a, err := h.engine.Expire(ctx, ref.ID)
	if err != nil {
		t.Fatalf("Expire at deadline: %v", err)
	}
	if a.Severity != triage.SeverityCritical {
		t.Errorf("severity = %s, must stay critical", a.Severity)
	}

	// duplicate fire from the scheduler
	if _, err := h.engine.Expire(ctx, ref.ID); !errors.As(err, &ite) {
		t.Errorf("duplicate expire err = %v, want InvalidTransitionError", err)
	}
	entries, _ := h.engine.Audit(ctx, ref.ID)
	if len(entries) != 3 {
		t.Errorf("audit entries = %d, want 3", len(entries))
	}
}

func TestResolve_LosesToEscalation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	ref := h.ingest(t, "u7", triage.SeverityMedium, "s")
	if _, err := h.engine.Claim(ctx, ref.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.engine.Acknowledge(ctx, ref.ID, "R1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	h.clock.Advance(2 * time.Hour)
	if _, err := h.engine.Expire(ctx, ref.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	_, err := h.engine.Resolve(ctx, ref.ID, "R1", "late")
	var ite *triage.InvalidTransitionError
	if !errors.As(err, &ite) || ite.Current != triage.StatusEscalated {
		t.Fatalf("stale resolve err = %v, want InvalidTransitionError from escalated", err)
	}
	if a := mustGet(t, h, ref.ID); a.Status != triage.StatusEscalated || a.Severity != triage.SeverityHigh {
		t.Errorf("after stale resolve: status=%s severity=%s", a.Status, a.Severity)
	}
}

func TestIngest_ReopensResolved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	ref := h.ingest(t, "u8", triage.SeverityLow, "s1")
	if _, err := h.engine.Claim(ctx, ref.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := h.engine.Resolve(ctx, ref.ID, "R1", "talked it through"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	again := h.ingest(t, "u8", triage.SeverityHigh, "s2")
	if again.ID != ref.ID || again.Outcome != triage.IngestReopened {
		t.Fatalf("ingest after resolve = %+v, want reopen of %s", again, ref.ID)
	}
	a := mustGet(t, h, ref.ID)
	if a.Status != triage.StatusInProgress || a.Assignee != "R1" || a.Severity != triage.SeverityHigh {
		t.Errorf("after reopen: status=%s assignee=%q severity=%s", a.Status, a.Assignee, a.Severity)
	}
	if want := h.clock.Now().Add(15 * time.Minute); !a.EscalationDeadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", a.EscalationDeadline, want)
	}

	entries, _ := h.engine.Audit(ctx, ref.ID)
	if last := entries[len(entries)-1]; last.Trigger != triage.TriggerReopen || last.FromStatus != triage.StatusResolved {
		t.Errorf("last entry = %+v, want reopen from resolved", last)
	}

	h.disp.Wait()
	var sawResponder bool
	for _, aud := range h.notes.audiences() {
		sawResponder = sawResponder || aud == triage.ResponderAudience("R1")
	}
	if !sawResponder {
		t.Error("expected reopen to notify the previous responder")
	}
}

func TestIngest_RaiseTightensDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	ref := h.ingest(t, "u9", triage.SeverityLow, "s1")
	a, err := h.engine.Claim(ctx, ref.ID, "R1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	lowDeadline := *a.EscalationDeadline

	h.clock.Advance(time.Minute)
	h.ingest(t, "u9", triage.SeverityCritical, "s2")
	a = mustGet(t, h, ref.ID)
	if want := h.clock.Now().Add(5 * time.Minute); !a.EscalationDeadline.Equal(want) {
		t.Errorf("deadline = %v, want tightened %v (was %v)", a.EscalationDeadline, want, lowDeadline)
	}
}

func TestOverrideSeverity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, triage.EngineHooks{})
	ctx := context.Background()
	ref := h.ingest(t, "u10", triage.SeverityCritical, "s")

	var fe *triage.ForbiddenError
	if _, err := h.engine.OverrideSeverity(ctx, ref.ID, "R1", triage.SeverityLow, "false positive"); !errors.As(err, &fe) {
		t.Errorf("non-supervisor err = %v, want ForbiddenError", err)
	}
	var ve *triage.ValidationError
	if _, err := h.engine.OverrideSeverity(ctx, ref.ID, "sup-1", triage.SeverityLow, ""); !errors.As(err, &ve) {
		t.Errorf("missing reason err = %v, want ValidationError", err)
	}
	if _, err := h.engine.OverrideSeverity(ctx, ref.ID, "sup-1", triage.SeverityCritical, "same"); !errors.As(err, &ve) {
		t.Errorf("same level err = %v, want ValidationError", err)
	}

	a, err := h.engine.OverrideSeverity(ctx, ref.ID, "sup-1", triage.SeverityLow, "quoted song lyrics")
	if err != nil {
		t.Fatalf("OverrideSeverity: %v", err)
	}
	if a.Severity != triage.SeverityLow || a.Status != triage.StatusNew {
		t.Errorf("after override: severity=%s status=%s", a.Severity, a.Status)
	}

	entries, _ := h.engine.Audit(ctx, ref.ID)
	last := entries[len(entries)-1]
	if last.Trigger != triage.TriggerOverride || last.Actor != "sup-1" {
		t.Errorf("override entry = %+v", last)
	}
	if !strings.Contains(last.Reason, "quoted song lyrics") || !strings.Contains(last.Reason, "critical -> low") {
		t.Errorf("override reason = %q", last.Reason)
	}
}

func TestEngine_Hooks(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []string
		triggers []triage.Trigger
		armed    []string
	)
	hooks := triage.EngineHooks{
		OnSignal: func(o string) { mu.Lock(); outcomes = append(outcomes, o); mu.Unlock() },
		OnTransition: func(e *triage.TransitionEvent) {
			mu.Lock()
			triggers = append(triggers, e.Trigger)
			mu.Unlock()
		},
		OnDeadlineArmed: func(id string, _ time.Time) { mu.Lock(); armed = append(armed, id); mu.Unlock() },
	}
	h := newHarness(t, hooks)
	ref := h.ingest(t, "u11", triage.SeverityHigh, "s1")
	h.ingest(t, "u11", triage.SeverityHigh, "s1")
	if _, err := h.engine.Claim(context.Background(), ref.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 2 || outcomes[0] != "created" || outcomes[1] != "replayed" {
		t.Errorf("outcomes = %v", outcomes)
	}
	if len(triggers) != 2 || triggers[1] != triage.TriggerClaim {
		t.Errorf("triggers = %v", triggers)
	}
	if len(armed) != 1 || armed[0] != ref.ID {
		t.Errorf("armed = %v, want [%s]", armed, ref.ID)
	}
}

func TestEngine_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	h := newHarness(t, triage.EngineHooks{})
	ref := h.ingest(t, "span-subject", triage.SeverityHigh, "s1")
	if _, err := h.engine.Claim(context.Background(), ref.ID, "R1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	counts := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		for _, a := range s.Attributes {
			if string(a.Key) == "lifeline.alert.id" && a.Value.AsString() == ref.ID {
				counts[s.Name]++
			}
		}
	}
	if counts["triage.ingest"] != 1 {
		t.Errorf("triage.ingest spans = %d, want 1", counts["triage.ingest"])
	}
	if counts["triage.transition"] != 1 {
		t.Errorf("triage.transition spans = %d, want 1", counts["triage.transition"])
	}
}
