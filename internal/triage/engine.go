package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lifeline/internal/triage")

const (
	maxRefLen     = 128
	maxExcerptLen = 2000
	maxNoteLen    = 4000
)

// EngineConfig tunes the triage engine. Zero values take defaults.
type EngineConfig struct {
	SLA SLAPolicy
	// SourceRetention bounds how long processed sourceIds are remembered per alert.
	SourceRetention time.Duration
	// MaxSources caps the remembered sourceIds per alert.
	MaxSources int
	// MaxAttempts bounds re-read-and-retry rounds after a version conflict.
	MaxAttempts int
	// Supervisors may override severity.
	Supervisors []string
	// Now is the clock; tests inject a fake one.
	Now func() time.Time
}

// Engine is the triage state machine. It holds no lock: every mutation is a
// versioned read-modify-write against the Store, committed with its audit entry.
type Engine struct {
	store       Store
	dispatcher  *Dispatcher
	logger      log.Logger
	hooks       EngineHooks
	sla         SLAPolicy
	retention   time.Duration
	maxSources  int
	maxAttempts int
	supervisors map[string]struct{}
	now         func() time.Time
}

// NewEngine creates a new triage engine with the given dependencies.
func NewEngine(store Store, dispatcher *Dispatcher, logger log.Logger, cfg EngineConfig, hooks EngineHooks) *Engine {
	if store == nil {
		panic(xerrors.New("triage store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SLA == nil {
		cfg.SLA = DefaultSLA()
	}
	if cfg.SourceRetention <= 0 {
		cfg.SourceRetention = 24 * time.Hour
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	sup := make(map[string]struct{}, len(cfg.Supervisors))
	for _, id := range cfg.Supervisors {
		if id = strings.TrimSpace(id); id != "" {
			sup[id] = struct{}{}
		}
	}
	return &Engine{
		store:       store,
		dispatcher:  dispatcher,
		logger:      logger,
		hooks:       hooks,
		sla:         cfg.SLA,
		retention:   cfg.SourceRetention,
		maxSources:  cfg.MaxSources,
		maxAttempts: cfg.MaxAttempts,
		supervisors: sup,
		now:         cfg.Now,
	}
}

// clock returns the current time at the precision every store can round-trip,
// so audit hashes survive persistence.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// Ingest applies a detector signal: it creates an alert, updates the open one,
// reopens a resolved one, or does nothing for a replayed sourceId.
func (e *Engine) Ingest(ctx context.Context, sig RiskSignal) (ref *AlertRef, err error) {
	ctx, span := tracer.Start(ctx, "triage.ingest", trace.WithAttributes(
		attribute.String("lifeline.subject_ref", sig.SubjectRef),
		attribute.String("lifeline.source_id", sig.SourceID),
		attribute.String("lifeline.severity", sig.Severity.String()),
	))
	defer func() {
		if ref != nil {
			span.SetAttributes(
				attribute.String("lifeline.alert.id", ref.ID),
				attribute.String("lifeline.ingest.outcome", string(ref.Outcome)),
			)
		}
		endSpan(span, err)
	}()

	if err := validateSignal(&sig); err != nil {
		e.signalHook("invalid")
		return nil, err
	}

	var lastErr error
	for range e.maxAttempts {
		cur, ok, err := e.store.GetOpenBySubject(ctx, sig.SubjectRef)
		if err != nil {
			return nil, err
		}

		if !ok {
			// a redelivery after the episode closed must not open a new one
			last, found, err := e.store.LastClosedBySubject(ctx, sig.SubjectRef)
			if err != nil {
				return nil, err
			}
			if found && e.processedRecently(last, sig.SourceID) {
				e.signalHook(string(IngestReplayed))
				return &AlertRef{ID: last.ID, Version: last.Version, Outcome: IngestReplayed}, nil
			}

			ref, err := e.create(ctx, &sig)
			if errors.Is(err, ErrSubjectHasOpenAlert) {
				// lost a creation race for this subject; fold into the winner's alert
				e.conflictHook("create")
				lastErr = err
				continue
			}
			return ref, err
		}

		if cur.HasProcessed(sig.SourceID) {
			e.signalHook(string(IngestReplayed))
			return &AlertRef{ID: cur.ID, Version: cur.Version, Outcome: IngestReplayed}, nil
		}

		ref, err := e.reevaluate(ctx, cur, &sig)
		var vc *VersionConflictError
		if errors.As(err, &vc) {
			e.conflictHook("version")
			lastErr = err
			continue
		}
		return ref, err
	}
	return nil, lastErr
}

func (e *Engine) create(ctx context.Context, sig *RiskSignal) (*AlertRef, error) {
	now := e.clock()
	detected := now
	if !sig.DetectedAt.IsZero() {
		detected = sig.DetectedAt.UTC().Truncate(time.Microsecond)
	}

	a := &Alert{
		ID:               ulid.Make().String(),
		SubjectRef:       sig.SubjectRef,
		Severity:         sig.Severity,
		Status:           StatusNew,
		TriggerExcerpt:   sig.Excerpt,
		Message:          sig.Message,
		CreatedAt:        now,
		LastTransitionAt: now,
		LastSignalAt:     detected,
	}
	e.recordSource(a, sig.SourceID, now)
	entry := appendAudit(a, "", TriggerSignal, ActorSystem, sourceReason("created", sig.SourceID), now)

	if err := e.store.Create(ctx, a, entry); err != nil {
		return nil, err
	}

	e.signalHook(string(IngestCreated))
	e.committed(ctx, nil, a, entry)
	e.notify(ctx, a, AudienceOnCall, "new crisis alert")

	return &AlertRef{ID: a.ID, Version: a.Version, Outcome: IngestCreated}, nil
}

func (e *Engine) reevaluate(ctx context.Context, cur *Alert, sig *RiskSignal) (*AlertRef, error) {
	now := e.clock()
	a := cur.Clone()
	from := a.Status
	raised := sig.Severity > a.Severity
	prevSeverity := a.Severity

	detected := now
	if !sig.DetectedAt.IsZero() {
		detected = sig.DetectedAt.UTC().Truncate(time.Microsecond)
	}
	if detected.After(a.LastSignalAt) {
		a.LastSignalAt = detected
	}
	if raised {
		a.Severity = sig.Severity
	}
	e.recordSource(a, sig.SourceID, now)

	trigger := TriggerSignal
	outcome := IngestUpdated
	var reason string

	if a.Status == StatusResolved {
		trigger = TriggerReopen
		outcome = IngestReopened
		e.reopen(a, now)
		reason = sourceReason("reopened by new signal", sig.SourceID)
	} else {
		if raised {
			e.tighten(a, now)
		}
		reason = sourceReason("re-evaluated", sig.SourceID)
	}
	if raised {
		reason += fmt.Sprintf("; severity %s -> %s", prevSeverity, a.Severity)
	}
	if a.Status != from {
		a.LastTransitionAt = now
	}

	entry := appendAudit(a, from, trigger, ActorSystem, reason, now)
	if err := e.store.Save(ctx, a, cur.Version, entry); err != nil {
		return nil, err
	}

	e.signalHook(string(outcome))
	e.committed(ctx, cur, a, entry)

	if outcome == IngestReopened && a.Assignee != "" {
		e.notify(ctx, a, ResponderAudience(a.Assignee), "alert reopened by new signal")
	}
	if raised || (outcome == IngestReopened && a.Assignee == "") {
		e.notify(ctx, a, AudienceOnCall, fmt.Sprintf("severity raised to %s", a.Severity))
	}

	return &AlertRef{ID: a.ID, Version: a.Version, Outcome: outcome}, nil
}

// reopen hands a resolved alert back to its resolver in in_progress.
// Resolve always records ResolvedBy, so the resolver is known.
func (e *Engine) reopen(a *Alert, now time.Time) {
	a.ResolutionNote = ""
	a.Status = StatusInProgress
	a.Assignee = a.ResolvedBy
	a.ResolvedBy = ""
	e.arm(a, now)
}

// Claim assigns an unowned alert to responder. Exactly one of any number of
// concurrent claims succeeds; the others get *ConflictError.
func (e *Engine) Claim(ctx context.Context, id, responder string) (*Alert, error) {
	if err := validateRef("responder_id", responder); err != nil {
		return nil, err
	}
	_, a, err := e.transition(ctx, id, TriggerClaim, responder, "", func(a *Alert, now time.Time) error {
		switch a.Status {
		case StatusNew, StatusEscalated:
		case StatusAssigned, StatusInProgress:
			return &ConflictError{AlertID: a.ID, Current: a.Status, Assignee: a.Assignee, Version: a.Version}
		default:
			return invalid(a, TriggerClaim, "")
		}
		a.Status = StatusAssigned
		a.Assignee = responder
		e.arm(a, now)
		return nil
	})
	var ce *ConflictError
	if errors.As(err, &ce) {
		e.conflictHook("claim")
	}
	return a, err
}

// Acknowledge starts work on an assigned alert and restarts the response clock.
func (e *Engine) Acknowledge(ctx context.Context, id, responder string) (*Alert, error) {
	if err := validateRef("responder_id", responder); err != nil {
		return nil, err
	}
	_, a, err := e.transition(ctx, id, TriggerAcknowledge, responder, "", func(a *Alert, now time.Time) error {
		if a.Status != StatusAssigned {
			return invalid(a, TriggerAcknowledge, "")
		}
		if a.Assignee != responder {
			return invalid(a, TriggerAcknowledge, "responder is not the assignee")
		}
		a.Status = StatusInProgress
		e.arm(a, now)
		return nil
	})
	return a, err
}

// Resolve closes out the episode for the assignee, from assigned or in_progress.
// A resolve that loses a race against escalation observes the escalated status and fails.
func (e *Engine) Resolve(ctx context.Context, id, responder, note string) (*Alert, error) {
	if err := validateRef("responder_id", responder); err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, &ValidationError{Field: "note", Msg: "resolution note is required"}
	}
	if len(note) > maxNoteLen {
		return nil, &ValidationError{Field: "note", Msg: fmt.Sprintf("exceeds %d bytes", maxNoteLen)}
	}
	_, a, err := e.transition(ctx, id, TriggerResolve, responder, note, func(a *Alert, _ time.Time) error {
		if !a.Status.Armed() {
			return invalid(a, TriggerResolve, "")
		}
		if a.Assignee != responder {
			return invalid(a, TriggerResolve, "responder is not the assignee")
		}
		a.Status = StatusResolved
		a.Assignee = ""
		a.EscalationDeadline = nil
		a.ResolvedBy = responder
		a.ResolutionNote = note
		return nil
	})
	return a, err
}

// Close makes a resolved alert terminal.
func (e *Engine) Close(ctx context.Context, id, reviewer, note string) (*Alert, error) {
	if err := validateRef("reviewer_id", reviewer); err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if len(note) > maxNoteLen {
		return nil, &ValidationError{Field: "note", Msg: fmt.Sprintf("exceeds %d bytes", maxNoteLen)}
	}
	_, a, err := e.transition(ctx, id, TriggerClose, reviewer, note, func(a *Alert, _ time.Time) error {
		if a.Status != StatusResolved {
			return invalid(a, TriggerClose, "")
		}
		a.Status = StatusClosed
		if a.ResolutionNote == "" {
			a.ResolutionNote = note
		}
		return nil
	})
	return a, err
}

// Expire escalates an armed alert whose deadline has passed. Duplicate or stale
// fires fail the status guard with *InvalidTransitionError and change nothing.
func (e *Engine) Expire(ctx context.Context, id string) (*Alert, error) {
	var reason string
	before, a, err := e.transition(ctx, id, TriggerDeadlineExpired, ActorSystem, "", func(a *Alert, now time.Time) error {
		if !a.Status.Armed() || a.EscalationDeadline == nil {
			return invalid(a, TriggerDeadlineExpired, "")
		}
		if now.Before(*a.EscalationDeadline) {
			return invalid(a, TriggerDeadlineExpired, "deadline not reached")
		}
		reason = fmt.Sprintf("deadline %s passed (assignee %s)", a.EscalationDeadline.Format(time.RFC3339), a.Assignee)
		a.Status = StatusEscalated
		a.Assignee = ""
		a.EscalationDeadline = nil
		a.Severity = a.Severity.Raise()
		return nil
	}, withReason(&reason))
	if err != nil {
		return nil, err
	}
	e.notify(ctx, a, AudienceEscalation, fmt.Sprintf("unacknowledged past deadline, was %s with %s", before.Status, before.Assignee))
	return a, nil
}

// OverrideSeverity lets a supervisor set any level, including a decrease. The
// reason is stored in the audit entry.
func (e *Engine) OverrideSeverity(ctx context.Context, id, supervisor string, level Severity, reason string) (*Alert, error) {
	if err := validateRef("supervisor_id", supervisor); err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, &ValidationError{Field: "level", Msg: "unrecognized severity"}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Msg: "override reason is required"}
	}
	if len(reason) > maxNoteLen {
		return nil, &ValidationError{Field: "reason", Msg: fmt.Sprintf("exceeds %d bytes", maxNoteLen)}
	}
	if !e.IsSupervisor(supervisor) {
		return nil, &ForbiddenError{Actor: supervisor, Operation: "override severity"}
	}

	var auditReason string
	before, a, err := e.transition(ctx, id, TriggerOverride, supervisor, "", func(a *Alert, now time.Time) error {
		if a.Status == StatusClosed {
			return invalid(a, TriggerOverride, "alert is closed")
		}
		if a.Severity == level {
			return &ValidationError{Field: "level", Msg: fmt.Sprintf("severity is already %s", level)}
		}
		auditReason = fmt.Sprintf("severity %s -> %s: %s", a.Severity, level, reason)
		raised := level > a.Severity
		a.Severity = level
		if raised {
			e.tighten(a, now)
		}
		return nil
	}, withReason(&auditReason))
	if err != nil {
		return nil, err
	}
	if a.Severity > before.Severity {
		e.notify(ctx, a, AudienceOnCall, fmt.Sprintf("severity raised to %s by supervisor", a.Severity))
	}
	return a, nil
}

// IsSupervisor reports whether id may override severity.
func (e *Engine) IsSupervisor(id string) bool {
	_, ok := e.supervisors[id]
	return ok
}

// Get returns an alert by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Alert, bool, error) {
	return e.store.Get(ctx, id)
}

// Audit returns the ordered audit stream for an alert.
func (e *Engine) Audit(ctx context.Context, id string) ([]AuditEntry, error) {
	if _, ok, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return e.store.Audit(ctx, id)
}

// List returns alerts matching f, soonest deadline first.
func (e *Engine) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return e.store.List(ctx, f)
}

type transitionOpt func(*transitionOpts)

type transitionOpts struct {
	reason *string
}

// withReason reads the audit reason after apply runs, for reasons that depend
// on the state being replaced.
func withReason(r *string) transitionOpt {
	return func(o *transitionOpts) { o.reason = r }
}

// transition runs one guarded read-modify-write, retrying on version conflicts.
// apply mutates a fresh copy; returning an error aborts without any write.
func (e *Engine) transition(ctx context.Context, id string, trigger Trigger, actor, reason string, apply func(a *Alert, now time.Time) error, opts ...transitionOpt) (before, after *Alert, err error) {
	ctx, span := tracer.Start(ctx, "triage.transition", trace.WithAttributes(
		attribute.String("lifeline.alert.id", id),
		attribute.String("lifeline.trigger", string(trigger)),
		attribute.String("lifeline.actor", actor),
	))
	defer func() {
		if after != nil {
			span.SetAttributes(
				attribute.String("lifeline.status", string(after.Status)),
				attribute.Int64("lifeline.alert.version", after.Version),
			)
		}
		endSpan(span, err)
	}()

	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	for range e.maxAttempts {
		cur, ok, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}

		now := e.clock()
		a := cur.Clone()
		from := a.Status
		if err := apply(a, now); err != nil {
			return nil, nil, err
		}
		if a.Status != from {
			a.LastTransitionAt = now
		}
		r := reason
		if o.reason != nil {
			r = *o.reason
		}

		entry := appendAudit(a, from, trigger, actor, r, now)
		if err := e.store.Save(ctx, a, cur.Version, entry); err != nil {
			var vc *VersionConflictError
			if errors.As(err, &vc) {
				e.conflictHook("version")
				lastErr = err
				continue
			}
			return nil, nil, err
		}

		e.committed(ctx, cur, a, entry)
		return cur, a, nil
	}
	return nil, nil, lastErr
}

// arm sets a fresh deadline for the alert's current severity.
func (e *Engine) arm(a *Alert, now time.Time) {
	d := now.Add(e.sla.For(a.Severity))
	a.EscalationDeadline = &d
}

// tighten pulls an armed deadline in to match a raised severity. It never extends one.
func (e *Engine) tighten(a *Alert, now time.Time) {
	if !a.Status.Armed() || a.EscalationDeadline == nil {
		return
	}
	d := now.Add(e.sla.For(a.Severity))
	if d.Before(*a.EscalationDeadline) {
		a.EscalationDeadline = &d
	}
}

// processedRecently reports whether sourceID was applied to a within the retention window.
func (e *Engine) processedRecently(a *Alert, sourceID string) bool {
	if sourceID == "" {
		return false
	}
	cutoff := e.clock().Add(-e.retention)
	for _, ps := range a.ProcessedSources {
		if ps.ID == sourceID && ps.At.After(cutoff) {
			return true
		}
	}
	return false
}

// recordSource remembers sourceID and drops entries outside the retention window.
func (e *Engine) recordSource(a *Alert, sourceID string, now time.Time) {
	cutoff := now.Add(-e.retention)
	kept := a.ProcessedSources[:0:0]
	for _, ps := range a.ProcessedSources {
		if ps.At.After(cutoff) {
			kept = append(kept, ps)
		}
	}
	if sourceID != "" {
		kept = append(kept, ProcessedSource{ID: sourceID, At: now})
	}
	if len(kept) > e.maxSources {
		kept = kept[len(kept)-e.maxSources:]
	}
	a.ProcessedSources = kept
}

// committed logs and fires hooks after a successful write.
func (e *Engine) committed(ctx context.Context, before, after *Alert, entry *AuditEntry) {
	e.logger.Info(ctx, "alert transition committed",
		"alert_id", after.ID,
		"trigger", string(entry.Trigger),
		"from", string(entry.FromStatus),
		"to", string(entry.ToStatus),
		"severity", after.Severity.String(),
		"actor", entry.Actor,
		"seq", entry.Seq,
		"version", after.Version,
	)

	if e.hooks.OnTransition != nil {
		ev := &TransitionEvent{
			AlertID:  after.ID,
			From:     entry.FromStatus,
			To:       entry.ToStatus,
			Trigger:  entry.Trigger,
			Severity: after.Severity,
			Actor:    entry.Actor,
			Seq:      entry.Seq,
		}
		if before != nil {
			ev.InPrevious = entry.Timestamp.Sub(before.LastTransitionAt)
		}
		e.hooks.OnTransition(ev)
	}

	if e.hooks.OnDeadlineArmed != nil && after.EscalationDeadline != nil {
		if before == nil || before.EscalationDeadline == nil || !before.EscalationDeadline.Equal(*after.EscalationDeadline) {
			e.hooks.OnDeadlineArmed(after.ID, *after.EscalationDeadline)
		}
	}
}

func (e *Engine) notify(ctx context.Context, a *Alert, audience Audience, reason string) {
	e.dispatcher.Dispatch(ctx, NotificationRequest{
		AlertID:  a.ID,
		Severity: a.Severity,
		Audience: audience,
		Excerpt:  a.TriggerExcerpt,
		Reason:   reason,
	})
}

func (e *Engine) signalHook(outcome string) {
	if e.hooks.OnSignal != nil {
		e.hooks.OnSignal(outcome)
	}
}

func (e *Engine) conflictHook(kind string) {
	if e.hooks.OnConflict != nil {
		e.hooks.OnConflict(kind)
	}
}

// endSpan records err on span unless it is an expected domain outcome.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		var se *StorageError
		if errors.As(err, &se) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func invalid(a *Alert, trigger Trigger, reason string) *InvalidTransitionError {
	return &InvalidTransitionError{AlertID: a.ID, Current: a.Status, Trigger: trigger, Version: a.Version, Reason: reason}
}

func sourceReason(prefix, sourceID string) string {
	if sourceID == "" {
		return prefix
	}
	return prefix + " (source " + sourceID + ")"
}

func validateSignal(sig *RiskSignal) error {
	sig.SubjectRef = strings.TrimSpace(sig.SubjectRef)
	sig.SourceID = strings.TrimSpace(sig.SourceID)
	if err := validateRef("subject_ref", sig.SubjectRef); err != nil {
		return err
	}
	if !sig.Severity.Valid() {
		return &ValidationError{Field: "severity", Msg: "unrecognized severity"}
	}
	if len(sig.Excerpt) > maxExcerptLen {
		return &ValidationError{Field: "excerpt", Msg: fmt.Sprintf("exceeds %d bytes", maxExcerptLen)}
	}
	if len(sig.Message) > maxExcerptLen {
		return &ValidationError{Field: "message", Msg: fmt.Sprintf("exceeds %d bytes", maxExcerptLen)}
	}
	if len(sig.SourceID) > maxRefLen {
		return &ValidationError{Field: "source_id", Msg: fmt.Sprintf("exceeds %d bytes", maxRefLen)}
	}
	return nil
}

func validateRef(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Msg: "is required"}
	}
	if len(v) > maxRefLen {
		return &ValidationError{Field: field, Msg: fmt.Sprintf("exceeds %d bytes", maxRefLen)}
	}
	return nil
}
