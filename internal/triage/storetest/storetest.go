// Package storetest is the behavioural contract every triage.Store must meet.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// Run executes the contract suite. open must return a ready store; backends
// that persist across runs are fine since every case uses fresh IDs.
func Run(t *testing.T, open func(t *testing.T) triage.Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, open(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("CreateRejectsSecondOpenAlert", func(t *testing.T) { testCreateRejectsSecondOpenAlert(t, open(t)) })
	t.Run("SaveBumpsVersionAndAppendsAudit", func(t *testing.T) { testSaveBumpsVersion(t, open(t)) })
	t.Run("SaveStaleVersion", func(t *testing.T) { testSaveStaleVersion(t, open(t)) })
	t.Run("ConcurrentSaveSingleWinner", func(t *testing.T) { testConcurrentSave(t, open(t)) })
	t.Run("CloseReleasesSubject", func(t *testing.T) { testCloseReleasesSubject(t, open(t)) })
	t.Run("LastClosedBySubject", func(t *testing.T) { testLastClosedBySubject(t, open(t)) })
	t.Run("ListOrderAndFilter", func(t *testing.T) { testListOrderAndFilter(t, open(t)) })
	t.Run("ListDue", func(t *testing.T) { testListDue(t, open(t)) })
}

// now is truncated to what every backend round-trips.
func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// newAlert builds a version-less alert in status new with its seq-1 entry.
func newAlert(subject string, sev triage.Severity, at time.Time) (*triage.Alert, *triage.AuditEntry) {
	a := &triage.Alert{
		ID:               ulid.Make().String(),
		SubjectRef:       subject,
		Severity:         sev,
		Status:           triage.StatusNew,
		TriggerExcerpt:   "excerpt",
		CreatedAt:        at,
		LastTransitionAt: at,
		LastSignalAt:     at,
		ProcessedSources: []triage.ProcessedSource{{ID: "src-1", At: at}},
	}
	return a, nextEntry(a, "", triage.TriggerSignal, "system", at)
}

// nextEntry advances a's audit head for its current status.
func nextEntry(a *triage.Alert, from triage.Status, trig triage.Trigger, actor string, at time.Time) *triage.AuditEntry {
	a.AuditSeq++
	a.AuditHash = ulid.Make().String()
	return &triage.AuditEntry{
		AlertID:    a.ID,
		Seq:        a.AuditSeq,
		FromStatus: from,
		ToStatus:   a.Status,
		Trigger:    trig,
		Severity:   a.Severity,
		Actor:      actor,
		Timestamp:  at,
		Hash:       a.AuditHash,
	}
}

func subject() string { return "subj-" + ulid.Make().String() }

func mustCreate(t *testing.T, s triage.Store, a *triage.Alert, e *triage.AuditEntry) {
	t.Helper()
	if err := s.Create(context.Background(), a, e); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func assign(a *triage.Alert, who string, deadline time.Time) *triage.AuditEntry {
	from := a.Status
	a.Status = triage.StatusAssigned
	a.Assignee = who
	a.EscalationDeadline = &deadline
	return nextEntry(a, from, triage.TriggerClaim, who, deadline)
}

func testCreateAndGet(t *testing.T, s triage.Store) {
	ctx := context.Background()
	at := now()
	a, e := newAlert(subject(), triage.SeverityHigh, at)
	mustCreate(t, s, a, e)

	if a.Version != 1 {
		t.Errorf("Version after Create = %d, want 1", a.Version)
	}

	got, ok, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected alert to be found")
	}
	if got.SubjectRef != a.SubjectRef || got.Severity != triage.SeverityHigh || got.Status != triage.StatusNew {
		t.Errorf("got %+v, want subject %q severity high status new", got, a.SubjectRef)
	}
	if !got.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, at)
	}
	if got.EscalationDeadline != nil {
		t.Errorf("EscalationDeadline = %v, want nil", got.EscalationDeadline)
	}
	if !got.HasProcessed("src-1") {
		t.Error("expected processed source src-1 to round-trip")
	}

	bySubject, ok, err := s.GetOpenBySubject(ctx, a.SubjectRef)
	if err != nil || !ok {
		t.Fatalf("GetOpenBySubject: ok=%v err=%v", ok, err)
	}
	if bySubject.ID != a.ID {
		t.Errorf("GetOpenBySubject ID = %q, want %q", bySubject.ID, a.ID)
	}

	entries, err := s.Audit(ctx, a.ID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != 1 || entries[0].ToStatus != triage.StatusNew {
		t.Errorf("audit = %+v, want one seq-1 entry to new", entries)
	}
}

func testGetMissing(t *testing.T, s triage.Store) {
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "missing-"+ulid.Make().String()); err != nil || ok {
		t.Errorf("Get missing: ok=%v err=%v, want false nil", ok, err)
	}
	if _, ok, err := s.GetOpenBySubject(ctx, subject()); err != nil || ok {
		t.Errorf("GetOpenBySubject missing: ok=%v err=%v, want false nil", ok, err)
	}
}

func testCreateRejectsSecondOpenAlert(t *testing.T, s triage.Store) {
	subj := subject()
	first, e1 := newAlert(subj, triage.SeverityLow, now())
	mustCreate(t, s, first, e1)

	second, e2 := newAlert(subj, triage.SeverityHigh, now())
	err := s.Create(context.Background(), second, e2)
	if !errors.Is(err, triage.ErrSubjectHasOpenAlert) {
		t.Fatalf("second Create err = %v, want ErrSubjectHasOpenAlert", err)
	}
	if _, ok, _ := s.Get(context.Background(), second.ID); ok {
		t.Error("rejected alert must not be stored")
	}
}

func testSaveBumpsVersion(t *testing.T, s triage.Store) {
	ctx := context.Background()
	a, e := newAlert(subject(), triage.SeverityMedium, now())
	mustCreate(t, s, a, e)

	deadline := now().Add(time.Hour)
	entry := assign(a, "r1", deadline)
	if err := s.Save(ctx, a, 1, entry); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("Version after Save = %d, want 2", a.Version)
	}

	got, _, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 || got.Assignee != "r1" || got.Status != triage.StatusAssigned {
		t.Errorf("got version=%d assignee=%q status=%s", got.Version, got.Assignee, got.Status)
	}
	if got.EscalationDeadline == nil || !got.EscalationDeadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", got.EscalationDeadline, deadline)
	}

	entries, err := s.Audit(ctx, a.ID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit len = %d, want 2", len(entries))
	}
	for i, en := range entries {
		if en.Seq != int64(i+1) {
			t.Errorf("entries[%d].Seq = %d, want %d", i, en.Seq, i+1)
		}
	}
	if entries[1].FromStatus != triage.StatusNew || entries[1].ToStatus != triage.StatusAssigned {
		t.Errorf("entry 2 = %s -> %s, want new -> assigned", entries[1].FromStatus, entries[1].ToStatus)
	}
}

func testSaveStaleVersion(t *testing.T, s triage.Store) {
	ctx := context.Background()
	a, e := newAlert(subject(), triage.SeverityMedium, now())
	mustCreate(t, s, a, e)

	stale := a.Clone()
	if err := s.Save(ctx, a, 1, assign(a, "r1", now().Add(time.Hour))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := s.Save(ctx, stale, 1, assign(stale, "r2", now().Add(time.Hour)))
	var vc *triage.VersionConflictError
	if !errors.As(err, &vc) {
		t.Fatalf("stale Save err = %v, want VersionConflictError", err)
	}
	if vc.Expected != 1 || vc.Actual != 2 {
		t.Errorf("conflict expected=%d actual=%d, want 1 and 2", vc.Expected, vc.Actual)
	}

	got, _, _ := s.Get(ctx, a.ID)
	if got.Assignee != "r1" {
		t.Errorf("assignee = %q, want r1", got.Assignee)
	}
	entries, _ := s.Audit(ctx, a.ID)
	if len(entries) != 2 {
		t.Errorf("audit len = %d, want 2 (rejected save must not append)", len(entries))
	}
}

func testConcurrentSave(t *testing.T, s triage.Store) {
	ctx := context.Background()
	a, e := newAlert(subject(), triage.SeverityCritical, now())
	mustCreate(t, s, a, e)

	const n = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			cp := a.Clone()
			entry := assign(cp, "r-"+string(rune('a'+i)), now().Add(time.Minute))
			err := s.Save(ctx, cp, 1, entry)
			var vc *triage.VersionConflictError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &vc):
				conflicts.Add(1)
			default:
				t.Errorf("Save: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
	if conflicts.Load() != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts.Load(), n-1)
	}
	entries, _ := s.Audit(ctx, a.ID)
	if len(entries) != 2 {
		t.Errorf("audit len = %d, want 2", len(entries))
	}
}

func testCloseReleasesSubject(t *testing.T, s triage.Store) {
	ctx := context.Background()
	subj := subject()
	a, e := newAlert(subj, triage.SeverityLow, now())
	mustCreate(t, s, a, e)

	from := a.Status
	a.Status = triage.StatusResolved
	if err := s.Save(ctx, a, a.Version, nextEntry(a, from, triage.TriggerResolve, "r1", now())); err != nil {
		t.Fatalf("Save resolved: %v", err)
	}
	if _, ok, _ := s.GetOpenBySubject(ctx, subj); !ok {
		t.Fatal("resolved alert must still own the subject until closed")
	}

	a.Status = triage.StatusClosed
	if err := s.Save(ctx, a, a.Version, nextEntry(a, triage.StatusResolved, triage.TriggerClose, "sup", now())); err != nil {
		t.Fatalf("Save closed: %v", err)
	}
	if _, ok, _ := s.GetOpenBySubject(ctx, subj); ok {
		t.Fatal("closed alert must release the subject")
	}

	next, ne := newAlert(subj, triage.SeverityHigh, now())
	mustCreate(t, s, next, ne)
}

// closeAlert walks a through resolved to closed.
func closeAlert(t *testing.T, s triage.Store, a *triage.Alert, at time.Time) {
	t.Helper()
	ctx := context.Background()
	from := a.Status
	a.Status = triage.StatusResolved
	a.LastTransitionAt = at
	if err := s.Save(ctx, a, a.Version, nextEntry(a, from, triage.TriggerResolve, "r1", at)); err != nil {
		t.Fatalf("Save resolved: %v", err)
	}
	a.Status = triage.StatusClosed
	if err := s.Save(ctx, a, a.Version, nextEntry(a, triage.StatusResolved, triage.TriggerClose, "sup", at)); err != nil {
		t.Fatalf("Save closed: %v", err)
	}
}

func testLastClosedBySubject(t *testing.T, s triage.Store) {
	ctx := context.Background()
	subj := subject()
	base := now()

	first, e := newAlert(subj, triage.SeverityHigh, base)
	mustCreate(t, s, first, e)
	if _, ok, err := s.LastClosedBySubject(ctx, subj); err != nil || ok {
		t.Fatalf("LastClosedBySubject before close: ok=%v err=%v", ok, err)
	}

	closeAlert(t, s, first, base.Add(time.Minute))
	got, ok, err := s.LastClosedBySubject(ctx, subj)
	if err != nil || !ok {
		t.Fatalf("LastClosedBySubject: ok=%v err=%v", ok, err)
	}
	if got.ID != first.ID || got.Version != first.Version {
		t.Errorf("got %s@%d, want %s@%d", got.ID, got.Version, first.ID, first.Version)
	}
	if !got.HasProcessed("src-1") {
		t.Error("closed alert must keep its processed sources")
	}

	second, e2 := newAlert(subj, triage.SeverityLow, base.Add(2*time.Minute))
	mustCreate(t, s, second, e2)
	if got, _, _ := s.LastClosedBySubject(ctx, subj); got == nil || got.ID != first.ID {
		t.Errorf("open episode must not replace the closed one, got %+v", got)
	}
	closeAlert(t, s, second, base.Add(3*time.Minute))
	if got, _, _ := s.LastClosedBySubject(ctx, subj); got == nil || got.ID != second.ID {
		t.Errorf("want most recently closed %s, got %+v", second.ID, got)
	}

	if _, ok, _ := s.LastClosedBySubject(ctx, subject()); ok {
		t.Error("unknown subject must report no closed alert")
	}
}

func testListOrderAndFilter(t *testing.T, s triage.Store) {
	ctx := context.Background()
	base := now()

	// c: no deadline, created first; b: far deadline; a: near deadline
	c, ce := newAlert(subject(), triage.SeverityLow, base)
	b, be := newAlert(subject(), triage.SeverityHigh, base.Add(time.Second))
	a, ae := newAlert(subject(), triage.SeverityCritical, base.Add(2*time.Second))
	for _, x := range []struct {
		al *triage.Alert
		en *triage.AuditEntry
	}{{c, ce}, {b, be}, {a, ae}} {
		mustCreate(t, s, x.al, x.en)
	}
	if err := s.Save(ctx, b, 1, assign(b, "r1", base.Add(10*time.Hour))); err != nil {
		t.Fatalf("Save b: %v", err)
	}
	if err := s.Save(ctx, a, 1, assign(a, "r2", base.Add(5*time.Hour))); err != nil {
		t.Fatalf("Save a: %v", err)
	}

	mine := map[string]bool{a.ID: true, b.ID: true, c.ID: true}
	pick := func(alerts []*triage.Alert) []string {
		var ids []string
		for _, x := range alerts {
			if mine[x.ID] {
				ids = append(ids, x.ID)
			}
		}
		return ids
	}

	all, err := s.List(ctx, triage.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	assertIDs(t, "all", pick(all), a.ID, b.ID, c.ID)

	assigned, err := s.List(ctx, triage.ByStatus(triage.StatusAssigned))
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	assertIDs(t, "assigned", pick(assigned), a.ID, b.ID)

	high, err := s.List(ctx, triage.BySeverityAtLeast(triage.SeverityHigh))
	if err != nil {
		t.Fatalf("List by severity: %v", err)
	}
	assertIDs(t, "high+", pick(high), a.ID, b.ID)

	newOnly, err := s.List(ctx, triage.Filter{Statuses: []triage.Status{triage.StatusNew}, MinSeverity: triage.SeverityLow})
	if err != nil {
		t.Fatalf("List new: %v", err)
	}
	assertIDs(t, "new", pick(newOnly), c.ID)
}

func testListDue(t *testing.T, s triage.Store) {
	ctx := context.Background()
	base := now()

	due, de := newAlert(subject(), triage.SeverityHigh, base)
	later, le := newAlert(subject(), triage.SeverityHigh, base)
	mustCreate(t, s, due, de)
	mustCreate(t, s, later, le)
	if err := s.Save(ctx, due, 1, assign(due, "r1", base.Add(-time.Minute))); err != nil {
		t.Fatalf("Save due: %v", err)
	}
	if err := s.Save(ctx, later, 1, assign(later, "r1", base.Add(time.Hour))); err != nil {
		t.Fatalf("Save later: %v", err)
	}

	got, err := s.ListDue(ctx, base, 0)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	var sawDue bool
	for _, x := range got {
		if x.ID == later.ID {
			t.Error("alert with future deadline listed as due")
		}
		if x.ID == due.ID {
			sawDue = true
		}
	}
	if !sawDue {
		t.Error("expected past-deadline alert to be due")
	}
}

func assertIDs(t *testing.T, label string, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %v, want %v", label, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s[%d] = %s, want %s", label, i, got[i], want[i])
		}
	}
}
