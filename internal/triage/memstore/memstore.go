// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// Store holds alerts in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	alerts map[string]*triage.Alert       // alert ID -> alert
	audit  map[string][]triage.AuditEntry // alert ID -> ordered audit stream
	open   map[string]string              // subject ref -> non-closed alert ID
	closed map[string]string              // subject ref -> most recently closed alert ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts: make(map[string]*triage.Alert),
		audit:  make(map[string][]triage.AuditEntry),
		open:   make(map[string]string),
		closed: make(map[string]string),
	}
}

// Get retrieves an alert by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// GetOpenBySubject retrieves the subject's non-closed alert. Returns a copy.
func (s *Store) GetOpenBySubject(_ context.Context, subjectRef string) (*triage.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[subjectRef]
	if !ok {
		return nil, false, nil
	}
	return s.alerts[id].Clone(), true, nil
}

// LastClosedBySubject retrieves the subject's most recently closed alert. Returns a copy.
func (s *Store) LastClosedBySubject(_ context.Context, subjectRef string) (*triage.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.closed[subjectRef]
	if !ok {
		return nil, false, nil
	}
	return s.alerts[id].Clone(), true, nil
}

// Create stores a new alert at version 1 together with its first audit entry.
func (s *Store) Create(_ context.Context, a *triage.Alert, entry *triage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[a.SubjectRef]; ok {
		return triage.ErrSubjectHasOpenAlert
	}
	if _, ok := s.alerts[a.ID]; ok {
		return triage.NewStorageError("create", fmt.Errorf("duplicate alert id %s", a.ID))
	}
	if err := checkEntry(a, entry, 0); err != nil {
		return err
	}
	a.Version = 1
	s.alerts[a.ID] = a.Clone()
	s.audit[a.ID] = []triage.AuditEntry{*entry}
	s.open[a.SubjectRef] = a.ID
	return nil
}

// Save replaces the alert if the stored version matches and appends entry in
// the same critical section.
func (s *Store) Save(_ context.Context, a *triage.Alert, expectedVersion int64, entry *triage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		return fmt.Errorf("alert %s: %w", a.ID, triage.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return &triage.VersionConflictError{AlertID: a.ID, Expected: expectedVersion, Actual: cur.Version}
	}
	if err := checkEntry(a, entry, cur.AuditSeq); err != nil {
		return err
	}
	a.Version = expectedVersion + 1
	s.alerts[a.ID] = a.Clone()
	s.audit[a.ID] = append(s.audit[a.ID], *entry)
	if a.Status == triage.StatusClosed {
		delete(s.open, a.SubjectRef)
		s.closed[a.SubjectRef] = a.ID
	}
	return nil
}

// Audit returns a copy of the alert's audit stream in seq order.
func (s *Store) Audit(_ context.Context, alertID string) ([]triage.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]triage.AuditEntry(nil), s.audit[alertID]...), nil
}

// List returns copies of matching alerts, soonest deadline first.
func (s *Store) List(_ context.Context, f triage.Filter) ([]*triage.Alert, error) {
	s.mu.RLock()
	out := make([]*triage.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Match(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	triage.SortAlerts(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListDue returns armed alerts whose deadline is at or before now.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]*triage.Alert, error) {
	s.mu.RLock()
	var out []*triage.Alert
	for _, a := range s.alerts {
		if a.Status.Armed() && a.EscalationDeadline != nil && !a.EscalationDeadline.After(now) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	triage.SortAlerts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// checkEntry enforces the gap-free audit sequence.
func checkEntry(a *triage.Alert, entry *triage.AuditEntry, storedSeq int64) error {
	if entry == nil {
		return triage.NewStorageError("append audit", fmt.Errorf("alert %s: missing audit entry", a.ID))
	}
	if entry.AlertID != a.ID || entry.Seq != storedSeq+1 || a.AuditSeq != entry.Seq {
		return triage.NewStorageError("append audit", fmt.Errorf("alert %s: audit seq %d does not follow %d", a.ID, entry.Seq, storedSeq))
	}
	return nil
}
