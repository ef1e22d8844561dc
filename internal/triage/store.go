package triage

import (
	"context"
	"sort"
	"time"
)

// Store is the persistence contract for alerts and their audit streams.
//
// Create and Save commit the alert and its audit entry together or not at
// all. Save is optimistic: it fails with *VersionConflictError unless the
// stored version equals expectedVersion, and on success the stored version
// becomes expectedVersion+1.
type Store interface {
	Get(ctx context.Context, id string) (*Alert, bool, error)
	// GetOpenBySubject returns the subject's non-closed alert, if any.
	GetOpenBySubject(ctx context.Context, subjectRef string) (*Alert, bool, error)
	// LastClosedBySubject returns the subject's most recently closed alert, if any.
	LastClosedBySubject(ctx context.Context, subjectRef string) (*Alert, bool, error)
	Create(ctx context.Context, a *Alert, entry *AuditEntry) error
	Save(ctx context.Context, a *Alert, expectedVersion int64, entry *AuditEntry) error
	Audit(ctx context.Context, alertID string) ([]AuditEntry, error)
	List(ctx context.Context, f Filter) ([]*Alert, error)
	// ListDue returns armed alerts whose deadline is at or before now, soonest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Alert, error)
}

// Filter selects alerts for the admin surface. Empty fields match everything.
type Filter struct {
	Statuses    []Status
	MinSeverity Severity
	Limit       int
}

// ByStatus is the listByStatus query.
func ByStatus(statuses ...Status) Filter { return Filter{Statuses: statuses} }

// BySeverityAtLeast is the listBySeverityAtLeast query.
func BySeverityAtLeast(sev Severity) Filter { return Filter{MinSeverity: sev} }

// Match reports whether a passes the filter.
func (f Filter) Match(a *Alert) bool {
	if f.MinSeverity.Valid() && a.Severity < f.MinSeverity {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if a.Status == s {
			return true
		}
	}
	return false
}

// SortAlerts orders alerts soonest deadline first (no deadline last), then by
// creation time, then by ID for a stable result.
func SortAlerts(alerts []*Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alertLess(alerts[i], alerts[j])
	})
}

func alertLess(a, b *Alert) bool {
	ad, bd := a.EscalationDeadline, b.EscalationDeadline
	switch {
	case ad != nil && bd == nil:
		return true
	case ad == nil && bd != nil:
		return false
	case ad != nil && bd != nil && !ad.Equal(*bd):
		return ad.Before(*bd)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
