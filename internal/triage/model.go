package triage

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the ordered risk level of an alert.
type Severity int

// Severity levels, ordered. The zero value is not a valid level.
const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// ParseSeverity converts a level name to a Severity.
func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return sev, nil
		}
	}
	return 0, &ValidationError{Field: "severity", Msg: fmt.Sprintf("unrecognized severity %q", s)}
}

// Valid reports whether s is a recognized level.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// Raise returns the next level up, capped at critical.
func (s Severity) Raise() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	// StatusNew means detected and waiting for a first claim
	StatusNew Status = "new"

	// StatusAssigned means claimed by a responder, not yet acknowledged
	StatusAssigned Status = "assigned"

	// StatusInProgress means the assignee acknowledged and is working it
	StatusInProgress Status = "in_progress"

	// StatusEscalated means a deadline passed and the alert is waiting for a re-claim
	StatusEscalated Status = "escalated"

	// StatusResolved means the assignee resolved it; a new signal reopens it until closed
	StatusResolved Status = "resolved"

	// StatusClosed is terminal
	StatusClosed Status = "closed"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusNew, StatusAssigned, StatusInProgress, StatusEscalated, StatusResolved, StatusClosed:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Msg: fmt.Sprintf("unrecognized status %q", s)}
}

// Armed reports whether the status carries an escalation deadline and an assignee.
func (s Status) Armed() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Open reports whether the status is neither resolved nor closed.
func (s Status) Open() bool {
	return s != StatusResolved && s != StatusClosed
}

// Trigger names the cause of an audit entry.
type Trigger string

const (
	TriggerSignal          Trigger = "signal"
	TriggerClaim           Trigger = "claim"
	TriggerAcknowledge     Trigger = "acknowledge"
	TriggerResolve         Trigger = "resolve"
	TriggerDeadlineExpired Trigger = "deadline_expired"
	TriggerClose           Trigger = "close"
	TriggerReopen          Trigger = "reopen"
	TriggerOverride        Trigger = "override_severity"
)

// ActorSystem is the audit actor for engine-driven transitions.
const ActorSystem = "system"

// ProcessedSource records a detector sourceId already applied to an alert.
type ProcessedSource struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

// Alert is one distinct risk situation for a subject.
type Alert struct {
	ID                 string            `json:"id"`
	SubjectRef         string            `json:"subject_ref"`
	Severity           Severity          `json:"severity"`
	Status             Status            `json:"status"`
	Assignee           string            `json:"assignee,omitempty"`
	TriggerExcerpt     string            `json:"trigger_excerpt"`
	Message            string            `json:"message,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	LastTransitionAt   time.Time         `json:"last_transition_at"`
	LastSignalAt       time.Time         `json:"last_signal_at"`
	EscalationDeadline *time.Time        `json:"escalation_deadline,omitempty"`
	ResolutionNote     string            `json:"resolution_note,omitempty"`
	ResolvedBy         string            `json:"resolved_by,omitempty"`
	ProcessedSources   []ProcessedSource `json:"processed_sources,omitempty"`
	AuditSeq           int64             `json:"audit_seq"`
	AuditHash          string            `json:"audit_hash,omitempty"`
	Version            int64             `json:"version"`
}

// Clone returns a deep copy so callers never share slices or deadline pointers.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.EscalationDeadline != nil {
		d := *a.EscalationDeadline
		cp.EscalationDeadline = &d
	}
	if a.ProcessedSources != nil {
		cp.ProcessedSources = append([]ProcessedSource(nil), a.ProcessedSources...)
	}
	return &cp
}

// HasProcessed reports whether sourceID was already applied to this alert.
func (a *Alert) HasProcessed(sourceID string) bool {
	if sourceID == "" {
		return false
	}
	for _, ps := range a.ProcessedSources {
		if ps.ID == sourceID {
			return true
		}
	}
	return false
}

// AuditEntry is one immutable record in an alert's audit stream.
type AuditEntry struct {
	AlertID    string    `json:"alert_id"`
	Seq        int64     `json:"seq"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Trigger    Trigger   `json:"trigger"`
	Severity   Severity  `json:"severity"`
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// RiskSignal is a detector event asserting risk for a subject.
type RiskSignal struct {
	SubjectRef string    `json:"subject_ref"`
	Severity   Severity  `json:"severity"`
	Excerpt    string    `json:"excerpt"`
	Message    string    `json:"message,omitempty"`
	SourceID   string    `json:"source_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// IngestOutcome describes what Ingest did with a signal.
type IngestOutcome string

const (
	IngestCreated  IngestOutcome = "created"
	IngestUpdated  IngestOutcome = "updated"
	IngestReopened IngestOutcome = "reopened"
	IngestReplayed IngestOutcome = "replayed"
)

// AlertRef is the result of ingesting a signal.
type AlertRef struct {
	ID      string        `json:"id"`
	Version int64         `json:"version"`
	Outcome IngestOutcome `json:"outcome"`
}

// Audience identifies who a notification is for. The Notifier resolves it to people.
type Audience string

const (
	AudienceOnCall     Audience = "on_call"
	AudienceEscalation Audience = "escalation_tier"
)

// ResponderAudience addresses a single responder.
func ResponderAudience(id string) Audience {
	return Audience("responder:" + id)
}

// NotificationRequest is emitted to the Notifier adapter.
type NotificationRequest struct {
	AlertID  string   `json:"alert_id"`
	Severity Severity `json:"severity"`
	Audience Audience `json:"audience"`
	Excerpt  string   `json:"excerpt"`
	Reason   string   `json:"reason,omitempty"`
}

// DeliveryOutcome is the Notifier's answer to a request.
type DeliveryOutcome struct {
	Delivered bool
	Retryable bool
	Detail    string
}

// Delivered is the successful outcome.
func Delivered() DeliveryOutcome { return DeliveryOutcome{Delivered: true} }

// Failed is an unsuccessful outcome.
func Failed(retryable bool, detail string) DeliveryOutcome {
	return DeliveryOutcome{Retryable: retryable, Detail: detail}
}
