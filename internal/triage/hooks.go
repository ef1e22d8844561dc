package triage

import "time"

// TransitionEvent describes a committed audit entry.
type TransitionEvent struct {
	AlertID  string
	From     Status
	To       Status
	Trigger  Trigger
	Severity Severity
	Actor    string
	Seq      int64
	// InPrevious is how long the alert sat in From before this entry.
	InPrevious time.Duration
}

// EngineHooks are optional callbacks fired after an engine commit. Nil fields are skipped.
type EngineHooks struct {
	OnSignal        func(outcome string)
	OnTransition    func(e *TransitionEvent)
	OnConflict      func(kind string)
	OnDeadlineArmed func(alertID string, deadline time.Time)
}

// DispatchHooks are optional callbacks fired by the Dispatcher.
type DispatchHooks struct {
	OnAttempt func(req *NotificationRequest, attempt int, outcome DeliveryOutcome)
	OnDone    func(req *NotificationRequest, attempts int, delivered bool)
	OnExhaust func(req *NotificationRequest, err *NotificationDeliveryError)
}

// Chain returns hooks that call a then b for every callback either defines.
func (a EngineHooks) Chain(b EngineHooks) EngineHooks {
	return EngineHooks{
		OnSignal: func(outcome string) {
			if a.OnSignal != nil {
				a.OnSignal(outcome)
			}
			if b.OnSignal != nil {
				b.OnSignal(outcome)
			}
		},
		OnTransition: func(e *TransitionEvent) {
			if a.OnTransition != nil {
				a.OnTransition(e)
			}
			if b.OnTransition != nil {
				b.OnTransition(e)
			}
		},
		OnConflict: func(kind string) {
			if a.OnConflict != nil {
				a.OnConflict(kind)
			}
			if b.OnConflict != nil {
				b.OnConflict(kind)
			}
		},
		OnDeadlineArmed: func(id string, deadline time.Time) {
			if a.OnDeadlineArmed != nil {
				a.OnDeadlineArmed(id, deadline)
			}
			if b.OnDeadlineArmed != nil {
				b.OnDeadlineArmed(id, deadline)
			}
		},
	}
}
