package triage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	SignalsTotal         *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	ConflictsTotal       *prometheus.CounterVec
	EscalationsTotal     *prometheus.CounterVec
	TimeInStatus         *prometheus.HistogramVec
	DeadlinesArmedTotal  prometheus.Counter
	NotificationsTotal   *prometheus.CounterVec
	NotificationAttempts prometheus.Histogram
	AlertOnAlertTotal    prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_signals_total",
			Help: "Risk signals ingested by outcome.",
		}, []string{"outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_transitions_total",
			Help: "Committed audit entries by trigger and resulting status.",
		}, []string{"trigger", "to"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_conflicts_total",
			Help: "Lost claim races and optimistic version conflicts.",
		}, []string{"kind"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_escalations_total",
			Help: "Deadline escalations by severity after the raise.",
		}, []string{"severity"}),
		TimeInStatus: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeline_time_in_status_seconds",
			Help:    "Time an alert spent in a status before leaving it.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5s .. ~2.8h
		}, []string{"status"}),
		DeadlinesArmedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_deadlines_armed_total",
			Help: "Escalation deadlines armed or re-armed.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_notifications_total",
			Help: "Notification requests by final outcome.",
		}, []string{"audience", "outcome"}),
		NotificationAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_notification_attempts",
			Help:    "Delivery attempts per notification request.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}),
		AlertOnAlertTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_alert_on_alert_total",
			Help: "Notifications that exhausted every retry.",
		}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.TransitionsTotal,
		m.ConflictsTotal,
		m.EscalationsTotal,
		m.TimeInStatus,
		m.DeadlinesArmedTotal,
		m.NotificationsTotal,
		m.NotificationAttempts,
		m.AlertOnAlertTotal,
	)

	return m
}

// Hooks returns EngineHooks that increment the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnSignal: func(outcome string) {
			m.SignalsTotal.WithLabelValues(outcome).Inc()
		},
		OnTransition: func(e *TransitionEvent) {
			m.TransitionsTotal.WithLabelValues(string(e.Trigger), string(e.To)).Inc()
			if e.From != "" && e.From != e.To {
				m.TimeInStatus.WithLabelValues(string(e.From)).Observe(e.InPrevious.Seconds())
			}
			if e.Trigger == TriggerDeadlineExpired {
				m.EscalationsTotal.WithLabelValues(e.Severity.String()).Inc()
			}
		},
		OnConflict: func(kind string) {
			m.ConflictsTotal.WithLabelValues(kind).Inc()
		},
		OnDeadlineArmed: func(string, time.Time) {
			m.DeadlinesArmedTotal.Inc()
		},
	}
}

// DispatchHooks returns DispatchHooks that record notification outcomes.
func (m *Metrics) DispatchHooks() DispatchHooks {
	return DispatchHooks{
		OnDone: func(req *NotificationRequest, attempts int, delivered bool) {
			outcome := "delivered"
			if !delivered {
				outcome = "failed"
			}
			m.NotificationsTotal.WithLabelValues(audienceLabel(req.Audience), outcome).Inc()
			m.NotificationAttempts.Observe(float64(attempts))
		},
		OnExhaust: func(*NotificationRequest, *NotificationDeliveryError) {
			m.AlertOnAlertTotal.Inc()
		},
	}
}

// audienceLabel keeps per-responder audiences from exploding label cardinality.
func audienceLabel(a Audience) string {
	switch a {
	case AudienceOnCall, AudienceEscalation:
		return string(a)
	}
	return "responder"
}
