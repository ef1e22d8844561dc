package escalation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the scheduler.
type Metrics struct {
	SweepsTotal   prometheus.Counter
	ExpiriesTotal *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

// NewMetrics registers and returns scheduler metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_scheduler_sweeps_total",
			Help: "Deadline sweeps run.",
		}),
		ExpiriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_scheduler_expiries_total",
			Help: "Due alerts processed by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_scheduler_sweep_duration_seconds",
			Help:    "Wall time of one deadline sweep.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.SweepsTotal, m.ExpiriesTotal, m.SweepDuration)
	return m
}

// Hooks returns scheduler Hooks that update m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSweep: func(r SweepResult) {
			m.SweepsTotal.Inc()
			m.ExpiriesTotal.WithLabelValues("escalated").Add(float64(r.Escalated))
			m.ExpiriesTotal.WithLabelValues("stale").Add(float64(r.Stale))
			m.ExpiriesTotal.WithLabelValues("failed").Add(float64(r.Failed))
			m.SweepDuration.Observe(r.Duration.Seconds())
		},
	}
}
