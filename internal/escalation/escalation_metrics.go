package escalation

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/validq/internal/episode"
)

// Metrics holds Prometheus metrics for the escalation engine.
type Metrics struct {
	EscalationsTotal *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	SweepEscalated   prometheus.Counter
	SweepFailed      prometheus.Counter
	OverridesTotal   *prometheus.CounterVec
}

// NewMetrics registers and returns escalation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_escalations_total",
			Help: "Escalations by rule and outcome.",
		}, []string{"rule", "outcome"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_escalation_failures_total",
			Help: "Escalations that failed part-way, by rule.",
		}, []string{"rule"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "validq_sweep_duration_seconds",
			Help:    "Duration of timeout sweeps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		SweepEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "validq_sweep_escalated_total",
			Help: "Episodes escalated by timeout sweeps.",
		}),
		SweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "validq_sweep_failed_total",
			Help: "Episodes a timeout sweep failed to escalate.",
		}),
		OverridesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_overrides_total",
			Help: "Supervisor decisions handled as overrides, by approval.",
		}, []string{"approved"}),
	}

	reg.MustRegister(
		m.EscalationsTotal,
		m.FailuresTotal,
		m.SweepDuration,
		m.SweepEscalated,
		m.SweepFailed,
		m.OverridesTotal,
	)

	return m
}

// Hooks returns engine Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEscalation: func(u episode.UrgencyLevel, outcome episode.EscalationOutcome) {
			m.EscalationsTotal.WithLabelValues(u.String(), string(outcome)).Inc()
		},
		OnFailure: func(u episode.UrgencyLevel) {
			m.FailuresTotal.WithLabelValues(u.String()).Inc()
		},
		OnSweep: func(r *SweepReport, d time.Duration) {
			m.SweepDuration.Observe(d.Seconds())
			m.SweepEscalated.Add(float64(r.Escalated))
			m.SweepFailed.Add(float64(r.Failed))
		},
		OnOverride: func(approved bool) {
			m.OverridesTotal.WithLabelValues(strconv.FormatBool(approved)).Inc()
		},
	}
}
