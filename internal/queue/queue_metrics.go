package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/validq/internal/episode"
)

// Metrics holds Prometheus metrics for the validation queue.
type Metrics struct {
	EnqueuedTotal   *prometheus.CounterVec
	RemovedTotal    *prometheus.CounterVec
	ReassignedTotal *prometheus.CounterVec
	Depth           *prometheus.GaugeVec
	OldestWait      prometheus.Gauge
}

// NewMetrics registers and returns queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_queue_enqueued_total",
			Help: "Episodes submitted for human validation by urgency.",
		}, []string{"urgency"}),
		RemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_queue_removed_total",
			Help: "Episodes withdrawn from the queue without a decision.",
		}, []string{"urgency"}),
		ReassignedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_queue_reassigned_total",
			Help: "Supervisor reassignments by urgency.",
		}, []string{"urgency"}),
		Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "validq_queue_depth",
			Help: "Pending episodes by urgency at the last statistics read.",
		}, []string{"urgency"}),
		OldestWait: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "validq_queue_oldest_wait_seconds",
			Help: "Wait of the oldest pending episode at the last statistics read.",
		}),
	}

	reg.MustRegister(
		m.EnqueuedTotal,
		m.RemovedTotal,
		m.ReassignedTotal,
		m.Depth,
		m.OldestWait,
	)

	return m
}

// Hooks returns queue Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEnqueue: func(u episode.UrgencyLevel) {
			m.EnqueuedTotal.WithLabelValues(normalize(u).String()).Inc()
		},
		OnRemove: func(u episode.UrgencyLevel) {
			m.RemovedTotal.WithLabelValues(normalize(u).String()).Inc()
		},
		OnReassign: func(u episode.UrgencyLevel) {
			m.ReassignedTotal.WithLabelValues(normalize(u).String()).Inc()
		},
		OnStats: func(s *Statistics) {
			for u, n := range s.ByUrgency {
				m.Depth.WithLabelValues(u.String()).Set(float64(n))
			}
			m.OldestWait.Set(s.OldestWait.Seconds())
		},
	}
}
