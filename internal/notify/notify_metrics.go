package notify

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for notification delivery.
type Metrics struct {
	DeliveriesTotal *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
}

// NewMetrics registers and returns notification metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_notifications_total",
			Help: "Notification deliveries by kind, emergency flag and result.",
		}, []string{"kind", "emergency", "result"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validq_notification_retries_total",
			Help: "Retried emergency notification attempts by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.DeliveriesTotal, m.RetriesTotal)

	return m
}

// Hooks returns notify Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnDelivery: func(kind string, emergency bool, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.DeliveriesTotal.WithLabelValues(kind, strconv.FormatBool(emergency), result).Inc()
		},
		OnRetry: func(kind string) {
			m.RetriesTotal.WithLabelValues(kind).Inc()
		},
	}
}
