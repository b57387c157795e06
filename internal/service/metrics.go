package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts authentication outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "docgate",
			Name:      "auth_outcomes_total",
			Help:      "Authentication attempts by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}

func (m *Metrics) outcome(method, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(method, outcome).Inc()
}
