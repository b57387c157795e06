package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/docgate-service/internal/model"
)

// Metrics records admission-layer counters. A nil *Metrics is a no-op.
type Metrics struct {
	decisions    *prometheus.CounterVec
	fallbacks    prometheus.Counter
	breakerState *prometheus.GaugeVec
	ipBlocks     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docgate",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by limit type and outcome.",
		}, []string{"limit_type", "outcome"}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docgate",
			Name:      "ratelimit_store_fallbacks_total",
			Help:      "Checks evaluated locally because the shared store failed.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docgate",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per service (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
		ipBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "docgate",
			Name:      "ddos_ip_blocks_total",
			Help:      "Source addresses promoted to a hard block.",
		}),
	}
}

func (m *Metrics) decision(lt model.LimitType, r model.RateLimitResult) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !r.Allowed {
		outcome = string(r.Reason)
	}
	m.decisions.WithLabelValues(string(lt), outcome).Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) breaker(service string, state BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(state))
}

func (m *Metrics) ipBlocked() {
	if m == nil {
		return
	}
	m.ipBlocks.Inc()
}
