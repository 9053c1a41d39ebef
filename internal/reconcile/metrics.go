package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"payrecon/internal/gateway"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	verifications   *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	inconsistencies prometheus.Counter
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "verifications_total",
			Help:      "Verification calls by transaction type and outcome.",
		}, []string{"type", "outcome"}),
		gatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reconcile",
			Name:      "gateway_request_duration_seconds",
			Help:      "Gateway verify latency by endpoint and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "result"}),
		inconsistencies: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "ledger_inconsistencies_total",
			Help:      "Verifications rolled back because the ledger did not match.",
		}),
	}
}

func (m *Metrics) observeGateway(kind gateway.Kind, result string, d time.Duration) {
	m.gatewayDuration.WithLabelValues(string(kind), result).Observe(d.Seconds())
}

func (m *Metrics) observeResult(txType string, outcome Outcome) {
	m.verifications.WithLabelValues(txType, string(outcome)).Inc()
	if outcome == OutcomeLedgerInconsistency {
		m.inconsistencies.Inc()
	}
}
