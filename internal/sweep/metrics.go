package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the sweep's Prometheus collectors.
type Metrics struct {
	runs         *prometheus.CounterVec
	transactions *prometheus.CounterVec
	duration     prometheus.Histogram
	lastSuccess  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconcile",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Sweep runs by result.",
		}, []string{"result"}),
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconcile",
			Subsystem: "sweep",
			Name:      "transactions_total",
			Help:      "Transactions visited by sweeps, by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reconcile",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Wall time of completed sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "reconcile",
			Subsystem: "sweep",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last sweep that ran to completion.",
		}),
	}
}
