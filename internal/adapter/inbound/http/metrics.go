package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the mandate service. Pass to
// components that need to record metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	MandatesIssued  prometheus.Counter
	Decisions       *prometheus.CounterVec
	KillsTotal      prometheus.Counter
	AuditDropsTotal prometheus.CounterFunc
}

// NewMetrics creates and registers all metrics with the given registry.
// auditDrops reports the audit pipeline's cumulative drop counter.
func NewMetrics(reg prometheus.Registerer, auditDrops func() float64) *Metrics {
	if auditDrops == nil {
		auditDrops = func() float64 { return 0 }
	}
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mandategate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mandategate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		MandatesIssued: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mandategate",
				Name:      "mandates_issued_total",
				Help:      "Total mandates issued",
			},
		),
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mandategate",
				Name:      "decisions_total",
				Help:      "Total recorded authorisation decisions",
			},
			[]string{"decision"},
		),
		KillsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mandategate",
				Name:      "kills_total",
				Help:      "Total agent kills",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "mandategate",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
			auditDrops,
		),
	}
}
