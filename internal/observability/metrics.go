package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rpcsentinel"

// Metrics holds the Prometheus collectors for the proxy.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	UpstreamTotal    *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	RateLimitsTotal  *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	WorkersAvailable prometheus.Gauge
}

// NewMetrics creates and registers all proxy metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Ingress requests by method and outcome.",
		}, []string{"method", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Ingress request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		UpstreamTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RateLimitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limits_total",
			Help:      "Rate-limit detections by endpoint.",
		}, []string{"endpoint"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Pending items per endpoint queue.",
		}, []string{"endpoint"}),
		WorkersAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers_available",
			Help:      "Number of workers currently accepting dispatch.",
		}),
	}
}

// ObserveUpstream implements the worker package's UpstreamObserver.
func (m *Metrics) ObserveUpstream(url string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamTotal.WithLabelValues(url, outcome).Inc()
	if outcome == "rate_limited" {
		m.RateLimitsTotal.WithLabelValues(url).Inc()
		return
	}
	m.UpstreamDuration.WithLabelValues(url).Observe(duration.Seconds())
}

// ObserveRequest records one ingress request.
func (m *Metrics) ObserveRequest(method string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
