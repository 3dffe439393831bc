package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records sync operation counters and latencies on a private registry.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	streams    prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vocabloop_sync_operations_total",
			Help: "Sync requests by action and outcome",
		}, []string{"action", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vocabloop_sync_operation_duration_seconds",
			Help:    "Sync request latency by action",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		streams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vocabloop_realtime_streams",
			Help: "Open progress-change event streams",
		}),
	}
}

// ObserveOperation counts one sync request and records its latency.
func (m *Metrics) ObserveOperation(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(duration.Seconds())
}

// StreamOpened and StreamClosed track live event streams.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streams.Dec()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
