// Package metrics exports chatsync counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics holds the service collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	relayStreams   *prometheus.CounterVec
	relayFragments prometheus.Counter
	runs           *prometheus.CounterVec
	healthChecks   *prometheus.CounterVec
	windowMessages prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.relayStreams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "streams_total",
			Help:      "Streams opened against the provider by terminal status",
		},
		[]string{"status"},
	)
	m.relayFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "fragments_total",
			Help:      "Response fragments relayed to callers",
		},
	)
	m.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Thread runs processed by the worker by outcome",
		},
		[]string{"status"},
	)
	m.healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Liveness probes received by result",
		},
		[]string{"result"},
	)
	m.windowMessages = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "messages",
			Help:      "History messages selected into a context window",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	m.registry.MustRegister(m.relayStreams, m.relayFragments, m.runs, m.healthChecks, m.windowMessages)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StreamFinished records a stream's terminal status: complete, interrupted or upstream_error.
func (m *Metrics) StreamFinished(status string) {
	if m == nil {
		return
	}
	m.relayStreams.WithLabelValues(status).Inc()
}

// FragmentRelayed counts one relayed fragment.
func (m *Metrics) FragmentRelayed() {
	if m == nil {
		return
	}
	m.relayFragments.Inc()
}

// RunFinished records a worker run outcome.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// HealthCheck records a liveness probe result.
func (m *Metrics) HealthCheck(result string) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(result).Inc()
}

// WindowBuilt records how many history messages a window kept.
func (m *Metrics) WindowBuilt(messages int) {
	if m == nil {
		return
	}
	m.windowMessages.Observe(float64(messages))
}
