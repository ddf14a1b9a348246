// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the collectors shared by the service.
type Metrics struct {
	registry *prometheus.Registry

	// Contract calls by method and result (ok, error).
	ChainCalls *prometheus.CounterVec
	// Contract call latency in seconds by method.
	ChainLatency *prometheus.HistogramVec
	// Votes created end to end.
	VotesCreated prometheus.Counter
	// Voter addresses dropped by the checksum filter.
	RejectedVoters prometheus.Counter
	// Read cache lookups by result (hit, miss).
	CacheLookups *prometheus.CounterVec
	// Queue messages handled by topic and result.
	QueueMessages *prometheus.CounterVec
	// HTTP requests by route, method and status.
	HTTPRequests *prometheus.CounterVec
	// Open websocket connections.
	WSConnections prometheus.Gauge
}

// PrometheusMetrics returns Metrics registered on a fresh registry together with the Go
// runtime and process collectors.
func PrometheusMetrics(namespace string) *Metrics {
	m := newMetrics(namespace)
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ChainCalls,
		m.ChainLatency,
		m.VotesCreated,
		m.RejectedVoters,
		m.CacheLookups,
		m.QueueMessages,
		m.HTTPRequests,
		m.WSConnections,
	)
	return m
}

// NopMetrics returns Metrics whose collectors are never registered.
func NopMetrics() *Metrics {
	return newMetrics("nop")
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		ChainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "calls_total",
			Help:      "Number of contract calls.",
		}, []string{"method", "result"}),
		ChainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "call_duration_seconds",
			Help:      "Contract call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"method"}),
		VotesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "created_total",
			Help:      "Number of votes created.",
		}),
		RejectedVoters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "rejected_voters_total",
			Help:      "Voter addresses dropped because their checksum did not match.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Read cache lookups.",
		}, []string{"result"}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "messages_total",
			Help:      "Queue messages handled.",
		}, []string{"topic", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served.",
		}, []string{"route", "method", "status"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format. NopMetrics serves 404.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, nil for NopMetrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
