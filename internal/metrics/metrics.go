// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. Streams run long, so the tail
// reaches past a minute.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	StreamsTotal  *prometheus.CounterVec
	StreamEvents  *prometheus.CounterVec
	Heartbeats    prometheus.Counter
	StreamedBytes prometheus.Counter

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// extraPrefixes adds path labels beyond the built-in routes, such as a
// configured metrics path.
func New(extraPrefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		prefixes: append(slices.Clone(knownPrefixes), extraPrefixes...),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_relay_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_streams_total",
			Help: "Relayed exchanges by how they ended.",
		}, []string{"outcome"}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_stream_events_total",
			Help: "Upstream SSE events by extraction result.",
		}, []string{"result"}),

		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_heartbeats_total",
			Help: "Keep-alive bytes written to idle streams.",
		}),

		StreamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_streamed_bytes_total",
			Help: "Fragment bytes written to browsers.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.StreamsTotal,
		m.StreamEvents,
		m.Heartbeats,
		m.StreamedBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/chat-stream", "/api/openai", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics using the built-in routes.
func NormalizePath(path string) string {
	return normalizePath(path, knownPrefixes)
}

// PathLabel is NormalizePath extended with the prefixes given to New.
func (m *Metrics) PathLabel(path string) string {
	return normalizePath(path, m.prefixes)
}

func normalizePath(path string, prefixes []string) string {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
