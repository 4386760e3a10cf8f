// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Relay session durations span seconds to hours.
var sessionBuckets = []float64{.1, 1, 10, 60, 300, 900, 3600, 14400}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	ForwardsTotal     *prometheus.CounterVec

	RelaySessionsActive  *prometheus.GaugeVec
	RelaySessionsTotal   *prometheus.CounterVec
	RelaySessionDuration *prometheus.HistogramVec
	RelayMessagesTotal   *prometheus.CounterVec
	RelayBytesTotal      *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_forwards_total",
			Help: "Total /send forwards by outcome and failure policy.",
		}, []string{"outcome", "policy"}),

		RelaySessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_proxy_ws_sessions_active",
			Help: "Number of WebSocket sessions currently open.",
		}, []string{"mode"}),

		RelaySessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_ws_sessions_total",
			Help: "Total WebSocket sessions by mode and outcome.",
		}, []string{"mode", "outcome"}),

		RelaySessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_ws_session_duration_seconds",
			Help:    "WebSocket session lifetime in seconds.",
			Buckets: sessionBuckets,
		}, []string{"mode"}),

		RelayMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_ws_messages_total",
			Help: "Total WebSocket messages forwarded by direction.",
		}, []string{"direction"}),

		RelayBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_ws_bytes_total",
			Help: "Total WebSocket payload bytes forwarded by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ForwardsTotal,
		m.RelaySessionsActive,
		m.RelaySessionsTotal,
		m.RelaySessionDuration,
		m.RelayMessagesTotal,
		m.RelayBytesTotal,
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

// knownPaths lists the allowed path label values (bounded cardinality).
var knownPaths = []string{"/health", "/send", "/ws-echo", "/ws", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPaths {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
