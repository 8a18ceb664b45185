// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Relay outcomes recorded in RelayOutcomes.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeBadRequest    = "bad_request"
	OutcomeMissingEnv    = "missing_env"
	OutcomeRateLimited   = "rate_limited"
	OutcomeForbidden     = "forbidden"
	OutcomeUpstreamError = "upstream_unreachable"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  prometheus.Histogram
	UpstreamResponses *prometheus.CounterVec

	RelayOutcomes   *prometheus.CounterVec
	Verifications   *prometheus.CounterVec
	LimiterDecision *prometheus.CounterVec

	mu       sync.RWMutex
	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gate_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_relay_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_relay_upstream_responses_total",
			Help: "Total upstream responses by status code.",
		}, []string{"status_code"}),

		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_relay_relay_outcomes_total",
			Help: "Relay POST outcomes by upstream route.",
		}, []string{"route", "outcome"}),

		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_relay_turnstile_verifications_total",
			Help: "Turnstile verification results.",
		}, []string{"result"}),

		LimiterDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_relay_limiter_decisions_total",
			Help: "Fixed-window limiter decisions.",
		}, []string{"decision"}),

		prefixes: []string{"/api/health", "/healthz", "/relay/status", "/metrics"},
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelayOutcomes,
		m.Verifications,
		m.LimiterDecision,
	)

	return m
}

// TrackPaths adds relay route paths to the set of allowed path_prefix labels.
func (m *Metrics) TrackPaths(paths ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixes = append(m.prefixes, paths...)
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

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
