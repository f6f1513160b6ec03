// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	DispatchTotal *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "module_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "namespace"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "module_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "namespace"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "module_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "module_gateway_upstream_request_duration_seconds",
			Help:    "Upstream fetch latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "scheme"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "module_gateway_upstream_responses_total",
			Help: "Total upstream responses by method, scheme and status code.",
		}, []string{"method", "scheme", "status_code"}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "module_gateway_dispatch_total",
			Help: "Dispatch decisions by response mode and outcome.",
		}, []string{"mode", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.DispatchTotal,
	)

	return m
}

// ObserveUpstream records one upstream fetch. A nil receiver is a no-op so
// fetchers can run without metrics in tests.
func (m *Metrics) ObserveUpstream(method, scheme string, status string, seconds float64) {
	if m == nil {
		return
	}
	method = NormalizeMethod(method)
	m.UpstreamDuration.WithLabelValues(method, scheme).Observe(seconds)
	if status != "" {
		m.UpstreamResponses.WithLabelValues(method, scheme, status).Inc()
	}
}

// ObserveDispatch records a dispatch outcome. A nil receiver is a no-op.
func (m *Metrics) ObserveDispatch(mode, outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(mode, outcome).Inc()
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

// fixedRoutes are served outside the module namespaces and labeled by path.
var fixedRoutes = []string{"/healthz", "/gateway/status", "/metrics"}

// PathLabel returns a bounded label for path. Fixed routes label as
// themselves; everything else is labeled by classify, which maps a path onto
// its namespace.
func PathLabel(path string, classify func(string) string) string {
	for _, route := range fixedRoutes {
		if path == route || strings.HasPrefix(path, route+"/") {
			return route
		}
	}
	if classify == nil {
		return "other"
	}
	return classify(path)
}
