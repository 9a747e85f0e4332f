// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Attempt outcome label values.
const (
	OutcomeSuccess        = "success"
	OutcomeTransportError = "transport_error"
	OutcomeTimeout        = "timeout"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseSize     *prometheus.HistogramVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamAttempts  *prometheus.CounterVec
	RetryBackoff      prometheus.Histogram

	Draining  prometheus.Gauge
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "s3_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, retries included.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "s3_proxy_http_response_size_bytes",
			Help:    "Bytes written to the client per request.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"method"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "s3_proxy_upstream_request_duration_seconds",
			Help:    "Latency of a single upstream attempt in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "s3_proxy_upstream_attempts_total",
			Help: "Upstream attempts by outcome.",
		}, []string{"outcome"}),

		RetryBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "s3_proxy_retry_backoff_seconds",
			Help:    "Backoff slept before retrying after a transport error.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 16},
		}),

		Draining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3_proxy_draining",
			Help: "1 once shutdown has been initiated.",
		}),

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "s3_proxy_build_info",
			Help: "Build information; value is always 1.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseSize,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamAttempts,
		m.RetryBackoff,
		m.Draining,
		m.BuildInfo,
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

// NormalizePath returns a bounded path label. Everything that is not the
// health check is forwarded, so object keys never become label values.
func NormalizePath(path string) string {
	if path == "/healthz" {
		return "/healthz"
	}
	return "proxy"
}
