// Package metrics exposes the server's own Prometheus self-observability:
// request counts and latencies per endpoint, and a couple of gauges for
// the bandwidth coordinator's queue depth.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "linksense_server"

var (
	// RequestsTotal counts every handled API request by endpoint and
	// outcome (2xx/4xx/5xx-class status).
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests handled, by endpoint and status class.",
		},
		[]string{"endpoint", "status_class"},
	)

	// RequestDuration tracks handler latency by endpoint.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request handling latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ConfigMismatchTotal counts 409 responses to /metrics, i.e. agents
	// uploading against a stale config hash.
	ConfigMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "config_mismatch_total",
			Help:      "Total /metrics requests rejected for a stale config hash.",
		},
		[]string{"agent_id"},
	)

	// BandwidthQueueDepth is the current number of agents waiting for a
	// bandwidth-test slot.
	BandwidthQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bandwidth",
			Name:      "queue_depth",
			Help:      "Number of agents currently queued for a bandwidth test slot.",
		},
	)

	// ReconfigureCyclesTotal counts bulk reconfiguration passes by outcome.
	ReconfigureCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconfigure",
			Name:      "cycles_total",
			Help:      "Total bulk reconfiguration cycles, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Registry is a standalone Prometheus registry (not the global default)
// so tests can construct fresh Engines without colliding on metric
// registration across test runs.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(RequestsTotal, RequestDuration, ConfigMismatchTotal, BandwidthQueueDepth, ReconfigureCyclesTotal)
	return r
}

// StatusClass buckets an HTTP status code into "2xx"/"4xx"/"5xx" etc. for
// low-cardinality labeling.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// ObserveRequest records one handled request's outcome and latency.
func ObserveRequest(endpoint string, status int, start time.Time) {
	RequestsTotal.WithLabelValues(endpoint, StatusClass(status)).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
