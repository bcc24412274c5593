// Package metrics holds the Prometheus instruments every extension and
// the supervisor export: flow counts, ring depths, alert rates, scanner
// tier timings.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for one process.
type Metrics struct {
	FlowsActive   prometheus.Gauge
	FlowsTotal    *prometheus.CounterVec
	FlowsBlocked  prometheus.Counter
	BytesCaptured prometheus.Counter

	RingDepth *prometheus.GaugeVec

	DNSQueries  *prometheus.CounterVec
	DNSLatency  prometheus.Histogram
	DOHFailures prometheus.Counter

	EventsNormalized *prometheus.CounterVec
	AlertsFired      *prometheus.CounterVec

	ScannerDuration *prometheus.HistogramVec
	ScannerFailures *prometheus.CounterVec

	IPCRequests   *prometheus.CounterVec
	IPCReconnects prometheus.Counter
}

// New creates and registers all instruments on a fresh registry, returned
// alongside so each process (and each test) owns its own.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iris_flows_active",
			Help: "Flows currently registered in the connection table",
		}),
		FlowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iris_flows_total",
			Help: "Flows claimed, by pipeline classification",
		}, []string{"pipeline"}),
		FlowsBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "iris_flows_blocked_total",
			Help: "Flows refused by the firewall at claim time",
		}),
		BytesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "iris_capture_bytes_total",
			Help: "Captured body bytes appended to the exchange ring",
		}),
		RingDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iris_ring_depth",
			Help: "Live entries per ring store",
		}, []string{"ring"}),
		DNSQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iris_dns_queries_total",
			Help: "DNS queries proxied, by transport and rcode",
		}, []string{"transport", "rcode"}),
		DNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "iris_dns_latency_seconds",
			Help:    "DoH round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),
		DOHFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "iris_doh_failures_total",
			Help: "DoH upstream failures answered with SERVFAIL",
		}),
		EventsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iris_events_normalized_total",
			Help: "Security events normalized, by kind",
		}, []string{"kind"}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iris_alerts_fired_total",
			Help: "Detection alerts fired, by severity",
		}, []string{"severity"}),
		ScannerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iris_scanner_duration_seconds",
			Help:    "Per-scanner run duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"scanner", "tier"}),
		ScannerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iris_scanner_failures_total",
			Help: "Scanner runs that returned an error",
		}, []string{"scanner"}),
		IPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iris_ipc_requests_total",
			Help: "IPC requests served, by verb and outcome",
		}, []string{"verb", "outcome"}),
		IPCReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "iris_ipc_reconnects_total",
			Help: "Supervisor-side IPC teardown-and-reconnect cycles",
		}),
	}, reg
}

// Handler exposes the registry for the supervisor's /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
