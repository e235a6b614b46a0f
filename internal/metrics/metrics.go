package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	dispatchTotal       *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	dispatchRetries     *prometheus.CounterVec
	vaultOperations     *prometheus.CounterVec
	cryptoFailures      prometheus.Counter
}

// NewMetrics creates a new metrics instance registered on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a metrics instance registered on the
// given registerer. Tests use this to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_dispatch_total",
				Help: "Total number of proxy dispatches by terminal outcome",
			},
			[]string{"provider", "outcome"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_dispatch_duration_seconds",
				Help:    "Proxy dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "outcome"},
		),
		dispatchRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_dispatch_retries_total",
				Help: "Total number of retry attempts during dispatch",
			},
			[]string{"provider"},
		),
		vaultOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_operations_total",
				Help: "Total number of vault operations",
			},
			[]string{"operation", "result"},
		),
		cryptoFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crypto_integrity_failures_total",
				Help: "Total number of decryption integrity failures",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// RecordDispatch records a terminal dispatch outcome. outcome is the
// error class, or empty for success.
func (m *Metrics) RecordDispatch(provider, outcome string, duration time.Duration) {
	if outcome == "" {
		outcome = "ok"
	}
	m.dispatchTotal.WithLabelValues(provider, outcome).Inc()
	m.dispatchDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry(provider string) {
	m.dispatchRetries.WithLabelValues(provider).Inc()
}

// RecordVaultOperation records a vault store operation and its result.
func (m *Metrics) RecordVaultOperation(operation, result string) {
	m.vaultOperations.WithLabelValues(operation, result).Inc()
}

// RecordCryptoFailure records a decryption integrity failure.
func (m *Metrics) RecordCryptoFailure() {
	m.cryptoFailures.Inc()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
