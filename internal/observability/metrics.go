// Package observability provides Prometheus metrics for the application.
// Every recording method is safe to call on a nil *Metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kickgrab"

// Metrics holds all application metrics.
type Metrics struct {
	// Batch metrics
	BatchesCreated   prometheus.Counter
	BatchesCompleted prometheus.Counter
	BatchesFailed    prometheus.Counter
	BatchesRunning   prometheus.Gauge

	// Download metrics
	DownloadsTotal    *prometheus.CounterVec
	DownloadErrors    *prometheus.CounterVec
	DownloadBytes     prometheus.Counter
	DownloadRetries   prometheus.Counter
	DownloadsInFlight prometheus.Gauge
	DownloadDuration  prometheus.Histogram
	HistoryHits       prometheus.Counter

	// Storage metrics
	CleanupBatchesTotal prometheus.Counter
	StoredBatches       prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Proxy metrics
	ProxyFailures    *prometheus.CounterVec
	ProxiesAvailable prometheus.Gauge
}

// New creates all application metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	metrics := &Metrics{
		BatchesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batches",
			Name:      "created_total",
			Help:      "Total number of batches accepted",
		}),
		BatchesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batches",
			Name:      "completed_total",
			Help:      "Total number of batches drained",
		}),
		BatchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batches",
			Name:      "failed_total",
			Help:      "Total number of batches that could not be run or were cancelled",
		}),
		BatchesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batches",
			Name:      "running",
			Help:      "Number of batches currently running",
		}),

		DownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloads",
			Name:      "total",
			Help:      "Total number of download outcomes by status",
		}, []string{"status"}),
		DownloadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloads",
			Name:      "errors_total",
			Help:      "Total number of download failures by kind",
		}, []string{"kind"}),
		DownloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloads",
			Name:      "bytes_total",
			Help:      "Total bytes written to disk",
		}),
		DownloadRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloads",
			Name:      "retries_total",
			Help:      "Total number of connection retries",
		}),
		DownloadsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "downloads",
			Name:      "in_flight",
			Help:      "Number of fetches currently running",
		}),
		DownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "downloads",
			Name:      "duration_seconds",
			Help:      "Histogram of single download duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		HistoryHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloads",
			Name:      "history_hits_total",
			Help:      "Total number of downloads skipped because the file was already saved",
		}),

		CleanupBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "cleanup_batches_total",
			Help:      "Total number of expired batch records removed",
		}),
		StoredBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "batches_current",
			Help:      "Current number of stored batch records",
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Histogram of HTTP response sizes in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
		}, []string{"method", "path"}),

		ProxyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "failures_total",
			Help:      "Total number of proxy failures",
		}, []string{"proxy"}),
		ProxiesAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "available",
			Help:      "Number of currently available proxies",
		}),
	}

	return metrics
}

// NewRegistry returns a registry preloaded with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// Handler returns the Prometheus HTTP handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// DownloadTimer marks a fetch as in flight and returns a function that records its end.
func (m *Metrics) DownloadTimer() func() {
	if m == nil {
		return func() {}
	}

	start := time.Now()

	m.DownloadsInFlight.Inc()

	return func() {
		m.DownloadsInFlight.Dec()
		m.DownloadDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, size int) {
	if m == nil {
		return
	}

	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
}

// RecordBatchCreated increments the batches created counter.
func (m *Metrics) RecordBatchCreated() {
	if m == nil {
		return
	}

	m.BatchesCreated.Inc()
}

// RecordBatchStarted marks a batch as running.
func (m *Metrics) RecordBatchStarted() {
	if m == nil {
		return
	}

	m.BatchesRunning.Inc()
}

// RecordBatchCompleted records a drained batch.
func (m *Metrics) RecordBatchCompleted() {
	if m == nil {
		return
	}

	m.BatchesCompleted.Inc()
	m.BatchesRunning.Dec()
}

// RecordBatchFailed records a batch that errored or was cancelled while running.
func (m *Metrics) RecordBatchFailed() {
	if m == nil {
		return
	}

	m.BatchesFailed.Inc()
	m.BatchesRunning.Dec()
}

// RecordOutcome counts one download outcome, and its error kind when it has one.
func (m *Metrics) RecordOutcome(status, errorKind string) {
	if m == nil {
		return
	}

	m.DownloadsTotal.WithLabelValues(status).Inc()

	if errorKind != "" {
		m.DownloadErrors.WithLabelValues(errorKind).Inc()
	}
}

// AddDownloadedBytes adds n bytes to the byte counter.
func (m *Metrics) AddDownloadedBytes(n int) {
	if m == nil {
		return
	}

	m.DownloadBytes.Add(float64(n))
}

// RecordFetchRetry counts one connection retry.
func (m *Metrics) RecordFetchRetry() {
	if m == nil {
		return
	}

	m.DownloadRetries.Inc()
}

// RecordHistoryHit counts a download skipped thanks to the history ledger.
func (m *Metrics) RecordHistoryHit() {
	if m == nil {
		return
	}

	m.HistoryHits.Inc()
}

// RecordCleanup records cleanup metrics.
func (m *Metrics) RecordCleanup(batches int) {
	if m == nil {
		return
	}

	m.CleanupBatchesTotal.Add(float64(batches))
}

// SetStoredBatches sets the number of stored batch records.
func (m *Metrics) SetStoredBatches(count int) {
	if m == nil {
		return
	}

	m.StoredBatches.Set(float64(count))
}

// RecordProxyFailure records a proxy failure.
func (m *Metrics) RecordProxyFailure(proxy string) {
	if m == nil {
		return
	}

	m.ProxyFailures.WithLabelValues(proxy).Inc()
}

// SetProxiesAvailable sets the number of available proxies.
func (m *Metrics) SetProxiesAvailable(count int) {
	if m == nil {
		return
	}

	m.ProxiesAvailable.Set(float64(count))
}
