package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation label values.
const (
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
	OpKeygen  = "keygen"
	OpRotate  = "rotate"
	OpDigest  = "digest"
)

// Batch and watch result label values.
const (
	BatchCompleted = "completed"
	BatchAborted   = "aborted"

	FileProcessed = "processed"
	FileFailed    = "failed"
	FileSkipped   = "skipped"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	operationErrors    *prometheus.CounterVec
	bytesProcessed     *prometheus.CounterVec
	batchRuns          *prometheus.CounterVec
	batchFiles         *prometheus.CounterVec
	filesInFlight      prometheus.Gauge
	integrityFailures  prometheus.Counter
	watchEvents        *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	activeConnections prometheus.Gauge
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
	memorySysBytes    prometheus.Gauge
}

// NewMetrics creates a new metrics instance on the default registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on a private registry,
// used by tests and the bench harness to avoid duplicate registration.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecrypt_operations_total",
				Help: "Total number of file processing operations",
			},
			[]string{"operation", "status"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filecrypt_operation_duration_seconds",
				Help:    "File processing operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		operationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecrypt_operation_errors_total",
				Help: "Total number of operation errors by kind",
			},
			[]string{"operation", "error_type"},
		),
		bytesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecrypt_bytes_processed_total",
				Help: "Total plaintext bytes processed",
			},
			[]string{"operation"},
		),
		batchRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecrypt_batch_runs_total",
				Help: "Total number of batch runs",
			},
			[]string{"status"},
		),
		batchFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecrypt_batch_files_total",
				Help: "Total per-file outcomes across batch runs",
			},
			[]string{"result"},
		),
		filesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "filecrypt_files_in_flight",
				Help: "Number of files currently being processed",
			},
		),
		integrityFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "filecrypt_integrity_failures_total",
				Help: "Total number of tokens rejected because their authentication tag did not verify",
			},
		),
		watchEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filecrypt_watch_events_total",
				Help: "Total watcher-triggered processing events",
			},
			[]string{"result"},
		),
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
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordOperation records a completed operation.
func (m *Metrics) RecordOperation(operation string, success bool, duration time.Duration, bytes int64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if bytes > 0 {
		m.bytesProcessed.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordOperationError records an operation error by kind.
func (m *Metrics) RecordOperationError(operation, errorType string) {
	m.operationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordBatchRun records a batch run outcome.
func (m *Metrics) RecordBatchRun(status string) {
	m.batchRuns.WithLabelValues(status).Inc()
}

// RecordBatchFile records a per-file batch outcome.
func (m *Metrics) RecordBatchFile(result string) {
	m.batchFiles.WithLabelValues(result).Inc()
}

// IncFilesInFlight increments the in-flight file gauge.
func (m *Metrics) IncFilesInFlight() {
	m.filesInFlight.Inc()
}

// RecordIntegrityFailure counts a token whose tag failed verification.
func (m *Metrics) RecordIntegrityFailure() {
	m.integrityFailures.Inc()
}

// DecFilesInFlight decrements the in-flight file gauge.
func (m *Metrics) DecFilesInFlight() {
	m.filesInFlight.Dec()
}

// RecordWatchEvent records a watcher-triggered processing event.
func (m *Metrics) RecordWatchEvent(result string) {
	m.watchEvents.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, http.StatusText(status)).Observe(duration.Seconds())
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
