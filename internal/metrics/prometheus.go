// Package metrics provides Prometheus-based metrics collection for nesspipe.
// Parse outcomes are recorded from nessus.Stats after each document, so the
// assembler itself stays free of instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/nesspipe/internal/nessus"
)

const (
	// Namespace for all nesspipe metrics
	namespace = "nesspipe"

	// Subsystems
	subsystemParse    = "parse"
	subsystemExport   = "export"
	subsystemClient   = "client"
	subsystemDatabase = "database"
	subsystemAPI      = "api"
	subsystemSystem   = "system"
	subsystemWorkers  = "workers"

	statusSuccess = "success"
	statusFailed  = "failed"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Parse metrics
	parseDocuments *prometheus.CounterVec
	parseDuration  prometheus.Histogram
	parseHosts     *prometheus.CounterVec
	parseFindings  *prometheus.CounterVec

	exportRows     *prometheus.CounterVec
	clientRequests *prometheus.CounterVec
	dbQueries      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	uptime prometheus.GaugeFunc

	startTime time.Time
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
// registered on a private registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initParseMetrics()
	pm.initIOMetrics()
	pm.initJobMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initParseMetrics initializes document assembly metrics
func (pm *PrometheusMetrics) initParseMetrics() {
	pm.parseDocuments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemParse,
			Name:      "documents_total",
			Help:      "Total number of scan exports parsed by status",
		},
		[]string{"status"},
	)

	pm.parseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemParse,
			Name:      "duration_seconds",
			Help:      "Duration of scan export parsing in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 120.0},
		},
	)

	pm.parseHosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemParse,
			Name:      "hosts_total",
			Help:      "Total number of host scopes by outcome",
		},
		[]string{"outcome"},
	)

	pm.parseFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemParse,
			Name:      "findings_total",
			Help:      "Total number of report items by outcome",
		},
		[]string{"outcome"},
	)
}

// initIOMetrics initializes serializer, client, database and API counters
func (pm *PrometheusMetrics) initIOMetrics() {
	pm.exportRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemExport,
			Name:      "rows_total",
			Help:      "Total number of table rows written by format",
		},
		[]string{"format"},
	)

	pm.clientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemClient,
			Name:      "requests_total",
			Help:      "Total number of scanner API requests by method and status",
		},
		[]string{"method", "status"},
	)

	pm.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)
}

// initJobMetrics initializes worker pool metrics
func (pm *PrometheusMetrics) initJobMetrics() {
	pm.jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "jobs_total",
			Help:      "Total number of finished jobs by type and status",
		},
		[]string{"type", "status"},
	)

	pm.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemWorkers,
			Name:      "job_duration_seconds",
			Help:      "Time spent executing a job including retries",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 600},
		},
		[]string{"type"},
	)
}

// initSystemMetrics initializes process-level gauges
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Time since the metrics registry was created",
		},
		func() float64 { return time.Since(pm.startTime).Seconds() },
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.parseDocuments,
		pm.parseDuration,
		pm.parseHosts,
		pm.parseFindings,
		pm.exportRows,
		pm.clientRequests,
		pm.dbQueries,
		pm.httpRequests,
		pm.jobs,
		pm.jobDuration,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// GetUptime returns the time since the metrics were created
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// ObserveParse records the counters of one assembled document. A failed
// parse still reports the hosts and findings seen before the failure.
func (pm *PrometheusMetrics) ObserveParse(stats nessus.Stats, duration time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusFailed
	}
	pm.parseDocuments.WithLabelValues(status).Inc()
	pm.parseDuration.Observe(duration.Seconds())

	pm.parseHosts.WithLabelValues("assembled").Add(float64(stats.HostsAssembled))
	pm.parseHosts.WithLabelValues("dropped").Add(float64(stats.HostsDropped))

	pm.parseFindings.WithLabelValues("attached").Add(float64(stats.FindingsAttached))
	pm.parseFindings.WithLabelValues("duplicate").Add(float64(stats.FindingsDuplicate))
	pm.parseFindings.WithLabelValues("orphaned").Add(float64(stats.FindingsOrphaned))
	pm.parseFindings.WithLabelValues("undated").Add(float64(stats.FindingsUndated))
}

// AddExportRows increments the rows written counter
func (pm *PrometheusMetrics) AddExportRows(format string, rows int) {
	pm.exportRows.WithLabelValues(format).Add(float64(rows))
}

// IncrementClientRequests increments the scanner API request counter
func (pm *PrometheusMetrics) IncrementClientRequests(method, status string) {
	pm.clientRequests.WithLabelValues(method, status).Inc()
}

// IncrementDatabaseQueries increments database query counter
func (pm *PrometheusMetrics) IncrementDatabaseQueries(operation, status string) {
	pm.dbQueries.WithLabelValues(operation, status).Inc()
}

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// ObserveJob records a finished worker pool job
func (pm *PrometheusMetrics) ObserveJob(jobType, status string, duration time.Duration) {
	pm.jobs.WithLabelValues(jobType, status).Inc()
	pm.jobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// StatusLabel renders an HTTP status code for the status labels.
func StatusLabel(code int) string {
	return strconv.Itoa(code)
}

// ErrorLabel renders success or failure for the status labels.
func ErrorLabel(err error) string {
	if err != nil {
		return statusFailed
	}
	return statusSuccess
}

var (
	globalMetrics *PrometheusMetrics
	globalOnce    sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	globalOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
