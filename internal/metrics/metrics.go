// Package metrics provides Prometheus-based metrics collection for
// pulse: scan task throughput and latency, queue depth, reconciliation
// outcomes, database query performance, and runtime health.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "pulse"

	subsystemScan     = "scan"
	subsystemQueue    = "queue"
	subsystemRecon    = "recon"
	subsystemDatabase = "database"
	subsystemSystem   = "system"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// Scan task metrics
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	scanErrors   *prometheus.CounterVec
	hostsSeen    *prometheus.CounterVec
	portsSeen    *prometheus.CounterVec

	// Queue metrics
	queueDepth    prometheus.Gauge
	queueCapacity prometheus.Gauge
	activeWorkers prometheus.Gauge
	tasksRejected prometheus.Counter

	// Reconciliation metrics
	mergesTotal    *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	devicesTracked *prometheus.GaugeVec
	mergeDuration  prometheus.Histogram

	// Database metrics
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbConnections   prometheus.Gauge

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// New creates a metrics instance with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,
	}

	m.initScanMetrics()
	m.initQueueMetrics()
	m.initReconMetrics()
	m.initDatabaseMetrics()
	m.initSystemMetrics()
	m.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) initScanMetrics() {
	m.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "tasks_total",
			Help:      "Total number of scan tasks by profile and final status",
		},
		[]string{"profile", "status"},
	)

	m.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "task_duration_seconds",
			Help:      "Duration of scan task execution in seconds",
			Buckets:   []float64{0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
		[]string{"profile"},
	)

	m.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "errors_total",
			Help:      "Total number of scan failures by profile and error code",
		},
		[]string{"profile", "error_code"},
	)

	m.hostsSeen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "hosts_total",
			Help:      "Total number of hosts observed in scan results",
		},
		[]string{"profile", "host_status"},
	)

	m.portsSeen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "ports_total",
			Help:      "Total number of ports observed in scan results",
		},
		[]string{"profile", "port_state"},
	)
}

func (m *Metrics) initQueueMetrics() {
	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "depth",
			Help:      "Number of tasks currently waiting in the queue",
		},
	)

	m.queueCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "capacity",
			Help:      "Configured maximum number of pending tasks",
		},
	)

	m.activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "active_workers",
			Help:      "Number of workers currently executing scan tasks",
		},
	)

	m.tasksRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "rejected_total",
			Help:      "Total number of task submissions rejected because the queue was full",
		},
	)
}

func (m *Metrics) initReconMetrics() {
	m.mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRecon,
			Name:      "merges_total",
			Help:      "Total number of per-host merges by outcome",
		},
		[]string{"outcome"},
	)

	m.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRecon,
			Name:      "events_total",
			Help:      "Total number of events emitted by type",
		},
		[]string{"event_type"},
	)

	m.devicesTracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRecon,
			Name:      "devices_tracked",
			Help:      "Number of devices in the inventory by status",
		},
		[]string{"status"},
	)

	m.mergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRecon,
			Name:      "merge_duration_seconds",
			Help:      "Duration of per-host merge transactions in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)
}

func (m *Metrics) initDatabaseMetrics() {
	m.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	m.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	m.dbConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)
}

func (m *Metrics) initSystemMetrics() {
	m.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	m.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Daemon uptime in seconds",
		},
	)
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.tasksTotal)
	m.registry.MustRegister(m.taskDuration)
	m.registry.MustRegister(m.scanErrors)
	m.registry.MustRegister(m.hostsSeen)
	m.registry.MustRegister(m.portsSeen)

	m.registry.MustRegister(m.queueDepth)
	m.registry.MustRegister(m.queueCapacity)
	m.registry.MustRegister(m.activeWorkers)
	m.registry.MustRegister(m.tasksRejected)

	m.registry.MustRegister(m.mergesTotal)
	m.registry.MustRegister(m.eventsTotal)
	m.registry.MustRegister(m.devicesTracked)
	m.registry.MustRegister(m.mergeDuration)

	m.registry.MustRegister(m.dbQueries)
	m.registry.MustRegister(m.dbQueryDuration)
	m.registry.MustRegister(m.dbConnections)

	m.registry.MustRegister(m.memoryUsage)
	m.registry.MustRegister(m.goroutines)
	m.registry.MustRegister(m.uptime)
}

// Registry returns the Prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Scan task methods

// IncrementTasksTotal counts a finished scan task.
func (m *Metrics) IncrementTasksTotal(profile, status string) {
	m.tasksTotal.WithLabelValues(profile, status).Inc()
}

// RecordTaskDuration records scan task execution time.
func (m *Metrics) RecordTaskDuration(profile string, duration time.Duration) {
	m.taskDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

// IncrementScanErrors counts a scan failure by error code.
func (m *Metrics) IncrementScanErrors(profile, errorCode string) {
	m.scanErrors.WithLabelValues(profile, errorCode).Inc()
}

// IncrementHostsSeen counts hosts observed in a scan result.
func (m *Metrics) IncrementHostsSeen(profile, hostStatus string, count int) {
	m.hostsSeen.WithLabelValues(profile, hostStatus).Add(float64(count))
}

// IncrementPortsSeen counts ports observed in a scan result.
func (m *Metrics) IncrementPortsSeen(profile, portState string, count int) {
	m.portsSeen.WithLabelValues(profile, portState).Add(float64(count))
}

// Queue methods

// SetQueueDepth sets the number of waiting tasks.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// SetQueueCapacity sets the configured queue capacity.
func (m *Metrics) SetQueueCapacity(capacity int) {
	m.queueCapacity.Set(float64(capacity))
}

// SetActiveWorkers sets the number of busy workers.
func (m *Metrics) SetActiveWorkers(count int) {
	m.activeWorkers.Set(float64(count))
}

// IncrementTasksRejected counts a queue-full rejection.
func (m *Metrics) IncrementTasksRejected() {
	m.tasksRejected.Inc()
}

// Reconciliation methods

// IncrementMergesTotal counts a per-host merge by outcome.
func (m *Metrics) IncrementMergesTotal(outcome string) {
	m.mergesTotal.WithLabelValues(outcome).Inc()
}

// IncrementEventsTotal counts an emitted event by type.
func (m *Metrics) IncrementEventsTotal(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// SetDevicesTracked sets the inventory size for one device status.
func (m *Metrics) SetDevicesTracked(status string, count int) {
	m.devicesTracked.WithLabelValues(status).Set(float64(count))
}

// RecordMergeDuration records the duration of a merge transaction.
func (m *Metrics) RecordMergeDuration(duration time.Duration) {
	m.mergeDuration.Observe(duration.Seconds())
}

// Database methods

// RecordDatabaseQuery records a query with its outcome and duration.
func (m *Metrics) RecordDatabaseQuery(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.dbQueries.WithLabelValues(operation, status).Inc()
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveConnections sets the active database connection count.
func (m *Metrics) SetActiveConnections(count int) {
	m.dbConnections.Set(float64(count))
}

// System methods

// UpdateSystemMetrics refreshes memory, goroutine, and uptime gauges.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryUsage.Set(float64(memStats.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.uptime.Set(time.Since(m.startTime).Seconds())
	m.lastUpdate = time.Now()
}

// Uptime returns the time since the metrics instance was created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// LastUpdate returns the last system metrics refresh time.
func (m *Metrics) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// StartPeriodicUpdates refreshes system metrics on an interval until
// the context is canceled.
func (m *Metrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New()
	})
	return globalMetrics
}
