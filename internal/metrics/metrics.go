// Package metrics registers and exposes the router's Prometheus metrics.
// Everything is package-level and registered in init, so any component can
// record without threading a registry through constructors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_sessions_total",
		Help: "Total number of client sessions accepted",
	})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_sessions_active",
		Help: "Current number of active sessions",
	})

	sessionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_sessions_rejected_total",
		Help: "Total sessions rejected by reason",
	}, []string{"reason"})

	sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_session_duration_seconds",
		Help:    "Session duration before teardown",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// Cursor metrics, by mode (streaming vs polling).
	cursorsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "router_cursors_active",
		Help: "Current number of live cursors by mode",
	}, []string{"mode"})

	cursorFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_cursor_fetches_total",
		Help: "Total cursor fetch executions by trigger",
	}, []string{"trigger"})

	cursorRefetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_cursor_limit_refetches_total",
		Help: "Total refetches triggered by a limit-bounded window shrinking",
	})

	cursorEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_cursor_events_total",
		Help: "Total watcher events processed by cursors, by event type",
	}, []string{"event"})

	// Mergebox metrics, by emitted message type.
	mergeboxMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_mergebox_messages_total",
		Help: "Total sync-protocol messages emitted by mergeboxes, by type",
	}, []string{"type"})

	// Watcher metrics.
	watcherPublishersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_watcher_publishers_active",
		Help: "Current number of per-collection watcher publisher tasks",
	})

	watcherBroadcastLagTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_watcher_broadcast_lag_total",
		Help: "Total times a cursor subscriber observed a broadcast buffer overflow",
	})

	// Subscriptions / inflight metrics.
	inflightDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_inflight_depth",
		Help: "Current number of in-flight rewritten subscription requests",
	})

	serverSubscriptionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_server_subscriptions_total",
		Help: "Current number of publication names bypassing interception",
	})

	// Worker pool metrics (polling-mode cursor fetch dispatch).
	pollWorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_poll_worker_queue_depth",
		Help: "Current number of fetch tasks waiting in the worker pool queue",
	})

	pollWorkerQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_poll_worker_queue_capacity",
		Help: "Maximum capacity of the polling worker pool queue",
	})

	pollWorkerDroppedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_poll_worker_dropped_total",
		Help: "Total fetch tasks dropped when the worker pool queue was full",
	})

	// System metrics.
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_memory_limit_bytes",
		Help: "Memory limit in bytes (from cgroup)",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_goroutines_active",
		Help: "Current number of active goroutines",
	})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_errors_total",
		Help: "Total errors by kind and severity",
	}, []string{"kind", "severity"})
)

func init() {
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionsRejected)
	prometheus.MustRegister(sessionDuration)

	prometheus.MustRegister(cursorsActive)
	prometheus.MustRegister(cursorFetchesTotal)
	prometheus.MustRegister(cursorRefetchesTotal)
	prometheus.MustRegister(cursorEventsTotal)

	prometheus.MustRegister(mergeboxMessagesTotal)

	prometheus.MustRegister(watcherPublishersActive)
	prometheus.MustRegister(watcherBroadcastLagTotal)

	prometheus.MustRegister(inflightDepth)
	prometheus.MustRegister(serverSubscriptionsTotal)

	prometheus.MustRegister(pollWorkerQueueDepth)
	prometheus.MustRegister(pollWorkerQueueCapacity)
	prometheus.MustRegister(pollWorkerDroppedTotal)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(errorsTotal)
}

// Error severity levels.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityFatal    = "fatal"
)

// RecordError tracks an error labeled by kind and severity.
func RecordError(kind, severity string) {
	errorsTotal.WithLabelValues(kind, severity).Inc()
}

// RecordSession records a newly accepted session.
func RecordSession() {
	sessionsTotal.Inc()
	sessionsActive.Inc()
}

// RecordSessionEnd records a session teardown with its lifetime.
func RecordSessionEnd(duration time.Duration) {
	sessionsActive.Dec()
	sessionDuration.Observe(duration.Seconds())
}

// RecordSessionRejected records a session rejected at admission control.
func RecordSessionRejected(reason string) {
	sessionsRejected.WithLabelValues(reason).Inc()
}

// RecordCursorStarted records a cursor entering its running state.
func RecordCursorStarted(mode string) {
	cursorsActive.WithLabelValues(mode).Inc()
}

// RecordCursorStopped records a cursor returning to idle.
func RecordCursorStopped(mode string) {
	cursorsActive.WithLabelValues(mode).Dec()
}

// RecordCursorFetch records a fetch execution, labeled by its trigger.
func RecordCursorFetch(trigger string) {
	cursorFetchesTotal.WithLabelValues(trigger).Inc()
}

// RecordCursorRefetch records a limit-shrink-triggered refetch.
func RecordCursorRefetch() {
	cursorRefetchesTotal.Inc()
}

// RecordCursorEvent records a watcher event processed by a cursor.
func RecordCursorEvent(event string) {
	cursorEventsTotal.WithLabelValues(event).Inc()
}

// RecordMergeboxMessage records an emitted sync-protocol message.
func RecordMergeboxMessage(msgType string) {
	mergeboxMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordBroadcastLag records a cursor subscriber observing buffer overflow.
func RecordBroadcastLag() {
	watcherBroadcastLagTotal.Inc()
}

// SetWatcherPublishers sets the count of per-collection publisher tasks.
func SetWatcherPublishers(n int) {
	watcherPublishersActive.Set(float64(n))
}

// AddInflight adjusts the in-flight rewritten request gauge.
func AddInflight(delta int) {
	inflightDepth.Add(float64(delta))
}

// SetServerSubscriptions sets the size of the bypass sentinel set.
func SetServerSubscriptions(n int) {
	serverSubscriptionsTotal.Set(float64(n))
}

// SetPoolGauges publishes the worker pool's queue state.
func SetPoolGauges(depth, capacity int, dropped int64) {
	pollWorkerQueueDepth.Set(float64(depth))
	pollWorkerQueueCapacity.Set(float64(capacity))
	pollWorkerDroppedTotal.Set(float64(dropped))
}

// SetSystemGauges publishes process-wide resource samples.
func SetSystemGauges(memBytes uint64, goroutines int) {
	memoryUsageBytes.Set(float64(memBytes))
	goroutinesActive.Set(float64(goroutines))
}

// SetMemoryLimit publishes the detected container memory limit.
func SetMemoryLimit(bytes int64) {
	memoryLimitBytes.Set(float64(bytes))
}

// SetCPUUsage publishes the sampled CPU usage percentage.
func SetCPUUsage(pct float64) {
	cpuUsagePercent.Set(pct)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
