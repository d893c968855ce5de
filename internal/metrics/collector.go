// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the runtime's Prometheus metrics.
type Collector struct {
	// HTTP facade
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Sessions
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionsActive  prometheus.Gauge

	// Node executions
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec

	// Event stream
	eventsAppended *prometheus.CounterVec

	// Dispatch
	tasksDispatched *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec

	// Input waits
	inputWaits prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the runtime metrics under the namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by terminal status",
		},
		[]string{"status"},
	)

	c.sessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session wall-clock duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"status"},
	)

	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently executing on this worker",
		},
	)

	c.nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	c.nodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node_type"},
	)

	c.eventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to session streams",
		},
		[]string{"type"},
	)

	c.tasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of tasks enqueued to workers",
		},
		[]string{"kind"},
	)

	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting on a worker queue, as of the last enqueue",
		},
		[]string{"worker"},
	)

	c.inputWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_waits_total",
			Help:      "Total number of sessions suspended for user input",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one facade request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSession records one settled session.
func (c *Collector) RecordSession(status string, duration time.Duration) {
	c.sessionsTotal.WithLabelValues(status).Inc()
	c.sessionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SessionStarted and SessionFinished bracket an active run.
func (c *Collector) SessionStarted()  { c.sessionsActive.Inc() }
func (c *Collector) SessionFinished() { c.sessionsActive.Dec() }

// RecordNodeExecution records one node run.
func (c *Collector) RecordNodeExecution(nodeType, status string, duration time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	c.nodeExecutionDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordEvent records one event append.
func (c *Collector) RecordEvent(eventType string) {
	c.eventsAppended.WithLabelValues(eventType).Inc()
}

// RecordDispatch records one task enqueue and the queue depth it produced.
func (c *Collector) RecordDispatch(kind, workerID string, depth int64) {
	c.tasksDispatched.WithLabelValues(kind).Inc()
	c.queueDepth.WithLabelValues(workerID).Set(float64(depth))
}

// RecordInputWait records one session suspension on user input.
func (c *Collector) RecordInputWait() {
	c.inputWaits.Inc()
}
