// Package monitoring holds the Prometheus instrumentation for the ingest
// pipeline. All recorders tolerate a nil receiver so components can run
// without metrics in tests.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Ingest metrics
	CapturesTotal   *prometheus.CounterVec
	CaptureDuration *prometheus.HistogramVec
	BatchSize       *prometheus.HistogramVec

	// Grouping metrics
	GroupResolutions *prometheus.CounterVec

	// Job metrics
	JobQueueDepth *prometheus.GaugeVec
	JobsProcessed *prometheus.CounterVec
	JobsDead      *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec

	// Stream metrics
	StreamSubscribers *prometheus.GaugeVec
	StreamMessages    *prometheus.CounterVec
	StreamDropped     *prometheus.CounterVec

	// Alert metrics
	AlertDeliveries *prometheus.CounterVec
	AlertsDropped   prometheus.Counter

	// Cache metrics
	CacheOps           *prometheus.CounterVec
	CacheInvalidations prometheus.Counter
	CacheErrors        prometheus.Counter

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
// Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		CapturesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_captures_total",
				Help: "Capture requests by kind and outcome",
			},
			[]string{"kind", "outcome"}, // kind: error, session_event, network_event; outcome: ok, partial, rejected
		),
		CaptureDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_capture_duration_seconds",
				Help:    "End-to-end capture handler time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		BatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_capture_batch_size",
				Help:    "Events per capture request",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"kind"},
		),
		GroupResolutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_group_resolutions_total",
				Help: "Grouping outcomes",
			},
			[]string{"outcome"}, // outcome: matched, similar, created, conflict_recovered
		),
		JobQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lens_job_queue_depth",
				Help: "Jobs waiting per kind and priority",
			},
			[]string{"kind", "priority"},
		),
		JobsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_jobs_processed_total",
				Help: "Jobs completed by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: ok, retried, failed
		),
		JobsDead: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_jobs_dead_total",
				Help: "Jobs discarded after exhausting retries",
			},
			[]string{"kind"},
		),
		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_job_duration_seconds",
				Help:    "Job execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		StreamSubscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lens_stream_subscribers",
				Help: "Live subscribers by transport",
			},
			[]string{"transport"}, // transport: websocket, sse, socketio
		),
		StreamMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_stream_messages_total",
				Help: "Messages delivered to subscribers",
			},
			[]string{"type"},
		),
		StreamDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_stream_dropped_total",
				Help: "Messages dropped on slow subscribers",
			},
			[]string{"type"},
		),
		AlertDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_alert_deliveries_total",
				Help: "Webhook alert deliveries by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: delivered, failed
		),
		AlertsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lens_alerts_dropped_total",
				Help: "Alerts shed at the full dispatch queue",
			},
		),
		CacheOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lens_cache_ops_total",
				Help: "Cache operations by result",
			},
			[]string{"op", "result"}, // op: get, set; result: hit, miss, error, ok
		),
		CacheInvalidations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lens_cache_invalidations_total",
				Help: "Project namespace invalidations",
			},
		),
		CacheErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lens_cache_errors_total",
				Help: "Cache failures absorbed without failing requests",
			},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lens_http_request_duration_seconds",
				Help:    "HTTP latency by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
}

// RecordCapture records one capture request outcome.
func (m *Metrics) RecordCapture(kind, outcome string, batch int, took time.Duration) {
	if m == nil {
		return
	}
	m.CapturesTotal.WithLabelValues(kind, outcome).Inc()
	m.CaptureDuration.WithLabelValues(kind).Observe(took.Seconds())
	m.BatchSize.WithLabelValues(kind).Observe(float64(batch))
}

// RecordResolution records a grouping outcome.
func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.GroupResolutions.WithLabelValues(outcome).Inc()
}

// SetQueueDepth tracks the backlog gauge for one queue.
func (m *Metrics) SetQueueDepth(kind, priority string, depth int) {
	if m == nil {
		return
	}
	m.JobQueueDepth.WithLabelValues(kind, priority).Set(float64(depth))
}

// RecordJob records a completed or failed job execution.
func (m *Metrics) RecordJob(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// RecordDeadJob records a job discarded after max retries.
func (m *Metrics) RecordDeadJob(kind string) {
	if m == nil {
		return
	}
	m.JobsDead.WithLabelValues(kind).Inc()
}

// AddSubscribers moves the live-subscriber gauge for a transport.
func (m *Metrics) AddSubscribers(transport string, delta int) {
	if m == nil {
		return
	}
	m.StreamSubscribers.WithLabelValues(transport).Add(float64(delta))
}

// RecordStreamMessage counts a delivered stream message.
func (m *Metrics) RecordStreamMessage(msgType string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(msgType).Inc()
}

// RecordStreamDrop counts a message dropped on a slow subscriber.
func (m *Metrics) RecordStreamDrop(msgType string) {
	if m == nil {
		return
	}
	m.StreamDropped.WithLabelValues(msgType).Inc()
}

// RecordAlertDelivery records one webhook delivery outcome.
func (m *Metrics) RecordAlertDelivery(kind, outcome string) {
	if m == nil {
		return
	}
	m.AlertDeliveries.WithLabelValues(kind, outcome).Inc()
}

// RecordAlertDrop counts an alert shed at the full queue.
func (m *Metrics) RecordAlertDrop() {
	if m == nil {
		return
	}
	m.AlertsDropped.Inc()
}

// RecordCacheOp counts a cache operation result.
func (m *Metrics) RecordCacheOp(op, result string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(op, result).Inc()
}

// RecordInvalidation counts a project invalidation.
func (m *Metrics) RecordInvalidation() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

// RecordCacheError counts an absorbed cache failure.
func (m *Metrics) RecordCacheError() {
	if m == nil {
		return
	}
	m.CacheErrors.Inc()
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(route, method, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, status).Observe(took.Seconds())
}
