// Package metrics provides Prometheus metrics for the scoreboard service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the scoreboard service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Ingestion
	eventsIngested  prometheus.Counter
	eventsDuplicate prometheus.Counter
	eventsRejected  *prometheus.CounterVec

	// Ranking store
	storeLatency *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec
	participants prometheus.Gauge

	// Ingestion queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueEnqueued           prometheus.Counter
	queueDequeued           prometheus.Counter
	queueEnqueueErrors      prometheus.Counter
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Throttle engine
	throttleDecisions     *prometheus.CounterVec
	throttleLastPublished prometheus.Gauge

	// Batch persistence
	batchPending         prometheus.Gauge
	batchFlushInProgress prometheus.Gauge
	batchFlushes         *prometheus.CounterVec
	batchFlushLatency    prometheus.Histogram
	batchRetries         prometheus.Counter
	deadLetters          prometheus.Counter
	overflowFailures     prometheus.Counter

	// Broadcast
	subscribers        prometheus.Gauge
	broadcastDelivered prometheus.Gauge
	broadcastFailed    prometheus.Gauge
	broadcastSends     *prometheus.CounterVec

	// Enrichment
	enrichment *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "scoreboard",
		subsystem:        "leaderboard",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.eventsIngested = m.counter("events_ingested_total", "Score events applied to the ranking store")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Score events acknowledged as retries of an already applied event")
	m.eventsRejected = m.counterVec("events_rejected_total", "Score events rejected before reaching the core", "reason")

	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Ranking store operation latency in milliseconds", "op")
	m.storeErrors = m.counterVec("store_errors_total", "Ranking store operations that failed", "op")
	m.participants = m.gauge("participants", "Distinct participants in the ranking store")

	m.queueSize = m.gauge("queue_size", "Current size of the ingestion queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum ingestion queue capacity")
	m.queueEnqueued = m.counter("queue_enqueue_total", "Events enqueued for ingestion")
	m.queueDequeued = m.counter("queue_dequeue_total", "Events dequeued by workers")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Enqueue attempts refused because the queue was full or closed")
	m.workerCount = m.gauge("worker_count", "Number of running ingestion workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Per-event worker processing latency in milliseconds")
	m.workerErrors = m.counter("worker_errors_total", "Events a worker failed to apply")

	m.throttleDecisions = m.counterVec("throttle_decisions_total", "Change signals by outcome", "decision")
	m.throttleLastPublished = m.gauge("throttle_last_published_unix", "Unix timestamp of the last published update")

	m.batchPending = m.gauge("batch_pending", "Entries accumulated in the current persistence batch")
	m.batchFlushInProgress = m.gauge("batch_flush_in_progress", "1 while a persistence flush is in flight")
	m.batchFlushes = m.counterVec("batch_flushes_total", "Persistence flushes by outcome", "outcome")
	m.batchFlushLatency = m.histogram("batch_flush_latency_milliseconds", "End-to-end flush latency including retries in milliseconds")
	m.batchRetries = m.counter("batch_retries_total", "Persistence sink attempts that were retried")
	m.deadLetters = m.counter("dead_letters_total", "Batches written to the overflow store")
	m.overflowFailures = m.counter("overflow_write_failures_total", "Batches lost because the overflow write failed")

	m.subscribers = m.gauge("subscribers", "Live broadcast subscribers")
	m.broadcastDelivered = m.gauge("broadcast_last_delivered", "Subscribers reached by the last broadcast")
	m.broadcastFailed = m.gauge("broadcast_last_failed", "Subscribers dropped by the last broadcast")
	m.broadcastSends = m.counterVec("broadcast_sends_total", "Subscriber sends by message kind and outcome", "kind", "outcome")

	m.enrichment = m.counterVec("enrichment_total", "Row enrichment results by source and status", "source", "status")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap memory in use in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordEventIngested increments the ingested events counter.
func RecordEventIngested() { globalManager.eventsIngested.Inc() }

// RecordEventDuplicate increments the duplicate events counter.
func RecordEventDuplicate() { globalManager.eventsDuplicate.Inc() }

// RecordEventRejected counts an event refused with the given reason.
func RecordEventRejected(reason string) { globalManager.eventsRejected.WithLabelValues(reason).Inc() }

// RecordStoreLatency records a ranking store operation latency.
func RecordStoreLatency(op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
}

// RecordStoreError counts a failed ranking store operation.
func RecordStoreError(op string) { globalManager.storeErrors.WithLabelValues(op).Inc() }

// UpdateParticipants sets the distinct participant count.
func UpdateParticipants(count int) { globalManager.participants.Set(float64(count)) }

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) { globalManager.queueSize.Set(float64(size)) }

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// RecordThrottleDecision counts a change signal outcome
// (throttled, unchanged, published or failed).
func RecordThrottleDecision(decision string) {
	globalManager.throttleDecisions.WithLabelValues(decision).Inc()
}

// UpdateThrottleLastPublished records the time of the last published update.
func UpdateThrottleLastPublished(t time.Time) {
	globalManager.throttleLastPublished.Set(float64(t.Unix()))
}

// UpdateBatchPending sets the current batch size.
func UpdateBatchPending(n int) { globalManager.batchPending.Set(float64(n)) }

// SetBatchFlushInProgress toggles the flush-in-progress gauge.
func SetBatchFlushInProgress(inFlight bool) {
	if inFlight {
		globalManager.batchFlushInProgress.Set(1)
		return
	}
	globalManager.batchFlushInProgress.Set(0)
}

// RecordBatchFlush records a finished flush with its outcome and latency.
func RecordBatchFlush(outcome string, latencyMs float64) {
	globalManager.batchFlushes.WithLabelValues(outcome).Inc()
	globalManager.batchFlushLatency.Observe(latencyMs)
}

// RecordBatchRetry increments the sink retry counter.
func RecordBatchRetry() { globalManager.batchRetries.Inc() }

// RecordDeadLetter increments the dead-letter counter.
func RecordDeadLetter() { globalManager.deadLetters.Inc() }

// RecordOverflowFailure increments the overflow failure counter.
func RecordOverflowFailure() { globalManager.overflowFailures.Inc() }

// UpdateSubscriberCount sets the live subscriber count.
func UpdateSubscriberCount(count int) { globalManager.subscribers.Set(float64(count)) }

// RecordBroadcast stores the result of the last fan-out.
func RecordBroadcast(delivered, failed int) {
	globalManager.broadcastDelivered.Set(float64(delivered))
	globalManager.broadcastFailed.Set(float64(failed))
}

// RecordBroadcastSend counts a single subscriber send.
func RecordBroadcastSend(kind, outcome string) {
	globalManager.broadcastSends.WithLabelValues(kind, outcome).Inc()
}

// RecordEnrichment counts a row enrichment result.
func RecordEnrichment(source, status string) {
	globalManager.enrichment.WithLabelValues(source, status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateSystemMemoryUsage sets the heap memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
