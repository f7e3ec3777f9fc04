// Package metrics exposes acquisition and storage counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opd-ai/go-hls-offline/internal/downloader"
)

// Metrics holds Prometheus counters and gauges for the offline engine.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	segmentsTotal      prometheus.Counter
	segmentBytesTotal  prometheus.Counter
	tasksTotal         *prometheus.CounterVec
	queueLength        prometheus.Gauge
	storageBytes       prometheus.Gauge
	storageUtilization prometheus.Gauge

	// last terminal status seen per task, so repeated snapshots count once
	mu       sync.Mutex
	terminal map[string]downloader.Status
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinehls_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinehls_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	segmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinehls_segments_downloaded_total",
		Help: "Total number of segments fetched and stored",
	})
	segmentBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinehls_segment_bytes_downloaded_total",
		Help: "Total decrypted segment bytes written to storage",
	})
	tasksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinehls_tasks_finished_total",
		Help: "Acquisition tasks that reached a terminal state, by status",
	}, []string{"status"})
	queueLength := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offlinehls_queue_length",
		Help: "Tasks waiting in the acquisition queue, including the active one",
	})
	storageBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offlinehls_storage_bytes",
		Help: "Bytes held by stored segments, chunks and blobs",
	})
	storageUtilization := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offlinehls_storage_utilization_ratio",
		Help: "Storage usage relative to the configured quota",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		segmentsTotal,
		segmentBytesTotal,
		tasksTotal,
		queueLength,
		storageBytes,
		storageUtilization,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		errorsTotal:        errorsTotal,
		segmentsTotal:      segmentsTotal,
		segmentBytesTotal:  segmentBytesTotal,
		tasksTotal:         tasksTotal,
		queueLength:        queueLength,
		storageBytes:       storageBytes,
		storageUtilization: storageUtilization,
		terminal:           make(map[string]downloader.Status),
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetQueueLength sets the queue length gauge.
func (m *Metrics) SetQueueLength(n int) {
	m.queueLength.Set(float64(n))
}

// SetStorage sets the storage gauges.
func (m *Metrics) SetStorage(bytes int64, utilization float64) {
	m.storageBytes.Set(float64(bytes))
	m.storageUtilization.Set(utilization)
}

// OnTaskUpdate counts each terminal transition once per task run.
func (m *Metrics) OnTaskUpdate(task downloader.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !task.Status.IsFinished() {
		delete(m.terminal, task.ID)
		return
	}
	if m.terminal[task.ID] == task.Status {
		return
	}
	m.terminal[task.ID] = task.Status
	m.tasksTotal.WithLabelValues(string(task.Status)).Inc()

	// Completed and cancelled tasks are gone from the queue for good.
	if task.Status != downloader.StatusError {
		delete(m.terminal, task.ID)
	}
}

// OnSegmentStored counts a stored segment.
func (m *Metrics) OnSegmentStored(taskID string, index uint32, bytes int) {
	m.segmentsTotal.Inc()
	m.segmentBytesTotal.Add(float64(bytes))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
