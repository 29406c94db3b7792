package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	requestsTotal   prometheus.Counter
	requestDuration prometheus.Histogram

	// Merge pipeline metrics
	mergesTotal   *prometheus.CounterVec
	mergeDuration prometheus.Histogram

	// Hub metrics
	hubBroadcastsTotal prometheus.Counter
	hubDroppedTotal    prometheus.Counter
	hubSubscribers     prometheus.Gauge

	// Streaming metrics
	wsSessionsActive prometheus.Gauge
	wsFramesTotal    *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance backed by its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}),

		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		mergesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "document_merges_total",
				Help: "Total number of document merges",
			},
			[]string{"status"},
		),

		mergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "document_merge_duration_seconds",
			Help:    "Document merge duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		hubBroadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Total number of messages published to the fan-out hub",
		}),

		hubDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "hub_dropped_total",
			Help: "Messages dropped for slow hub subscribers",
		}),

		hubSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hub_subscribers",
			Help: "Current number of hub subscribers",
		}),

		wsSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_sessions_active",
			Help: "Current number of streaming sessions",
		}),

		wsFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_frames_total",
				Help: "Streaming frames processed by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordRequest records a new HTTP request
func (m *Metrics) RecordRequest() {
	m.requestsTotal.Inc()
}

// RecordRequestDuration records the duration of an HTTP request
func (m *Metrics) RecordRequestDuration(duration time.Duration) {
	m.requestDuration.Observe(duration.Seconds())
}

// RecordMerge records a merge attempt outcome
func (m *Metrics) RecordMerge(status string, duration time.Duration) {
	m.mergesTotal.WithLabelValues(status).Inc()
	m.mergeDuration.Observe(duration.Seconds())
}

// RecordBroadcast records a hub publish
func (m *Metrics) RecordBroadcast() {
	m.hubBroadcastsTotal.Inc()
}

// RecordDropped records a message dropped for a slow subscriber
func (m *Metrics) RecordDropped() {
	m.hubDroppedTotal.Inc()
}

// SetSubscribers updates the hub subscriber gauge
func (m *Metrics) SetSubscribers(n int) {
	m.hubSubscribers.Set(float64(n))
}

// SessionOpened increments the active session gauge
func (m *Metrics) SessionOpened() {
	m.wsSessionsActive.Inc()
}

// SessionClosed decrements the active session gauge
func (m *Metrics) SessionClosed() {
	m.wsSessionsActive.Dec()
}

// RecordFrame records a processed streaming frame
func (m *Metrics) RecordFrame(kind string) {
	m.wsFramesTotal.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
