// Package metrics holds the Prometheus collectors for the score follower.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics. Each instance owns its registry so
// several services can live in one process (tests, CLI).
type Metrics struct {
	registry *prometheus.Registry

	// Worker metrics
	ActiveWorkers   prometheus.Gauge
	QueuedWorkers   prometheus.Gauge
	WorkerRuns      *prometheus.CounterVec
	WorkerRetries   prometheus.Counter
	PositionUpdates prometheus.Counter

	// Stream metrics
	StreamConnections  prometheus.Gauge
	PositionsPublished prometheus.Counter

	// HTTP API metrics
	Uploads             *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "scorefollow_active_workers",
			Help: "Alignment workers currently holding a worker slot",
		}),
		QueuedWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "scorefollow_queued_workers",
			Help: "Alignment workers waiting for a free worker slot",
		}),
		WorkerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scorefollow_worker_runs_total",
			Help: "Finished alignment workers by result",
		}, []string{"result"}),
		WorkerRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "scorefollow_worker_retries_total",
			Help: "Times a worker re-acquired its input after it ended early",
		}),
		PositionUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "scorefollow_position_updates_total",
			Help: "Positions written to the position store",
		}),

		StreamConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "scorefollow_stream_connections",
			Help: "Open position stream connections",
		}),
		PositionsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "scorefollow_positions_published_total",
			Help: "Position messages sent to stream clients",
		}),

		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scorefollow_uploads_total",
			Help: "Score uploads by result",
		}, []string{"result"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorefollow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
