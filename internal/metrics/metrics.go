// Package metrics exposes the Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderoom_active_rooms",
		Help: "Rooms currently held in memory by the hub.",
	})

	ConnectedSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderoom_connected_sockets",
		Help: "Open websocket connections.",
	})

	EditsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderoom_edits_applied_total",
		Help: "Edit batches accepted by the hub.",
	})

	EditsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderoom_edits_rejected_total",
		Help: "Edit batches rejected as invalid and answered with a resync.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderoom_events_dropped_total",
		Help: "Broadcast events dropped because a socket queue overflowed.",
	})

	SocketsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coderoom_sockets_evicted_total",
		Help: "Sockets evicted for falling behind the broadcast stream.",
	})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderoom_executions_total",
		Help: "Sandbox executions by final status.",
	}, []string{"status"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coderoom_execution_duration_seconds",
		Help:    "Wall-clock duration of sandbox runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coderoom_queue_depth",
		Help: "Jobs waiting in the execution queue.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coderoom_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
