package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridmesh",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by outcome.",
		},
		[]string{"role", "outcome"},
	)

	HandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gridmesh",
			Name:      "handshake_duration_seconds",
			Help:      "Time from HELLO to an established session.",
			// Covers 1ms .. ~1s; the flow targets sub-100ms.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 11),
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridmesh",
			Name:      "sessions_active",
			Help:      "Currently established sessions.",
		},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridmesh",
			Name:      "messages_total",
			Help:      "Wire messages by kind and direction.",
		},
		[]string{"kind", "dir"},
	)

	BeaconsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridmesh",
			Name:      "relay_beacons_total",
			Help:      "Relay beacons by disposition.",
		},
		[]string{"disposition"},
	)

	ChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridmesh",
			Name:      "sync_chunks_total",
			Help:      "Chunk transfers by outcome.",
		},
		[]string{"outcome"},
	)

	SyncBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridmesh",
			Name:      "sync_bytes_total",
			Help:      "Bytes transferred by chunk sync.",
		},
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridmesh",
			Name:      "tasks_total",
			Help:      "Delegated tasks by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gridmesh",
			Name:      "task_queue_depth",
			Help:      "Queued tasks per priority tier.",
		},
		[]string{"tier"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gridmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		HandshakesTotal, HandshakeDuration, SessionsActive,
		MessagesTotal, BeaconsTotal, ChunksTotal, SyncBytes,
		TasksTotal, QueueDepth, uptime,
	)
}

// MetricsHandler exposes /metrics backed by the private registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
