package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Queue service.
var (
	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_tasks_enqueued_total",
			Help: "Price check tasks created.",
		},
	)

	TasksClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_tasks_claimed_total",
			Help: "Tasks handed out to workers.",
		},
	)

	ResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_results_total",
			Help: "Submitted results by outcome.",
		},
		[]string{"outcome"},
	)

	TasksRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_requeued_total",
			Help: "Tasks returned to pending.",
		},
		[]string{"reason"}, // claim_expired or a retryable error kind
	)

	QueueTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_tasks",
			Help: "Tasks per status.",
		},
		[]string{"status"},
	)
)

// OutboxRelayed counts relay publish attempts by outcome: relayed, retry
// or dead_letter.
var OutboxRelayed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outbox_relay_events_total",
		Help: "Outbox events handled by the relay.",
	},
	[]string{"outcome"},
)

// Worker.
var (
	NavigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_navigations_total",
			Help: "Browser navigations by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)

	NavigationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_navigation_duration_seconds",
			Help:    "Time spent loading a page.",
			Buckets: []float64{1, 2, 5, 10, 15, 30, 60},
		},
		[]string{"engine"},
	)

	BlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_blocks_total",
			Help: "Bot defense blocks detected.",
		},
		[]string{"engine"},
	)

	EngineFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_engine_fallbacks_total",
			Help: "Switches from a failed engine to the next one.",
		},
		[]string{"from", "to"},
	)

	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_checks_total",
			Help: "Price checks by outcome.",
		},
		[]string{"outcome"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
