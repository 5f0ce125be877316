package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission metrics
	SubmissionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_submissions_accepted_total",
			Help: "Total number of submissions admitted to the queue",
		},
	)

	SubmissionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_submissions_rejected_total",
			Help: "Total number of submissions rejected at admission",
		},
		[]string{"cause"},
	)

	// Execution metrics
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_tasks_started_total",
			Help: "Total number of tasks claimed by a worker",
		},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runner_task_duration_seconds",
			Help:    "Wall-clock task duration from claim to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	RunningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_tasks_running",
			Help: "Tasks currently executing on this worker",
		},
	)

	// Interactive input metrics
	InputRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_input_requests_total",
			Help: "Total number of prompts raised by children",
		},
	)

	InputResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_input_resolved_total",
			Help: "Total number of prompts resolved",
		},
		[]string{"outcome"}, // answered | timeout
	)

	// Gateway metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_http_requests_total",
			Help: "Total HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runner_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runner_ws_connections",
			Help: "Open WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_ws_messages_sent_total",
			Help: "Envelopes delivered to WebSocket clients",
		},
	)

	// Reconciler metrics
	OrphansReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_orphans_reaped_total",
			Help: "Active tasks failed because their worker lease expired",
		},
	)

	TasksPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runner_tasks_purged_total",
			Help: "Terminal tasks removed after the retention window",
		},
	)
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
