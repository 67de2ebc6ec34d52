package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudflyer_tasks_submitted_total",
			Help: "Total number of accepted tasks.",
		},
		[]string{"type"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudflyer_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status.",
		},
		[]string{"type", "status"},
	)

	tasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudflyer_tasks_running",
			Help: "Number of tasks currently held by a worker slot.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudflyer_queue_depth",
			Help: "Number of pending tasks waiting for a worker slot.",
		},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudflyer_task_duration_seconds",
			Help:    "Time from start to terminal status.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted, tasksFinished, tasksRunning, queueDepth, taskDuration)
}
