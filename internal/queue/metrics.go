package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_tasks_total",
			Help: "Total number of tasks by terminal status.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_task_duration_seconds",
			Help:    "Wall-clock task duration from start to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"function"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_queue_depth",
			Help: "Number of tasks currently queued.",
		},
	)

	backendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_backend_failures_total",
			Help: "Backend failures by backend id and error kind.",
		},
		[]string{"backend", "kind"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(backendFailures)
}
