package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Number of tasks in the queue by status",
		},
		[]string{"status"},
	)

	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_dead_letter_depth",
			Help: "Number of tasks parked in the dead-letter queue",
		},
	)

	OldestPendingAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_oldest_pending_age_seconds",
			Help: "Age of the oldest pending task in seconds",
		},
	)

	// Task lifecycle metrics
	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_assigned_total",
			Help: "Total number of task-to-worker assignments",
		},
	)

	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_failed_total",
			Help: "Total number of task failures reported by workers",
		},
	)

	TasksTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_timed_out_total",
			Help: "Total number of tasks timed out by the sweep",
		},
	)

	TasksRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_requeued_total",
			Help: "Total number of tasks requeued for retry",
		},
	)

	TasksDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter queue",
		},
	)

	TaskWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_task_wait_duration_seconds",
			Help:    "Time from task submission to assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_task_execution_duration_seconds",
			Help:    "Time from task start to completion in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_workers_total",
			Help: "Number of registered workers by status",
		},
		[]string{"status"},
	)

	WorkerCapacityUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_worker_capacity_used",
			Help: "Sum of current load across active workers",
		},
	)

	WorkerCapacityTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_worker_capacity_total",
			Help: "Sum of max load across active workers",
		},
	)

	// Sweep metrics
	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_sweeps_total",
			Help: "Total number of background sweep runs by kind",
		},
		[]string{"kind"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_sweep_duration_seconds",
			Help:    "Background sweep duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Workflow metrics
	WorkflowsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_workflows_started_total",
			Help: "Total number of workflow executions started",
		},
	)

	WorkflowsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_workflows_completed_total",
			Help: "Total number of workflow executions completed successfully",
		},
	)

	WorkflowsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_workflows_failed_total",
			Help: "Total number of workflow executions that failed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeadLetterDepth)
	prometheus.MustRegister(OldestPendingAge)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TasksAssignedTotal)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksTimedOutTotal)
	prometheus.MustRegister(TasksRequeuedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(TaskWaitDuration)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerCapacityUsed)
	prometheus.MustRegister(WorkerCapacityTotal)
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(WorkflowsStartedTotal)
	prometheus.MustRegister(WorkflowsCompletedTotal)
	prometheus.MustRegister(WorkflowsFailedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
