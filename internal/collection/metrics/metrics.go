package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal tracks finished engine invocations by outcome
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_executions_total",
			Help: "Total number of collection invocations",
		},
		[]string{"query_class", "status"},
	)

	// AttemptsTotal tracks remote query attempts including in-call retries
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_attempts_total",
			Help: "Total number of remote query attempts",
		},
		[]string{"query_class"},
	)

	// ErrorsTotal tracks failed attempts per error category
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_errors_total",
			Help: "Total number of failed query attempts",
		},
		[]string{"query_class", "category"},
	)

	// ExecutionDuration tracks invocation latency
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_execution_duration_seconds",
			Help:    "Collection invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_class"},
	)

	// RunningTasks tracks the size of the running-task registry
	RunningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_running_tasks",
			Help: "Number of tasks currently executing",
		},
	)

	// RetriesScheduled tracks tasks moved to RETRYING
	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_retries_scheduled_total",
			Help: "Total number of scheduled retries",
		},
		[]string{"policy"},
	)

	// TasksCancelled tracks operator cancellations
	TasksCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_tasks_cancelled_total",
			Help: "Total number of cancelled tasks",
		},
	)

	// AnomaliesDetected tracks results tagged as anomalous
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_anomalies_total",
			Help: "Total number of anomalous results",
		},
		[]string{"query_class"},
	)

	// ResultsPruned tracks results removed by retention cleanup
	ResultsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_results_pruned_total",
			Help: "Total number of expired results deleted",
		},
	)

	// SchedulerDispatched tracks tasks handed to the worker pool by the scheduler
	SchedulerDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_scheduler_dispatched_total",
			Help: "Total number of tasks dispatched by the scheduler",
		},
		[]string{"source"},
	)

	// DBConnectionPoolUsage tracks the percentage of used connections in the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_db_connection_pool_usage_percent",
			Help: "Percentage of used database connections",
		},
	)
)
