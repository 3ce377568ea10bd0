package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestration_task_outcomes_total",
			Help: "Task attempts by outcome (completed, retrying, failed).",
		},
		[]string{"outcome"},
	)

	claimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestration_claim_conflicts_total",
			Help: "Claims and transitions lost to a concurrent executor.",
		},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestration_task_duration_seconds",
			Help:    "Duration of a single task attempt in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestration_executions_finished_total",
			Help: "Workflow executions that reached a terminal status.",
		},
		[]string{"status"},
	)

	activeExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestration_active_executions",
			Help: "Execution loops currently running in this process.",
		},
	)

	loopErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestration_execution_loop_errors_total",
			Help: "Execution loops that stopped on an infrastructure error.",
		},
	)

	staleReconciled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestration_stale_tasks_reconciled_total",
			Help: "RUNNING tasks whose claim expired and were handed to the retry policy.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		taskOutcomes,
		claimConflicts,
		taskDuration,
		executionsFinished,
		activeExecutions,
		loopErrors,
		staleReconciled,
	)
}
