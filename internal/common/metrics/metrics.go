// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Total number of tool calls by outcome",
		},
		[]string{"tool", "status"},
	)

	ToolItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_items_total",
			Help: "Total number of batch items processed by outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolItemRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_item_retries_total",
			Help: "Total number of corrective retries after a validation failure",
		},
		[]string{"tool"},
	)

	ModelInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_invocations_total",
			Help: "Total number of model API calls by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	ModelInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_invocation_duration_seconds",
			Help:    "Duration of model API calls in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	BatchItemsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batch_items_in_flight",
			Help: "Number of batch items currently awaiting the model",
		},
		[]string{"tool"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)
)
