package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for pipeline execution, work
// queue throughput, workflow steps, and scheduler phases. Each instance
// owns a private registry rather than registering against the global
// default, so a process (or a test) can build more than one Metrics
// without a duplicate-registration panic.
type Metrics struct {
	Registry *prometheus.Registry

	PipelineDuration *prometheus.HistogramVec
	PipelineRuns     *prometheus.CounterVec
	PipelineRows     *prometheus.CounterVec

	WorkItemsEnqueued *prometheus.CounterVec
	WorkItemsClaimed  *prometheus.CounterVec
	WorkItemsFailed   *prometheus.CounterVec
	WorkQueueDepth    *prometheus.GaugeVec
	ReaperRecovered   prometheus.Counter

	WorkflowStepDuration *prometheus.HistogramVec
	WorkflowStepCounter  *prometheus.CounterVec

	SchedulerPhaseDuration *prometheus.HistogramVec
	SchedulerPartitions    *prometheus.CounterVec

	ReadinessEvaluations *prometheus.CounterVec
	AnomaliesRecorded    *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh set of collectors under
// namespace (defaulting to "market_spine").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "market_spine"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Duration of a single pipeline run",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"domain", "pipeline", "status"},
		),
		PipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of pipeline runs by terminal status",
			},
			[]string{"domain", "pipeline", "status"},
		),
		PipelineRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_rows_total",
				Help:      "Total rows produced by completed pipeline runs",
			},
			[]string{"domain", "pipeline", "stage"},
		),

		WorkItemsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_enqueued_total",
				Help:      "Total work items enqueued",
			},
			[]string{"domain", "pipeline"},
		),
		WorkItemsClaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_claimed_total",
				Help:      "Total work items claimed by a worker",
			},
			[]string{"domain", "pipeline"},
		),
		WorkItemsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_items_failed_total",
				Help:      "Total work items that ended in FAILED or RETRY_WAIT",
			},
			[]string{"domain", "pipeline", "terminal"},
		),
		WorkQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "work_queue_depth",
				Help:      "Current number of non-terminal work items",
			},
			[]string{"domain", "state"},
		),
		ReaperRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_queue_reaper_recovered_total",
				Help:      "Total work items returned to PENDING by the lock-expiry reaper",
			},
		),

		WorkflowStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_step_duration_seconds",
				Help:      "Duration of a single workflow step",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 120},
			},
			[]string{"workflow", "step", "kind", "status"},
		),
		WorkflowStepCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_total",
				Help:      "Total workflow steps executed by terminal status",
			},
			[]string{"workflow", "step", "kind", "status"},
		),

		SchedulerPhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_phase_duration_seconds",
				Help:      "Duration of a multi-week scheduler phase",
				Buckets:   []float64{.5, 1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"phase", "status"},
		),
		SchedulerPartitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_partitions_total",
				Help:      "Total partitions processed by the scheduler by outcome",
			},
			[]string{"phase", "outcome"},
		),

		ReadinessEvaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readiness_evaluations_total",
				Help:      "Total readiness evaluations by result",
			},
			[]string{"domain", "ready"},
		),
		AnomaliesRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_recorded_total",
				Help:      "Total anomaly records by severity",
			},
			[]string{"domain", "severity"},
		),
	}
}

// RecordPipelineRun records a completed pipeline's duration, terminal
// status, and row count.
func (m *Metrics) RecordPipelineRun(domain, pipeline, status string, duration time.Duration, rows int64) {
	m.PipelineDuration.WithLabelValues(domain, pipeline, status).Observe(duration.Seconds())
	m.PipelineRuns.WithLabelValues(domain, pipeline, status).Inc()
	if rows > 0 {
		m.PipelineRows.WithLabelValues(domain, pipeline, "").Add(float64(rows))
	}
}

// RecordWorkItemEnqueued increments the enqueue counter for domain/pipeline.
func (m *Metrics) RecordWorkItemEnqueued(domain, pipeline string) {
	m.WorkItemsEnqueued.WithLabelValues(domain, pipeline).Inc()
}

// RecordWorkItemClaimed increments the claim counter for domain/pipeline.
func (m *Metrics) RecordWorkItemClaimed(domain, pipeline string) {
	m.WorkItemsClaimed.WithLabelValues(domain, pipeline).Inc()
}

// RecordWorkItemFailed increments the failure counter, tagging whether
// the item reached a terminal FAILED state or is only in RETRY_WAIT.
func (m *Metrics) RecordWorkItemFailed(domain, pipeline string, terminal bool) {
	terminalLabel := "false"
	if terminal {
		terminalLabel = "true"
	}
	m.WorkItemsFailed.WithLabelValues(domain, pipeline, terminalLabel).Inc()
}

// RecordWorkflowStep records one step's duration and terminal status.
func (m *Metrics) RecordWorkflowStep(workflow, step, kind, status string, duration time.Duration) {
	m.WorkflowStepDuration.WithLabelValues(workflow, step, kind, status).Observe(duration.Seconds())
	m.WorkflowStepCounter.WithLabelValues(workflow, step, kind, status).Inc()
}

// RecordSchedulerPhase records one scheduler phase's duration and status,
// and increments the per-phase partition-outcome counter (status here is
// always a partition outcome: INGESTED, UNCHANGED, FAILED, SKIPPED).
func (m *Metrics) RecordSchedulerPhase(phase, status string, duration time.Duration) {
	m.SchedulerPhaseDuration.WithLabelValues(phase, status).Observe(duration.Seconds())
	m.SchedulerPartitions.WithLabelValues(phase, status).Inc()
}

// RecordReadinessEvaluation records a readiness decision for domain.
func (m *Metrics) RecordReadinessEvaluation(domain string, ready bool) {
	readyLabel := "false"
	if ready {
		readyLabel = "true"
	}
	m.ReadinessEvaluations.WithLabelValues(domain, readyLabel).Inc()
}

// RecordAnomaly records one anomaly of the given severity for domain.
func (m *Metrics) RecordAnomaly(domain, severity string) {
	m.AnomaliesRecorded.WithLabelValues(domain, severity).Inc()
}
