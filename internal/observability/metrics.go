package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Histogram bucket definitions.
var (
	stepDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Metrics holds all Prometheus metric instruments for the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Workflow metrics
	WorkflowsStartedTotal   *prometheus.CounterVec
	WorkflowsCompletedTotal *prometheus.CounterVec
	EngineStepDuration      *prometheus.HistogramVec
	EngineFailuresTotal     *prometheus.CounterVec

	// Task metrics
	TasksCompletedTotal *prometheus.CounterVec
	TasksCancelledTotal *prometheus.CounterVec

	// Subprocess metrics
	SubprocessesSpawnedTotal   *prometheus.CounterVec
	SubprocessConcessionsTotal prometheus.Counter

	// Persistence metrics
	SnapshotsTotal *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_workflows_started_total",
			Help: "Total number of workflow instances started.",
		}, []string{"process_id"}),
		WorkflowsCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_workflows_completed_total",
			Help: "Total number of workflow instances that reached a terminal state.",
		}, []string{"process_id", "status"}),
		EngineStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_engine_step_duration_seconds",
			Help:    "Duration of an engine run until no task can progress.",
			Buckets: stepDurationBuckets,
		}, []string{"process_id"}),
		EngineFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_engine_failures_total",
			Help: "Total number of failures surfaced by the engine, by error code.",
		}, []string{"code"}),

		TasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_tasks_completed_total",
			Help: "Total number of tasks completed.",
		}, []string{"kind"}),
		TasksCancelledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_tasks_cancelled_total",
			Help: "Total number of tasks cancelled.",
		}, []string{"kind"}),

		SubprocessesSpawnedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_subprocesses_spawned_total",
			Help: "Total number of nested workflow instances created.",
		}, []string{"kind"}),
		SubprocessConcessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_subprocess_concessions_total",
			Help: "Total number of transactions that conceded to an interrupting boundary event.",
		}),

		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_snapshots_total",
			Help: "Total number of snapshot operations.",
		}, []string{"operation", "status"}),

		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weft_definitions_loaded",
			Help: "Number of loaded process definitions.",
		}),
	}

	reg.MustRegister(
		m.WorkflowsStartedTotal,
		m.WorkflowsCompletedTotal,
		m.EngineStepDuration,
		m.EngineFailuresTotal,
		m.TasksCompletedTotal,
		m.TasksCancelledTotal,
		m.SubprocessesSpawnedTotal,
		m.SubprocessConcessionsTotal,
		m.SnapshotsTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(processID string) {
	if m == nil {
		return
	}
	m.WorkflowsStartedTotal.WithLabelValues(processID).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal state.
func (m *Metrics) RecordWorkflowCompletion(processID, status string) {
	if m == nil {
		return
	}
	m.WorkflowsCompletedTotal.WithLabelValues(processID, status).Inc()
}

// RecordEngineSteps records the duration of an engine run.
func (m *Metrics) RecordEngineSteps(processID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EngineStepDuration.WithLabelValues(processID).Observe(duration.Seconds())
}

// RecordFailure records an engine failure by error code.
func (m *Metrics) RecordFailure(code string) {
	if m == nil {
		return
	}
	m.EngineFailuresTotal.WithLabelValues(code).Inc()
}

// RecordTaskCompleted records a task completion.
func (m *Metrics) RecordTaskCompleted(kind string) {
	if m == nil {
		return
	}
	m.TasksCompletedTotal.WithLabelValues(kind).Inc()
}

// RecordTaskCancelled records a task cancellation.
func (m *Metrics) RecordTaskCancelled(kind string) {
	if m == nil {
		return
	}
	m.TasksCancelledTotal.WithLabelValues(kind).Inc()
}

// RecordSubprocessSpawned records the creation of a nested workflow.
func (m *Metrics) RecordSubprocessSpawned(kind string) {
	if m == nil {
		return
	}
	m.SubprocessesSpawnedTotal.WithLabelValues(kind).Inc()
}

// RecordConcession records a transaction conceding to a boundary event.
func (m *Metrics) RecordConcession() {
	if m == nil {
		return
	}
	m.SubprocessConcessionsTotal.Inc()
}

// RecordSnapshot records a snapshot store operation.
func (m *Metrics) RecordSnapshot(operation, status string) {
	if m == nil {
		return
	}
	m.SnapshotsTotal.WithLabelValues(operation, status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded process definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}
