// Package metrics exposes pipeline counters as Prometheus collectors.
//
// Collectors are registered on a caller-provided registry, never the global
// default, so several launchers (and tests) can coexist in one process. A
// nil *Pipeline is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ixpipe"

// Pipeline holds every collector the engine updates.
type Pipeline struct {
	rowsExtracted      *prometheus.CounterVec
	rowsWritten        *prometheus.CounterVec
	rowsDiverted       *prometheus.CounterVec
	conversionFailures *prometheus.CounterVec
	taskAttempts       *prometheus.CounterVec
	taskRetries        *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	branches           *prometheus.CounterVec
	committedWatermark *prometheus.GaugeVec
	jobRuns            *prometheus.CounterVec
	runningTasks       prometheus.Gauge
}

// New registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		rowsExtracted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_extracted_total",
				Help:      "Records read from sources",
			},
			[]string{"dataset"},
		),
		rowsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Records handed to branch writers",
			},
			[]string{"dataset", "branch"},
		),
		rowsDiverted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_diverted_total",
				Help:      "Records diverted to the row error sink by FAIL row policies",
			},
			[]string{"dataset", "branch"},
		),
		conversionFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_failures_total",
				Help:      "Records dropped because a converter failed",
			},
			[]string{"dataset"},
		),
		taskAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_attempts_total",
				Help:      "Task attempts by outcome and failure class",
			},
			[]string{"dataset", "state", "error_class"},
		),
		taskRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Task attempts scheduled on the retry pool",
			},
			[]string{"dataset"},
		),
		taskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_attempt_duration_seconds",
				Help:      "Duration of one task attempt",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5min
			},
			[]string{"dataset"},
		),
		branches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "branches_total",
				Help:      "Fork branches by final status",
			},
			[]string{"dataset", "status"},
		),
		committedWatermark: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "committed_watermark",
				Help:      "Last committed high watermark per state-store key",
			},
			[]string{"key"},
		),
		jobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Job runs by result",
			},
			[]string{"job", "status"},
		),
		runningTasks: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_tasks",
				Help:      "Task attempts currently executing",
			},
		),
	}
}

// RowsExtracted adds n extracted records.
func (p *Pipeline) RowsExtracted(dataset string, n int64) {
	if p == nil || n <= 0 {
		return
	}
	p.rowsExtracted.WithLabelValues(dataset).Add(float64(n))
}

// RowWritten counts one record written on branch.
func (p *Pipeline) RowWritten(dataset, branch string) {
	if p == nil {
		return
	}
	p.rowsWritten.WithLabelValues(dataset, branch).Inc()
}

// RowDiverted counts one record sent to the error sink on branch.
func (p *Pipeline) RowDiverted(dataset, branch string) {
	if p == nil {
		return
	}
	p.rowsDiverted.WithLabelValues(dataset, branch).Inc()
}

// ConversionFailed counts one dropped record.
func (p *Pipeline) ConversionFailed(dataset string) {
	if p == nil {
		return
	}
	p.conversionFailures.WithLabelValues(dataset).Inc()
}

// TaskStarted marks an attempt as running and returns a func that records
// its outcome and duration.
func (p *Pipeline) TaskStarted(dataset string) func(state, errorClass string) {
	if p == nil {
		return func(string, string) {}
	}
	start := time.Now()
	p.runningTasks.Inc()
	return func(state, errorClass string) {
		p.runningTasks.Dec()
		p.taskDuration.WithLabelValues(dataset).Observe(time.Since(start).Seconds())
		p.taskAttempts.WithLabelValues(dataset, state, errorClass).Inc()
	}
}

// TaskRetried counts a retry submission.
func (p *Pipeline) TaskRetried(dataset string) {
	if p == nil {
		return
	}
	p.taskRetries.WithLabelValues(dataset).Inc()
}

// BranchResolved counts a branch's final status.
func (p *Pipeline) BranchResolved(dataset, status string) {
	if p == nil {
		return
	}
	p.branches.WithLabelValues(dataset, status).Inc()
}

// WatermarkCommitted records the value now stored for key.
func (p *Pipeline) WatermarkCommitted(key string, w int64) {
	if p == nil {
		return
	}
	p.committedWatermark.WithLabelValues(key).Set(float64(w))
}

// JobFinished counts a job run by result.
func (p *Pipeline) JobFinished(job, status string) {
	if p == nil {
		return
	}
	p.jobRuns.WithLabelValues(job, status).Inc()
}
