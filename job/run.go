// Package job runs a job end to end: plan work units, execute them on the
// task pools, resolve commits and archive the run.
package job

import (
	"time"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/quality"
	"github.com/teranos/ixpipe/task"
	"github.com/teranos/ixpipe/watermark"
)

// Status is a job run's outcome.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Run is one archived job run.
type Run struct {
	ID           string
	JobName      string
	CommitPolicy string
	Status       Status
	WorkUnits    int
	Committed    int
	Aborted      int
	Failed       int
	Report       string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// BranchRecord is one fork branch's archived result.
type BranchRecord struct {
	Index        int               `json:"index"`
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	RowsReceived int64             `json:"rows_received"`
	RowsWritten  int64             `json:"rows_written"`
	RowsDiverted int64             `json:"rows_diverted"`
	WatermarkKey string            `json:"watermark_key,omitempty"`
	Verdicts     []quality.Verdict `json:"verdicts,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// TaskRecord is one work unit's archived terminal state.
type TaskRecord struct {
	ID            string
	RunID         string
	WorkUnitID    string
	DatasetURN    string
	State         task.State
	RetryCount    int
	ErrorClass    string
	LastError     string
	RowsExtracted int64
	RowsExpected  int64
	Low           watermark.Watermark
	High          watermark.Watermark
	RealizedHigh  watermark.Watermark
	Branches      []BranchRecord
	Inconsistent  bool
	UpdatedAt     time.Time
}

// Committed reports whether the unit's data was published in full.
func (r TaskRecord) Committed() bool {
	return r.State == task.StateCommitted
}

// RecordFromState snapshots ts for archiving.
func RecordFromState(runID string, ts *task.TaskState, now time.Time) TaskRecord {
	wu := ts.WorkUnit
	high := wu.Interval.High
	if wu.Interval.Unbounded {
		high = watermark.Absent
	}
	rec := TaskRecord{
		ID:            ts.ID,
		RunID:         runID,
		WorkUnitID:    wu.ID,
		DatasetURN:    wu.DatasetURN,
		State:         ts.State(),
		RetryCount:    ts.RetryCount(),
		ErrorClass:    errors.Classify(ts.LastErr()),
		RowsExtracted: ts.RowsExtracted(),
		RowsExpected:  ts.RowsExpected(),
		Low:           wu.Interval.Low,
		High:          high,
		RealizedHigh:  ts.RealizedHigh(),
		Inconsistent:  ts.Inconsistent(),
		UpdatedAt:     now,
	}
	if err := ts.LastErr(); err != nil {
		rec.LastError = err.Error()
	}

	var branchCause error
	for _, b := range ts.Branches() {
		br := BranchRecord{
			Index:        b.Index,
			Name:         b.Name,
			Status:       b.FinalStatus(),
			RowsReceived: b.RowsReceived,
			RowsWritten:  b.RowsWritten,
			RowsDiverted: b.RowsDiverted,
			WatermarkKey: b.WatermarkKey,
		}
		br.Verdicts = append(br.Verdicts, b.RowVerdicts...)
		br.Verdicts = append(br.Verdicts, b.TaskVerdicts...)
		var cause error
		switch {
		case b.PublishErr != nil:
			cause = b.PublishErr
			br.Error = b.PublishErr.Error()
		case b.Err != nil:
			cause = b.Err
			br.Error = b.Err.Error()
		default:
			if f, ok := quality.FirstFailure(b.TaskVerdicts); ok {
				cause = quality.Err(b.TaskVerdicts)
				br.Error = f.String()
			}
		}
		if branchCause == nil && cause != nil {
			branchCause = errors.Wrapf(cause, "branch %s", b.Name)
		}
		rec.Branches = append(rec.Branches, br)
	}

	// A successful attempt can still end uncommitted because of one branch
	if rec.State != task.StateCommitted && ts.LastErr() == nil && branchCause != nil {
		rec.ErrorClass = errors.Classify(branchCause)
		rec.LastError = branchCause.Error()
	}
	return rec
}
