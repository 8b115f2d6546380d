package job

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/task"
	"github.com/teranos/ixpipe/watermark"
)

// RunScanArgs holds the nullable columns scanned from a job_runs row.
type RunScanArgs struct {
	Status     string
	Report     sql.NullString
	FinishedAt sql.NullTime
}

// GetRunScanTargets returns scan targets in StandardRunSelectColumns order.
func GetRunScanTargets(run *Run, args *RunScanArgs) []interface{} {
	return []interface{}{
		&run.ID,
		&run.JobName,
		&run.CommitPolicy,
		&args.Status,
		&run.WorkUnits,
		&run.Committed,
		&run.Aborted,
		&run.Failed,
		&args.Report,
		&run.StartedAt,
		&args.FinishedAt,
	}
}

// ProcessRunScanArgs copies the scanned nullable columns into run.
func ProcessRunScanArgs(run *Run, args *RunScanArgs) {
	run.Status = Status(args.Status)
	if args.Report.Valid {
		run.Report = args.Report.String
	}
	if args.FinishedAt.Valid {
		t := args.FinishedAt.Time
		run.FinishedAt = &t
	}
}

// StandardRunSelectColumns returns the column list for job_runs queries
func StandardRunSelectColumns() string {
	return `id, job_name, commit_policy, status,
		work_units, committed, aborted, failed,
		report, started_at, finished_at`
}

// TaskScanArgs holds the columns of a task_states row that need conversion.
type TaskScanArgs struct {
	State        string
	LastError    sql.NullString
	Low          int64
	High         int64
	RealizedHigh int64
	BranchesJSON sql.NullString
}

// GetTaskScanTargets returns scan targets in StandardTaskSelectColumns order.
func GetTaskScanTargets(rec *TaskRecord, args *TaskScanArgs) []interface{} {
	return []interface{}{
		&rec.ID,
		&rec.RunID,
		&rec.WorkUnitID,
		&rec.DatasetURN,
		&args.State,
		&rec.RetryCount,
		&rec.ErrorClass,
		&args.LastError,
		&rec.RowsExtracted,
		&rec.RowsExpected,
		&args.Low,
		&args.High,
		&args.RealizedHigh,
		&args.BranchesJSON,
		&rec.Inconsistent,
		&rec.UpdatedAt,
	}
}

// ProcessTaskScanArgs populates rec from the scanned arguments.
func ProcessTaskScanArgs(rec *TaskRecord, args *TaskScanArgs) error {
	rec.State = task.State(args.State)
	rec.Low = watermark.Watermark(args.Low)
	rec.High = watermark.Watermark(args.High)
	rec.RealizedHigh = watermark.Watermark(args.RealizedHigh)
	if args.LastError.Valid {
		rec.LastError = args.LastError.String
	}
	if args.BranchesJSON.Valid && args.BranchesJSON.String != "" {
		if err := json.Unmarshal([]byte(args.BranchesJSON.String), &rec.Branches); err != nil {
			return errors.Wrapf(err, "failed to unmarshal branches for task %s", rec.ID)
		}
	}
	return nil
}

// StandardTaskSelectColumns returns the column list for task_states queries
func StandardTaskSelectColumns() string {
	return `id, run_id, work_unit_id, dataset_urn, state,
		retry_count, error_class, last_error,
		rows_extracted, rows_expected,
		low_watermark, high_watermark, realized_high,
		branches, inconsistent, updated_at`
}
