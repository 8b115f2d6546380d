package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/ixpipe/db"
	"github.com/teranos/ixpipe/errors"
)

// Store persists run history, archived task states and the job failure
// counter.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewStore creates a job store over a migrated database.
func NewStore(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{db: conn, dialect: dialect, now: time.Now}
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// CreateRun inserts a RUNNING run.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	query := s.q(`
		INSERT INTO job_runs (
			id, job_name, commit_policy, status,
			work_units, committed, aborted, failed,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.JobName,
		run.CommitPolicy,
		string(run.Status),
		run.WorkUnits,
		run.Committed,
		run.Aborted,
		run.Failed,
		run.StartedAt,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to create job run"), "Run ID: %s", run.ID)
	}
	return nil
}

// FinishRun records a run's final counts, status and report.
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	query := s.q(`
		UPDATE job_runs
		SET status = ?,
		    work_units = ?,
		    committed = ?,
		    aborted = ?,
		    failed = ?,
		    report = ?,
		    finished_at = ?
		WHERE id = ?
	`)
	report := sql.NullString{String: run.Report, Valid: run.Report != ""}
	res, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		run.WorkUnits,
		run.Committed,
		run.Aborted,
		run.Failed,
		report,
		run.FinishedAt,
		run.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to finish job run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job run %s", run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := s.q(`SELECT ` + StandardRunSelectColumns() + ` FROM job_runs WHERE id = ?`)

	var run Run
	args := &RunScanArgs{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(GetRunScanTargets(&run, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job run %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job run")
	}
	ProcessRunScanArgs(&run, args)
	return &run, nil
}

// ListRuns returns the latest runs, newest first. An empty jobName lists
// every job.
func (s *Store) ListRuns(ctx context.Context, jobName string, limit int) ([]*Run, error) {
	base := `SELECT ` + StandardRunSelectColumns() + ` FROM job_runs`
	var query string
	var args []interface{}
	if jobName != "" {
		query = base + ` WHERE job_name = ? ORDER BY started_at DESC LIMIT ?`
		args = []interface{}{jobName, limit}
	} else {
		query = base + ` ORDER BY started_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		scan := &RunScanArgs{}
		if err := rows.Scan(GetRunScanTargets(&run, scan)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job run")
		}
		ProcessRunScanArgs(&run, scan)
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job runs")
	}
	return runs, nil
}

// SaveTaskStates archives a run's task records in one transaction.
func (s *Store) SaveTaskStates(ctx context.Context, records []TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO task_states (
			id, run_id, work_unit_id, dataset_urn, state,
			retry_count, error_class, last_error,
			rows_extracted, rows_expected,
			low_watermark, high_watermark, realized_high,
			branches, inconsistent, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return errors.Wrap(err, "failed to prepare task state insert")
	}
	defer stmt.Close()

	for _, rec := range records {
		branches, err := json.Marshal(rec.Branches)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal branches for task %s", rec.ID)
		}
		lastErr := sql.NullString{String: rec.LastError, Valid: rec.LastError != ""}
		if _, err := stmt.ExecContext(ctx,
			rec.ID,
			rec.RunID,
			rec.WorkUnitID,
			rec.DatasetURN,
			string(rec.State),
			rec.RetryCount,
			rec.ErrorClass,
			lastErr,
			rec.RowsExtracted,
			rec.RowsExpected,
			int64(rec.Low),
			int64(rec.High),
			int64(rec.RealizedHigh),
			string(branches),
			rec.Inconsistent,
			rec.UpdatedAt,
		); err != nil {
			return errors.WithDetailf(errors.Wrap(err, "failed to archive task state"), "Task ID: %s", rec.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit task states")
	}
	return nil
}

// ListTaskStates returns a run's archived task records ordered by dataset
// and interval.
func (s *Store) ListTaskStates(ctx context.Context, runID string) ([]TaskRecord, error) {
	query := s.q(`SELECT ` + StandardTaskSelectColumns() + `
		FROM task_states
		WHERE run_id = ?
		ORDER BY dataset_urn, low_watermark, id`)

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list task states")
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		args := &TaskScanArgs{}
		if err := rows.Scan(GetTaskScanTargets(&rec, args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan task state")
		}
		if err := ProcessTaskScanArgs(&rec, args); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task states")
	}
	return records, nil
}

// IncrementFailures bumps the job's failed-run counter and returns the new
// value.
func (s *Store) IncrementFailures(ctx context.Context, jobName string) (int, error) {
	query := s.q(`
		INSERT INTO job_failures (job_name, failures, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(job_name) DO UPDATE
		SET failures = job_failures.failures + 1,
		    updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, jobName, s.now().UTC()); err != nil {
		return 0, errors.Wrap(err, "failed to increment job failures")
	}
	return s.Failures(ctx, jobName)
}

// ResetFailures clears the counter after a successful run.
func (s *Store) ResetFailures(ctx context.Context, jobName string) error {
	query := s.q(`DELETE FROM job_failures WHERE job_name = ?`)
	if _, err := s.db.ExecContext(ctx, query, jobName); err != nil {
		return errors.Wrap(err, "failed to reset job failures")
	}
	return nil
}

// Failures returns the job's failed-run counter, zero when none recorded.
func (s *Store) Failures(ctx context.Context, jobName string) (int, error) {
	query := s.q(`SELECT failures FROM job_failures WHERE job_name = ?`)
	var n int
	err := s.db.QueryRowContext(ctx, query, jobName).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read job failures")
	}
	return n, nil
}
