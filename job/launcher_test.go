package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ixpipe/commit"
	"github.com/teranos/ixpipe/db"
	"github.com/teranos/ixpipe/errors"
	ixtest "github.com/teranos/ixpipe/internal/testing"
	"github.com/teranos/ixpipe/metrics"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/record"
	"github.com/teranos/ixpipe/task"
	"github.com/teranos/ixpipe/watermark"
	"github.com/teranos/ixpipe/workunit"
)

const dataset = "db.orders"

type env struct {
	source    *ixtest.ExtractorSource
	writers   *ixtest.WriterSet
	store     *Store
	marks     *watermark.SQLStore
	launcher  *Launcher
	mu        sync.Mutex
	published []commit.DatasetMetadata
}

func newEnv(t *testing.T, build func(*workunit.WorkUnit, watermark.Interval, int) (*ixtest.SliceExtractor, error)) *env {
	t.Helper()
	conn := ixtest.CreateTestDB(t)
	e := &env{
		source:  &ixtest.ExtractorSource{Build: build},
		writers: &ixtest.WriterSet{},
		store:   NewStore(conn, db.SQLite),
		marks:   watermark.NewSQLStore(conn, db.SQLite),
	}
	runner := &task.Runner{
		Extractors: func(ctx context.Context, wu *workunit.WorkUnit, iv watermark.Interval) (task.Extractor, error) {
			ext, err := e.source.Open(ctx, wu, iv)
			if err != nil {
				return nil, err
			}
			return ext, nil
		},
		Writers: func(ctx context.Context, wu *workunit.WorkUnit, i int, name string) (task.Writer, error) {
			return e.writers.Open(ctx, wu, i, name)
		},
	}
	e.launcher = &Launcher{
		Runner: runner,
		Publisher: commit.PublisherFunc(func(_ context.Context, _ []string, meta commit.DatasetMetadata) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.published = append(e.published, meta)
			return nil
		}),
		Watermarks: watermark.NewManager(e.marks, nil),
		Store:      e.store,
	}
	return e
}

func (e *env) publishedBranches() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.published))
	for i, m := range e.published {
		out[i] = m.Branch
	}
	return out
}

func (e *env) watermark(t *testing.T, key string) (watermark.Watermark, bool) {
	t.Helper()
	w, ok, err := e.marks.PreviousHighWatermark(context.Background(), key)
	require.NoError(t, err)
	return w, ok
}

func fixed(n int) func(*workunit.WorkUnit, watermark.Interval, int) (*ixtest.SliceExtractor, error) {
	return func(*workunit.WorkUnit, watermark.Interval, int) (*ixtest.SliceExtractor, error) {
		return &ixtest.SliceExtractor{Records: ixtest.Records(n)}, nil
	}
}

func jobProps(overrides props.Props) props.Props {
	p := props.Props{
		props.JobName:                "orders",
		props.DatasetURN:             dataset,
		props.StartValue:             "0",
		props.EndValue:               "300",
		props.PartitionInterval:      "100",
		props.LowWatermarkBackupSecs: "0",
	}
	return p.Merge(overrides)
}

func TestLaunchCommitsAllPartitions(t *testing.T) {
	e := newEnv(t, fixed(20))
	reg := prometheus.NewRegistry()
	e.launcher.Metrics = metrics.New(reg)

	out, err := e.launcher.Launch(context.Background(), jobProps(nil))
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, out.Status)
	require.Len(t, out.Units, 3)
	committed, aborted, failed := out.Counts()
	assert.Equal(t, 3, committed)
	assert.Zero(t, aborted)
	assert.Zero(t, failed)
	assert.Len(t, e.publishedBranches(), 3)

	w, ok := e.watermark(t, dataset)
	require.True(t, ok)
	assert.Equal(t, watermark.Watermark(300), w)

	require.Len(t, out.Datasets, 1)
	assert.Equal(t, 3, out.Datasets[0].Committed)

	runs, err := e.store.ListRuns(context.Background(), "orders", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].ID)
	assert.Equal(t, StatusSucceeded, runs[0].Status)
	assert.Equal(t, 3, runs[0].Committed)
	assert.Contains(t, runs[0].Report, "SUCCEEDED")

	archived, err := e.store.ListTaskStates(context.Background(), out.RunID)
	require.NoError(t, err)
	require.Len(t, archived, 3)
	for i, rec := range archived {
		assert.Equal(t, task.StateCommitted, rec.State)
		assert.Equal(t, watermark.Watermark(i*100), rec.Low)
		require.Len(t, rec.Branches, 1)
		assert.Equal(t, int64(20), rec.Branches[0].RowsWritten)
		assert.Equal(t, dataset, rec.Branches[0].WatermarkKey)
	}

	count, err := testutil.GatherAndCount(reg, "ixpipe_job_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLaunchResumesFromCommittedWatermark(t *testing.T) {
	e := newEnv(t, fixed(5))

	_, err := e.launcher.Launch(context.Background(), jobProps(nil))
	require.NoError(t, err)

	out, err := e.launcher.Launch(context.Background(), jobProps(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)
	assert.Empty(t, out.Units)

	out, err = e.launcher.Launch(context.Background(), jobProps(props.Props{props.EndValue: "400"}))
	require.NoError(t, err)
	require.Len(t, out.Units, 1)
	assert.Equal(t, watermark.Watermark(300), out.Units[0].Low)
	assert.Equal(t, watermark.Watermark(400), out.Units[0].High)

	w, _ := e.watermark(t, dataset)
	assert.Equal(t, watermark.Watermark(400), w)
}

func TestLaunchRetriesUntilExhausted(t *testing.T) {
	e := newEnv(t, func(*workunit.WorkUnit, watermark.Interval, int) (*ixtest.SliceExtractor, error) {
		return nil, errors.New("connection refused")
	})
	p := jobProps(props.Props{
		props.EndValue:                "100",
		props.TaskMaxRetries:          "2",
		props.TaskRetryIntervalInSecs: "0.05",
		props.JobMaxFailures:          "1",
	})

	out, err := e.launcher.Launch(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Status)
	require.Len(t, out.Units, 1)
	unit := out.Units[0]
	assert.Equal(t, task.StateAborted, unit.State)
	assert.Equal(t, 2, unit.RetryCount)
	assert.Equal(t, "extraction", unit.ErrorClass)
	assert.Contains(t, unit.LastError, "connection refused")

	attempts := e.source.Attempts(unit.WorkUnitID)
	require.Len(t, attempts, 3)
	for i := 1; i < len(attempts); i++ {
		assert.GreaterOrEqual(t, attempts[i].Sub(attempts[i-1]), 50*time.Millisecond)
	}

	assert.Empty(t, e.publishedBranches())
	_, ok := e.watermark(t, dataset)
	assert.False(t, ok)

	assert.Equal(t, 1, out.Failures)
	assert.False(t, out.Disabled)

	out, err = e.launcher.Launch(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Failures)
	assert.True(t, out.Disabled)
	assert.Contains(t, out.Report(), "job disabled")
}

func TestLaunchRetryThenSucceed(t *testing.T) {
	e := newEnv(t, func(_ *workunit.WorkUnit, _ watermark.Interval, attempt int) (*ixtest.SliceExtractor, error) {
		if attempt == 1 {
			return &ixtest.SliceExtractor{Records: ixtest.Records(10), FailAt: 4, Err: errors.New("socket closed")}, nil
		}
		return &ixtest.SliceExtractor{Records: ixtest.Records(10)}, nil
	})
	p := jobProps(props.Props{
		props.EndValue:                "100",
		props.TaskMaxRetries:          "3",
		props.TaskRetryIntervalInSecs: "0.01",
	})

	out, err := e.launcher.Launch(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, out.Status)
	require.Len(t, out.Units, 1)
	assert.Equal(t, task.StateCommitted, out.Units[0].State)
	assert.Equal(t, 1, out.Units[0].RetryCount)
	assert.Len(t, e.source.Attempts(out.Units[0].WorkUnitID), 2)
	assert.Zero(t, out.Failures)

	w, _ := e.watermark(t, dataset)
	assert.Equal(t, watermark.Watermark(100), w)
}

func TestLaunchCommitPolicies(t *testing.T) {
	failMiddle := func(w *ixtest.MemoryWriter, _ *workunit.WorkUnit, branch int) {
		if branch == 1 {
			w.FailFlush = errors.New("staging volume full")
		}
	}
	base := props.Props{
		props.EndValue:       "100",
		props.ForkBranches:   "3",
		props.TaskMaxRetries: "0",
	}

	t.Run("full", func(t *testing.T) {
		e := newEnv(t, fixed(10))
		e.writers.Configure = failMiddle

		out, err := e.launcher.Launch(context.Background(), jobProps(base.Merge(props.Props{props.JobCommitPolicy: "full"})))
		require.NoError(t, err)

		assert.Equal(t, StatusFailed, out.Status)
		assert.Empty(t, e.publishedBranches())
		_, ok := e.watermark(t, dataset)
		assert.False(t, ok)
	})

	t.Run("partial", func(t *testing.T) {
		e := newEnv(t, fixed(10))
		e.writers.Configure = failMiddle

		out, err := e.launcher.Launch(context.Background(), jobProps(base.Merge(props.Props{props.JobCommitPolicy: "partial"})))
		require.NoError(t, err)

		assert.Equal(t, StatusFailed, out.Status)
		assert.ElementsMatch(t, []string{"fork_0", "fork_2"}, e.publishedBranches())

		for _, branch := range []string{"fork_0", "fork_2"} {
			w, ok := e.watermark(t, watermark.BranchKey(dataset, branch))
			require.True(t, ok, branch)
			assert.Equal(t, watermark.Watermark(100), w)
		}
		_, ok := e.watermark(t, watermark.BranchKey(dataset, "fork_1"))
		assert.False(t, ok)

		require.Len(t, out.Datasets, 1)
		assert.Contains(t, out.Datasets[0].HeldBack, watermark.BranchKey(dataset, "fork_1"))

		require.Len(t, out.Units, 1)
		require.Len(t, out.Units[0].Branches, 3)
		assert.Contains(t, out.Units[0].Branches[1].Error, "staging volume full")
	})
}

// slowWriter delays every Write.
type slowWriter struct {
	task.Writer
	delay time.Duration
}

func (w slowWriter) Write(ctx context.Context, rec record.Record) error {
	select {
	case <-time.After(w.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.Writer.Write(ctx, rec)
}

func TestLaunchReportsBranchCauseForUncommittedUnit(t *testing.T) {
	e := newEnv(t, fixed(50))
	open := e.launcher.Runner.Writers
	e.launcher.Runner.Writers = func(ctx context.Context, wu *workunit.WorkUnit, i int, name string) (task.Writer, error) {
		w, err := open(ctx, wu, i, name)
		if err != nil || i != 1 {
			return w, err
		}
		return slowWriter{Writer: w, delay: 200 * time.Millisecond}, nil
	}
	p := jobProps(props.Props{
		props.EndValue:                "100",
		props.ForkBranches:            "2",
		props.ForkQueueCapacity:       "10",
		props.ForkQueueTimeout:        "10",
		props.ForkFailOnBranchTimeout: "false",
		props.TaskMaxRetries:          "0",
	})

	out, err := e.launcher.Launch(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Status)
	require.Len(t, out.Units, 1)
	u := out.Units[0]
	assert.Equal(t, task.StateAborted, u.State)
	assert.Equal(t, "branch_timeout", u.ErrorClass)
	assert.Contains(t, u.LastError, "fork_1")
	assert.Empty(t, e.publishedBranches())

	_, _, failed := out.Counts()
	assert.Equal(t, 1, failed)
	assert.Contains(t, out.Report(), "branch_timeout: branch fork_1")
}

func TestLaunchCancelled(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	e := newEnv(t, func(*workunit.WorkUnit, watermark.Interval, int) (*ixtest.SliceExtractor, error) {
		once.Do(func() { close(started) })
		return &ixtest.SliceExtractor{Records: ixtest.Records(3), Block: true}, nil
	})
	p := jobProps(props.Props{
		props.EndValue:             "100",
		props.TaskMaxRetries:       "3",
		props.TaskExecutorPoolSize: "1",
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out, err := e.launcher.Launch(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, out.Status)
	require.Len(t, out.Units, 1)
	assert.Equal(t, task.StateAborted, out.Units[0].State)
	assert.Equal(t, "cancelled", out.Units[0].ErrorClass)
	assert.Len(t, e.source.Attempts(out.Units[0].WorkUnitID), 1)
	assert.Empty(t, e.publishedBranches())
	_, ok := e.watermark(t, dataset)
	assert.False(t, ok)

	run, err := e.store.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestLaunchSurvivesExtractorPanic(t *testing.T) {
	e := newEnv(t, func(*workunit.WorkUnit, watermark.Interval, int) (*ixtest.SliceExtractor, error) {
		panic("extractor bug")
	})
	p := jobProps(props.Props{
		props.EndValue:                "100",
		props.TaskMaxRetries:          "3",
		props.TaskRetryIntervalInSecs: "0.01",
	})

	type result struct {
		out *Outcome
		err error
	}
	finished := make(chan result, 1)
	go func() {
		out, err := e.launcher.Launch(context.Background(), p)
		finished <- result{out, err}
	}()

	var res result
	select {
	case res = <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Launch did not return after the extractor panicked")
	}
	require.NoError(t, res.err)
	out := res.out

	assert.Equal(t, StatusFailed, out.Status)
	require.Len(t, out.Units, 1)
	assert.Equal(t, task.StateAborted, out.Units[0].State)
	assert.Equal(t, "panic", out.Units[0].ErrorClass)
	assert.Contains(t, out.Units[0].LastError, "extractor bug")
	assert.Zero(t, out.Units[0].RetryCount)
	assert.Len(t, e.source.Attempts(out.Units[0].WorkUnitID), 1)
	assert.Empty(t, e.publishedBranches())

	run, err := e.store.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestLaunchRequiresJobName(t *testing.T) {
	e := newEnv(t, fixed(1))
	p := jobProps(nil)
	delete(p, props.JobName)

	_, err := e.launcher.Launch(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestLaunchWithGenerator(t *testing.T) {
	e := newEnv(t, fixed(4))
	var ids []string
	e.launcher.Generator = workunit.GeneratorFunc(func(_ context.Context, p props.Props) ([]*workunit.WorkUnit, error) {
		var units []*workunit.WorkUnit
		for i, urn := range []string{"db.users", "db.orders"} {
			wu := workunit.New(urn, watermark.Interval{Low: 0, High: watermark.Watermark(10 * (i + 1))}, p.Copy())
			ids = append(ids, wu.ID)
			units = append(units, wu)
		}
		return units, nil
	})

	out, err := e.launcher.Launch(context.Background(), jobProps(nil))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, out.Status)

	require.Len(t, out.Datasets, 2)
	assert.Equal(t, "db.users", out.Datasets[0].DatasetURN)
	assert.Equal(t, "db.orders", out.Datasets[1].DatasetURN)

	for urn, want := range map[string]watermark.Watermark{"db.users": 10, "db.orders": 20} {
		w, ok := e.watermark(t, urn)
		require.True(t, ok, urn)
		assert.Equal(t, want, w)
	}
	assert.Len(t, ids, 2)
}

type recordingProgress struct {
	mu       sync.Mutex
	stages   []string
	added    map[string]string
	statuses map[string]string
	summary  map[string]interface{}
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{added: map[string]string{}, statuses: map[string]string{}}
}

func (r *recordingProgress) EmitStage(stage, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recordingProgress) EmitProgress(int, map[string]interface{}) {}
func (r *recordingProgress) EmitError(string, error)                  {}
func (r *recordingProgress) EmitInfo(string)                          {}

func (r *recordingProgress) EmitComplete(summary map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = summary
}

func (r *recordingProgress) AddTask(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added[id] = name
}

func (r *recordingProgress) UpdateTaskStatus(id string, _ bool, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = result
}

func TestLaunchReportsProgress(t *testing.T) {
	e := newEnv(t, fixed(2))
	progress := newRecordingProgress()
	e.launcher.Progress = progress

	out, err := e.launcher.Launch(context.Background(), jobProps(nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"plan", "run", "commit"}, progress.stages)
	assert.Len(t, progress.added, 3)
	for id, state := range progress.statuses {
		assert.Contains(t, progress.added, id)
		assert.Equal(t, string(task.StateCommitted), state)
	}
	assert.Equal(t, string(StatusSucceeded), progress.summary["status"])
	assert.Equal(t, 3, progress.summary["committed"])
	assert.Equal(t, out.RunID, progress.summary["run_id"])
}

func TestOutcomeReport(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := &Outcome{
		RunID:      "run-1",
		JobName:    "orders",
		Policy:     commit.PolicyPartial,
		Status:     StatusFailed,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		Units: []TaskRecord{
			{
				DatasetURN: dataset, State: task.StateCommitted, ErrorClass: "none",
				Low: 0, High: 100, RealizedHigh: 100, RowsExtracted: 10,
				Branches: []BranchRecord{{Index: 0, Name: "default", Status: "COMMITTED", RowsWritten: 10, WatermarkKey: dataset}},
			},
			{
				DatasetURN: dataset, State: task.StateAborted, RetryCount: 2, ErrorClass: "extraction",
				LastError: "connection refused\nstack", Low: 100, High: watermark.Absent, RealizedHigh: watermark.Absent,
			},
		},
	}

	report := out.Report()
	assert.Contains(t, report, "job orders run run-1: FAILED (policy partial, 1 committed, 1 aborted, 1.5s)")
	assert.Contains(t, report, "DATASET")
	assert.Contains(t, report, "[0, 100)")
	assert.Contains(t, report, "[100, +inf)")
	assert.Contains(t, report, "extraction: connection refused")
	assert.NotContains(t, report, "stack")
	assert.Contains(t, report, "#0 default")

	committed, aborted, failed := out.Counts()
	assert.Equal(t, []int{1, 1, 1}, []int{committed, aborted, failed})
	assert.False(t, out.Inconsistent())

	out.Units[0].Inconsistent = true
	assert.True(t, out.Inconsistent())
	assert.Contains(t, out.Report(), "INCONSISTENT")

	out.Datasets = []*commit.DatasetResult{{DatasetURN: dataset, Unrealized: []string{dataset}}}
	assert.Contains(t, out.Report(), "watermark not recorded for db.orders")
}

func TestConfigure(t *testing.T) {
	cfg, err := configure(jobProps(props.Props{props.TaskRetryIntervalInSecs: "1.5", props.TaskMaxRetries: "4"}))
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.name)
	assert.Equal(t, commit.PolicyFull, cfg.policy)
	assert.Equal(t, 4, cfg.maxRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.retryInterval)
	assert.Equal(t, props.DefaultJobMaxFailures, cfg.maxFailures)

	_, err = configure(jobProps(props.Props{props.TaskMaxRetries: "many"}))
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))

	_, err = configure(jobProps(props.Props{props.JobCommitPolicy: "eventual"}))
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))

}

func TestPlanDoesNotRun(t *testing.T) {
	e := newEnv(t, fixed(1))

	units, err := e.launcher.Plan(context.Background(), jobProps(nil))
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, watermark.Watermark(200), units[2].Interval.Low)
	assert.Empty(t, e.source.Attempts(units[0].ID))

	runs, err := e.store.ListRuns(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestValidate(t *testing.T) {
	l := &Launcher{}
	assert.NoError(t, l.Validate(jobProps(props.Props{props.ForkBranches: "2"})))
	assert.Error(t, l.Validate(jobProps(props.Props{props.ForkQueueCapacity: "0"})))
	assert.Error(t, l.Validate(jobProps(props.Props{props.JobCommitPolicy: "eventual"})))
}
