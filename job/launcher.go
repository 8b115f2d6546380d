package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/ixpipe/commit"
	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/fork"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/metrics"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/pulse"
	"github.com/teranos/ixpipe/record"
	"github.com/teranos/ixpipe/task"
	"github.com/teranos/ixpipe/watermark"
	"github.com/teranos/ixpipe/workunit"
)

// Launcher runs jobs. Its collaborators are shared across runs; each
// Launch builds its own pools.
type Launcher struct {
	// Generator plans work units. Nil uses a RangeGenerator over
	// Watermarks.
	Generator  workunit.Generator
	Runner     *task.Runner
	Publisher  commit.Publisher
	Watermarks *watermark.Manager
	// Store archives runs and keeps the failure counter. Optional.
	Store    *Store
	Metrics  *metrics.Pipeline
	Progress pulse.ProgressEmitter
	Log      *zap.SugaredLogger
}

type runConfig struct {
	name          string
	policy        commit.Policy
	maxRetries    int
	retryInterval time.Duration
	maxFailures   int
	executor      pulse.WorkerPoolConfig
	retry         pulse.WorkerPoolConfig
}

func configure(p props.Props) (runConfig, error) {
	cfg := runConfig{name: p.String(props.JobName, "")}
	if cfg.name == "" {
		return cfg, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidConfig, "%s is required", props.JobName),
			"set job.name in the job file")
	}

	var err error
	if cfg.policy, err = commit.PolicyFromProps(p); err != nil {
		return cfg, err
	}
	if cfg.maxRetries, err = p.IntE(props.TaskMaxRetries, props.DefaultTaskMaxRetries); err != nil {
		return cfg, err
	}
	secs, err := p.FloatE(props.TaskRetryIntervalInSecs, props.DefaultTaskRetryIntervalInSecs)
	if err != nil {
		return cfg, err
	}
	cfg.retryInterval = time.Duration(secs * float64(time.Second))
	if cfg.maxFailures, err = p.IntE(props.JobMaxFailures, props.DefaultJobMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.executor, cfg.retry, err = pulse.PoolConfigsFromProps(p); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Launch runs the job described by p: plan, execute with retries, resolve
// commits per dataset, archive. The returned error is Outcome.Err; failed
// work units alone do not make it non-nil, check Outcome.Status.
func (l *Launcher) Launch(ctx context.Context, p props.Props) (*Outcome, error) {
	if l.Runner == nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "launcher needs a task runner")
	}
	cfg, err := configure(p)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, l.Log).Named("job").With(logger.FieldJobName, cfg.name)
	progress := l.progress()

	outcome := &Outcome{
		RunID:     runID,
		JobName:   cfg.name,
		Policy:    cfg.policy,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	run := &Run{
		ID:           runID,
		JobName:      cfg.name,
		CommitPolicy: string(cfg.policy),
		Status:       StatusRunning,
		StartedAt:    outcome.StartedAt,
	}
	if l.Store != nil {
		if err := l.Store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	}
	log.Infow("Job started", logger.FieldPolicy, cfg.policy)

	progress.EmitStage("plan", "Planning work units")
	units, err := l.plan(ctx, p, cfg)
	if err != nil {
		progress.EmitError("plan", err)
		outcome.Err = err
		return l.finish(ctx, outcome, run, nil, cfg, log)
	}

	states := make([]*task.TaskState, len(units))
	tracker, _ := progress.(pulse.TaskTracker)
	for i, wu := range units {
		states[i] = task.NewTaskState(uuid.NewString(), wu)
		if tracker != nil {
			tracker.AddTask(states[i].ID, wu.String())
		}
	}

	progress.EmitStage("run", "Running work units")
	l.execute(ctx, states, cfg, progress, log)

	progress.EmitStage("commit", "Resolving commits")
	if ctx.Err() != nil {
		outcome.Status = StatusCancelled
		abortAll(states, log)
	} else {
		outcome.Datasets, outcome.Err = l.resolve(ctx, states, cfg, log)
	}

	if tracker != nil {
		for _, ts := range states {
			tracker.UpdateTaskStatus(ts.ID, ts.State() == task.StateCommitted, string(ts.State()))
		}
	}
	return l.finish(ctx, outcome, run, states, cfg, log)
}

// Validate checks a job's properties without running it.
func (l *Launcher) Validate(p props.Props) error {
	if _, err := configure(p); err != nil {
		return err
	}
	runner := l.Runner
	if runner == nil {
		runner = &task.Runner{}
	}
	return runner.Validate(p)
}

// Plan returns the work units a launch of p would run now, without running
// them or touching run history.
func (l *Launcher) Plan(ctx context.Context, p props.Props) ([]*workunit.WorkUnit, error) {
	cfg, err := configure(p)
	if err != nil {
		return nil, err
	}
	return l.plan(ctx, p, cfg)
}

func (l *Launcher) progress() pulse.ProgressEmitter {
	if l.Progress == nil {
		return pulse.NopEmitter{}
	}
	return l.Progress
}

func (l *Launcher) plan(ctx context.Context, p props.Props, cfg runConfig) ([]*workunit.WorkUnit, error) {
	gen := l.Generator
	if gen == nil {
		if l.Watermarks == nil {
			return nil, errors.Wrap(errors.ErrInvalidConfig, "launcher needs a generator or a watermark manager")
		}
		var operators *fork.Registry
		if l.Runner != nil {
			operators = l.Runner.Operators
		}
		if operators == nil {
			operators = fork.NewRegistry()
		}
		op, err := operators.FromProps(p)
		if err != nil {
			return nil, err
		}
		gen = &workunit.RangeGenerator{
			Manager:       l.Watermarks,
			Branches:      op.Branches(record.Schema{}),
			PerBranchKeys: cfg.policy.PerBranch(),
			Log:           l.Log,
		}
	}
	units, err := gen.WorkUnits(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "plan work units")
	}
	return units, nil
}

// execute runs every state to a FAILED or SUCCESSFUL final attempt. First
// attempts run on the executor pool; retries wait out the retry interval
// on the retry pool. States whose attempt never ran stay PENDING.
func (l *Launcher) execute(ctx context.Context, states []*task.TaskState, cfg runConfig, progress pulse.ProgressEmitter, log *zap.SugaredLogger) {
	executor := pulse.NewWorkerPool(ctx, cfg.executor, l.Log)
	retry := pulse.NewRetryScheduler(ctx, cfg.retry, l.Log)
	executor.Start()
	retry.Start()
	defer executor.Stop()
	defer retry.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	finished := 0
	done := func(ts *task.TaskState) {
		defer wg.Done()
		mu.Lock()
		finished++
		n := finished
		mu.Unlock()
		progress.EmitProgress(n, map[string]interface{}{
			logger.FieldTaskID: ts.ID,
			logger.FieldState:  string(ts.State()),
		})
	}

	var attempt func(ts *task.TaskState) pulse.Work
	attempt = func(ts *task.TaskState) pulse.Work {
		return func(pctx context.Context) {
			// Every attempt ends in exactly one of done or a scheduled retry
			settled := false
			defer func() {
				if r := recover(); r != nil {
					perr := errors.FromPanic(r)
					log.Errorw("Task attempt panicked", logger.FieldTaskID, ts.ID, logger.FieldError, perr)
					if ts.State() == task.StateRunning {
						_ = ts.Fail(perr)
					}
					if !settled {
						settled = true
						done(ts)
					}
				}
			}()

			if pctx.Err() != nil {
				settled = true
				done(ts)
				return
			}
			err := l.Runner.Run(pctx, ts)
			if err != nil && ts.CanRetry(cfg.maxRetries) {
				if rerr := ts.Retry(cfg.maxRetries); rerr == nil {
					l.Metrics.TaskRetried(ts.WorkUnit.DatasetURN)
					log.Infow("Retrying task",
						logger.FieldTaskID, ts.ID,
						logger.FieldRetries, ts.RetryCount(),
						logger.FieldDelay, cfg.retryInterval,
						logger.FieldError, err)
					retry.Schedule(cfg.retryInterval, attempt(ts))
					settled = true
					return
				}
			}
			settled = true
			done(ts)
		}
	}

	for _, ts := range states {
		wg.Add(1)
		if err := executor.Submit(ctx, attempt(ts)); err != nil {
			log.Debugw("Task not dispatched", logger.FieldTaskID, ts.ID, logger.FieldError, err)
			wg.Done()
		}
	}
	wg.Wait()
}

// resolve commits each dataset's states together, datasets in plan order.
func (l *Launcher) resolve(ctx context.Context, states []*task.TaskState, cfg runConfig, log *zap.SugaredLogger) ([]*commit.DatasetResult, error) {
	coord := &commit.Coordinator{
		Policy:     cfg.policy,
		Publisher:  l.Publisher,
		Watermarks: l.Watermarks,
		Metrics:    l.Metrics,
		Log:        log,
	}

	var order []string
	byDataset := make(map[string][]*task.TaskState)
	for _, ts := range states {
		urn := ts.WorkUnit.DatasetURN
		if _, ok := byDataset[urn]; !ok {
			order = append(order, urn)
		}
		byDataset[urn] = append(byDataset[urn], ts)
	}

	var results []*commit.DatasetResult
	var errs error
	for _, urn := range order {
		res, err := coord.ResolveDataset(ctx, urn, byDataset[urn])
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
		results = append(results, res)
	}
	return results, errs
}

// abortAll resolves every state ABORTED without publishing.
func abortAll(states []*task.TaskState, log *zap.SugaredLogger) {
	for _, ts := range states {
		var err error
		if ts.State() == task.StatePending {
			err = ts.Cancel(errors.Wrap(errors.ErrCancelled, "job cancelled before dispatch"))
		} else {
			err = ts.Resolve(false)
		}
		if err != nil {
			log.Warnw("Failed to abort task", logger.FieldTaskID, ts.ID, logger.FieldError, err)
		}
	}
}

// finish computes the run status, archives the run and updates the failure
// counter.
func (l *Launcher) finish(ctx context.Context, outcome *Outcome, run *Run, states []*task.TaskState, cfg runConfig, log *zap.SugaredLogger) (*Outcome, error) {
	outcome.FinishedAt = time.Now().UTC()
	for _, ts := range states {
		outcome.Units = append(outcome.Units, RecordFromState(outcome.RunID, ts, outcome.FinishedAt))
	}

	committed, aborted, failed := outcome.Counts()
	if outcome.Status == StatusRunning {
		outcome.Status = StatusSucceeded
		if aborted > 0 || outcome.Err != nil {
			outcome.Status = StatusFailed
		}
	}

	// Archiving happens even when the job context is cancelled.
	storeCtx := context.WithoutCancel(ctx)
	if l.Store != nil {
		var err error
		switch outcome.Status {
		case StatusFailed:
			outcome.Failures, err = l.Store.IncrementFailures(storeCtx, cfg.name)
		case StatusSucceeded:
			err = l.Store.ResetFailures(storeCtx, cfg.name)
		default:
			outcome.Failures, err = l.Store.Failures(storeCtx, cfg.name)
		}
		if err != nil {
			outcome.Err = errors.CombineErrors(outcome.Err, err)
		}
		outcome.Disabled = outcome.Failures > cfg.maxFailures
	}

	report := outcome.Report()
	if l.Store != nil {
		finishedAt := outcome.FinishedAt
		run.Status = outcome.Status
		run.WorkUnits = len(outcome.Units)
		run.Committed, run.Aborted, run.Failed = committed, aborted, failed
		run.Report = report
		run.FinishedAt = &finishedAt
		if err := l.Store.SaveTaskStates(storeCtx, outcome.Units); err != nil {
			outcome.Err = errors.CombineErrors(outcome.Err, err)
		}
		if err := l.Store.FinishRun(storeCtx, run); err != nil {
			outcome.Err = errors.CombineErrors(outcome.Err, err)
		}
	}

	l.Metrics.JobFinished(cfg.name, string(outcome.Status))
	l.progress().EmitComplete(map[string]interface{}{
		"run_id":    outcome.RunID,
		"status":    string(outcome.Status),
		"committed": committed,
		"aborted":   aborted,
	})

	kv := []interface{}{
		logger.FieldRunID, outcome.RunID,
		logger.FieldState, outcome.Status,
		"committed", committed,
		"aborted", aborted,
		logger.FieldDurationMS, outcome.FinishedAt.Sub(outcome.StartedAt).Milliseconds(),
	}
	switch {
	case outcome.Inconsistent():
		log.Errorw("Job finished with published data whose watermark was not recorded", append(kv, logger.FieldError, outcome.Err)...)
	case outcome.Status == StatusSucceeded:
		log.Infow("Job finished", kv...)
	default:
		log.Warnw("Job finished", append(kv, logger.FieldError, outcome.Err)...)
	}
	if outcome.Disabled {
		log.Warnw("Job exceeded its failure limit", "failures", outcome.Failures, "max_failures", cfg.maxFailures)
	}
	log.Debugw("Job report\n" + report)

	return outcome, outcome.Err
}
