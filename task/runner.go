package task

import (
	"context"
	"io"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/fork"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/metrics"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/quality"
	"github.com/teranos/ixpipe/record"
	"github.com/teranos/ixpipe/watermark"
	"github.com/teranos/ixpipe/workunit"
)

// Runner executes single task attempts. It is safe for concurrent use;
// each attempt builds its own extractor, writers and distributor.
type Runner struct {
	Extractors ExtractorFactory
	Converters ConverterChain
	Writers    WriterFactory
	Operators  *fork.Registry
	Policies   *quality.Registry
	Metrics    *metrics.Pipeline
	Log        *zap.SugaredLogger
}

// Run performs one attempt: PENDING -> RUNNING -> SUCCESSFUL|FAILED. The
// returned error is the failure cause, also recorded on ts.
func (r *Runner) Run(ctx context.Context, ts *TaskState) error {
	if err := ts.Start(); err != nil {
		return err
	}

	wu := ts.WorkUnit
	log := logger.OrNop(r.Log).Named("task").With(
		logger.FieldTaskID, ts.ID,
		logger.FieldDataset, wu.DatasetURN,
		logger.FieldAttempt, ts.RetryCount()+1,
	)
	log.Debugw("Task attempt started", logger.FieldLow, wu.Interval.Low, logger.FieldHigh, wu.Interval.High)

	start := time.Now()
	done := r.Metrics.TaskStarted(wu.DatasetURN)

	err := r.safeAttempt(ctx, ts, log)
	if err != nil {
		if ferr := ts.Fail(err); ferr != nil {
			return ferr
		}
		done(string(StateFailed), errors.Classify(err))
		log.Infow("Task attempt failed",
			logger.FieldError, err,
			logger.FieldErrorType, errors.Classify(err),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		return err
	}

	if serr := ts.Succeed(); serr != nil {
		return serr
	}
	done(string(StateSuccessful), errors.Classify(nil))
	log.Infow("Task attempt succeeded",
		logger.FieldRowsExtracted, ts.RowsExtracted(),
		logger.FieldHigh, ts.RealizedHigh(),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return nil
}

// safeAttempt runs attempt, turning a panic in a collaborator into an
// ErrPanic failure.
func (r *Runner) safeAttempt(ctx context.Context, ts *TaskState, log *zap.SugaredLogger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.FromPanic(p)
			log.Errorw("Task attempt panicked", logger.FieldError, err, "stack", string(debug.Stack()))
		}
	}()
	return r.attempt(ctx, ts, log)
}

type attemptConfig struct {
	op             fork.Operator
	fork           fork.Config
	maxConvFailure int
	throttle       float64
}

func (r *Runner) configure(p props.Props) (attemptConfig, error) {
	operators := r.Operators
	if operators == nil {
		operators = fork.NewRegistry()
	}
	op, err := operators.FromProps(p)
	if err != nil {
		return attemptConfig{}, err
	}
	fcfg, err := fork.ConfigFromProps(p)
	if err != nil {
		return attemptConfig{}, err
	}
	maxConv, err := p.IntE(props.ConverterMaxFailures, props.DefaultConverterMaxFailures)
	if err != nil {
		return attemptConfig{}, err
	}
	throttle, err := p.FloatE(props.ThrottleRecordsPerSec, 0)
	if err != nil {
		return attemptConfig{}, err
	}
	return attemptConfig{op: op, fork: fcfg, maxConvFailure: maxConv, throttle: throttle}, nil
}

// Validate checks that p configures a runnable attempt: fork operator,
// queue settings, converter threshold, throttle and every branch's quality
// policies.
func (r *Runner) Validate(p props.Props) error {
	cfg, err := r.configure(p)
	if err != nil {
		return err
	}
	policies := r.Policies
	if policies == nil {
		policies = quality.NewRegistry()
	}
	names := cfg.op.Branches(record.Schema{})
	for i, name := range names {
		bp := p.ForBranch(len(names), i)
		rows, err := policies.NewRowChecker(bp, quality.DiscardSink{}, nil)
		if err != nil {
			return errors.Wrapf(err, "branch %s row policies", name)
		}
		_ = rows.Close()
		if _, err := policies.NewTaskChecker(bp, nil); err != nil {
			return errors.Wrapf(err, "branch %s task policies", name)
		}
	}
	return nil
}

func (r *Runner) attempt(ctx context.Context, ts *TaskState, log *zap.SugaredLogger) error {
	wu := ts.WorkUnit
	if r.Extractors == nil || r.Writers == nil {
		return errors.Wrap(errors.ErrInvalidConfig, "runner needs an extractor factory and a writer factory")
	}

	cfg, err := r.configure(wu.Props)
	if err != nil {
		return err
	}

	ext, err := r.Extractors(ctx, wu, wu.Interval)
	if err != nil {
		return extractionError(ctx, err, "open extractor")
	}
	ext = Throttle(ext, cfg.throttle)
	defer func() {
		if err := ext.Close(); err != nil {
			log.Warnw("Failed to close extractor", logger.FieldError, err)
		}
	}()

	schema := ext.Schema()
	if schema.Empty() {
		schema = wu.Schema
	}
	names := cfg.op.Branches(schema)

	handlers, err := r.openBranches(ctx, wu, names, log)
	if err != nil {
		return err
	}
	forkHandlers := make([]fork.Handler, len(handlers))
	for i, h := range handlers {
		forkHandlers[i] = h
	}

	d, err := fork.NewDistributor(ctx, names, forkHandlers, cfg.fork, log)
	if err != nil {
		for _, h := range handlers {
			h.close(log)
		}
		return err
	}

	failure := r.pump(ctx, ext, cfg, schema, d, wu, log)

	var results []fork.BranchResult
	if failure != nil {
		results = d.Abort(failure)
	} else {
		results = d.Close()
	}

	extracted := ext.RowsExtracted()
	expected := ext.ExpectedRecordCount()
	r.Metrics.RowsExtracted(wu.DatasetURN, extracted)

	branches := make([]*BranchState, len(results))
	for i, res := range results {
		h := handlers[i]
		h.close(log)
		bs := &BranchState{
			Index:        res.Index,
			Name:         res.Name,
			Status:       res.Status,
			Err:          res.Err,
			RowsReceived: res.Received,
			RowsWritten:  h.writer.RecordsWritten(),
			RowsDiverted: h.rows.Diverted(),
			Paths:        h.paths,
			RowVerdicts:  h.rows.Summary(),
		}
		if bs.Status == fork.StatusSucceeded {
			bs.TaskVerdicts = h.tasks.Check(quality.TaskStats{
				RowsExpected:  expected,
				RowsExtracted: extracted,
				RowsReceived:  res.Received,
				RowsWritten:   bs.RowsWritten,
				RowsDiverted:  bs.RowsDiverted,
			})
		}
		branches[i] = bs
	}
	ts.setResults(extracted, expected, realizedHigh(ext, wu.Interval), branches)

	if failure != nil {
		return failure
	}
	return branchFailure(branches)
}

func (r *Runner) openBranches(ctx context.Context, wu *workunit.WorkUnit, names []string, log *zap.SugaredLogger) ([]*branchHandler, error) {
	policies := r.Policies
	if policies == nil {
		policies = quality.NewRegistry()
	}

	handlers := make([]*branchHandler, 0, len(names))
	fail := func(err error) ([]*branchHandler, error) {
		for _, h := range handlers {
			h.close(log)
		}
		return nil, err
	}

	for i, name := range names {
		bp := wu.Props.ForBranch(len(names), i)
		blog := log.With(logger.FieldBranch, name)

		rows, err := policies.NewRowChecker(bp, errorSinkFor(bp, wu, name), blog)
		if err != nil {
			return fail(errors.Wrapf(err, "branch %s row policies", name))
		}
		tasks, err := policies.NewTaskChecker(bp, blog)
		if err != nil {
			return fail(errors.Wrapf(err, "branch %s task policies", name))
		}
		w, err := r.Writers(ctx, wu, i, name)
		if err != nil {
			return fail(tagUnclassified(err, errors.ErrWriter, "open writer for branch "+name))
		}
		handlers = append(handlers, &branchHandler{
			dataset: wu.DatasetURN,
			name:    name,
			writer:  w,
			rows:    rows,
			tasks:   tasks,
			metrics: r.Metrics,
		})
	}
	return handlers, nil
}

// pump is the producer loop: extract, convert, route, offer.
func (r *Runner) pump(ctx context.Context, ext Extractor, cfg attemptConfig, schema record.Schema, d *fork.Distributor, wu *workunit.WorkUnit, log *zap.SugaredLogger) (failure error) {
	// A panic here must still abort the distributor's branch goroutines
	defer func() {
		if p := recover(); p != nil {
			failure = errors.FromPanic(p)
			log.Errorw("Extraction panicked", logger.FieldError, failure, "stack", string(debug.Stack()))
		}
	}()

	convFailures := 0
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.Tag(err, errors.ErrCancelled), "task cancelled")
		}

		rec, err := ext.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return extractionError(ctx, err, "read record")
		}

		outs, err := r.Converters.Convert(rec)
		if err != nil {
			convFailures++
			r.Metrics.ConversionFailed(wu.DatasetURN)
			if convFailures > cfg.maxConvFailure {
				return errors.WithDetailf(
					errors.Wrapf(err, "%d conversion failures exceed limit %d", convFailures, cfg.maxConvFailure),
					"Work unit: %s", wu.ID)
			}
			log.Debugw("Dropped record after conversion failure", logger.FieldError, err, logger.FieldCount, convFailures)
			continue
		}

		for _, out := range outs {
			targets, err := cfg.op.Route(out, schema)
			if err != nil {
				return errors.Wrap(err, "route record")
			}
			if len(targets) == 0 {
				continue
			}
			if err := d.Offer(ctx, out, targets); err != nil {
				return err
			}
		}
	}
}

// branchFailure returns the error that fails the task, if any branch
// failed. Retryable causes win so a transient writer failure gets another
// attempt.
func branchFailure(branches []*BranchState) error {
	var retryable, fatal error
	for _, b := range branches {
		var err error
		switch {
		case b.Status == fork.StatusFailed:
			err = b.Err
		case b.Status == fork.StatusSucceeded:
			err = quality.Err(b.TaskVerdicts)
		}
		if err == nil {
			continue
		}
		err = errors.WithDetailf(err, "Branch: %s", b.Name)
		if errors.IsRetryable(err) {
			if retryable == nil {
				retryable = err
			}
		} else if fatal == nil {
			fatal = err
		}
	}
	if retryable != nil {
		return retryable
	}
	return fatal
}

func realizedHigh(ext Extractor, iv watermark.Interval) watermark.Watermark {
	if w, ok := ext.HighWatermark(); ok && !w.IsAbsent() {
		return w
	}
	if !iv.Unbounded {
		return iv.High
	}
	return watermark.Absent
}

func extractionError(ctx context.Context, err error, msg string) error {
	if ctx.Err() != nil {
		return errors.Wrap(errors.Tag(err, errors.ErrCancelled), msg)
	}
	return tagUnclassified(err, errors.ErrExtraction, msg)
}
