package commit

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/metrics"
	"github.com/teranos/ixpipe/task"
	"github.com/teranos/ixpipe/watermark"
)

// Coordinator resolves finished tasks: it publishes what the policy allows,
// moves each task to COMMITTED or ABORTED and advances watermarks.
type Coordinator struct {
	Policy     Policy
	Publisher  Publisher
	Watermarks *watermark.Manager
	Metrics    *metrics.Pipeline
	Log        *zap.SugaredLogger
}

// DatasetResult summarizes one dataset's resolution.
type DatasetResult struct {
	DatasetURN string
	Committed  int
	Aborted    int
	// Watermarks holds the value recorded for every key this resolution
	// committed.
	Watermarks map[string]watermark.Watermark
	// HeldBack lists keys whose watermark stopped before a unit that did not
	// commit.
	HeldBack []string
	// Unrealized lists keys whose committed units reported no realized high
	// watermark. Their data is re-extracted by the next run.
	Unrealized   []string
	Inconsistent bool
}

// Resolve resolves a single task.
func (c *Coordinator) Resolve(ctx context.Context, ts *task.TaskState) (*DatasetResult, error) {
	return c.ResolveDataset(ctx, ts.WorkUnit.DatasetURN, []*task.TaskState{ts})
}

// ResolveDataset resolves every task of one dataset together, after all of
// them have finished. Units are published independently. Each watermark key
// advances to the highest realized watermark over the leading run of units,
// ordered by interval, that committed under that key; a unit that did not
// commit holds the key back so the next run re-extracts from it.
//
// The returned error combines publish failures (ErrPublish) and watermark
// failures after publication (ErrStateStore).
func (c *Coordinator) ResolveDataset(ctx context.Context, datasetURN string, states []*task.TaskState) (*DatasetResult, error) {
	log := logger.OrNop(c.Log).Named("commit").With(
		logger.FieldDataset, datasetURN,
		logger.FieldPolicy, c.policy(),
	)
	result := &DatasetResult{DatasetURN: datasetURN, Watermarks: make(map[string]watermark.Watermark)}

	ordered := append([]*task.TaskState(nil), states...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].WorkUnit, ordered[j].WorkUnit
		if a.Interval.Low != b.Interval.Low {
			return a.Interval.Low < b.Interval.Low
		}
		return a.Partition < b.Partition
	})

	var errs error
	for _, ts := range ordered {
		committed, err := c.resolveUnit(ctx, ts, log)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
		if committed {
			result.Committed++
		} else {
			result.Aborted++
		}
	}

	if err := c.advance(ctx, ordered, result, log); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return result, errs
}

func (c *Coordinator) policy() Policy {
	if c.Policy == "" {
		return PolicyFull
	}
	return c.Policy
}

// resolveUnit publishes the branches the policy selects and applies the
// terminal transition.
func (c *Coordinator) resolveUnit(ctx context.Context, ts *task.TaskState, log *zap.SugaredLogger) (bool, error) {
	log = log.With(logger.FieldTaskID, ts.ID, logger.FieldWorkUnit, ts.WorkUnit.ID)

	switch ts.State() {
	case task.StatePending:
		if err := ts.Cancel(errors.Wrap(errors.ErrCancelled, "job ended before dispatch")); err != nil {
			return false, err
		}
		return false, nil
	case task.StateSuccessful, task.StateFailed:
	default:
		return false, errors.Wrapf(errors.ErrIllegalTransition, "task %s cannot be resolved from %s", ts.ID, ts.State())
	}

	branches := ts.Branches()
	selected := c.selectBranches(ts, branches)

	var errs error
	for _, b := range branches {
		b.WatermarkKey = c.policy().WatermarkKey(ts.WorkUnit.DatasetURN, b.Name, len(branches))
		if !selected[b.Index] {
			continue
		}
		if err := c.publish(ctx, ts, b, len(branches)); err != nil {
			b.PublishErr = err
			ts.SetPublishError(err)
			errs = errors.CombineErrors(errs, err)
			log.Warnw("Branch publish failed", logger.FieldBranch, b.Name, logger.FieldError, err)
			continue
		}
		b.Committed = true
	}

	committed := len(branches) > 0
	for _, b := range branches {
		committed = committed && b.Committed
		c.Metrics.BranchResolved(ts.WorkUnit.DatasetURN, b.FinalStatus())
	}
	if err := ts.Resolve(committed); err != nil {
		return false, errors.CombineErrors(errs, err)
	}

	log.Infow("Work unit resolved",
		logger.FieldState, ts.State(),
		logger.FieldRetries, ts.RetryCount(),
		logger.FieldError, ts.LastErr())
	return committed, errs
}

// selectBranches returns the branch indexes eligible for publication.
func (c *Coordinator) selectBranches(ts *task.TaskState, branches []*task.BranchState) map[int]bool {
	selected := make(map[int]bool, len(branches))
	if c.policy() == PolicyFull {
		if ts.State() != task.StateSuccessful {
			return selected
		}
		for _, b := range branches {
			if !b.Passed() {
				return selected
			}
		}
		for _, b := range branches {
			selected[b.Index] = true
		}
		return selected
	}

	if errors.Is(ts.LastErr(), errors.ErrCancelled) {
		return selected
	}
	for _, b := range branches {
		if b.Passed() {
			selected[b.Index] = true
		}
	}
	return selected
}

func (c *Coordinator) publish(ctx context.Context, ts *task.TaskState, b *task.BranchState, branches int) error {
	if c.Publisher == nil {
		return nil
	}
	wu := ts.WorkUnit
	meta := DatasetMetadata{
		DatasetURN:   wu.DatasetURN,
		Branch:       b.Name,
		BranchIndex:  b.Index,
		Branches:     branches,
		WorkUnitID:   wu.ID,
		ExtractID:    wu.ExtractID,
		Interval:     wu.Interval,
		RealizedHigh: ts.RealizedHigh(),
	}
	if err := c.Publisher.Publish(ctx, b.Paths, meta); err != nil {
		return errors.WithDetailf(
			errors.Wrapf(errors.Tag(err, errors.ErrPublish), "publish branch %s", b.Name),
			"Work unit: %s", wu.ID)
	}
	return nil
}

// advance persists each key's watermark over its committed prefix. A unit
// with no branch results (never dispatched, or failed before its writers
// opened) holds back every key.
func (c *Coordinator) advance(ctx context.Context, ordered []*task.TaskState, result *DatasetResult, log *zap.SugaredLogger) error {
	var keys []string
	seen := make(map[string]bool)
	for _, ts := range ordered {
		for _, b := range ts.Branches() {
			if b.WatermarkKey != "" && !seen[b.WatermarkKey] {
				seen[b.WatermarkKey] = true
				keys = append(keys, b.WatermarkKey)
			}
		}
	}

	var errs error
	for _, key := range keys {
		high := watermark.Absent
		var units []*task.TaskState
		for _, ts := range ordered {
			if !unitCommittedFor(ts, key) {
				result.HeldBack = append(result.HeldBack, key)
				log.Warnw("Watermark held back by uncommitted work unit",
					logger.FieldKey, key,
					logger.FieldWorkUnit, ts.WorkUnit.ID,
					logger.FieldLow, ts.WorkUnit.Interval.Low)
				break
			}
			units = append(units, ts)
			high = watermark.Advance(high, ts.RealizedHigh())
		}
		if len(units) == 0 {
			continue
		}
		if high.IsAbsent() {
			result.Unrealized = append(result.Unrealized, key)
			log.Warnw("Committed work units reported no realized high watermark; next run re-extracts them",
				logger.FieldKey, key,
				logger.FieldCount, len(units))
			continue
		}
		if c.Watermarks == nil {
			continue
		}

		recorded, err := c.Watermarks.Commit(ctx, key, high)
		if err != nil {
			err = errors.WithDetailf(
				errors.Wrapf(errors.Tag(err, errors.ErrStateStore), "data published, watermark not advanced for %s", key),
				"Realized high: %d", high)
			for _, ts := range units {
				ts.MarkInconsistent(err)
			}
			result.Inconsistent = true
			errs = errors.CombineErrors(errs, err)
			log.Errorw("Data published but watermark not advanced",
				logger.FieldKey, key,
				logger.FieldWatermark, high,
				logger.FieldError, err)
			continue
		}
		result.Watermarks[key] = recorded
		c.Metrics.WatermarkCommitted(key, int64(recorded))
	}
	return errs
}

// unitCommittedFor reports whether every branch of ts tracked under key
// committed.
func unitCommittedFor(ts *task.TaskState, key string) bool {
	found := false
	for _, b := range ts.Branches() {
		if b.WatermarkKey != key {
			continue
		}
		if !b.Committed {
			return false
		}
		found = true
	}
	return found
}
