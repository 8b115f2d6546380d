package workunit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/watermark"
)

// RangeGenerator plans a dataset's extraction from its previous committed
// high watermark up to source.querybased.end.value, split into at most
// source.max.number.of.partitions contiguous units.
type RangeGenerator struct {
	Manager *watermark.Manager
	// Branches are the fork branch names; under per-branch commit each
	// unit is tracked under one key per branch.
	Branches      []string
	PerBranchKeys bool
	Log           *zap.SugaredLogger
	// Now is used for extract IDs; defaults to time.Now.
	Now func() time.Time
}

// WorkUnits implements Generator.
func (g *RangeGenerator) WorkUnits(ctx context.Context, p props.Props) ([]*WorkUnit, error) {
	log := logger.OrNop(g.Log)

	urn := p.String(props.DatasetURN, "")
	if urn == "" {
		urn = p.String(props.JobName, "")
	}
	if urn == "" {
		err := errors.Wrapf(errors.ErrInvalidConfig, "%s is required", props.DatasetURN)
		return nil, errors.WithHint(err, "set dataset.urn (or job.name) in the job file")
	}

	opts, err := IntervalOptions(p)
	if err != nil {
		return nil, err
	}
	start, err := p.Int64E(props.StartValue, 0)
	if err != nil {
		return nil, err
	}
	end, err := p.Int64E(props.EndValue, int64(watermark.Absent))
	if err != nil {
		return nil, err
	}
	step, err := p.Int64E(props.PartitionInterval, 0)
	if err != nil {
		return nil, err
	}
	maxParts, err := p.IntE(props.MaxPartitions, props.DefaultMaxPartitions)
	if err != nil {
		return nil, err
	}

	keys := watermark.Keys(urn, g.Branches, g.PerBranchKeys)
	iv, err := g.Manager.Interval(ctx, keys, watermark.Watermark(start), watermark.Watermark(end), opts)
	if err != nil {
		return nil, errors.WithDetailf(err, "Dataset: %s", urn)
	}

	if iv.Empty() {
		log.Infow("Nothing to extract", logger.FieldDataset, urn, logger.FieldLow, iv.Low, logger.FieldHigh, iv.High)
		return nil, nil
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	extractID := NewExtractID(now())

	intervals := Partition(iv, step, maxParts)
	units := make([]*WorkUnit, len(intervals))
	for i, part := range intervals {
		wu := New(urn, part, p.Copy())
		wu.ExtractID = extractID
		wu.Partition = i
		wu.WatermarkKeys = keys
		units[i] = wu
	}

	log.Infow("Planned work units",
		logger.FieldDataset, urn,
		logger.FieldCount, len(units),
		logger.FieldLow, iv.Low,
		logger.FieldHigh, iv.High,
		"unbounded", iv.Unbounded)
	return units, nil
}

// IntervalOptions reads the watermark options from job props.
func IntervalOptions(p props.Props) (watermark.Options, error) {
	backup, err := p.Int64E(props.LowWatermarkBackupSecs, props.DefaultLowWatermarkBackupSecs)
	if err != nil {
		return watermark.Options{}, err
	}
	return watermark.Options{
		BackupSeconds:         backup,
		Override:              p.Bool(props.WatermarkOverride, false),
		SkipHighWatermarkCalc: p.Bool(props.SkipHighWatermarkCalc, false),
	}, nil
}

// Partition splits iv into contiguous, non-overlapping sub-intervals of at
// least step positions, producing no more than maxParts. An unbounded
// interval, or a step of zero, yields iv unchanged.
func Partition(iv watermark.Interval, step int64, maxParts int) []watermark.Interval {
	if iv.Unbounded || iv.Empty() || step <= 0 || maxParts <= 1 {
		return []watermark.Interval{iv}
	}

	span := int64(iv.High - iv.Low)
	size := (span + int64(maxParts) - 1) / int64(maxParts)
	if step > size {
		size = step
	}

	var parts []watermark.Interval
	for low := iv.Low; low < iv.High; low += watermark.Watermark(size) {
		high := low + watermark.Watermark(size)
		if high > iv.High {
			high = iv.High
		}
		parts = append(parts, watermark.Interval{Low: low, High: high})
	}
	return parts
}
