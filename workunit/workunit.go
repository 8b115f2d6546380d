// Package workunit defines the independently resumable slice of a job and
// the generators that plan them.
package workunit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/record"
	"github.com/teranos/ixpipe/watermark"
)

// WorkUnit is one extraction assignment: a dataset, an interval, and the
// properties its extractor reads. It is read-only once planned; the realized
// high watermark lives on the task state.
type WorkUnit struct {
	ID         string
	DatasetURN string
	// ExtractID groups the units planned together in one run.
	ExtractID string
	// Partition is the unit's index among the dataset's units, ordered by
	// interval low.
	Partition int
	Interval  watermark.Interval
	// WatermarkKeys are the state-store keys this unit commits under.
	WatermarkKeys []string
	Props         props.Props
	Schema        record.Schema
}

// New creates a work unit with a fresh ID.
func New(datasetURN string, iv watermark.Interval, p props.Props) *WorkUnit {
	if p == nil {
		p = props.Props{}
	}
	return &WorkUnit{
		ID:            uuid.NewString(),
		DatasetURN:    datasetURN,
		ExtractID:     NewExtractID(time.Now()),
		Interval:      iv,
		WatermarkKeys: []string{datasetURN},
		Props:         p,
	}
}

// NewExtractID formats t the way extract IDs have always been written.
func NewExtractID(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

func (w *WorkUnit) String() string {
	return fmt.Sprintf("%s[%d] %s", w.DatasetURN, w.Partition, w.Interval)
}

// Generator plans the work units for one job run.
type Generator interface {
	WorkUnits(ctx context.Context, p props.Props) ([]*WorkUnit, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p props.Props) ([]*WorkUnit, error)

// WorkUnits implements Generator.
func (f GeneratorFunc) WorkUnits(ctx context.Context, p props.Props) ([]*WorkUnit, error) {
	return f(ctx, p)
}
