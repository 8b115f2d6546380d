package quality

import (
	"fmt"
	"math"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/record"
)

// Built-in policy names.
const (
	PolicyValueRange    = "value.range"
	PolicyNotNull       = "not.null"
	PolicyRowCountRange = "row.count.range"
	PolicyRowCount      = "row.count"
)

// valueRange passes rows whose field is numeric and within [min, max].
type valueRange struct {
	field    string
	min, max float64
}

func newValueRange(p props.Props) (RowPolicy, error) {
	field := p.String(props.ValueRangeField, "")
	if field == "" {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "%s is required", props.ValueRangeField)
	}
	lo, err := p.FloatE(props.ValueRangeMin, math.Inf(-1))
	if err != nil {
		return nil, err
	}
	hi, err := p.FloatE(props.ValueRangeMax, math.Inf(1))
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "value.range min %v above max %v", lo, hi)
	}
	return valueRange{field: field, min: lo, max: hi}, nil
}

func (valueRange) Name() string { return PolicyValueRange }

func (v valueRange) Check(rec record.Record) (bool, string) {
	f, ok := rec.Float(v.field)
	if !ok {
		return false, fmt.Sprintf("%s is missing or not numeric", v.field)
	}
	if f < v.min || f > v.max {
		return false, fmt.Sprintf("%s=%v outside [%v, %v]", v.field, f, v.min, v.max)
	}
	return true, ""
}

// notNull passes rows where every listed field is present and non-nil.
type notNull struct {
	fields []string
}

func newNotNull(p props.Props) (RowPolicy, error) {
	fields := p.List(props.NotNullFields)
	if len(fields) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "%s is required", props.NotNullFields)
	}
	return notNull{fields: fields}, nil
}

func (notNull) Name() string { return PolicyNotNull }

func (n notNull) Check(rec record.Record) (bool, string) {
	for _, f := range n.fields {
		if !rec.Has(f) {
			return false, fmt.Sprintf("%s is null", f)
		}
	}
	return true, ""
}

// rowCountRange passes when rows written fall within [expected*low,
// expected*high]. With no expected count from the extractor, rows
// extracted stand in.
type rowCountRange struct {
	low, high float64
}

func newRowCountRange(p props.Props) (TaskPolicy, error) {
	low, high, err := parseRange(p.String(props.RowCountRange, props.DefaultRowCountRange))
	if err != nil {
		return nil, err
	}
	return rowCountRange{low: low, high: high}, nil
}

func (rowCountRange) Name() string { return PolicyRowCountRange }

func (r rowCountRange) Check(s TaskStats) (bool, string) {
	expected := s.RowsExpected
	if expected < 0 {
		expected = s.RowsExtracted
	}
	lo := float64(expected) * r.low
	hi := float64(expected) * r.high
	written := float64(s.RowsWritten)
	detail := fmt.Sprintf("%d rows written, expected %d, allowed [%.2f, %.2f]", s.RowsWritten, expected, lo, hi)
	return written >= lo && written <= hi, detail
}

// rowCount passes when every received row was either written or diverted.
type rowCount struct{}

func (rowCount) Name() string { return PolicyRowCount }

func (rowCount) Check(s TaskStats) (bool, string) {
	accounted := s.RowsWritten + s.RowsDiverted
	if accounted != s.RowsReceived {
		return false, fmt.Sprintf("%d received, %d written + %d diverted", s.RowsReceived, s.RowsWritten, s.RowsDiverted)
	}
	return true, ""
}
