// Package watermark tracks how far each dataset has been ingested.
//
// A Watermark is an ordered scalar (typically epoch seconds or a sequence
// number). The previous run's committed high watermark becomes the next
// run's low watermark, minus a configurable backup window, so repeated runs
// fetch only new data.
package watermark

import (
	"fmt"
	"strconv"

	"github.com/teranos/ixpipe/errors"
)

// Watermark is an ordered, comparable position in a source.
type Watermark int64

// Absent marks "no value". It is the historical default watermark, so state
// written by older runs reads back as missing.
const Absent Watermark = -1

// IsAbsent reports whether w carries no value.
func (w Watermark) IsAbsent() bool {
	return w == Absent
}

func (w Watermark) String() string {
	if w.IsAbsent() {
		return "absent"
	}
	return strconv.FormatInt(int64(w), 10)
}

// Interval is the half-open range [Low, High) a work unit extracts. When
// Unbounded is set, High is not known until the extractor reads the source
// and reports the realized high watermark.
type Interval struct {
	Low       Watermark
	High      Watermark
	Unbounded bool
}

// Empty reports whether a bounded interval contains no positions.
func (i Interval) Empty() bool {
	return !i.Unbounded && i.Low >= i.High
}

// Contains reports whether w falls inside the interval.
func (i Interval) Contains(w Watermark) bool {
	if w < i.Low {
		return false
	}
	return i.Unbounded || w < i.High
}

func (i Interval) String() string {
	if i.Unbounded {
		return fmt.Sprintf("[%s, +inf)", i.Low)
	}
	return fmt.Sprintf("[%s, %s)", i.Low, i.High)
}

// Options control how ComputeInterval derives the low and high marks.
type Options struct {
	// BackupSeconds is subtracted from the previous high watermark to re-read
	// late-arriving data.
	BackupSeconds int64
	// Override ignores the previous high watermark and starts from the
	// requested low.
	Override bool
	// SkipHighWatermarkCalc leaves the high mark open; the extractor decides
	// it at read time.
	SkipHighWatermarkCalc bool
	// RequireClosed rejects inverted or unbounded intervals.
	RequireClosed bool
}

// ComputeInterval derives the extraction interval for one work unit.
//
// low is prev-BackupSeconds when a previous high watermark exists and
// Override is false, otherwise requestedLow. high is requestedHigh unless
// SkipHighWatermarkCalc is set or requestedHigh is Absent, in which case the
// interval is unbounded.
func ComputeInterval(prev Watermark, hasPrev bool, requestedLow, requestedHigh Watermark, opts Options) (Interval, error) {
	if opts.BackupSeconds < 0 {
		return Interval{}, errors.Wrapf(errors.ErrInvalidInterval, "negative backup window %d", opts.BackupSeconds)
	}

	low := requestedLow
	if hasPrev && !prev.IsAbsent() && !opts.Override {
		low = prev - Watermark(opts.BackupSeconds)
	}
	if low.IsAbsent() || low < 0 {
		low = 0
	}

	iv := Interval{Low: low, High: requestedHigh}
	if opts.SkipHighWatermarkCalc || requestedHigh.IsAbsent() {
		iv.High = Absent
		iv.Unbounded = true
	}

	if opts.RequireClosed {
		if iv.Unbounded {
			return Interval{}, errors.WithDetailf(
				errors.Wrap(errors.ErrInvalidInterval, "source requires a closed interval but the high watermark is unbounded"),
				"Low: %s", iv.Low)
		}
		if iv.Low > iv.High {
			return Interval{}, errors.WithDetailf(
				errors.Wrapf(errors.ErrInvalidInterval, "low watermark %s is after high watermark %s", iv.Low, iv.High),
				"Previous high: %s, backup secs: %d", prev, opts.BackupSeconds)
		}
	}

	return iv, nil
}

// Advance returns the watermark to record after a successful commit. It
// never regresses: the result is max(current, candidate), and an Absent
// current always yields candidate.
func Advance(current, candidate Watermark) Watermark {
	if current.IsAbsent() {
		return candidate
	}
	if candidate > current {
		return candidate
	}
	return current
}
