package watermark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/ixpipe/errors"
)

func TestComputeInterval(t *testing.T) {
	tests := []struct {
		name      string
		prev      Watermark
		hasPrev   bool
		low, high Watermark
		opts      Options
		want      Interval
		wantErr   error
	}{
		{
			name: "previous high minus backup window",
			prev: 100, hasPrev: true, low: 0, high: 200,
			opts: Options{BackupSeconds: 10},
			want: Interval{Low: 90, High: 200},
		},
		{
			name: "no previous value uses requested low",
			prev: Absent, hasPrev: false, low: 50, high: 200,
			opts: Options{BackupSeconds: 10},
			want: Interval{Low: 50, High: 200},
		},
		{
			name: "override ignores previous value",
			prev: 100, hasPrev: true, low: 5, high: 200,
			opts: Options{BackupSeconds: 10, Override: true},
			want: Interval{Low: 5, High: 200},
		},
		{
			name: "skip high watermark calc leaves interval open",
			prev: 100, hasPrev: true, low: 0, high: 200,
			opts: Options{SkipHighWatermarkCalc: true},
			want: Interval{Low: 100, High: Absent, Unbounded: true},
		},
		{
			name: "absent requested high is unbounded",
			prev: Absent, hasPrev: false, low: 0, high: Absent,
			want: Interval{Low: 0, High: Absent, Unbounded: true},
		},
		{
			name: "backup window never goes below zero",
			prev: 5, hasPrev: true, low: 0, high: 200,
			opts: Options{BackupSeconds: 10},
			want: Interval{Low: 0, High: 200},
		},
		{
			name: "inverted interval rejected when closed interval required",
			prev: 300, hasPrev: true, low: 0, high: 200,
			opts:    Options{RequireClosed: true},
			wantErr: errors.ErrInvalidInterval,
		},
		{
			name: "inverted interval tolerated otherwise",
			prev: 300, hasPrev: true, low: 0, high: 200,
			want: Interval{Low: 300, High: 200},
		},
		{
			name: "unbounded rejected when closed interval required",
			prev: Absent, low: 0, high: 200,
			opts:    Options{RequireClosed: true, SkipHighWatermarkCalc: true},
			wantErr: errors.ErrInvalidInterval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeInterval(tt.prev, tt.hasPrev, tt.low, tt.high, tt.opts)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdvanceNeverRegresses(t *testing.T) {
	assert.Equal(t, Watermark(10), Advance(Absent, 10))
	assert.Equal(t, Watermark(20), Advance(10, 20))
	assert.Equal(t, Watermark(20), Advance(20, 10))
	assert.Equal(t, Watermark(20), Advance(20, 20))

	// Sequence of candidates in any order produces a non-decreasing series
	current := Absent
	for _, c := range []Watermark{5, 3, 9, 9, 1, 12, 11} {
		next := Advance(current, c)
		if !current.IsAbsent() {
			assert.GreaterOrEqual(t, int64(next), int64(current))
		}
		current = next
	}
	assert.Equal(t, Watermark(12), current)
}

func TestIntervalHelpers(t *testing.T) {
	closed := Interval{Low: 10, High: 20}
	assert.True(t, closed.Contains(10))
	assert.False(t, closed.Contains(20))
	assert.False(t, closed.Contains(9))
	assert.False(t, closed.Empty())
	assert.Equal(t, "[10, 20)", closed.String())

	open := Interval{Low: 10, High: Absent, Unbounded: true}
	assert.True(t, open.Contains(1_000_000))
	assert.False(t, open.Empty())
	assert.Equal(t, "[10, +inf)", open.String())

	assert.True(t, Interval{Low: 20, High: 20}.Empty())
	assert.Equal(t, "absent", Absent.String())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, []string{"db.orders"}, Keys("db.orders", []string{"a", "b"}, false))
	assert.Equal(t, []string{"db.orders"}, Keys("db.orders", []string{"a"}, true))
	assert.Equal(t, []string{"db.orders#a", "db.orders#b"}, Keys("db.orders", []string{"a", "b"}, true))
}
