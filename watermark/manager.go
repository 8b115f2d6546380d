package watermark

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
)

// Manager is the single writer to the watermark store for a job run. All
// reads and writes go through its mutex, so concurrent task commits never
// interleave a read-advance-write sequence.
type Manager struct {
	mu    sync.Mutex
	store Store
	log   *zap.SugaredLogger
}

// NewManager wraps store.
func NewManager(store Store, log *zap.SugaredLogger) *Manager {
	return &Manager{store: store, log: logger.OrNop(log).Named("watermark")}
}

// Previous returns the previous high watermark across keys. A work unit
// tracked under several keys (one per fork branch under partial commit)
// resumes from the lowest recorded value; any key with no record means
// there is no usable previous value.
func (m *Manager) Previous(ctx context.Context, keys ...string) (Watermark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previousLocked(ctx, keys)
}

func (m *Manager) previousLocked(ctx context.Context, keys []string) (Watermark, bool, error) {
	if len(keys) == 0 {
		return Absent, false, nil
	}

	lowest := Absent
	for _, key := range keys {
		w, ok, err := m.store.PreviousHighWatermark(ctx, key)
		if err != nil {
			return Absent, false, err
		}
		if !ok {
			return Absent, false, nil
		}
		if lowest.IsAbsent() || w < lowest {
			lowest = w
		}
	}
	return lowest, true, nil
}

// Interval reads the previous high watermark for keys and computes the
// extraction interval.
func (m *Manager) Interval(ctx context.Context, keys []string, requestedLow, requestedHigh Watermark, opts Options) (Interval, error) {
	m.mu.Lock()
	prev, ok, err := m.previousLocked(ctx, keys)
	m.mu.Unlock()
	if err != nil {
		return Interval{}, err
	}

	iv, err := ComputeInterval(prev, ok, requestedLow, requestedHigh, opts)
	if err != nil {
		return Interval{}, err
	}

	m.log.Debugw("Computed interval",
		logger.FieldKey, keys,
		"previous", prev,
		logger.FieldLow, iv.Low,
		logger.FieldHigh, iv.High,
		"unbounded", iv.Unbounded)
	return iv, nil
}

// Commit advances the stored watermark for key to realized. The stored
// value never regresses. Returns the value now recorded.
func (m *Manager) Commit(ctx context.Context, key string, realized Watermark) (Watermark, error) {
	if realized.IsAbsent() {
		return Absent, errors.WithDetailf(
			errors.Wrap(errors.ErrStateStore, "refusing to commit an absent watermark"), "Key: %s", key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok, err := m.store.PreviousHighWatermark(ctx, key)
	if err != nil {
		return Absent, err
	}
	if !ok {
		prev = Absent
	}

	next := Advance(prev, realized)
	if next == prev {
		m.log.Debugw("Watermark unchanged", logger.FieldKey, key, logger.FieldWatermark, prev, "candidate", realized)
		return prev, nil
	}

	if err := m.store.PutHighWatermark(ctx, key, next); err != nil {
		return prev, errors.Tag(err, errors.ErrStateStore)
	}

	m.log.Infow("Watermark advanced", logger.FieldKey, key, logger.FieldFrom, prev, logger.FieldTo, next)
	return next, nil
}
