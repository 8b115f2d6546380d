package watermark

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[string]Watermark
	// FailPut, when set, is returned by PutHighWatermark.
	FailPut error
}

// NewMemoryStore returns an empty store, optionally seeded.
func NewMemoryStore(seed map[string]Watermark) *MemoryStore {
	m := &MemoryStore{marks: make(map[string]Watermark, len(seed))}
	for k, v := range seed {
		m.marks[k] = v
	}
	return m
}

// PreviousHighWatermark implements Store.
func (m *MemoryStore) PreviousHighWatermark(_ context.Context, key string) (Watermark, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.marks[key]
	if !ok || w.IsAbsent() {
		return Absent, false, nil
	}
	return w, true, nil
}

// PutHighWatermark implements Store.
func (m *MemoryStore) PutHighWatermark(_ context.Context, key string, w Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.marks[key] = w
	return nil
}

// Snapshot returns a copy of every recorded watermark.
func (m *MemoryStore) Snapshot() map[string]Watermark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Watermark, len(m.marks))
	for k, v := range m.marks {
		out[k] = v
	}
	return out
}
