package testing

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/record"
	"github.com/teranos/ixpipe/watermark"
	"github.com/teranos/ixpipe/workunit"
)

// Records returns n records with ids 1..n and a ts field equal to the id.
func Records(n int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		out[i] = record.Record{"id": i + 1, "ts": int64(i + 1)}
	}
	return out
}

// SliceExtractor serves records from memory.
type SliceExtractor struct {
	Records      []record.Record
	RecordSchema record.Schema
	Expected     int64
	// High, when set, is reported as the realized high watermark.
	High    watermark.Watermark
	HasHigh bool
	// FailAt makes the FailAt-th call to Next (1-based) return Err.
	FailAt int
	Err    error
	// Block makes Next wait for ctx cancellation after the last record
	// instead of returning io.EOF.
	Block bool

	mu        sync.Mutex
	pos       int
	extracted int64
	closed    bool
}

func (e *SliceExtractor) Schema() record.Schema { return e.RecordSchema }

func (e *SliceExtractor) Next(ctx context.Context) (record.Record, error) {
	e.mu.Lock()
	if e.FailAt > 0 && e.pos+1 == e.FailAt {
		e.mu.Unlock()
		return nil, e.Err
	}
	if e.pos >= len(e.Records) {
		e.mu.Unlock()
		if e.Block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, io.EOF
	}
	rec := e.Records[e.pos].Copy()
	e.pos++
	e.extracted++
	e.mu.Unlock()
	return rec, nil
}

func (e *SliceExtractor) RowsExtracted() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.extracted
}

func (e *SliceExtractor) ExpectedRecordCount() int64 {
	if e.Expected == 0 {
		return int64(len(e.Records))
	}
	return e.Expected
}

func (e *SliceExtractor) HighWatermark() (watermark.Watermark, bool) {
	return e.High, e.HasHigh
}

func (e *SliceExtractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Closed reports whether Close was called.
func (e *SliceExtractor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ExtractorSource opens a fresh SliceExtractor per attempt and counts
// attempts per work unit.
type ExtractorSource struct {
	// Build returns the extractor for an attempt. attempt is 1-based.
	Build func(wu *workunit.WorkUnit, iv watermark.Interval, attempt int) (*SliceExtractor, error)

	mu       sync.Mutex
	attempts map[string][]time.Time
}

// Open records the attempt and calls Build.
func (s *ExtractorSource) Open(_ context.Context, wu *workunit.WorkUnit, iv watermark.Interval) (*SliceExtractor, error) {
	s.mu.Lock()
	if s.attempts == nil {
		s.attempts = make(map[string][]time.Time)
	}
	s.attempts[wu.ID] = append(s.attempts[wu.ID], time.Now())
	n := len(s.attempts[wu.ID])
	s.mu.Unlock()
	return s.Build(wu, iv, n)
}

// Attempts returns when each attempt for work unit id was opened.
func (s *ExtractorSource) Attempts(id string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.attempts[id]...)
}

// MemoryWriter stages records in memory.
type MemoryWriter struct {
	Name string
	// FailWriteAt makes the FailWriteAt-th Write (1-based) fail.
	FailWriteAt int
	FailFlush   error

	mu      sync.Mutex
	records []record.Record
	calls   int
	flushed bool
}

func (w *MemoryWriter) Write(_ context.Context, rec record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.FailWriteAt > 0 && w.calls == w.FailWriteAt {
		return errors.Newf("writer %s: disk full", w.Name)
	}
	w.records = append(w.records, rec)
	return nil
}

func (w *MemoryWriter) Flush(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.FailFlush != nil {
		return nil, w.FailFlush
	}
	w.flushed = true
	return []string{fmt.Sprintf("staging/%s/part-0", w.Name)}, nil
}

func (w *MemoryWriter) RecordsWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.records))
}

// Written returns the staged records.
func (w *MemoryWriter) Written() []record.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]record.Record(nil), w.records...)
}

// Flushed reports whether Flush succeeded.
func (w *MemoryWriter) Flushed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

// WriterSet hands out MemoryWriters keyed by work unit and branch. The
// latest writer for a key replaces any earlier attempt's.
type WriterSet struct {
	// Configure, when set, adjusts each new writer.
	Configure func(w *MemoryWriter, wu *workunit.WorkUnit, branch int)

	mu      sync.Mutex
	writers map[string]*MemoryWriter
}

// Open creates the writer for one branch of wu.
func (s *WriterSet) Open(_ context.Context, wu *workunit.WorkUnit, branch int, name string) (*MemoryWriter, error) {
	w := &MemoryWriter{Name: name}
	if s.Configure != nil {
		s.Configure(w, wu, branch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writers == nil {
		s.writers = make(map[string]*MemoryWriter)
	}
	s.writers[writerKey(wu.ID, branch)] = w
	return w, nil
}

// Get returns the latest writer for one branch of work unit id.
func (s *WriterSet) Get(id string, branch int) *MemoryWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writers[writerKey(id, branch)]
}

func writerKey(id string, branch int) string {
	return fmt.Sprintf("%s/%d", id, branch)
}
