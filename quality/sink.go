package quality

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/record"
)

// Sink receives rows a FAIL row policy diverted away from the writer.
type Sink interface {
	Divert(rec record.Record, verdicts []Verdict) error
	Close() error
}

// DiscardSink drops diverted rows.
type DiscardSink struct{}

// Divert implements Sink.
func (DiscardSink) Divert(record.Record, []Verdict) error { return nil }

// Close implements Sink.
func (DiscardSink) Close() error { return nil }

// FileSink appends diverted rows to a JSON lines file, one object per row
// with the failing verdicts. The file is created on the first divert, so a
// clean branch leaves no file behind.
type FileSink struct {
	path string

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink returns a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the file the sink writes to.
func (s *FileSink) Path() string {
	return s.path
}

type divertedRow struct {
	Time     time.Time     `json:"time"`
	Record   record.Record `json:"record"`
	Verdicts []Verdict     `json:"verdicts"`
}

// Divert implements Sink.
func (s *FileSink) Divert(rec record.Record, verdicts []Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return errors.Wrapf(err, "create row error directory for %s", s.path)
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open row error file %s", s.path)
		}
		s.file = f
		s.enc = json.NewEncoder(f)
	}

	failed := make([]Verdict, 0, len(verdicts))
	for _, v := range verdicts {
		if !v.Passed {
			failed = append(failed, v)
		}
	}
	if err := s.enc.Encode(divertedRow{Time: time.Now().UTC(), Record: rec, Verdicts: failed}); err != nil {
		return errors.Wrapf(err, "write row error file %s", s.path)
	}
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
