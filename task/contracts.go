package task

import (
	"context"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/record"
	"github.com/teranos/ixpipe/watermark"
	"github.com/teranos/ixpipe/workunit"
)

// Extractor reads one work unit's interval from a source.
type Extractor interface {
	Schema() record.Schema
	// Next returns the next record, or io.EOF at end of stream.
	Next(ctx context.Context) (record.Record, error)
	RowsExtracted() int64
	// ExpectedRecordCount returns -1 when unknown.
	ExpectedRecordCount() int64
	// HighWatermark is the watermark actually reached, which may be below
	// the requested high. ok is false when the source cannot tell.
	HighWatermark() (w watermark.Watermark, ok bool)
	Close() error
}

// ExtractorFactory opens an extractor for wu over iv.
type ExtractorFactory func(ctx context.Context, wu *workunit.WorkUnit, iv watermark.Interval) (Extractor, error)

// Converter turns one record into zero or more records.
type Converter interface {
	Convert(rec record.Record) ([]record.Record, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(rec record.Record) ([]record.Record, error)

// Convert implements Converter.
func (f ConverterFunc) Convert(rec record.Record) ([]record.Record, error) {
	return f(rec)
}

// ConverterChain applies converters in order, feeding every output of one
// into the next. Converters must be safe for concurrent use; tasks share
// the chain.
type ConverterChain []Converter

// Convert implements Converter. Any converter error drops the input record
// and is reported as ErrConversion.
func (c ConverterChain) Convert(rec record.Record) ([]record.Record, error) {
	batch := []record.Record{rec}
	for i, conv := range c {
		var next []record.Record
		for _, in := range batch {
			out, err := conv.Convert(in)
			if err != nil {
				return nil, errors.Wrapf(errors.Tag(err, errors.ErrConversion), "converter %d", i)
			}
			next = append(next, out...)
		}
		batch = next
		if len(batch) == 0 {
			break
		}
	}
	return batch, nil
}

// Writer stages one branch's records. Writing the same work unit again on
// retry must be idempotent.
type Writer interface {
	Write(ctx context.Context, rec record.Record) error
	// Flush completes the branch and returns the staged output paths the
	// publisher will move.
	Flush(ctx context.Context) ([]string, error)
	RecordsWritten() int64
}

// WriterFactory opens the writer for one branch of wu.
type WriterFactory func(ctx context.Context, wu *workunit.WorkUnit, branchIndex int, branchName string) (Writer, error)
