// Package errors provides error handling for ixpipe.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints for operators
//
// It also defines the pipeline error taxonomy. Every failure raised by the
// engine wraps exactly one of the sentinels below so callers can classify it
// with errors.Is without string matching:
//
//	if errors.Is(err, errors.ErrBranchTimeout) {
//	    // retry the work unit
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	CombineErrors      = crdb.CombineErrors
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Pipeline error taxonomy.
var (
	// ErrInvalidInterval indicates bad watermark bounds (low > high, or an
	// unbounded high mark where the source needs a closed interval).
	ErrInvalidInterval = New("invalid watermark interval")

	// ErrExtraction indicates the source could not be read. Retried.
	ErrExtraction = New("extraction failed")

	// ErrConversion indicates a record could not be converted. Counted per
	// record; fatal only once the configured threshold is exceeded.
	ErrConversion = New("conversion failed")

	// ErrBranchTimeout indicates a fork branch queue stayed full past the
	// offer timeout. Retried.
	ErrBranchTimeout = New("fork branch queue timeout")

	// ErrWriter indicates a branch writer failed to write or flush. Retried.
	ErrWriter = New("writer failed")

	// ErrQualityCheck indicates a FAIL-severity policy verdict.
	ErrQualityCheck = New("quality check failed")

	// ErrPublish indicates the data publisher rejected a branch. Never
	// retried by the engine.
	ErrPublish = New("publish failed")

	// ErrStateStore indicates a watermark could not be read or persisted.
	// After a successful publish this is a data/watermark inconsistency.
	ErrStateStore = New("state store failure")

	// ErrIllegalTransition indicates a task state change the lifecycle
	// does not allow.
	ErrIllegalTransition = New("illegal task state transition")

	// ErrCancelled indicates the job was aborted while the task ran.
	ErrCancelled = New("task cancelled")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidConfig indicates a job or process option has an unusable value.
	ErrInvalidConfig = New("invalid configuration")

	// ErrPanic marks a panic recovered from an extractor, converter, writer
	// or policy. Never retried.
	ErrPanic = New("panic recovered")
)

// IsRetryable reports whether a task attempt that failed with err may be
// re-run under the task retry budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAny(err, ErrCancelled, ErrPanic, ErrQualityCheck, ErrConversion, ErrInvalidInterval, ErrInvalidConfig) {
		return false
	}
	return IsAny(err, ErrExtraction, ErrBranchTimeout, ErrWriter)
}

// Classify returns a short stable label for err, used in reports and
// metric labels.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case Is(err, ErrCancelled):
		return "cancelled"
	case Is(err, ErrPanic):
		return "panic"
	case Is(err, ErrInvalidInterval):
		return "invalid_interval"
	case Is(err, ErrExtraction):
		return "extraction"
	case Is(err, ErrConversion):
		return "conversion"
	case Is(err, ErrBranchTimeout):
		return "branch_timeout"
	case Is(err, ErrWriter):
		return "writer"
	case Is(err, ErrQualityCheck):
		return "quality_check"
	case Is(err, ErrPublish):
		return "publish"
	case Is(err, ErrStateStore):
		return "state_store"
	case Is(err, ErrInvalidConfig):
		return "invalid_config"
	default:
		return "unknown"
	}
}

// Tag marks err with sentinel so errors.Is(result, sentinel) holds while
// the original message and stack are preserved.
func Tag(err error, sentinel error) error {
	if err == nil {
		return nil
	}
	return Mark(err, sentinel)
}

// FromPanic converts a value recovered from a panic into an error marked
// with ErrPanic.
func FromPanic(r interface{}) error {
	if err, ok := r.(error); ok {
		return Mark(Wrap(err, "panic"), ErrPanic)
	}
	return Mark(Newf("panic: %v", r), ErrPanic)
}
