package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across ixpipe.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobName  = "job_name"
	FieldRunID    = "run_id"
	FieldTaskID   = "task_id"
	FieldWorkUnit = "work_unit"
	FieldDataset  = "dataset"

	// Components
	FieldComponent = "component"

	// Lifecycle
	FieldState   = "state"
	FieldFrom    = "from"
	FieldTo      = "to"
	FieldAttempt = "attempt"
	FieldRetries = "retries"
	FieldPolicy  = "policy"

	// Fork
	FieldBranch      = "branch"
	FieldBranchIndex = "branch_index"
	FieldCapacity    = "capacity"

	// Watermarks
	FieldLow       = "low"
	FieldHigh      = "high"
	FieldWatermark = "watermark"
	FieldKey       = "key"

	// Counts
	FieldRowsExtracted = "rows_extracted"
	FieldRowsWritten   = "rows_written"
	FieldRowsDiverted  = "rows_diverted"
	FieldCount         = "count"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"
)

// Context keys for propagating logging context
type contextKey string

const (
	runIDKey     contextKey = "logger_run_id"
	taskIDKey    contextKey = "logger_task_id"
	componentKey contextKey = "logger_component"
)

// WithRunID adds a job run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithTaskID adds a task ID to the context for logging
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, FieldRunID, runID)
	}
	if taskID, ok := ctx.Value(taskIDKey).(string); ok && taskID != "" {
		fields = append(fields, FieldTaskID, taskID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base decorated with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	base = OrNop(base)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	pool := pulse.NewWorkerPool(ctx, cfg, logger.ComponentLogger("pulse"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
