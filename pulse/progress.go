package pulse

import (
	"go.uber.org/zap"

	"github.com/teranos/ixpipe/logger"
)

// ProgressEmitter receives progress updates from a running job. Callers
// such as the CLI render them; the launcher only emits.
type ProgressEmitter interface {
	// EmitStage announces the start of a processing stage
	EmitStage(stage string, message string)

	// EmitProgress announces how many work units have finished, with
	// optional metadata about the latest one.
	EmitProgress(count int, metadata map[string]interface{})

	// EmitComplete announces completion with a summary
	EmitComplete(summary map[string]interface{})

	// EmitError announces an error during processing
	EmitError(stage string, err error)

	// EmitInfo emits a general informational message
	EmitInfo(message string)
}

// TaskTracker is an optional interface a ProgressEmitter can implement to
// follow individual work units.
type TaskTracker interface {
	// AddTask registers a work unit that will be tracked
	AddTask(taskID string, taskName string)

	// UpdateTaskStatus records a work unit's terminal outcome
	UpdateTaskStatus(taskID string, completed bool, result string)
}

// NopEmitter discards progress.
type NopEmitter struct{}

func (NopEmitter) EmitStage(string, string) {}
func (NopEmitter) EmitProgress(int, map[string]interface{}) {}
func (NopEmitter) EmitComplete(map[string]interface{}) {}
func (NopEmitter) EmitError(string, error) {}
func (NopEmitter) EmitInfo(string) {}

// LogEmitter writes progress to a logger.
type LogEmitter struct {
	Log *zap.SugaredLogger
}

func (e LogEmitter) log() *zap.SugaredLogger {
	return logger.OrNop(e.Log).Named("progress")
}

func (e LogEmitter) EmitStage(stage string, message string) {
	e.log().Infow(message, "stage", stage)
}

func (e LogEmitter) EmitProgress(count int, metadata map[string]interface{}) {
	kv := []interface{}{logger.FieldCount, count}
	for k, v := range metadata {
		kv = append(kv, k, v)
	}
	e.log().Debugw("Work unit finished", kv...)
}

func (e LogEmitter) EmitComplete(summary map[string]interface{}) {
	kv := make([]interface{}, 0, 2*len(summary))
	for k, v := range summary {
		kv = append(kv, k, v)
	}
	e.log().Infow("Job complete", kv...)
}

func (e LogEmitter) EmitError(stage string, err error) {
	e.log().Errorw("Job stage failed", "stage", stage, logger.FieldError, err)
}

func (e LogEmitter) EmitInfo(message string) {
	e.log().Infow(message)
}
