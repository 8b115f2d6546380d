// Package task runs one work unit: extraction, conversion, fork fan-out,
// branch writes and quality checks. It owns the task state machine.
package task

import (
	"sync"
	"time"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/fork"
	"github.com/teranos/ixpipe/quality"
	"github.com/teranos/ixpipe/watermark"
	"github.com/teranos/ixpipe/workunit"
)

// State is a task's lifecycle position.
type State string

const (
	StatePending    State = "PENDING"
	StateRunning    State = "RUNNING"
	StateSuccessful State = "SUCCESSFUL"
	StateFailed     State = "FAILED"
	StateCommitted  State = "COMMITTED"
	StateAborted    State = "ABORTED"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateAborted
}

// transitions lists every legal state change. PENDING to ABORTED covers a
// job cancelled before the task was dispatched.
var transitions = map[State][]State{
	StatePending:    {StateRunning, StateAborted},
	StateRunning:    {StateSuccessful, StateFailed},
	StateSuccessful: {StateCommitted, StateAborted},
	StateFailed:     {StatePending, StateCommitted, StateAborted},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BranchState is one fork branch's result for the latest attempt, plus its
// commit outcome once resolved.
type BranchState struct {
	Index  int
	Name   string
	Status fork.Status
	Err    error

	RowsReceived int64
	RowsWritten  int64
	RowsDiverted int64
	Paths        []string

	RowVerdicts  []quality.Verdict
	TaskVerdicts []quality.Verdict

	// Set by the commit coordinator.
	Committed    bool
	WatermarkKey string
	PublishErr   error
}

// Passed reports whether the branch completed and no FAIL verdict was
// raised against it.
func (b *BranchState) Passed() bool {
	return b.Status == fork.StatusSucceeded && !quality.AnyFailed(b.TaskVerdicts)
}

// FinalStatus is the status reported to operators: COMMITTED once
// published, otherwise the branch status, ABORTED for passing branches the
// policy withheld.
func (b *BranchState) FinalStatus() string {
	switch {
	case b.Committed:
		return string(StateCommitted)
	case b.Status == fork.StatusSucceeded && !b.Passed():
		return string(fork.StatusFailed)
	case b.Status == fork.StatusSucceeded:
		return string(StateAborted)
	default:
		return string(b.Status)
	}
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// TaskState tracks one work unit across its attempt chain. Only this
// package's methods change it; the terminal transition comes from the
// commit coordinator through Resolve.
type TaskState struct {
	ID       string
	WorkUnit *workunit.WorkUnit

	mu            sync.Mutex
	state         State
	retryCount    int
	lastErr       error
	rowsExtracted int64
	rowsExpected  int64
	realizedHigh  watermark.Watermark
	branches      []*BranchState
	inconsistent  bool
	history       []Transition
	now           func() time.Time
}

// NewTaskState returns a PENDING state for wu.
func NewTaskState(id string, wu *workunit.WorkUnit) *TaskState {
	return &TaskState{
		ID:           id,
		WorkUnit:     wu,
		state:        StatePending,
		rowsExpected: -1,
		realizedHigh: watermark.Absent,
		now:          time.Now,
	}
}

func (t *TaskState) transition(to State) error {
	if !allowed(t.state, to) {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrIllegalTransition, "%s -> %s", t.state, to),
			"Task ID: %s", t.ID)
	}
	t.history = append(t.history, Transition{From: t.state, To: to, At: t.now()})
	t.state = to
	return nil
}

// Start moves PENDING to RUNNING on dispatch and clears the previous
// attempt's results.
func (t *TaskState) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(StateRunning); err != nil {
		return err
	}
	t.branches = nil
	t.rowsExtracted = 0
	t.rowsExpected = -1
	t.realizedHigh = watermark.Absent
	return nil
}

// Succeed moves RUNNING to SUCCESSFUL.
func (t *TaskState) Succeed() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(StateSuccessful); err != nil {
		return err
	}
	t.lastErr = nil
	return nil
}

// Fail moves RUNNING to FAILED with cause.
func (t *TaskState) Fail(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(StateFailed); err != nil {
		return err
	}
	t.lastErr = cause
	return nil
}

// CanRetry reports whether a FAILED task may go back to PENDING under
// maxRetries.
func (t *TaskState) CanRetry(maxRetries int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateFailed && t.retryCount < maxRetries && errors.IsRetryable(t.lastErr)
}

// Retry moves FAILED back to PENDING and increments the retry count.
func (t *TaskState) Retry(maxRetries int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFailed || t.retryCount >= maxRetries || !errors.IsRetryable(t.lastErr) {
		err := errors.Wrapf(errors.ErrIllegalTransition, "task %s is not retryable (state %s, retries %d/%d)",
			t.ID, t.state, t.retryCount, maxRetries)
		if t.lastErr != nil {
			err = errors.WithSecondaryError(err, t.lastErr)
		}
		return err
	}
	if err := t.transition(StatePending); err != nil {
		return err
	}
	t.retryCount++
	return nil
}

// Resolve applies the commit decision: COMMITTED or ABORTED.
func (t *TaskState) Resolve(committed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	to := StateAborted
	if committed {
		to = StateCommitted
	}
	return t.transition(to)
}

// Cancel aborts a task that never started.
func (t *TaskState) Cancel(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(StateAborted); err != nil {
		return err
	}
	t.lastErr = cause
	return nil
}

// MarkInconsistent records that data was published but the watermark
// could not be persisted.
func (t *TaskState) MarkInconsistent(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inconsistent = true
	if t.lastErr == nil {
		t.lastErr = cause
	} else {
		t.lastErr = errors.WithSecondaryError(cause, t.lastErr)
	}
}

// SetPublishError records a publish failure as the task's last error
// without changing state.
func (t *TaskState) SetPublishError(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastErr == nil {
		t.lastErr = cause
	}
}

func (t *TaskState) setResults(extracted, expected int64, high watermark.Watermark, branches []*BranchState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rowsExtracted = extracted
	t.rowsExpected = expected
	t.realizedHigh = high
	t.branches = branches
}

// State returns the current state.
func (t *TaskState) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RetryCount returns how many times the task went back to PENDING.
func (t *TaskState) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// LastErr returns the cause of the latest failure, or nil.
func (t *TaskState) LastErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// RowsExtracted returns the latest attempt's extracted count.
func (t *TaskState) RowsExtracted() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowsExtracted
}

// RowsExpected returns the extractor's expected count, -1 when unknown.
func (t *TaskState) RowsExpected() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rowsExpected
}

// RealizedHigh returns the high watermark the latest attempt actually
// reached, Absent when unknown.
func (t *TaskState) RealizedHigh() watermark.Watermark {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.realizedHigh
}

// Branches returns the latest attempt's branch states.
func (t *TaskState) Branches() []*BranchState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.branches
}

// Inconsistent reports whether data was published without advancing the
// watermark.
func (t *TaskState) Inconsistent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inconsistent
}

// History returns every recorded transition.
func (t *TaskState) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}
