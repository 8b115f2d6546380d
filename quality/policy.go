package quality

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/record"
)

// RowPolicy checks a single record.
type RowPolicy interface {
	Name() string
	Check(rec record.Record) (passed bool, detail string)
}

// TaskStats are the counters a task policy sees for one branch.
type TaskStats struct {
	RowsExpected  int64 // extractor's expected count, -1 when unknown
	RowsExtracted int64
	RowsReceived  int64 // records routed to the branch
	RowsWritten   int64
	RowsDiverted  int64
}

// TaskPolicy checks a branch once after its writer flushed.
type TaskPolicy interface {
	Name() string
	Check(stats TaskStats) (passed bool, detail string)
}

// RowPolicyFactory builds a row policy from branch props.
type RowPolicyFactory func(p props.Props) (RowPolicy, error)

// TaskPolicyFactory builds a task policy from branch props.
type TaskPolicyFactory func(p props.Props) (TaskPolicy, error)

// Registry maps policy names to factories. Jobs select policies by name, so
// new policies plug in with Register without touching the engine.
type Registry struct {
	mu   sync.RWMutex
	row  map[string]RowPolicyFactory
	task map[string]TaskPolicyFactory
}

// NewRegistry returns a registry holding the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		row:  make(map[string]RowPolicyFactory),
		task: make(map[string]TaskPolicyFactory),
	}
	r.RegisterRow(PolicyValueRange, newValueRange)
	r.RegisterRow(PolicyNotNull, newNotNull)
	r.RegisterTask(PolicyRowCountRange, newRowCountRange)
	r.RegisterTask(PolicyRowCount, func(props.Props) (TaskPolicy, error) { return rowCount{}, nil })
	return r
}

// RegisterRow adds or replaces a row policy.
func (r *Registry) RegisterRow(name string, f RowPolicyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row[name] = f
}

// RegisterTask adds or replaces a task policy.
func (r *Registry) RegisterTask(name string, f TaskPolicyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task[name] = f
}

// Names lists registered policy names.
func (r *Registry) Names() (row, task []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := range r.row {
		row = append(row, n)
	}
	for n := range r.task {
		task = append(task, n)
	}
	sort.Strings(row)
	sort.Strings(task)
	return row, task
}

type severityEntry[T any] struct {
	policy   T
	severity Severity
}

// resolve pairs each configured policy name with its severity. A shorter
// types list defaults the remainder to FAIL.
func resolve[F any, T any](names, types []string, lookup func(string) (F, bool), build func(F) (T, error)) ([]severityEntry[T], error) {
	if len(types) > len(names) {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "%d policy types for %d policies", len(types), len(names))
	}
	out := make([]severityEntry[T], 0, len(names))
	for i, name := range names {
		f, ok := lookup(name)
		if !ok {
			return nil, errors.WithHint(
				errors.Wrapf(errors.ErrInvalidConfig, "unknown quality policy %q", name),
				"register it on the quality registry before launching the job")
		}
		sevName := ""
		if i < len(types) {
			sevName = types[i]
		}
		sev, err := ParseSeverity(sevName)
		if err != nil {
			return nil, err
		}
		p, err := build(f)
		if err != nil {
			return nil, errors.Wrapf(err, "build policy %s", name)
		}
		out = append(out, severityEntry[T]{policy: p, severity: sev})
	}
	return out, nil
}

func (r *Registry) rowPolicies(p props.Props) ([]severityEntry[RowPolicy], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return resolve(p.List(props.RowPolicies), p.List(props.RowPolicyTypes),
		func(n string) (RowPolicyFactory, bool) { f, ok := r.row[n]; return f, ok },
		func(f RowPolicyFactory) (RowPolicy, error) { return f(p) })
}

func (r *Registry) taskPolicies(p props.Props) ([]severityEntry[TaskPolicy], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return resolve(p.List(props.TaskPolicies), p.List(props.TaskPolicyTypes),
		func(n string) (TaskPolicyFactory, bool) { f, ok := r.task[n]; return f, ok },
		func(f TaskPolicyFactory) (TaskPolicy, error) { return f(p) })
}

// parseRange reads "low,high" multipliers.
func parseRange(s string) (low, high float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, errors.Wrapf(errors.ErrInvalidConfig, "range %q is not \"low,high\"", s)
	}
	low, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(errors.ErrInvalidConfig, "range %q: bad low bound", s)
	}
	high, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(errors.ErrInvalidConfig, "range %q: bad high bound", s)
	}
	if low > high {
		return 0, 0, errors.Wrapf(errors.ErrInvalidConfig, "range %q: low bound above high bound", s)
	}
	return low, high, nil
}
