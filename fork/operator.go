// Package fork fans extracted records out to a fixed set of processing
// branches, each behind its own bounded queue.
package fork

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/record"
)

// Operator decides how many branches a task has and which of them receive
// each record. Branches is called once per task; Route once per record.
type Operator interface {
	Branches(schema record.Schema) []string
	Route(rec record.Record, schema record.Schema) ([]int, error)
}

// Built-in operator type names for fork.operator.type.
const (
	OperatorIdentity = "identity"
	OperatorStatic   = "static"
	OperatorField    = "field"
)

// DefaultBranchName is the name of the single identity branch.
const DefaultBranchName = "default"

// IdentityOperator routes every record to one branch without copying.
type IdentityOperator struct{}

// Branches implements Operator.
func (IdentityOperator) Branches(record.Schema) []string { return []string{DefaultBranchName} }

// Route implements Operator.
func (IdentityOperator) Route(record.Record, record.Schema) ([]int, error) { return []int{0}, nil }

// StaticOperator replicates every record to all of its branches.
type StaticOperator struct {
	Names []string
}

// Branches implements Operator.
func (o StaticOperator) Branches(record.Schema) []string { return o.Names }

// Route implements Operator.
func (o StaticOperator) Route(record.Record, record.Schema) ([]int, error) {
	all := make([]int, len(o.Names))
	for i := range all {
		all[i] = i
	}
	return all, nil
}

// FieldOperator routes a record to the branch named by the value of Field.
// Records whose value names no branch go nowhere.
type FieldOperator struct {
	Field string
	Names []string

	once  sync.Once
	index map[string]int
}

// Branches implements Operator.
func (o *FieldOperator) Branches(record.Schema) []string { return o.Names }

// Route implements Operator.
func (o *FieldOperator) Route(rec record.Record, _ record.Schema) ([]int, error) {
	o.once.Do(func() {
		o.index = make(map[string]int, len(o.Names))
		for i, n := range o.Names {
			o.index[n] = i
		}
	})
	if !rec.Has(o.Field) {
		return nil, nil
	}
	if i, ok := o.index[rec.String(o.Field)]; ok {
		return []int{i}, nil
	}
	return nil, nil
}

// BranchNames reads fork.branches and fork.branch.name.<i>. Unnamed
// branches are called fork_<i>.
func BranchNames(p props.Props) ([]string, error) {
	n, err := p.IntE(props.ForkBranches, 1)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "%s must be at least 1, got %d", props.ForkBranches, n)
	}
	names := make([]string, n)
	seen := make(map[string]bool, n)
	for i := range names {
		name := p.String(props.ForkBranchNamePrefix+strconv.Itoa(i), fmt.Sprintf("fork_%d", i))
		if seen[name] {
			return nil, errors.Wrapf(errors.ErrInvalidConfig, "duplicate fork branch name %q", name)
		}
		seen[name] = true
		names[i] = name
	}
	return names, nil
}

// OperatorFactory builds an operator from job props.
type OperatorFactory func(p props.Props) (Operator, error)

// Registry maps fork.operator.type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]OperatorFactory
}

// NewRegistry returns a registry holding the built-in operators.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]OperatorFactory)}
	r.Register(OperatorIdentity, func(props.Props) (Operator, error) { return IdentityOperator{}, nil })
	r.Register(OperatorStatic, func(p props.Props) (Operator, error) {
		names, err := BranchNames(p)
		if err != nil {
			return nil, err
		}
		return StaticOperator{Names: names}, nil
	})
	r.Register(OperatorField, func(p props.Props) (Operator, error) {
		field := p.String(props.ForkOperatorField, "")
		if field == "" {
			return nil, errors.Wrapf(errors.ErrInvalidConfig, "%s is required for the field operator", props.ForkOperatorField)
		}
		names, err := BranchNames(p)
		if err != nil {
			return nil, err
		}
		return &FieldOperator{Field: field, Names: names}, nil
	})
	return r
}

// Register adds or replaces an operator type.
func (r *Registry) Register(name string, f OperatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered operator types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// FromProps builds the operator selected by fork.operator.type. Without a
// type, a job with more than one branch uses the static operator and a
// single-branch job uses identity.
func (r *Registry) FromProps(p props.Props) (Operator, error) {
	typ := p.String(props.ForkOperatorType, "")
	if typ == "" {
		typ = OperatorIdentity
		if p.Int(props.ForkBranches, 1) > 1 {
			typ = OperatorStatic
		}
	}

	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrInvalidConfig, "unknown fork operator %q", typ),
			"register it on the fork registry before launching the job")
	}
	return f(p)
}
