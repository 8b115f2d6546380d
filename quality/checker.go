package quality

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/logger"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/record"
)

// RowChecker runs the row policies of one branch. It is used by a single
// branch goroutine; counters may be read concurrently.
type RowChecker struct {
	policies []severityEntry[RowPolicy]
	sink     Sink
	failMax  int64
	log      *zap.SugaredLogger

	checked  atomic.Int64
	diverted atomic.Int64
	advisory atomic.Int64
	failures map[string]int64
}

// NewRowChecker builds the checker configured by p (already resolved for
// the branch). sink may be nil.
func (r *Registry) NewRowChecker(p props.Props, sink Sink, log *zap.SugaredLogger) (*RowChecker, error) {
	policies, err := r.rowPolicies(p)
	if err != nil {
		return nil, err
	}
	failMax, err := p.Int64E(props.RowFailMax, props.DefaultRowFailMax)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = DiscardSink{}
	}
	return &RowChecker{
		policies: policies,
		sink:     sink,
		failMax:  failMax,
		log:      logger.OrNop(log),
		failures: make(map[string]int64),
	}, nil
}

// Empty reports whether no row policies are configured.
func (c *RowChecker) Empty() bool {
	return len(c.policies) == 0
}

// Check evaluates rec. It returns pass=false when a FAIL policy rejected the
// row, in which case the row has been handed to the error sink. err is set
// when the sink fails or the branch's diverted rows exceed
// qualitychecker.row.fail.max.
func (c *RowChecker) Check(rec record.Record) (pass bool, err error) {
	c.checked.Add(1)
	if len(c.policies) == 0 {
		return true, nil
	}

	verdicts := make([]Verdict, 0, len(c.policies))
	rejected := false
	for _, e := range c.policies {
		ok, detail := e.policy.Check(rec)
		v := Verdict{Policy: e.policy.Name(), Severity: e.severity, Passed: ok, Detail: detail}
		verdicts = append(verdicts, v)
		if ok {
			continue
		}
		c.failures[v.Policy]++
		if v.Severity == Fail {
			rejected = true
		} else {
			c.advisory.Add(1)
			c.log.Debugw("Optional row policy failed", "policy", v.Policy, "detail", detail)
		}
	}

	if !rejected {
		return true, nil
	}

	n := c.diverted.Add(1)
	if err := c.sink.Divert(rec, verdicts); err != nil {
		return false, errors.Wrap(err, "divert row")
	}
	if c.failMax >= 0 && n > c.failMax {
		err := errors.Wrapf(errors.ErrQualityCheck, "%d rows failed row policies, limit %d", n, c.failMax)
		return false, errors.WithDetailf(err, "Last failure: %s", firstFailed(verdicts))
	}
	return false, nil
}

func firstFailed(verdicts []Verdict) string {
	if v, ok := FirstFailure(verdicts); ok {
		return v.String()
	}
	return ""
}

// Diverted returns how many rows were sent to the error sink.
func (c *RowChecker) Diverted() int64 {
	return c.diverted.Load()
}

// Advisory returns how many OPTIONAL row verdicts failed.
func (c *RowChecker) Advisory() int64 {
	return c.advisory.Load()
}

// Summary returns one verdict per row policy over every row checked. A FAIL
// policy that rejected rows is reported as failed but is not a branch
// failure by itself; rows were diverted.
func (c *RowChecker) Summary() []Verdict {
	checked := c.checked.Load()
	out := make([]Verdict, 0, len(c.policies))
	for _, e := range c.policies {
		name := e.policy.Name()
		n := c.failures[name]
		v := Verdict{Policy: name, Severity: Optional, Passed: n == 0}
		if n > 0 {
			v.Detail = fmt.Sprintf("%d of %d rows failed (%s)", n, checked, e.severity)
		}
		out = append(out, v)
	}
	return out
}

// Close closes the error sink.
func (c *RowChecker) Close() error {
	return c.sink.Close()
}

// TaskChecker runs the task policies of one branch.
type TaskChecker struct {
	policies []severityEntry[TaskPolicy]
	log      *zap.SugaredLogger
}

// NewTaskChecker builds the checker configured by p (already resolved for
// the branch).
func (r *Registry) NewTaskChecker(p props.Props, log *zap.SugaredLogger) (*TaskChecker, error) {
	policies, err := r.taskPolicies(p)
	if err != nil {
		return nil, err
	}
	return &TaskChecker{policies: policies, log: logger.OrNop(log)}, nil
}

// Check evaluates every task policy against stats.
func (c *TaskChecker) Check(stats TaskStats) []Verdict {
	verdicts := make([]Verdict, 0, len(c.policies))
	for _, e := range c.policies {
		ok, detail := e.policy.Check(stats)
		v := Verdict{Policy: e.policy.Name(), Severity: e.severity, Passed: ok, Detail: detail}
		if !ok {
			c.log.Infow("Task policy failed", "policy", v.Policy, "severity", v.Severity.String(), "detail", detail)
		}
		verdicts = append(verdicts, v)
	}
	return verdicts
}
