// Package quality gates pipeline output with row-level and task-level
// policies. A FAIL verdict diverts a row or fails a branch; an OPTIONAL
// verdict is advisory.
package quality

import (
	"fmt"
	"strings"

	"github.com/teranos/ixpipe/errors"
)

// Severity decides what a failed policy does.
type Severity int

const (
	// Optional verdicts are counted and logged only.
	Optional Severity = iota
	// Fail verdicts divert the row (row policies) or fail the branch (task
	// policies).
	Fail
)

func (s Severity) String() string {
	if s == Fail {
		return "FAIL"
	}
	return "OPTIONAL"
}

// MarshalText renders the severity name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity reads OPTIONAL or FAIL, case-insensitively. Empty means FAIL.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FAIL", "MANDATORY":
		return Fail, nil
	case "OPTIONAL", "ERR_FILE":
		return Optional, nil
	default:
		return Fail, errors.Wrapf(errors.ErrInvalidConfig, "unknown policy type %q", s)
	}
}

// Verdict is the immutable outcome of one policy evaluation.
type Verdict struct {
	Policy   string   `json:"policy"`
	Severity Severity `json:"severity"`
	Passed   bool     `json:"passed"`
	Detail   string   `json:"detail,omitempty"`
}

// Failed reports whether v is a FAIL-severity failure.
func (v Verdict) Failed() bool {
	return !v.Passed && v.Severity == Fail
}

func (v Verdict) String() string {
	status := "PASSED"
	if !v.Passed {
		status = "FAILED"
	}
	if v.Detail == "" {
		return fmt.Sprintf("%s(%s): %s", v.Policy, v.Severity, status)
	}
	return fmt.Sprintf("%s(%s): %s - %s", v.Policy, v.Severity, status, v.Detail)
}

// AnyFailed reports whether any verdict is a FAIL-severity failure.
func AnyFailed(verdicts []Verdict) bool {
	for _, v := range verdicts {
		if v.Failed() {
			return true
		}
	}
	return false
}

// FirstFailure returns the first FAIL-severity failure.
func FirstFailure(verdicts []Verdict) (Verdict, bool) {
	for _, v := range verdicts {
		if v.Failed() {
			return v, true
		}
	}
	return Verdict{}, false
}

// Err converts a FAIL verdict to an ErrQualityCheck error, or nil.
func Err(verdicts []Verdict) error {
	v, ok := FirstFailure(verdicts)
	if !ok {
		return nil
	}
	err := errors.Wrapf(errors.ErrQualityCheck, "policy %s failed", v.Policy)
	if v.Detail != "" {
		err = errors.WithDetail(err, v.Detail)
	}
	return err
}
