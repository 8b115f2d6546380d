// Package commit decides which work units and fork branches become visible
// and advances their watermarks.
package commit

import (
	"strings"

	"github.com/teranos/ixpipe/errors"
	"github.com/teranos/ixpipe/props"
	"github.com/teranos/ixpipe/watermark"
)

// Policy is the job.commit.policy value.
type Policy string

const (
	// PolicyFull publishes a work unit only when the task succeeded and
	// every branch passed.
	PolicyFull Policy = "full"
	// PolicyPartial publishes each passing branch on its own.
	PolicyPartial Policy = "partial"
)

// ParsePolicy accepts full or partial in any case. Empty means full.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PolicyFull):
		return PolicyFull, nil
	case string(PolicyPartial):
		return PolicyPartial, nil
	default:
		return "", errors.WithHint(
			errors.Wrapf(errors.ErrInvalidConfig, "%s: unknown commit policy %q", props.JobCommitPolicy, s),
			"use full or partial")
	}
}

// PolicyFromProps reads job.commit.policy.
func PolicyFromProps(p props.Props) (Policy, error) {
	return ParsePolicy(p.String(props.JobCommitPolicy, props.DefaultCommitPolicy))
}

// PerBranch reports whether branches advance their own watermark keys.
func (p Policy) PerBranch() bool {
	return p == PolicyPartial
}

// WatermarkKey returns the key a branch's watermark is committed under.
func (p Policy) WatermarkKey(datasetURN, branch string, branches int) string {
	if p.PerBranch() && branches > 1 {
		return watermark.BranchKey(datasetURN, branch)
	}
	return datasetURN
}
