// Package props holds the flat key/value configuration a job and each of
// its work units carry. Keys are dotted option names (see keys.go); values
// are strings converted on read.
package props

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/teranos/ixpipe/errors"
)

// Props is a flat map from option name to value.
type Props map[string]string

// FromMap builds Props from arbitrary values, stringifying each.
func FromMap(m map[string]interface{}) Props {
	p := make(Props, len(m))
	for k, v := range m {
		p[k] = cast.ToString(v)
	}
	return p
}

// Copy returns an independent copy.
func (p Props) Copy() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p with every key in overrides applied on top.
func (p Props) Merge(overrides Props) Props {
	out := p.Copy()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Keys returns all keys in sorted order.
func (p Props) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is set to a non-empty value.
func (p Props) Has(key string) bool {
	return strings.TrimSpace(p[key]) != ""
}

// String returns the value for key, or def when unset.
func (p Props) String(key, def string) string {
	if !p.Has(key) {
		return def
	}
	return strings.TrimSpace(p[key])
}

// Int returns key as an int, or def when unset or malformed.
func (p Props) Int(key string, def int) int {
	v, err := p.IntE(key, def)
	if err != nil {
		return def
	}
	return v
}

// IntE returns key as an int, def when unset, and ErrInvalidConfig when the
// value is not an integer.
func (p Props) IntE(key string, def int) (int, error) {
	if !p.Has(key) {
		return def, nil
	}
	v, err := strconv.Atoi(p.String(key, ""))
	if err != nil {
		return def, invalid(key, p[key], "an integer")
	}
	return v, nil
}

// Int64E returns key as an int64, def when unset, and ErrInvalidConfig when
// the value is not an integer.
func (p Props) Int64E(key string, def int64) (int64, error) {
	if !p.Has(key) {
		return def, nil
	}
	v, err := strconv.ParseInt(p.String(key, ""), 10, 64)
	if err != nil {
		return def, invalid(key, p[key], "an integer")
	}
	return v, nil
}

// FloatE returns key as a float64, def when unset, and ErrInvalidConfig when
// the value is not a number.
func (p Props) FloatE(key string, def float64) (float64, error) {
	if !p.Has(key) {
		return def, nil
	}
	v, err := cast.ToFloat64E(p.String(key, ""))
	if err != nil {
		return def, invalid(key, p[key], "a number")
	}
	return v, nil
}

// Bool returns key as a bool, or def when unset or malformed.
func (p Props) Bool(key string, def bool) bool {
	if !p.Has(key) {
		return def
	}
	v, err := cast.ToBoolE(p.String(key, ""))
	if err != nil {
		return def
	}
	return v
}

// List splits a comma-separated value, trimming blanks. Returns nil when
// unset.
func (p Props) List(key string) []string {
	if !p.Has(key) {
		return nil
	}
	var out []string
	for _, part := range strings.Split(p[key], ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DurationE reads key as an integer count of unit, where unit is one of the
// historical java TimeUnit names (MILLISECONDS, SECONDS, ...).
func (p Props) DurationE(key string, def int64, unit string) (time.Duration, error) {
	n, err := p.Int64E(key, def)
	if err != nil {
		return 0, err
	}
	scale, ok := timeUnits[strings.ToUpper(strings.TrimSpace(unit))]
	if !ok {
		return 0, errors.WithDetailf(
			errors.Wrapf(errors.ErrInvalidConfig, "unknown time unit %q", unit),
			"Key: %s", key)
	}
	return time.Duration(n) * scale, nil
}

var timeUnits = map[string]time.Duration{
	"NANOSECONDS":  time.Nanosecond,
	"MICROSECONDS": time.Microsecond,
	"MILLISECONDS": time.Millisecond,
	"SECONDS":      time.Second,
	"MINUTES":      time.Minute,
	"HOURS":        time.Hour,
	"DAYS":         24 * time.Hour,
}

// ForBranch returns the view of p seen by fork branch index out of
// branches. With more than one branch, a key suffixed ".<index>" overrides
// the unsuffixed key. A single-branch job reads keys unchanged.
func (p Props) ForBranch(branches, index int) Props {
	out := p.Copy()
	if branches <= 1 {
		return out
	}
	suffix := "." + strconv.Itoa(index)
	for k, v := range p {
		if base, ok := strings.CutSuffix(k, suffix); ok && base != "" {
			out[base] = v
		}
	}
	return out
}

// BranchKey returns the key a branch reads for base.
func BranchKey(base string, branches, index int) string {
	if branches <= 1 {
		return base
	}
	return base + "." + strconv.Itoa(index)
}

func invalid(key, value, want string) error {
	err := errors.Wrapf(errors.ErrInvalidConfig, "%s=%q is not %s", key, value, want)
	return errors.WithDetailf(err, "Key: %s", key)
}
