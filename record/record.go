// Package record defines the unit of data that flows from an extractor
// through converters and fork branches to writers.
package record

import (
	"sort"

	"github.com/spf13/cast"
)

// Record is a single row as a field map. Values are opaque to the engine;
// only quality policies and field-routing operators inspect them.
type Record map[string]interface{}

// Copy returns a shallow copy. Fork branches receive a copy each when a
// record is replicated, so a writer mutating its record never affects a
// sibling.
func (r Record) Copy() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Has reports whether field is present and non-nil.
func (r Record) Has(field string) bool {
	v, ok := r[field]
	return ok && v != nil
}

// String returns field as a string, or "" when missing.
func (r Record) String(field string) string {
	return cast.ToString(r[field])
}

// Float returns field as a float64. ok is false when the field is missing or
// not numeric.
func (r Record) Float(field string) (float64, bool) {
	v, present := r[field]
	if !present || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Fields returns the field names in sorted order.
func (r Record) Fields() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Field describes one column of a Schema.
type Field struct {
	Name     string `json:"name" yaml:"name" toml:"name"`
	Type     string `json:"type" yaml:"type" toml:"type"`
	Nullable bool   `json:"nullable" yaml:"nullable" toml:"nullable"`
}

// Schema is the ordered field list an extractor declares. An empty Schema
// means the source is schemaless.
type Schema struct {
	Name   string  `json:"name" yaml:"name" toml:"name"`
	Fields []Field `json:"fields" yaml:"fields" toml:"fields"`
}

// Lookup returns the field named name.
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Empty reports whether the schema declares no fields.
func (s Schema) Empty() bool {
	return len(s.Fields) == 0
}
