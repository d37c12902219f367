package schema

import (
	"context"
	"strings"
)

// DefaultCandidateTables lists tables likely to hold a mental-health
// diagnosis, most preferred first.
var DefaultCandidateTables = []string{
	"mh_diagnoses", "demographics", "diagnoses", "conditions", "mental_health", "dx_mh", "mh",
}

// DefaultCandidateColumns lists likely diagnosis column names, most
// preferred first.
var DefaultCandidateColumns = []string{
	"mh_diagnosis", "mh_dx", "mental_health_diagnosis", "mental_health", "mh", "mh_condition", "mh_diag",
}

// Source is a detected (table, column) pair.
type Source struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

func (s Source) String() string {
	if s.Table == "" {
		return ""
	}
	return s.Table + "." + s.Column
}

// IsZero reports whether no source was detected.
func (s Source) IsZero() bool {
	return s.Table == "" && s.Column == ""
}

// Detector finds the mental-health source in a schema.
type Detector struct {
	Tables  []string
	Columns []string
}

// NewDetector returns a detector using the default candidate lists.
func NewDetector() *Detector {
	return &Detector{
		Tables:  append([]string(nil), DefaultCandidateTables...),
		Columns: append([]string(nil), DefaultCandidateColumns...),
	}
}

// Order returns the scan order for tables: candidates present in the
// source in preference order, then the remaining tables as enumerated.
// Names are matched case-insensitively; the source's spelling is kept.
func (d *Detector) Order(tables []string) []string {
	ordered := make([]string, 0, len(tables))
	used := make([]bool, len(tables))
	for _, candidate := range d.Tables {
		for i, t := range tables {
			if !used[i] && strings.EqualFold(t, candidate) {
				ordered = append(ordered, t)
				used[i] = true
				break
			}
		}
	}
	for i, t := range tables {
		if !used[i] {
			ordered = append(ordered, t)
		}
	}
	return ordered
}

// Match returns the highest-priority candidate present in columns.
func (d *Detector) Match(columns []string) (string, bool) {
	for _, candidate := range d.Columns {
		for _, c := range columns {
			if strings.EqualFold(c, candidate) {
				return c, true
			}
		}
	}
	return "", false
}

// Detect returns the first (table, column) pair in priority order. The
// boolean is false when no table holds a candidate column; only
// introspection failures are errors.
func (d *Detector) Detect(ctx context.Context, in Introspector) (Source, bool, error) {
	tables, err := in.Tables(ctx)
	if err != nil {
		return Source{}, false, err
	}
	for _, t := range d.Order(tables) {
		cols, err := in.Columns(ctx, t)
		if err != nil {
			return Source{}, false, err
		}
		if c, ok := d.Match(cols); ok {
			return Source{Table: t, Column: c}, true, nil
		}
	}
	return Source{}, false, nil
}

// DetectIn runs detection against an already captured descriptor.
func (d *Detector) DetectIn(desc *Descriptor) (Source, bool) {
	names := make([]string, len(desc.Tables))
	for i, t := range desc.Tables {
		names[i] = t.Name
	}
	for _, name := range d.Order(names) {
		t, _ := desc.Lookup(name)
		if c, ok := d.Match(t.Columns); ok {
			return Source{Table: t.Name, Column: c}, true
		}
	}
	return Source{}, false
}
