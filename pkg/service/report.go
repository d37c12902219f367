package service

import (
	"context"

	"github.com/ha1tch/discharge/pkg/cohort"
	"github.com/ha1tch/discharge/pkg/schema"
)

// Inspection is a snapshot of the connected source.
type Inspection struct {
	Backend  string         `yaml:"backend"`
	Version  string         `yaml:"version"`
	Tables   []schema.Table `yaml:"tables"`
	MHSource *schema.Source `yaml:"mh_source"`
}

// Inspect describes the connected schema and where the mental-health
// dimension would be taken from.
func (s *Service) Inspect(ctx context.Context) (*Inspection, error) {
	version, err := s.db.Version(ctx)
	if err != nil {
		return nil, err
	}
	desc, err := schema.Describe(ctx, s.introspector)
	if err != nil {
		return nil, err
	}

	detector := s.detector
	if detector == nil {
		detector = schema.NewDetector()
	}

	ins := &Inspection{
		Backend: s.db.Backend().String(),
		Version: version,
		Tables:  desc.Tables,
	}
	label := "none"
	if src, ok := detector.DetectIn(desc); ok {
		ins.MHSource = &src
		label = src.String()
	}

	s.logger.Schema().Info("schema inspected",
		"tables", len(desc.Tables),
		"mh_source", label,
	)
	return ins, nil
}

// Summary aggregates a filtered view dataset.
type Summary struct {
	View     string                    `yaml:"view"`
	Query    string                    `yaml:"query"`
	MHSource string                    `yaml:"mh_source,omitempty"`
	Rows     int                       `yaml:"rows"`
	Records  int                       `yaml:"unique_records"`
	Facets   map[string][]cohort.Share `yaml:"facets"`
	Matrix   *cohort.Matrix            `yaml:"matrix,omitempty"`
	Options  map[string][]string       `yaml:"options"`
}

// Summarize loads a view and aggregates it after applying filter.
func (s *Service) Summarize(ctx context.Context, key string, filter cohort.Filter) (*Summary, error) {
	ds, st, err := s.Dataset(ctx, key)
	if err != nil {
		return nil, err
	}

	v := st.View
	sum := &Summary{
		View:     v.Key,
		Query:    st.Query,
		MHSource: st.MHSource(),
		Facets:   make(map[string][]cohort.Share),
		Options:  make(map[string][]string),
	}

	// Options come from the unfiltered data so every choice stays offered.
	for _, dim := range v.Dimensions {
		if ds.Has(dim) {
			sum.Options[dim] = ds.Options(dim)
		}
	}
	if ds.Has(cohort.YearColumn) {
		sum.Options[cohort.YearColumn] = ds.Options(cohort.YearColumn)
	}

	filtered := ds.Filter(filter)
	sum.Rows = filtered.Len()
	sum.Records = filtered.Unique()
	for _, dim := range v.Dimensions {
		if ds.Has(dim) {
			sum.Facets[dim] = filtered.Facet(dim, v.Top)
		}
	}
	if ds.Has(v.Matrix.Row) && ds.Has(v.Matrix.Column) {
		sum.Matrix = filtered.Cooccurrence(v.Matrix.Row, v.Matrix.Column, v.Top)
	}
	return sum, nil
}
