// Package view registers the discharge dashboard views and resolves which
// of them the current query catalog can serve.
package view

import (
	"sort"
	"strings"

	"github.com/ha1tch/discharge/pkg/catalog"
	"github.com/ha1tch/discharge/pkg/cohort"
	dxerrors "github.com/ha1tch/discharge/pkg/errors"
)

// Default view keys.
const (
	KeyAlt  = "alt"
	KeyPoly = "poly"
	KeyCo   = "co"
)

// Pair names the two dimensions of a cross-tabulation.
type Pair struct {
	Row    string `yaml:"row"`
	Column string `yaml:"column"`
}

// View describes one dashboard view.
type View struct {
	Key   string `yaml:"key"`
	Title string `yaml:"title"`

	// Queries are tried in order; the first one in the catalog is used.
	Queries []string `yaml:"queries"`

	// Adapt marks statements whose mh_union block must be patched to the
	// connected schema before execution.
	Adapt bool `yaml:"adapt"`

	// Optional views may be unavailable without failing the others.
	Optional bool `yaml:"optional"`

	// Dimensions offered as filters and facets.
	Dimensions []string `yaml:"dimensions"`

	// Matrix is the view's headline cross-tabulation.
	Matrix Pair `yaml:"matrix"`

	// Top limits facet and matrix categories; zero keeps all.
	Top int `yaml:"top"`

	Rules func(yearMin, yearMax int) cohort.Rules `yaml:"-"`
}

// Resolve returns the first of the view's queries present in c.
func (v View) Resolve(c *catalog.Catalog) (string, error) {
	for _, q := range v.Queries {
		if c.Has(q) {
			return q, nil
		}
	}
	return "", dxerrors.Newf(dxerrors.ErrCodeViewUnavailable,
		"view %s unavailable: none of its queries (%s) are in the catalog", v.Key, strings.Join(v.Queries, ", ")).
		WithOp("View.Resolve").
		WithField("view", v.Key).
		Err()
}

// Registry holds views in registration order.
type Registry struct {
	views []View
	index map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// DefaultRegistry returns the standard discharge views.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, v := range Defaults() {
		// Keys are unique.
		_ = r.Register(v)
	}
	return r
}

// Defaults returns the standard discharge views.
func Defaults() []View {
	return []View{
		{
			Key:        KeyAlt,
			Title:      "Discharges related to substance use",
			Queries:    []string{"load_main_data"},
			Dimensions: []string{"county", "region", "residency", "age_group", "sex", "substance"},
			Matrix:     Pair{Row: cohort.YearColumn, Column: "county"},
			Rules:      cohort.MainRules,
		},
		{
			Key:        KeyPoly,
			Title:      "Related to polysubstance use",
			Queries:    []string{"load_polysubstance_data", "load_main_data"},
			Dimensions: []string{"substance", "county", "age_group", "sex"},
			Matrix:     Pair{Row: cohort.YearColumn, Column: "county"},
			Top:        12,
			Rules:      cohort.PolysubstanceRules,
		},
		{
			Key:        KeyCo,
			Title:      "Co-occurring: SUD × MH (secondary)",
			Queries:    []string{"load_sud_primary_mh_secondary_v2"},
			Adapt:      true,
			Optional:   true,
			Dimensions: []string{"substance", "mh_diagnosis", "age_group", "sex", "county"},
			Matrix:     Pair{Row: "mh_diagnosis", Column: "substance"},
			Top:        12,
			Rules:      cohort.CooccurringRules,
		},
	}
}

// Register adds a view. Keys must be unique and non-empty.
func (r *Registry) Register(v View) error {
	if v.Key == "" {
		return dxerrors.InvalidInput(dxerrors.ErrCodeConfigInvalid, "view key", "must not be empty").Err()
	}
	if len(v.Queries) == 0 {
		return dxerrors.InvalidInput(dxerrors.ErrCodeConfigInvalid, "view queries", "at least one query is required").
			WithField("view", v.Key).
			Err()
	}
	if _, exists := r.index[v.Key]; exists {
		return dxerrors.Newf(dxerrors.ErrCodeConfigInvalid, "view %s already registered", v.Key).Err()
	}
	if v.Rules == nil {
		v.Rules = cohort.MainRules
	}
	r.index[v.Key] = len(r.views)
	r.views = append(r.views, v)
	return nil
}

// Lookup returns the view registered under key.
func (r *Registry) Lookup(key string) (View, error) {
	i, ok := r.index[key]
	if !ok {
		return View{}, dxerrors.NotFound(dxerrors.ErrCodeViewNotFound, "view", key, "registry").
			WithField("known", strings.Join(r.Keys(), ",")).
			Err()
	}
	return r.views[i], nil
}

// Views returns every view in registration order.
func (r *Registry) Views() []View {
	return append([]View(nil), r.views...)
}

// Keys returns the registered keys in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.views))
	for i, v := range r.views {
		keys[i] = v.Key
	}
	return keys
}

// Availability is the outcome of resolving one view.
type Availability struct {
	View  View   `yaml:"view"`
	Query string `yaml:"query,omitempty"`
	Err   error  `yaml:"-"`
}

// Available reports whether the view can be served.
func (a Availability) Available() bool {
	return a.Err == nil
}

// Resolve checks every view against c. A view that cannot be resolved is
// reported, never dropped, so callers can show or hide it.
func (r *Registry) Resolve(c *catalog.Catalog) []Availability {
	out := make([]Availability, 0, len(r.views))
	for _, v := range r.views {
		q, err := v.Resolve(c)
		out = append(out, Availability{View: v, Query: q, Err: err})
	}
	return out
}

// Missing returns the keys of required views that cannot be served,
// sorted.
func Missing(avail []Availability) []string {
	var keys []string
	for _, a := range avail {
		if !a.Available() && !a.View.Optional {
			keys = append(keys, a.View.Key)
		}
	}
	sort.Strings(keys)
	return keys
}
