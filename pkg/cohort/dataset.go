// Package cohort turns raw discharge query results into cleaned datasets
// and aggregates them by unique record.
package cohort

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/storage"
)

// Unknown replaces missing categorical values.
const Unknown = "Unknown"

// Well-known columns.
const (
	RecordIDColumn = "record_id"
	YearColumn     = "calendar_year"
	AgeColumn      = "age_group"
)

// Rules control how a result set is cleaned.
type Rules struct {
	// Required columns; a result missing any of them is rejected.
	Required []string

	// Categorical columns are trimmed and missing values become Unknown.
	// Columns absent from the result are skipped.
	Categorical []string

	// Inclusive calendar year window. Zero bounds disable the filter.
	YearMin int
	YearMax int

	// Drop rows whose age group (trimmed, lower-cased) is one of these.
	UnknownAges []string
}

// CooccurringRules is the cleaning applied to the co-occurring view.
func CooccurringRules(yearMin, yearMax int) Rules {
	return Rules{
		Required: []string{
			"record_id", "substance", "mh_diagnosis", "county", "region",
			"zip", "residency", "age_group", "sex", "calendar_year",
		},
		Categorical: []string{"substance", "mh_diagnosis", "county", "region", "zip", "residency", "age_group", "sex"},
		YearMin:     yearMin,
		YearMax:     yearMax,
		UnknownAges: []string{"unknown"},
	}
}

// PolysubstanceRules is the cleaning applied to the polysubstance view.
func PolysubstanceRules(yearMin, yearMax int) Rules {
	return Rules{
		Required:    []string{"record_id"},
		Categorical: []string{"county", "region", "residency", "age_group", "sex", "substance"},
		YearMin:     yearMin,
		YearMax:     yearMax,
		UnknownAges: []string{"", "unknown", "unk", "n/a", "na"},
	}
}

// MainRules is the cleaning applied to the main discharge view.
func MainRules(yearMin, yearMax int) Rules {
	return Rules{
		Required:    []string{"record_id"},
		Categorical: []string{"county", "region", "residency", "age_group", "sex", "substance"},
		YearMin:     yearMin,
		YearMax:     yearMax,
	}
}

// Record is one cleaned row. Values holds every column as text.
type Record struct {
	ID     string
	Year   int
	Values map[string]string
}

// Get returns the value of column.
func (r Record) Get(column string) string {
	return r.Values[column]
}

// Dataset is a cleaned set of records.
type Dataset struct {
	Columns []string
	Records []Record
}

// Prepare validates and cleans a result set.
func Prepare(rs *storage.ResultSet, rules Rules) (*Dataset, error) {
	if rs == nil || len(rs.Rows) == 0 {
		return nil, dxerrors.New(dxerrors.ErrCodeEmptyResult, "query returned 0 rows").
			WithOp("cohort.Prepare").
			Err()
	}

	index := make(map[string]int, len(rs.Columns))
	for i, c := range rs.Columns {
		index[c] = i
	}

	var missing []string
	for _, c := range rules.Required {
		if _, ok := index[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, dxerrors.Newf(dxerrors.ErrCodeMissingColumns,
			"missing columns from SQL result: %s", strings.Join(missing, ", ")).
			WithOp("cohort.Prepare").
			WithField("missing", missing).
			Err()
	}

	categorical := make(map[string]bool, len(rules.Categorical))
	for _, c := range rules.Categorical {
		categorical[c] = true
	}
	unknownAges := make(map[string]bool, len(rules.UnknownAges))
	for _, a := range rules.UnknownAges {
		unknownAges[a] = true
	}
	_, hasYear := index[YearColumn]
	_, hasAge := index[AgeColumn]

	ds := &Dataset{Columns: append([]string(nil), rs.Columns...)}
	for _, row := range rs.Rows {
		rec := Record{Values: make(map[string]string, len(rs.Columns))}
		for i, c := range rs.Columns {
			v := text(row[i])
			if categorical[c] {
				v = normalize(v)
			}
			rec.Values[c] = v
		}
		rec.ID = rec.Values[RecordIDColumn]

		if hasYear {
			year, ok := coerceYear(row[index[YearColumn]])
			if ok {
				rec.Year = year
				rec.Values[YearColumn] = strconv.Itoa(year)
			} else {
				rec.Values[YearColumn] = ""
			}
			if (rules.YearMin != 0 || rules.YearMax != 0) && !inWindow(year, ok, rules) {
				continue
			}
		}

		if hasAge && len(unknownAges) > 0 {
			if unknownAges[strings.ToLower(strings.TrimSpace(rec.Values[AgeColumn]))] {
				continue
			}
		}

		ds.Records = append(ds.Records, rec)
	}
	return ds, nil
}

func inWindow(year int, ok bool, rules Rules) bool {
	if !ok {
		return false
	}
	if rules.YearMin != 0 && year < rules.YearMin {
		return false
	}
	if rules.YearMax != 0 && year > rules.YearMax {
		return false
	}
	return true
}

// text renders a scanned value. NULL becomes the empty string.
func text(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// normalize trims a categorical value and maps the usual spellings of
// missing to Unknown.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	switch s {
	case "", "nan", "NaN", "None", "NULL", "<nil>":
		return Unknown
	}
	return s
}

func coerceYear(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int64:
		return int(x), true
	case int32:
		return int(x), true
	case int:
		return x, true
	case float64:
		if math.IsNaN(x) || x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	case nil:
		return 0, false
	default:
		s := strings.TrimSpace(text(x))
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
			return int(f), true
		}
		return 0, false
	}
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Records)
}

// Has reports whether the dataset carries column.
func (d *Dataset) Has(column string) bool {
	for _, c := range d.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Unique counts distinct record IDs.
func (d *Dataset) Unique() int {
	seen := make(map[string]struct{}, len(d.Records))
	for _, r := range d.Records {
		seen[r.ID] = struct{}{}
	}
	return len(seen)
}

// Filter selects rows by exact column values. Empty values mean "all".
type Filter map[string]string

// Filter returns the rows matching every non-empty entry of f.
func (d *Dataset) Filter(f Filter) *Dataset {
	out := &Dataset{Columns: d.Columns}
	for _, r := range d.Records {
		match := true
		for col, want := range f {
			if want != "" && r.Values[col] != want {
				match = false
				break
			}
		}
		if match {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// Options returns the distinct values of column for a filter dropdown:
// sorted, with Unknown last and blanks left out. Years sort numerically.
func (d *Dataset) Options(column string) []string {
	seen := make(map[string]bool)
	var core []string
	hasUnknown := false
	for _, r := range d.Records {
		v := r.Values[column]
		if seen[v] {
			continue
		}
		seen[v] = true
		switch v {
		case "":
		case Unknown:
			hasUnknown = true
		default:
			core = append(core, v)
		}
	}

	if column == YearColumn {
		sort.Slice(core, func(i, j int) bool {
			a, _ := strconv.Atoi(core[i])
			b, _ := strconv.Atoi(core[j])
			return a < b
		})
	} else {
		sort.Strings(core)
	}
	if hasUnknown {
		core = append(core, Unknown)
	}
	return core
}
