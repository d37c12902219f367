package cohort

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Share is the number of unique records carrying one value of a facet.
type Share struct {
	Value   string          `yaml:"value"`
	Records int             `yaml:"records"`
	Share   decimal.Decimal `yaml:"share"`
}

// uniqueBy counts distinct record IDs per value of column.
func (d *Dataset) uniqueBy(column string) map[string]int {
	sets := make(map[string]map[string]struct{})
	for _, r := range d.Records {
		v := r.Values[column]
		set, ok := sets[v]
		if !ok {
			set = make(map[string]struct{})
			sets[v] = set
		}
		set[r.ID] = struct{}{}
	}
	counts := make(map[string]int, len(sets))
	for v, set := range sets {
		counts[v] = len(set)
	}
	return counts
}

// ranked orders values by descending count, then by value.
func ranked(counts map[string]int) []string {
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if counts[values[i]] != counts[values[j]] {
			return counts[values[i]] > counts[values[j]]
		}
		return values[i] < values[j]
	})
	return values
}

// Facet counts unique records per value of column, largest first. Shares
// are relative to the dataset's unique records, rounded to four places. A
// top of zero or less keeps every value.
func (d *Dataset) Facet(column string, top int) []Share {
	counts := d.uniqueBy(column)
	values := ranked(counts)
	if top > 0 && len(values) > top {
		values = values[:top]
	}

	total := decimal.NewFromInt(int64(d.Unique()))
	out := make([]Share, 0, len(values))
	for _, v := range values {
		s := Share{Value: v, Records: counts[v], Share: decimal.Zero}
		if !total.IsZero() {
			s.Share = decimal.NewFromInt(int64(counts[v])).DivRound(total, 4)
		}
		out = append(out, s)
	}
	return out
}

// Matrix holds unique record counts for every (row, column) value pair.
type Matrix struct {
	RowDim  string   `yaml:"row_dimension"`
	ColDim  string   `yaml:"column_dimension"`
	Rows    []string `yaml:"rows"`
	Columns []string `yaml:"columns"`
	Counts  [][]int  `yaml:"counts"`
}

// Cooccurrence cross-tabulates unique records by two columns. Rows and
// columns are limited to the top values of each dimension by unique
// records; a top of zero or less keeps every value.
func (d *Dataset) Cooccurrence(rowDim, colDim string, top int) *Matrix {
	rows := ranked(d.uniqueBy(rowDim))
	cols := ranked(d.uniqueBy(colDim))
	if top > 0 {
		if len(rows) > top {
			rows = rows[:top]
		}
		if len(cols) > top {
			cols = cols[:top]
		}
	}

	rowIdx := make(map[string]int, len(rows))
	for i, v := range rows {
		rowIdx[v] = i
	}
	colIdx := make(map[string]int, len(cols))
	for i, v := range cols {
		colIdx[v] = i
	}

	type cell struct{ r, c int }
	seen := make(map[cell]map[string]struct{})
	for _, rec := range d.Records {
		ri, ok := rowIdx[rec.Values[rowDim]]
		if !ok {
			continue
		}
		ci, ok := colIdx[rec.Values[colDim]]
		if !ok {
			continue
		}
		k := cell{ri, ci}
		if seen[k] == nil {
			seen[k] = make(map[string]struct{})
		}
		seen[k][rec.ID] = struct{}{}
	}

	m := &Matrix{RowDim: rowDim, ColDim: colDim, Rows: rows, Columns: cols, Counts: make([][]int, len(rows))}
	for i := range rows {
		m.Counts[i] = make([]int, len(cols))
	}
	for k, ids := range seen {
		m.Counts[k.r][k.c] = len(ids)
	}
	return m
}

// At returns the count for a (row, column) value pair.
func (m *Matrix) At(row, col string) int {
	for i, r := range m.Rows {
		if r != row {
			continue
		}
		for j, c := range m.Columns {
			if c == col {
				return m.Counts[i][j]
			}
		}
	}
	return 0
}
