package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/ha1tch/discharge/pkg/cohort"
	"github.com/ha1tch/discharge/pkg/service"
)

func renderTable(w io.Writer, header []string, rows [][]string) {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.AppendBulk(rows)
	t.Render()
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func writeSummary(w io.Writer, sum *service.Summary) {
	fmt.Fprintf(w, "View:    %s (%s)\n", sum.View, sum.Query)
	if sum.MHSource != "" {
		fmt.Fprintf(w, "MH:      %s\n", sum.MHSource)
	}
	fmt.Fprintf(w, "Rows:    %d\n", sum.Rows)
	fmt.Fprintf(w, "Records: %d\n", sum.Records)

	for _, dim := range sortedKeys(sum.Facets) {
		fmt.Fprintf(w, "\n%s\n", dim)
		renderTable(w, []string{"Value", "Records", "Share"}, shareRows(sum.Facets[dim]))
	}

	if m := sum.Matrix; m != nil && len(m.Rows) > 0 {
		fmt.Fprintf(w, "\n%s x %s\n", m.RowDim, m.ColDim)
		header := append([]string{m.RowDim}, m.Columns...)
		rows := make([][]string, len(m.Rows))
		for i, r := range m.Rows {
			row := []string{r}
			for _, n := range m.Counts[i] {
				row = append(row, strconv.Itoa(n))
			}
			rows[i] = row
		}
		renderTable(w, header, rows)
	}
}

func shareRows(shares []cohort.Share) [][]string {
	rows := make([][]string, len(shares))
	for i, s := range shares {
		rows[i] = []string{
			s.Value,
			strconv.Itoa(s.Records),
			s.Share.Shift(2).StringFixed(1) + "%",
		}
	}
	return rows
}
