package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ha1tch/discharge/pkg/catalog"
	"github.com/ha1tch/discharge/pkg/cohort"
	"github.com/ha1tch/discharge/pkg/service"
	"github.com/ha1tch/discharge/pkg/version"
	"github.com/ha1tch/discharge/pkg/view"
)

const defaultPatchQuery = "load_sud_primary_mh_secondary_v2"

// loader builds a catalog loader for commands that do not need a database.
func (a *app) loader(cmd *cobra.Command) (*catalog.Loader, error) {
	if err := a.configure(cmd); err != nil {
		return nil, err
	}
	logger, err := service.NewLogger(a.cfg, a.stderr)
	if err != nil {
		return nil, err
	}
	return catalog.NewLoader(catalog.WithLogger(logger)), nil
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the queries in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader(cmd)
			if err != nil {
				return err
			}
			c, err := l.Catalog(cmd.Context(), a.cfg.QueriesPath)
			if err != nil {
				return err
			}

			type entry struct {
				Name  string `yaml:"name"`
				Lines int    `yaml:"lines"`
			}
			entries := make([]entry, 0, c.Len())
			rows := make([][]string, 0, c.Len())
			for _, q := range c.Queries() {
				n := strings.Count(q.Body, "\n") + 1
				if q.Body == "" {
					n = 0
				}
				entries = append(entries, entry{Name: q.Name, Lines: n})
				rows = append(rows, []string{q.Name, strconv.Itoa(n)})
			}
			if a.output == "yaml" {
				return writeYAML(a.stdout, entries)
			}
			renderTable(a.stdout, []string{"Name", "Lines"}, rows)
			if dups := c.Duplicates(); len(dups) > 0 {
				fmt.Fprintf(a.stderr, "duplicate names (last definition wins): %s\n", strings.Join(dups, ", "))
			}
			return nil
		},
	}
}

func (a *app) queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query NAME",
		Short: "Print the text of a named query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.loader(cmd)
			if err != nil {
				return err
			}
			body, err := l.Load(cmd.Context(), a.cfg.QueriesPath, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, body)
			return nil
		},
	}
}

func (a *app) patchCmd() *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "patch [NAME]",
		Short: "Print a query with its mh_union block adapted to the schema",
		Long: `Print a query with its mh_union block adapted to the connected schema.

NAME defaults to ` + defaultPatchQuery + `. With --stdin the statement is
read from standard input instead of the catalog.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.connect(cmd)
			if err != nil {
				return err
			}

			var sql string
			if fromStdin {
				b, err := io.ReadAll(a.stdin)
				if err != nil {
					return err
				}
				sql = string(b)
			} else {
				name := defaultPatchQuery
				if len(args) == 1 {
					name = args[0]
				}
				if sql, err = svc.Query(cmd.Context(), name); err != nil {
					return err
				}
			}

			res, err := svc.Patch(cmd.Context(), sql)
			if err != nil {
				return err
			}
			if a.output == "yaml" {
				return writeYAML(a.stdout, map[string]interface{}{
					"mh_source":       res.SourceLabel(),
					"applied":         res.Applied,
					"fallback":        res.Fallback,
					"joins_rewritten": res.JoinsRewritten,
					"sql":             res.SQL,
				})
			}
			if res.Applied {
				fmt.Fprintf(a.stdout, "-- mh_source: %s\n", res.SourceLabel())
			} else {
				fmt.Fprintln(a.stdout, "-- mh_union block not found; statement unchanged")
			}
			fmt.Fprintln(a.stdout, res.SQL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the statement from standard input")
	return cmd
}

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Describe the connected schema and the detected MH source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.connect(cmd)
			if err != nil {
				return err
			}
			ins, err := svc.Inspect(cmd.Context())
			if err != nil {
				return err
			}
			if a.output == "yaml" {
				return writeYAML(a.stdout, ins)
			}

			fmt.Fprintf(a.stdout, "Backend:   %s\n", ins.Backend)
			fmt.Fprintf(a.stdout, "Version:   %s\n", firstLine(ins.Version))
			if ins.MHSource != nil {
				fmt.Fprintf(a.stdout, "MH source: %s\n\n", ins.MHSource)
			} else {
				fmt.Fprint(a.stdout, "MH source: none (co-occurring view falls back to 'Unknown')\n\n")
			}
			rows := make([][]string, 0, len(ins.Tables))
			for _, t := range ins.Tables {
				rows = append(rows, []string{t.Name, strings.Join(t.Columns, ", ")})
			}
			renderTable(a.stdout, []string{"Table", "Columns"}, rows)
			return nil
		},
	}
}

func (a *app) viewsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "views",
		Short: "Show which views the catalog can serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.connect(cmd)
			if err != nil {
				return err
			}
			avail, err := svc.Views(cmd.Context())
			if err != nil {
				return err
			}

			type entry struct {
				Key      string `yaml:"key"`
				Title    string `yaml:"title"`
				Query    string `yaml:"query,omitempty"`
				Optional bool   `yaml:"optional"`
				Status   string `yaml:"status"`
			}
			entries := make([]entry, 0, len(avail))
			rows := make([][]string, 0, len(avail))
			for _, av := range avail {
				status := "available"
				if !av.Available() {
					status = "unavailable"
				}
				entries = append(entries, entry{
					Key:      av.View.Key,
					Title:    av.View.Title,
					Query:    av.Query,
					Optional: av.View.Optional,
					Status:   status,
				})
				rows = append(rows, []string{av.View.Key, av.View.Title, av.Query, status})
			}
			if a.output == "yaml" {
				if err := writeYAML(a.stdout, entries); err != nil {
					return err
				}
			} else {
				renderTable(a.stdout, []string{"Key", "Title", "Query", "Status"}, rows)
			}

			if missing := view.Missing(avail); len(missing) > 0 {
				return fmt.Errorf("required views unavailable: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func (a *app) summaryCmd() *cobra.Command {
	var filters []string
	cmd := &cobra.Command{
		Use:   "summary VIEW",
		Short: "Aggregate a view by unique record",
		Long: `Aggregate a view by unique record.

Filters select one value of a dimension, for example
  discharge summary co --filter county=Kent --filter sex=F`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilters(filters)
			if err != nil {
				return &usageError{err}
			}
			svc, err := a.connect(cmd)
			if err != nil {
				return err
			}
			sum, err := svc.Summarize(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			if a.output == "yaml" {
				return writeYAML(a.stdout, sum)
			}
			writeSummary(a.stdout, sum)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "dimension=value filter, repeatable")
	return cmd
}

func parseFilters(in []string) (cohort.Filter, error) {
	filter := cohort.Filter{}
	for _, f := range in {
		k, v, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid filter %q, want dimension=value", f)
		}
		filter[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return filter, nil
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the database connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.connect(cmd)
			if err != nil {
				return err
			}
			v, err := svc.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "connected to %s\n%s\n", a.cfg.Database, firstLine(v))
			return nil
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Reload the query catalog whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.connect(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			w, err := svc.Watch(ctx, func(ev catalog.Event) {
				switch ev.Kind {
				case catalog.EventRemoved:
					fmt.Fprintf(a.stdout, "removed %s\n", ev.Locator)
				default:
					fmt.Fprintf(a.stdout, "reloaded %s (%d queries)\n", ev.Locator, ev.Catalog.Len())
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "watching %s\n", a.cfg.QueriesPath)

			<-ctx.Done()
			svc.Logger().System().Info("watch stopped", "reason", context.Cause(ctx).Error())
			return w.Stop()
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(a.stdout, version.Full())
			return nil
		},
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
