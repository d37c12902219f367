package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ha1tch/discharge/pkg/config"
	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/log"
	"github.com/ha1tch/discharge/pkg/service"
	"github.com/ha1tch/discharge/pkg/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries per-invocation state shared by the subcommands.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	envFile string
	output  string

	cfg *config.Config
	svc *service.Service
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.WithRequestID(ctx, log.NewRequestID())

	err := root.ExecuteContext(ctx)
	if a.svc != nil {
		a.svc.Close()
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps configuration and usage problems to 2, everything else
// to 1.
func exitCode(err error) int {
	switch dxerrors.GetCode(err) {
	case dxerrors.ErrCodeConfigInvalid, dxerrors.ErrCodeConfigMissing, dxerrors.ErrCodeConfigParse:
		return 2
	}
	var ue *usageError
	if dxerrors.As(err, &ue) {
		return 2
	}
	return 1
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "discharge",
		Short: "Behavioral health discharge data access",
		Long: `discharge loads named queries from a SQL catalog, adapts the
co-occurring query to the connected schema and summarises the results.

Configuration is read from the environment and an optional .env file:
USE_MSSQL, SQLITE_DB_PATH, DB_SERVER, DB_PORT, DB_NAME, DB_USER,
DB_PASSWORD, DATABASE_URL, QUERIES_PATH, LOG_LEVEL, LOG_FORMAT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
	}
	root.SetVersionTemplate(version.Full() + "\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file to read settings from")
	pf.StringVarP(&a.output, "output", "o", "table", "output format: table, yaml")
	pf.String("queries", "", "query catalog path or URL (QUERIES_PATH)")
	pf.String("database-url", "", "connection string (DATABASE_URL)")
	pf.String("log-level", "", "log level: debug, info, warn, error, off (LOG_LEVEL)")
	pf.String("log-format", "", "log format: text, json (LOG_FORMAT)")

	root.AddCommand(
		a.listCmd(),
		a.queryCmd(),
		a.patchCmd(),
		a.inspectCmd(),
		a.viewsCmd(),
		a.summaryCmd(),
		a.pingCmd(),
		a.watchCmd(),
		a.versionCmd(),
	)
	return root
}

var flagKeys = map[string]string{
	"queries":      config.KeyQueriesPath,
	"database-url": config.KeyDatabaseURL,
	"log-level":    config.KeyLogLevel,
	"log-format":   config.KeyLogFormat,
}

// configure resolves configuration; flags override the environment.
func (a *app) configure(cmd *cobra.Command) error {
	if a.output != "table" && a.output != "yaml" {
		return &usageError{fmt.Errorf("unknown output format %q", a.output)}
	}

	v, err := config.NewViper(a.envFile)
	if err != nil {
		return err
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(name)); err != nil {
			return err
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// connect builds the service, opening the database.
func (a *app) connect(cmd *cobra.Command) (*service.Service, error) {
	if err := a.configure(cmd); err != nil {
		return nil, err
	}
	logger, err := service.NewLogger(a.cfg, a.stderr)
	if err != nil {
		return nil, err
	}
	svc, err := service.New(cmd.Context(), a.cfg, service.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.svc = svc
	logger.System().Debug("command started",
		"command", cmd.Name(),
		"request_id", log.RequestIDFromContext(cmd.Context()),
	)
	return svc, nil
}
