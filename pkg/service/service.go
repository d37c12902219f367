// Package service wires configuration, storage, the query catalog, the
// schema patcher and the view registry into one process context.
package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ha1tch/discharge/pkg/catalog"
	"github.com/ha1tch/discharge/pkg/cohort"
	"github.com/ha1tch/discharge/pkg/config"
	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/log"
	"github.com/ha1tch/discharge/pkg/patch"
	"github.com/ha1tch/discharge/pkg/schema"
	"github.com/ha1tch/discharge/pkg/storage"
	"github.com/ha1tch/discharge/pkg/view"
)

// Service is built once per process and passed to every operation.
type Service struct {
	cfg    *config.Config
	logger *log.Logger

	db           *storage.DB
	ownsDB       bool
	introspector schema.Introspector

	loader   *catalog.Loader
	detector *schema.Detector
	patcher  *patch.Patcher
	views    *view.Registry
}

// Option configures a Service.
type Option func(*Service)

// WithDB uses an already open database instead of opening one from the
// configuration. The caller keeps ownership.
func WithDB(db *storage.DB) Option {
	return func(s *Service) {
		s.db = db
	}
}

// WithLogger overrides the logger built from the configuration.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLoader overrides the catalog loader.
func WithLoader(l *catalog.Loader) Option {
	return func(s *Service) {
		s.loader = l
	}
}

// WithRegistry overrides the default views.
func WithRegistry(r *view.Registry) Option {
	return func(s *Service) {
		s.views = r
	}
}

// WithDetector overrides the mental-health candidate lists.
func WithDetector(d *schema.Detector) Option {
	return func(s *Service) {
		s.detector = d
	}
}

// New builds a Service from cfg, opening the database unless WithDB is
// given.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := NewLogger(cfg, nil)
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}

	if s.loader == nil {
		s.loader = catalog.NewLoader(
			catalog.WithCache(cfg.CatalogCacheSize),
			catalog.WithLogger(s.logger),
		)
	}
	if s.views == nil {
		s.views = view.DefaultRegistry()
	}

	if s.db == nil {
		dbOpts, err := cfg.Database.StorageOptions()
		if err != nil {
			return nil, err
		}
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}
		db, err := storage.Open(ctx, dbOpts)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.ownsDB = true
		s.logger.System().Info("database connected", "database", cfg.Database.String())
	}

	in, err := schema.ForDialect(s.db, s.db.Backend())
	if err != nil {
		s.Close()
		return nil, err
	}
	s.introspector = in

	popts := []patch.Option{
		patch.WithBackend(s.db.Backend()),
		patch.WithLogger(s.logger),
	}
	if s.detector != nil {
		popts = append(popts, patch.WithDetector(s.detector))
	}
	s.patcher = patch.New(popts...)

	return s, nil
}

// NewLogger builds the logger described by cfg, writing to out or to
// stderr when out is nil.
func NewLogger(cfg *config.Config, out io.Writer) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeConfigInvalid, "invalid log level").Err()
	}
	format, err := log.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeConfigInvalid, "invalid log format").Err()
	}
	lc := log.DefaultConfig()
	lc.DefaultLevel = level
	lc.Format = format
	if out != nil {
		lc.Output = out
	}
	return log.New(lc), nil
}

// Config returns the configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Logger returns the logger.
func (s *Service) Logger() *log.Logger { return s.logger }

// DB returns the database.
func (s *Service) DB() *storage.DB { return s.db }

// Registry returns the view registry.
func (s *Service) Registry() *view.Registry { return s.views }

// Close releases the database if the service opened it.
func (s *Service) Close() error {
	var err error
	if s.ownsDB && s.db != nil {
		err = s.db.Close()
	}
	_ = s.logger.Sync()
	return err
}

// Catalog returns the configured query catalog.
func (s *Service) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	return s.loader.Catalog(ctx, s.cfg.QueriesPath)
}

// Query returns the raw text of a named query.
func (s *Service) Query(ctx context.Context, name string) (string, error) {
	return s.loader.Load(ctx, s.cfg.QueriesPath, name)
}

// Patch adapts sql to the connected schema.
func (s *Service) Patch(ctx context.Context, sql string) (patch.Result, error) {
	return s.patcher.Patch(ctx, sql, s.introspector)
}

// Statement is a view's query ready for execution.
type Statement struct {
	View  view.View
	Query string
	SQL   string

	// Patch is set for views that adapt to the schema.
	Patch *patch.Result
}

// MHSource describes the mental-health source, if the view adapts.
func (st *Statement) MHSource() string {
	if st.Patch == nil {
		return ""
	}
	return st.Patch.SourceLabel()
}

// Statement resolves a view to its query text, patched when the view
// adapts to the schema.
func (s *Service) Statement(ctx context.Context, key string) (*Statement, error) {
	v, err := s.views.Lookup(key)
	if err != nil {
		return nil, err
	}
	c, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	name, err := v.Resolve(c)
	if err != nil {
		return nil, err
	}
	body, _ := c.Lookup(name)

	st := &Statement{View: v, Query: name, SQL: body}
	if v.Adapt {
		res, err := s.Patch(ctx, body)
		if err != nil {
			return nil, err
		}
		st.SQL = res.SQL
		st.Patch = &res
	}

	s.logger.Execution().Info("statement prepared",
		"view", v.Key,
		"query", name,
		"mh_source", st.MHSource(),
	)
	return st, nil
}

// Dataset executes a view's statement and cleans the result.
func (s *Service) Dataset(ctx context.Context, key string) (*cohort.Dataset, *Statement, error) {
	st, err := s.Statement(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	rs, err := s.db.Query(ctx, st.SQL)
	if err != nil {
		return nil, st, err
	}

	rules := st.View.Rules(s.cfg.YearMin, s.cfg.YearMax)
	ds, err := cohort.Prepare(rs, rules)
	if err != nil {
		if dxerrors.IsCode(err, dxerrors.ErrCodeEmptyResult) {
			msg := fmt.Sprintf("query %q returned 0 rows", st.Query)
			if st.Patch != nil {
				msg += ". MH source: " + st.MHSource()
			}
			return nil, st, dxerrors.New(dxerrors.ErrCodeEmptyResult, msg).
				WithOp("Service.Dataset").
				WithField("view", key).
				Err()
		}
		return nil, st, err
	}

	s.logger.Performance().Info("dataset loaded",
		"view", key,
		"rows", ds.Len(),
		"raw_rows", len(rs.Rows),
		"unique_records", ds.Unique(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ds, st, nil
}

// Views resolves every registered view against the catalog.
func (s *Service) Views(ctx context.Context) ([]view.Availability, error) {
	c, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	avail := s.views.Resolve(c)
	for _, a := range avail {
		if !a.Available() {
			s.logger.System().Warn("view unavailable",
				"view", a.View.Key,
				"optional", a.View.Optional,
				"reason", a.Err.Error(),
			)
		}
	}
	return avail, nil
}

// Ping checks the connection and returns the server version.
func (s *Service) Ping(ctx context.Context) (string, error) {
	if err := s.db.Ping(ctx); err != nil {
		return "", dxerrors.Wrap(err, dxerrors.ErrCodeConnectionFailed, "ping failed").
			WithOp("Service.Ping").
			Err()
	}
	return s.db.Version(ctx)
}

// Watch reloads the catalog when its file changes. The watcher stops when
// ctx is done or Stop is called.
func (s *Service) Watch(ctx context.Context, onEvent func(catalog.Event)) (*catalog.Watcher, error) {
	w, err := catalog.NewWatcher(s.loader, s.logger, []string{s.cfg.QueriesPath},
		catalog.WithOnReload(onEvent),
	)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
