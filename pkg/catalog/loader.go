package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/log"
)

// Loader reads catalog resources and resolves names against them.
//
// Locators are anything the afs file system understands: bare paths
// (relative to the working directory), file://, mem:// and the other
// registered schemes. Without a cache every call re-reads the resource.
type Loader struct {
	fs     afs.Service
	cache  *lru.Cache[string, *Catalog]
	strict bool
	logger *log.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithCache keeps up to size parsed catalogs keyed by locator. A size of
// zero or less disables caching.
func WithCache(size int) LoaderOption {
	return func(l *Loader) {
		if size <= 0 {
			l.cache = nil
			return
		}
		l.cache, _ = lru.New[string, *Catalog](size)
	}
}

// WithStrictNames rejects catalogs that define a name more than once.
func WithStrictNames(enable bool) LoaderOption {
	return func(l *Loader) {
		l.strict = enable
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithFileSystem replaces the afs service.
func WithFileSystem(fs afs.Service) LoaderOption {
	return func(l *Loader) {
		l.fs = fs
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		fs:     afs.New(),
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Normalize turns a bare path into an absolute file:// URL and returns
// other URLs unchanged.
func Normalize(locator string) (string, error) {
	if strings.Contains(locator, "://") {
		return locator, nil
	}
	if url.IsRelative(locator) {
		abs, err := filepath.Abs(locator)
		if err != nil {
			return "", err
		}
		locator = abs
	}
	return file.Scheme + "://" + filepath.ToSlash(locator), nil
}

// LocalPath returns the file system path of a file:// or bare locator.
func LocalPath(locator string) (string, bool) {
	normalized, err := Normalize(locator)
	if err != nil || !strings.HasPrefix(normalized, file.Scheme+"://") {
		return "", false
	}
	return filepath.FromSlash(url.Path(normalized)), true
}

// Catalog returns the parsed catalog at locator.
func (l *Loader) Catalog(ctx context.Context, locator string) (*Catalog, error) {
	key, err := Normalize(locator)
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeCatalogRead, "invalid catalog locator").
			WithOp("Loader.Catalog").
			WithField("locator", locator).
			Err()
	}

	if l.cache != nil {
		if c, ok := l.cache.Get(key); ok {
			return c, nil
		}
	}

	start := time.Now()
	data, err := l.fs.DownloadWithURL(ctx, key)
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeCatalogRead, "failed to read catalog").
			WithOp("Loader.Catalog").
			WithField("locator", locator).
			Err()
	}

	c, err := Parse(string(data))
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeCatalogRead, "failed to parse catalog").
			WithOp("Loader.Catalog").
			WithField("locator", locator).
			Err()
	}

	if dups := c.Duplicates(); len(dups) > 0 {
		if l.strict {
			return nil, dxerrors.Newf(dxerrors.ErrCodeCatalogDuplicate,
				"duplicate query names in %s: %s", locator, strings.Join(dups, ", ")).
				WithOp("Loader.Catalog").
				WithField("locator", locator).
				Err()
		}
		l.logger.Catalog().Warn("duplicate query names, later definitions win",
			"locator", locator,
			"names", strings.Join(dups, ","),
		)
	}

	l.logger.Catalog().Debug("catalog parsed",
		"locator", locator,
		"queries", c.Len(),
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if l.cache != nil {
		l.cache.Add(key, c)
	}
	return c, nil
}

// Load returns the body of the query registered under name at locator.
func (l *Loader) Load(ctx context.Context, locator, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", dxerrors.InvalidInput(dxerrors.ErrCodeInvalidName, "query name", "must not be empty").
			WithOp("Loader.Load").
			Err()
	}

	c, err := l.Catalog(ctx, locator)
	if err != nil {
		return "", err
	}

	body, ok := c.Lookup(name)
	if !ok {
		return "", dxerrors.NotFound(dxerrors.ErrCodeQueryNotFound, "query", name, locator).
			WithOp("Loader.Load").
			Err()
	}
	return body, nil
}

// Invalidate drops the cached catalog for locator.
func (l *Loader) Invalidate(locator string) {
	if l.cache == nil {
		return
	}
	if key, err := Normalize(locator); err == nil {
		l.cache.Remove(key)
	}
}

// Reload re-reads locator, replacing any cached copy.
func (l *Loader) Reload(ctx context.Context, locator string) (*Catalog, error) {
	l.Invalidate(locator)
	return l.Catalog(ctx, locator)
}

// Cached reports whether a parsed copy of locator is held.
func (l *Loader) Cached(locator string) bool {
	if l.cache == nil {
		return false
	}
	key, err := Normalize(locator)
	if err != nil {
		return false
	}
	return l.cache.Contains(key)
}
