// Package storage provides database access for discharge.
//
// A DB wraps a database/sql handle opened with the driver matching the
// configured backend: SQLite for local development, SQL Server in
// production, with PostgreSQL and MySQL also supported.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
)

// Options holds connection configuration.
type Options struct {
	Backend Backend
	DSN     string // Driver DSN, or the SQLite file path

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	SQLite SQLiteOptions
}

// SQLiteOptions holds SQLite-specific settings.
type SQLiteOptions struct {
	JournalMode string // WAL, DELETE, TRUNCATE, PERSIST, MEMORY, OFF
	BusyTimeout int    // Milliseconds
	CacheSize   int    // Number of pages (negative = KB)
	ReadOnly    bool
}

// DefaultSQLiteOptions returns sensible defaults for SQLite.
func DefaultSQLiteOptions() SQLiteOptions {
	return SQLiteOptions{
		BusyTimeout: 5000,
		CacheSize:   -2000,
	}
}

// sqliteDSN appends driver options to a SQLite path.
func sqliteDSN(path string, o SQLiteOptions) string {
	var opts []string
	if o.CacheSize != 0 {
		opts = append(opts, fmt.Sprintf("_cache_size=%d", o.CacheSize))
	}
	if o.BusyTimeout > 0 {
		opts = append(opts, fmt.Sprintf("_busy_timeout=%d", o.BusyTimeout))
	}
	if o.JournalMode != "" {
		opts = append(opts, "_journal_mode="+o.JournalMode)
	}
	if o.ReadOnly {
		// mode=ro is a SQLite URI parameter and needs the file: form.
		if !strings.HasPrefix(path, "file:") {
			path = "file:" + path
		}
		opts = append(opts, "mode=ro")
	}
	if len(opts) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(opts, "&")
}

// DB is an open database connection pool bound to a backend.
type DB struct {
	db      *sql.DB
	backend Backend
}

// Open opens and pings a database.
func Open(ctx context.Context, opts Options) (*DB, error) {
	driver := opts.Backend.DriverName()
	if driver == "" {
		return nil, dxerrors.Newf(dxerrors.ErrCodeUnsupportedBackend, "unsupported backend: %q", opts.Backend).
			WithOp("storage.Open").
			Err()
	}

	dsn := opts.DSN
	if opts.Backend == BackendSQLite {
		dsn = sqliteDSN(dsn, opts.SQLite)
		// A single connection keeps :memory: databases coherent.
		if opts.MaxOpenConns == 0 {
			opts.MaxOpenConns = 1
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeConnectionFailed, "failed to open database").
			WithOp("storage.Open").
			WithField("backend", opts.Backend.String()).
			Err()
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeConnectionFailed, "failed to ping database").
			WithOp("storage.Open").
			WithField("backend", opts.Backend.String()).
			Err()
	}

	return &DB{db: db, backend: opts.Backend}, nil
}

// OpenInMemory opens a private in-memory SQLite database.
func OpenInMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, Options{Backend: BackendSQLite, DSN: ":memory:", SQLite: DefaultSQLiteOptions()})
}

// Wrap binds an existing handle to a backend.
func Wrap(db *sql.DB, backend Backend) *DB {
	return &DB{db: db, backend: backend}
}

// Backend returns the backend the connection was opened with.
func (d *DB) Backend() Backend {
	return d.backend
}

// SQL returns the underlying handle.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// QueryContext runs a query and returns the raw rows.
func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// ResultSet holds a fully materialised query result.
type ResultSet struct {
	Columns []string
	Rows    [][]interface{}
}

// Query runs a query and materialises its result. []byte values are
// converted to strings.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*ResultSet, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeExecFailed, "query failed").
			WithOp("DB.Query").
			WithField("query", abbreviate(query, 200)).
			Err()
	}
	defer rows.Close()

	return scanResultSet(rows)
}

func scanResultSet(rows *sql.Rows) (*ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Exec executes a statement and returns rows affected.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, dxerrors.Wrap(err, dxerrors.ErrCodeExecFailed, "exec failed").
			WithOp("DB.Exec").
			WithField("query", abbreviate(query, 200)).
			Err()
	}
	return result.RowsAffected()
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Version returns the server version string.
func (d *DB) Version(ctx context.Context) (string, error) {
	var q string
	switch d.backend {
	case BackendSQLite:
		q = "SELECT sqlite_version()"
	case BackendSQLServer:
		q = "SELECT @@VERSION"
	case BackendPostgres:
		q = "SELECT version()"
	case BackendMySQL:
		q = "SELECT VERSION()"
	default:
		return "", dxerrors.Newf(dxerrors.ErrCodeUnsupportedBackend, "unsupported backend: %q", d.backend).Err()
	}

	var version string
	if err := d.db.QueryRowContext(ctx, q).Scan(&version); err != nil {
		return "", dxerrors.Wrap(err, dxerrors.ErrCodeConnectionFailed, "version probe failed").
			WithOp("DB.Version").
			Err()
	}
	return version, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
