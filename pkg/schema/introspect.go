// Package schema enumerates the tables and columns of a live data source
// and detects where the mental-health diagnosis dimension lives.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/storage"
)

// Introspector lists tables and their columns. Columns of a missing table
// is an empty list, not an error.
type Introspector interface {
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]string, error)
}

// Queryer is the subset of *storage.DB and *sql.DB the introspectors use.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ForDialect returns the introspector suited to the backend.
func ForDialect(q Queryer, backend storage.Backend) (Introspector, error) {
	switch backend {
	case storage.BackendSQLite:
		return NewSQLite(q), nil
	case storage.BackendSQLServer, storage.BackendPostgres, storage.BackendMySQL:
		return NewInformationSchema(q, backend), nil
	default:
		return nil, dxerrors.Newf(dxerrors.ErrCodeUnsupportedBackend, "no introspector for backend %q", backend).
			WithOp("schema.ForDialect").
			Err()
	}
}

// SQLite introspects through sqlite_master and PRAGMA table_info.
type SQLite struct {
	q Queryer
}

// NewSQLite creates a SQLite introspector.
func NewSQLite(q Queryer) *SQLite {
	return &SQLite{q: q}
}

// Tables returns user tables in creation order.
func (s *SQLite) Tables(ctx context.Context) ([]string, error) {
	const query = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`
	names, err := queryStrings(ctx, s.q, query, 0)
	if err != nil {
		return nil, wrapIntrospect(err, "SQLite.Tables", "")
	}
	return names, nil
}

// Columns returns the columns of table in declaration order.
func (s *SQLite) Columns(ctx context.Context, table string) ([]string, error) {
	// PRAGMA table_info returns: cid, name, type, notnull, dflt_value, pk
	query := fmt.Sprintf("PRAGMA table_info(%s)", sqliteQuote(table))
	names, err := queryStrings(ctx, s.q, query, 1)
	if err != nil {
		return nil, wrapIntrospect(err, "SQLite.Columns", table)
	}
	return names, nil
}

func sqliteQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// InformationSchema introspects SQL Server, PostgreSQL and MySQL through
// the INFORMATION_SCHEMA views, restricted to the connection's current
// schema (or database, for MySQL).
type InformationSchema struct {
	q       Queryer
	backend storage.Backend
}

// NewInformationSchema creates an INFORMATION_SCHEMA introspector.
func NewInformationSchema(q Queryer, backend storage.Backend) *InformationSchema {
	return &InformationSchema{q: q, backend: backend}
}

func (is *InformationSchema) currentSchema() string {
	switch is.backend {
	case storage.BackendSQLServer:
		return "SCHEMA_NAME()"
	case storage.BackendMySQL:
		return "DATABASE()"
	default:
		return "current_schema()"
	}
}

// Tables returns base tables ordered by name.
func (is *InformationSchema) Tables(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = %s
ORDER BY TABLE_NAME`, is.currentSchema())
	names, err := queryStrings(ctx, is.q, query, 0)
	if err != nil {
		return nil, wrapIntrospect(err, "InformationSchema.Tables", "")
	}
	return names, nil
}

// Columns returns the columns of table by ordinal position.
func (is *InformationSchema) Columns(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf(`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = %s AND TABLE_NAME = %s
ORDER BY ORDINAL_POSITION`, is.currentSchema(), is.backend.Placeholder(1))
	names, err := queryStrings(ctx, is.q, query, 0, table)
	if err != nil {
		return nil, wrapIntrospect(err, "InformationSchema.Columns", table)
	}
	return names, nil
}

// queryStrings collects column idx of every row as a string.
func queryStrings(ctx context.Context, q Queryer, query string, idx int, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	names := []string{}
	if idx >= len(cols) {
		return names, nil
	}

	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		switch v := values[idx].(type) {
		case string:
			names = append(names, v)
		case []byte:
			names = append(names, string(v))
		case nil:
		default:
			names = append(names, fmt.Sprint(v))
		}
	}
	return names, rows.Err()
}

func wrapIntrospect(err error, op, table string) error {
	b := dxerrors.Wrap(err, dxerrors.ErrCodeSchemaIntrospect, "schema introspection failed").WithOp(op)
	if table != "" {
		b = b.WithField("table", table)
	}
	return b.Err()
}

// Table is one table and its columns.
type Table struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

// Descriptor is a point-in-time snapshot of a source's tables.
type Descriptor struct {
	Tables []Table `yaml:"tables"`
}

// Describe enumerates every table and its columns.
func Describe(ctx context.Context, in Introspector) (*Descriptor, error) {
	tables, err := in.Tables(ctx)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{Tables: make([]Table, 0, len(tables))}
	for _, name := range tables {
		cols, err := in.Columns(ctx, name)
		if err != nil {
			return nil, err
		}
		d.Tables = append(d.Tables, Table{Name: name, Columns: cols})
	}
	return d, nil
}

// Lookup returns the named table, matched case-insensitively.
func (d *Descriptor) Lookup(name string) (Table, bool) {
	for _, t := range d.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return Table{}, false
}
