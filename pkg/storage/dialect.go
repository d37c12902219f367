package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// Backend identifies a database engine and, with it, the SQL dialect.
type Backend string

const (
	BackendSQLite    Backend = "sqlite"
	BackendSQLServer Backend = "sqlserver"
	BackendPostgres  Backend = "postgres"
	BackendMySQL     Backend = "mysql"
)

func (b Backend) String() string {
	return string(b)
}

// ParseBackend accepts the backend names and their common aliases.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	case "sqlserver", "mssql":
		return BackendSQLServer, nil
	case "postgres", "postgresql", "pg", "pgx":
		return BackendPostgres, nil
	case "mysql", "mariadb":
		return BackendMySQL, nil
	default:
		return "", fmt.Errorf("unknown backend: %q", s)
	}
}

// DriverName returns the database/sql driver registered for the backend.
func (b Backend) DriverName() string {
	switch b {
	case BackendSQLite:
		return "sqlite3"
	case BackendSQLServer:
		return "sqlserver"
	case BackendPostgres:
		return "pgx"
	case BackendMySQL:
		return "mysql"
	default:
		return ""
	}
}

// Placeholder returns the bind parameter marker for the n-th (1-based) argument.
func (b Backend) Placeholder(n int) string {
	switch b {
	case BackendSQLServer:
		return fmt.Sprintf("@p%d", n)
	case BackendPostgres:
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdent quotes an identifier for the backend. Plain identifiers are
// returned unchanged so generated SQL stays readable.
func (b Backend) QuoteIdent(name string) string {
	if plainIdent.MatchString(name) {
		return name
	}
	switch b {
	case BackendSQLServer:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	case BackendMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}
