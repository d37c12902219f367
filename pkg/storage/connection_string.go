package storage

import (
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
)

const (
	sqliteConnectionStringPrefix = "sqlite://"
	mysqlConnectionStringPrefix  = "mysql://"
)

var (
	postgresConnectionStringPrefixes  = []string{"postgresql://", "postgres://"}
	sqlserverConnectionStringPrefixes = []string{"sqlserver://", "mssql://"}
)

// IsSQLiteConnectionString returns true for sqlite:// connection strings.
func IsSQLiteConnectionString(cs string) bool {
	return strings.HasPrefix(cs, sqliteConnectionStringPrefix)
}

// IsPostgresConnectionString returns true for postgres:// and postgresql://.
func IsPostgresConnectionString(cs string) bool {
	return hasAnyPrefix(cs, postgresConnectionStringPrefixes)
}

// IsSQLServerConnectionString returns true for sqlserver:// and mssql://.
func IsSQLServerConnectionString(cs string) bool {
	return hasAnyPrefix(cs, sqlserverConnectionStringPrefixes)
}

// IsMySQLConnectionString returns true for mysql:// connection strings.
func IsMySQLConnectionString(cs string) bool {
	return strings.HasPrefix(cs, mysqlConnectionStringPrefix)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// FromConnectionString resolves the backend of a connection string and
// returns the DSN to hand to its driver.
//
//	sqlite://discharges.db                      -> sqlite3 "discharges.db"
//	sqlserver://user:pw@host:1433?database=db   -> sqlserver (unchanged)
//	mssql://user:pw@host?database=db            -> sqlserver "sqlserver://..."
//	postgres://user:pw@host/db                  -> pgx (unchanged)
//	mysql://user:pw@tcp(host:3306)/db           -> mysql "user:pw@tcp(host:3306)/db"
func FromConnectionString(cs string) (Backend, string, error) {
	switch {
	case IsSQLiteConnectionString(cs):
		path := strings.TrimPrefix(cs, sqliteConnectionStringPrefix)
		if path == "" {
			return "", "", dxerrors.InvalidInput(dxerrors.ErrCodeConfigInvalid, "connection string", "sqlite path is empty").Err()
		}
		return BackendSQLite, path, nil

	case IsSQLServerConnectionString(cs):
		if strings.HasPrefix(cs, "mssql://") {
			cs = "sqlserver://" + strings.TrimPrefix(cs, "mssql://")
		}
		return BackendSQLServer, cs, nil

	case IsPostgresConnectionString(cs):
		if _, err := pgx.ParseConfig(cs); err != nil {
			return "", "", dxerrors.Wrap(err, dxerrors.ErrCodeConfigInvalid, "invalid postgres connection string").
				WithOp("storage.FromConnectionString").
				Err()
		}
		return BackendPostgres, cs, nil

	case IsMySQLConnectionString(cs):
		dsn := strings.TrimPrefix(cs, mysqlConnectionStringPrefix)
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return "", "", dxerrors.Wrap(err, dxerrors.ErrCodeConfigInvalid, "invalid mysql connection string").
				WithOp("storage.FromConnectionString").
				Err()
		}
		return BackendMySQL, dsn, nil

	default:
		return "", "", dxerrors.Newf(dxerrors.ErrCodeUnsupportedBackend,
			"could not evaluate backend of connection string %q", Redact(cs)).
			WithOp("storage.FromConnectionString").
			Err()
	}
}

// Redact masks the password component of a URL-style connection string.
func Redact(cs string) string {
	schemeEnd := strings.Index(cs, "://")
	if schemeEnd < 0 {
		return cs
	}
	rest := cs[schemeEnd+3:]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return cs
	}
	userinfo := rest[:at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return cs
	}
	return cs[:schemeEnd+3] + userinfo[:colon] + ":xxxxx" + rest[at:]
}
