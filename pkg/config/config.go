// Package config resolves discharge configuration from the environment.
//
// Settings come, in increasing precedence, from defaults, an optional
// .env-style file, and process environment variables:
//
//	USE_MSSQL           true/1/yes selects SQL Server, otherwise SQLite
//	SQLITE_DB_PATH      SQLite database file (default discharges.db)
//	DB_SERVER, DB_PORT, DB_NAME, DB_USER, DB_PASSWORD
//	                    SQL Server connection parts
//	DATABASE_URL        full connection string; overrides the two above
//	QUERIES_PATH        named query catalog (default queries.sql)
//	LOG_LEVEL, LOG_FORMAT
//	CATALOG_CACHE_SIZE  parsed catalogs kept in memory (0 = reparse every load)
//	CATALOG_WATCH       reload the catalog when the file changes
//	YEAR_MIN, YEAR_MAX  calendar year window for prepared datasets
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/storage"
)

// Viper keys. Environment variables are the upper-cased keys.
const (
	KeyUseMSSQL         = "use_mssql"
	KeySQLitePath       = "sqlite_db_path"
	KeyDBServer         = "db_server"
	KeyDBPort           = "db_port"
	KeyDBName           = "db_name"
	KeyDBUser           = "db_user"
	KeyDBPassword       = "db_password"
	KeyDatabaseURL      = "database_url"
	KeyQueriesPath      = "queries_path"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyCatalogCacheSize = "catalog_cache_size"
	KeyCatalogWatch     = "catalog_watch"
	KeyYearMin          = "year_min"
	KeyYearMax          = "year_max"
	KeyConnectTimeout   = "connect_timeout"
)

var allKeys = []string{
	KeyUseMSSQL, KeySQLitePath, KeyDBServer, KeyDBPort, KeyDBName, KeyDBUser,
	KeyDBPassword, KeyDatabaseURL, KeyQueriesPath, KeyLogLevel, KeyLogFormat,
	KeyCatalogCacheSize, KeyCatalogWatch, KeyYearMin, KeyYearMax, KeyConnectTimeout,
}

// Config is the resolved process configuration.
type Config struct {
	Database    Database
	QueriesPath string

	LogLevel  string
	LogFormat string

	CatalogCacheSize int
	CatalogWatch     bool

	YearMin int
	YearMax int

	ConnectTimeout time.Duration
}

// Database describes how to reach the data source.
type Database struct {
	Backend storage.Backend

	// SQLite
	SQLitePath string

	// SQL Server
	Server   string
	Port     int
	Name     string
	User     string
	Password string

	// Set when DATABASE_URL was used
	URL string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyUseMSSQL, false)
	v.SetDefault(KeySQLitePath, "discharges.db")
	v.SetDefault(KeyDBServer, "localhost")
	v.SetDefault(KeyDBPort, 1433)
	v.SetDefault(KeyQueriesPath, "queries.sql")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyCatalogCacheSize, 0)
	v.SetDefault(KeyCatalogWatch, false)
	v.SetDefault(KeyYearMin, 2018)
	v.SetDefault(KeyYearMax, 2024)
	v.SetDefault(KeyConnectTimeout, 15*time.Second)
}

// NewViper returns a viper instance with defaults and environment binding.
// If envFile is non-empty and exists it is read as a dotenv file.
func NewViper(envFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	for _, key := range allKeys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, dxerrors.Wrap(err, dxerrors.ErrCodeConfigParse, "failed to read env file").
					WithOp("config.NewViper").
					WithField("path", envFile).
					Err()
			}
		}
	}

	return v, nil
}

// Load resolves a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		QueriesPath:      v.GetString(KeyQueriesPath),
		LogLevel:         v.GetString(KeyLogLevel),
		LogFormat:        v.GetString(KeyLogFormat),
		CatalogCacheSize: v.GetInt(KeyCatalogCacheSize),
		CatalogWatch:     parseBool(v.GetString(KeyCatalogWatch)),
		YearMin:          v.GetInt(KeyYearMin),
		YearMax:          v.GetInt(KeyYearMax),
		ConnectTimeout:   v.GetDuration(KeyConnectTimeout),
	}

	if cfg.YearMin > cfg.YearMax {
		return nil, dxerrors.Newf(dxerrors.ErrCodeConfigInvalid,
			"year window is empty: %d > %d", cfg.YearMin, cfg.YearMax).
			WithOp("config.Load").
			Err()
	}
	if cfg.CatalogCacheSize < 0 {
		return nil, dxerrors.InvalidInput(dxerrors.ErrCodeConfigInvalid, KeyCatalogCacheSize, "must not be negative").Err()
	}

	db := Database{
		SQLitePath: v.GetString(KeySQLitePath),
		Server:     v.GetString(KeyDBServer),
		Port:       v.GetInt(KeyDBPort),
		Name:       v.GetString(KeyDBName),
		User:       v.GetString(KeyDBUser),
		Password:   v.GetString(KeyDBPassword),
		URL:        v.GetString(KeyDatabaseURL),
	}

	switch {
	case db.URL != "":
		backend, _, err := storage.FromConnectionString(db.URL)
		if err != nil {
			return nil, err
		}
		db.Backend = backend
	case parseBool(v.GetString(KeyUseMSSQL)):
		db.Backend = storage.BackendSQLServer
		if db.Name == "" {
			return nil, dxerrors.New(dxerrors.ErrCodeConfigMissing, "DB_NAME is required when USE_MSSQL is set").
				WithOp("config.Load").
				Err()
		}
	default:
		db.Backend = storage.BackendSQLite
	}

	cfg.Database = db
	return cfg, nil
}

// parseBool accepts true/1/yes in any case, like the dashboards' USE_MSSQL.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// StorageOptions converts the database settings into storage.Options.
func (d Database) StorageOptions() (storage.Options, error) {
	if d.URL != "" {
		backend, dsn, err := storage.FromConnectionString(d.URL)
		if err != nil {
			return storage.Options{}, err
		}
		return storage.Options{Backend: backend, DSN: dsn, SQLite: storage.DefaultSQLiteOptions()}, nil
	}

	switch d.Backend {
	case storage.BackendSQLServer:
		return storage.Options{
			Backend:      storage.BackendSQLServer,
			DSN:          d.SQLServerURL(),
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		}, nil
	default:
		return storage.Options{
			Backend: storage.BackendSQLite,
			DSN:     d.SQLitePath,
			SQLite:  storage.DefaultSQLiteOptions(),
		}, nil
	}
}

// SQLServerURL builds a go-mssqldb URL connection string from the parts.
func (d Database) SQLServerURL() string {
	host := d.Server
	if d.Port > 0 {
		host = host + ":" + strconv.Itoa(d.Port)
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(d.User, d.Password),
		Host:   host,
	}
	q := url.Values{}
	if d.Name != "" {
		q.Set("database", d.Name)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectionInfo describes the connection without secrets.
func (d Database) ConnectionInfo() map[string]string {
	info := map[string]string{"type": d.Backend.String()}
	switch {
	case d.URL != "":
		info["url"] = storage.Redact(d.URL)
	case d.Backend == storage.BackendSQLServer:
		info["server"] = d.Server
		info["port"] = strconv.Itoa(d.Port)
		info["database"] = d.Name
		info["username"] = d.User
	default:
		info["db_path"] = d.SQLitePath
	}
	return info
}

// String implements fmt.Stringer without exposing the password.
func (d Database) String() string {
	info := d.ConnectionInfo()
	switch {
	case info["url"] != "":
		return fmt.Sprintf("%s %s", info["type"], info["url"])
	case d.Backend == storage.BackendSQLServer:
		return fmt.Sprintf("%s %s@%s:%s/%s", info["type"], info["username"], info["server"], info["port"], info["database"])
	default:
		return fmt.Sprintf("%s %s", info["type"], info["db_path"])
	}
}
