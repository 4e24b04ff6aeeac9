package database

import "time"

// Config represents the database configuration.
type Config struct {
	// Backend is the database backend type (default: "sqlite")
	Backend BackendType `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/replyclaw.db")
	Path string `yaml:"path"`

	// Journal mode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	// URL is a postgres:// connection URL; when set the fields below are
	// ignored (supports ${ENV_VAR} expansion)
	URL string `yaml:"url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`

	// Password for authentication (supports ${ENV_VAR} expansion)
	Password string `yaml:"password"`

	// SSL mode: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration (local SQLite).
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/replyclaw.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
	}
}

// Effective returns a copy with defaults applied for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.Backend == "" {
		out.Backend = def.Backend
	}
	if out.SQLite.Path == "" {
		out.SQLite.Path = def.SQLite.Path
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = def.SQLite.JournalMode
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = def.SQLite.BusyTimeout
	}
	return out
}
