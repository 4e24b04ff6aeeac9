// Package backends provides database backend implementations.
package backends

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteBackend wraps the SQLite database connection with its migrator and
// health checker.
type SQLiteBackend struct {
	DB     *sql.DB
	Config SQLiteConfig

	Migrator *Migrator
	Health   *HealthChecker
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
	ForeignKeys bool
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
func OpenSQLite(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "./data/replyclaw.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", SQLiteDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteBackend{
		DB:       db,
		Config:   config,
		Migrator: newMigrator(db, sqliteDialect),
		Health:   NewHealthChecker(db, "SELECT sqlite_version()"),
	}, nil
}

// SQLiteDSN builds the go-sqlite3 connection string for config.
func SQLiteDSN(config SQLiteConfig) string {
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d", config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}
	return dsn
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}
