// Package database opens the replyclaw store on SQLite (the zero-config
// default) or PostgreSQL and applies its schema.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/database/backends"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Migrator applies schema migrations.
type Migrator interface {
	CurrentVersion(ctx context.Context) (int, error)
	Migrate(ctx context.Context) error
	NeedsMigration(ctx context.Context) (bool, error)
}

// DB is an open database together with the backend specifics repositories
// need to build portable queries.
type DB struct {
	*sql.DB

	Type     BackendType
	Migrator Migrator
	health   *backends.HealthChecker
	logger   *slog.Logger
}

// Open connects to the configured backend. It does not migrate; call Migrate.
func Open(cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	switch cfg.Backend {
	case BackendSQLite:
		b, err := backends.OpenSQLite(backends.SQLiteConfig{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			BusyTimeout: cfg.SQLite.BusyTimeout,
			ForeignKeys: true,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("database opened", "backend", cfg.Backend, "path", cfg.SQLite.Path)
		return &DB{DB: b.DB, Type: BackendSQLite, Migrator: b.Migrator, health: b.Health, logger: logger}, nil

	case BackendPostgreSQL:
		pg := cfg.PostgreSQL
		b, err := backends.OpenPostgreSQL(backends.PostgreSQLConfig{
			URL:             pg.URL,
			Host:            pg.Host,
			Port:            pg.Port,
			Database:        pg.Database,
			User:            pg.User,
			Password:        pg.Password,
			SSLMode:         pg.SSLMode,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
			ConnMaxIdleTime: pg.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("database opened", "backend", cfg.Backend, "host", b.Config.Host, "database", b.Config.Database)
		return &DB{DB: b.DB, Type: BackendPostgreSQL, Migrator: b.Migrator, health: b.Health, logger: logger}, nil

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Backend)
	}
}

// Migrate brings the schema up to date.
func (db *DB) Migrate(ctx context.Context) error {
	before, err := db.Migrator.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err := db.Migrator.Migrate(ctx); err != nil {
		return err
	}
	after, err := db.Migrator.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if after != before {
		db.logger.Info("database migrated", "from", before, "to", after)
	}
	return nil
}

// Rebind rewrites '?' placeholders into the backend's native form.
func (db *DB) Rebind(query string) string {
	if db.Type != BackendPostgreSQL {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Status returns connectivity and pool statistics.
func (db *DB) Status(ctx context.Context) map[string]any {
	st := db.health.Status(ctx)
	st["backend"] = string(db.Type)
	return st
}
