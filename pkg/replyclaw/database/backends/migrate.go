package backends

import (
	"context"
	"database/sql"
	"fmt"
)

// dialect holds the backend-specific statements the migrator needs.
type dialect struct {
	name          string
	versionExists string // counts schema_version tables, 0 or 1
	createVersion string
	insertVersion string
	migrations    []string
}

var sqliteDialect = dialect{
	name:          "sqlite",
	versionExists: `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`,
	createVersion: `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	insertVersion: `INSERT INTO schema_version (version) VALUES (?)`,
	migrations:    sqliteMigrations,
}

var postgresDialect = dialect{
	name: "postgresql",
	versionExists: `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = 'schema_version'`,
	createVersion: `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	insertVersion: `INSERT INTO schema_version (version) VALUES ($1)`,
	migrations:    postgresMigrations,
}

// Migrator applies the numbered schema migrations of one backend. Each
// migration runs in its own transaction together with its version row, so
// a failed step leaves the previous version recorded.
type Migrator struct {
	db *sql.DB
	d  dialect
}

func newMigrator(db *sql.DB, d dialect) *Migrator {
	return &Migrator{db: db, d: d}
}

// CurrentVersion returns the applied schema version, 0 before the first
// migration.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var exists int
	if err := m.db.QueryRowContext(ctx, m.d.versionExists).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Migrate applies every pending migration.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, m.d.createVersion); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for i, stmt := range m.d.migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if err := m.apply(ctx, version, stmt); err != nil {
			return fmt.Errorf("%s migration %d: %w", m.d.name, version, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, version int, stmt string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.d.insertVersion, version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// NeedsMigration reports whether the schema is behind this build.
func (m *Migrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < SchemaVersion, nil
}
