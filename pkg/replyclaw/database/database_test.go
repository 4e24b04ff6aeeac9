package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteAndMigrate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "replyclaw.db")

	db, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.Type != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", db.Type)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	status := db.Status(context.Background())
	if status["backend"] != "sqlite" {
		t.Errorf("unexpected status backend: %v", status["backend"])
	}
}

func TestOpenUnsupportedBackend(t *testing.T) {
	_, err := Open(Config{Backend: "mysql"}, nil)
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		backend BackendType
		in      string
		want    string
	}{
		{"sqlite untouched", BackendSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"postgres numbered", BackendPostgreSQL, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres no args", BackendPostgreSQL, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &DB{Type: tt.backend}
			if got := db.Rebind(tt.in); got != tt.want {
				t.Errorf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigEffective(t *testing.T) {
	cfg := Config{}.Effective()
	if cfg.Backend != BackendSQLite {
		t.Errorf("default backend = %s", cfg.Backend)
	}
	if cfg.SQLite.Path == "" || cfg.SQLite.JournalMode != "WAL" || cfg.SQLite.BusyTimeout != 5000 {
		t.Errorf("unexpected sqlite defaults: %+v", cfg.SQLite)
	}
}
