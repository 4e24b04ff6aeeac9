package backends

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLite(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "replyclaw-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	config := SQLiteConfig{
		Path:        filepath.Join(tmpDir, "nested", "test.db"),
		JournalMode: "WAL",
		BusyTimeout: 5000,
		ForeignKeys: true,
	}

	backend, err := OpenSQLite(config)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	if backend.DB == nil {
		t.Fatal("DB is nil")
	}
	if _, err := os.Stat(config.Path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestSQLiteBackend_Migration(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	needs, err := backend.Migrator.NeedsMigration(ctx)
	if err != nil {
		t.Fatalf("NeedsMigration failed: %v", err)
	}
	if !needs {
		t.Error("fresh database should need migration")
	}

	if err := backend.Migrator.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	// Idempotent.
	if err := backend.Migrator.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	version, err := backend.Migrator.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("expected version %d, got %d", SchemaVersion, version)
	}

	for _, table := range []string{"account_sessions", "bot_preferences", "chat_settings", "analytics", "wa_messages"} {
		var n int
		err := backend.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", table, n, err)
		}
	}
}

func TestSQLiteBackend_Health(t *testing.T) {
	backend, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	status := backend.Health.Status(context.Background())
	if healthy, _ := status["healthy"].(bool); !healthy {
		t.Errorf("expected healthy status, got %v", status)
	}
	if v, _ := status["version"].(string); v == "" || v == "unknown" {
		t.Errorf("expected sqlite version, got %q", v)
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN(SQLiteConfig{Path: "/tmp/x.db", JournalMode: "WAL", BusyTimeout: 100, ForeignKeys: true})
	for _, want := range []string{"file:/tmp/x.db?", "_journal_mode=WAL", "_busy_timeout=100", "_foreign_keys=ON"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}
