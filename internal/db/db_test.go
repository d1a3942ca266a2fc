package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesWorkspaceInWALMode(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if _, err := os.Stat(filepath.Join(dir, ".workgate", "workgate.db")); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	if Path(dir) != filepath.Join(dir, ".workgate", "workgate.db") {
		t.Fatalf("unexpected path %s", Path(dir))
	}
	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal journal mode, got %s", mode)
	}
	var fk int
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign keys disabled")
	}
}
