package store

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "nosleep.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesNestedPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "lib", "nosleep.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestNew_Schema(t *testing.T) {
	s := newTestStore(t)

	v, err := s.Version()
	if err != nil {
		t.Fatal(err)
	}
	if v != SchemaVersion {
		t.Errorf("Version() = %d, want %d", v, SchemaVersion)
	}

	objects := map[string][]string{
		"table": {"calibrations", "events", "settings"},
		"index": {"idx_calibrations_created_at", "idx_events_detected_at", "idx_events_kind"},
	}
	for typ, names := range objects {
		for _, name := range names {
			var n int
			if err := s.DB().Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", typ, name); err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("%s %q missing", typ, name)
			}
		}
	}
}

func TestNew_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nosleep.db")

	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec("INSERT INTO settings (key, value) VALUES ('volume', '70')"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var value string
	if err := s.DB().Get(&value, "SELECT value FROM settings WHERE key = 'volume'"); err != nil {
		t.Fatalf("setting lost on reopen: %v", err)
	}
	if value != "70" {
		t.Errorf("value = %q, want 70", value)
	}
}

func TestNew_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nosleep.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	if s, err := New(path); err == nil {
		s.Close()
		t.Fatal("expected an error for a database from a newer build")
	}
}

func TestStore_Pragmas(t *testing.T) {
	s := newTestStore(t)

	var fk int
	if err := s.DB().Get(&fk, "PRAGMA foreign_keys"); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Error("foreign keys should be enabled")
	}

	var mode string
	if err := s.DB().Get(&mode, "PRAGMA journal_mode"); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestStore_Close(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "nosleep.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.DB().Exec("SELECT 1"); err == nil {
		t.Error("queries should fail after Close")
	}
}
