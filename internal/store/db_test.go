package store

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 10 {
		t.Errorf("SchemaVersion = %d, want 10", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{
		"schema_versions", "episodes", "facts", "entities", "relationships",
		"procedures", "provenance", "access_log", "user_profiles",
		"consolidation_runs", "vectors", "episode_archives",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestFactConstraints(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO facts (id, content, category, user_id, created_at, updated_at)
		VALUES ('f1', 'test', 'preference', 'u1', 1000, 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	_, err = db.Exec(`
		INSERT INTO facts (id, content, category, user_id, created_at, updated_at)
		VALUES ('f2', 'test', 'bogus', 'u1', 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid category, got nil")
	}

	_, err = db.Exec(`
		INSERT INTO facts (id, content, category, source_type, user_id, created_at, updated_at)
		VALUES ('f3', 'test', 'general', 'bogus', 'u1', 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid source_type, got nil")
	}
}

func TestEpisodeOutcomeConstraint(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO episodes (id, session_id, user_id, outcome, created_at)
		VALUES ('e1', 's1', 'u1', 'invalid', 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid outcome, got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 10 {
		t.Errorf("SchemaVersion after re-migrate = %d, want 10", v)
	}
}

func TestWALMode(t *testing.T) {
	db := testDB(t)

	var mode string
	err := db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	// In-memory databases may use "memory" mode instead of WAL
	if mode != "wal" && mode != "memory" {
		t.Errorf("journal_mode = %q, want wal or memory", mode)
	}
}

func TestJSONEncodeEmpty(t *testing.T) {
	if got := jsonEncode([]string(nil)); got != "[]" {
		t.Errorf("jsonEncode(nil slice) = %q, want []", got)
	}
	if got := jsonEncode(map[string]string(nil)); got != "{}" {
		t.Errorf("jsonEncode(nil map) = %q, want {}", got)
	}
}
