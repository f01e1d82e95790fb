package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the mnemo SQLite database.
type DB struct {
	*sql.DB
	Path string

	// graphMu serializes knowledge-graph mutation against traversal so a
	// BFS pass always sees a consistent adjacency snapshot.
	graphMu sync.Mutex

	// provMu serializes the read-modify-write confidence updates so
	// reinforcement, access recording, and decay racing on the same
	// memory cannot lose updates.
	provMu sync.Mutex
}

// DefaultDBPath returns the default database path: ~/.mnemo/mnemo.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".mnemo", "mnemo.db"), nil
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}

	db := &DB{DB: sqlDB, Path: ":memory:"}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA mmap_size=268435456", // 256MB
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// jsonEncode marshals v to a JSON string for storage in a TEXT column.
// nil slices/maps encode as their empty literal rather than "null".
func jsonEncode(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		switch v.(type) {
		case map[string]string, map[string]any, map[string]float64:
			return "{}"
		default:
			return "[]"
		}
	}
	return string(data)
}

// jsonDecode unmarshals a JSON TEXT column into v. Empty strings are treated
// as "no value" and leave v untouched.
func jsonDecode(s string, v any) {
	if s == "" {
		return
	}
	// Stored columns are always written by jsonEncode; a decode failure here
	// means hand-edited data, which we tolerate as empty.
	_ = json.Unmarshal([]byte(s), v)
}
