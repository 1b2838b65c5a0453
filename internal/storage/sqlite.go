// Package storage opens and migrates the sqlite databases backing the
// persistent stores (sessions, memory, secrets, decisions, promises, and
// the dynamic tools manifest). The driver is pure Go, so the binary stays
// cgo-free.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Open opens (creating if needed) the sqlite database at path and applies
// the given DDL statements. Parent directories are created. The returned
// handle is limited to one connection: modernc serializes writers anyway,
// and a single connection keeps WAL checkpointing predictable.
func Open(path string, ddl ...string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db, ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory opens a private in-memory database. For tests.
func OpenInMemory(ddl ...string) (*sql.DB, error) {
	return Open(":memory:", ddl...)
}

func dsn(path string) string {
	if path == ":memory:" {
		return ":memory:"
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
}

func migrate(db *sql.DB, ddl []string) error {
	for i, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
