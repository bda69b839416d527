// Package store provides the durable, transactional backing for tickets:
// the sole component allowed to write ticket state (spec §3 Ownership).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrGuardConflict means a conditional update matched zero rows: either the
// ticket doesn't exist, or its state/owner moved under the caller. Callers
// must re-read and re-decide rather than blind-retry (spec §4.3).
var ErrGuardConflict = errors.New("store: guard conflict")

// ErrNotFound means the referenced ticket does not exist at all.
var ErrNotFound = errors.New("store: ticket not found")

// Store wraps the SQL connection and exposes the Ticket Store contract of
// spec §4.1. Every method takes a context so DB calls have a bounded
// timeout in the scheduler's hot path.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path, enables WAL
// and foreign keys, and brings the schema up to date via goose.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time, and a second
	// connection to an in-memory DSN would otherwise see an empty database.

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw connection for components (e.g. audit) that need to
// share the same database without a second open.
func (s *Store) DB() *sql.DB {
	return s.db
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}
