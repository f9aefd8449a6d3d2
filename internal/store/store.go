// Package store manages the SQLite database that holds the local projection
// of every synced account: one table per entity kind, the outbox of pending
// uploads, per-kind sync cursors, notification mappings and a small metadata
// table.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] (or a typed [Table]) and call its methods. The pool is
// limited to a single connection, so every read and write is serialized.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"

	"github.com/njoerd114/unforgotten/internal/model"
	"github.com/njoerd114/unforgotten/internal/store/migrations"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed local cache.
type Store struct {
	db *sql.DB
	q  dbtx
	tx bool
}

// DefaultDBPath returns the default path for the cache database:
// ~/.local/share/unforgotten/cache.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "unforgotten", "cache.db"), nil
}

// Open opens (or creates) the SQLite database at path, runs pending
// migrations and configures WAL mode.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storageErr("creating cache directory", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, storageErr(fmt.Sprintf("opening database %q", path), err)
	}

	// One connection: the pool itself is the serialization point.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, storageErr("applying migrations", err)
	}

	return &Store{db: db, q: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// WithTx runs fn inside a transaction. fn receives a Store bound to the
// transaction; it must not use the outer Store, which would block on the
// single connection. Nested calls reuse the enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) (err error) {
	if s.tx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = storageErr("committing transaction", cerr)
		}
	}()

	return fn(&Store{db: s.db, q: tx, tx: true})
}

// storageErr wraps err so that errors.Is(err, model.ErrLocalStorage) holds
// while keeping the driver error inspectable.
func storageErr(op string, err error) error {
	if errors.Is(err, model.ErrLocalStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrLocalStorage, op, err)
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// sortableTime formats t with fixed-width fractional seconds so that the
// stored strings compare in time order.
func sortableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
