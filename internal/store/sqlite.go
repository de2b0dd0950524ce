package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// schemaVersion is written to PRAGMA user_version on first open.
const schemaVersion = 1

// Opener creates a fresh database handle. SQLiteTier calls it lazily and again
// after the previous handle was invalidated.
type Opener func(ctx context.Context) (*sql.DB, error)

// SQLiteOpener returns an Opener for the sqlite3 data source.
func SQLiteOpener(dataSourceName string) Opener {
	return func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open("sqlite3", dataSourceName)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// One connection keeps per-operation transactions from tripping over
		// "database is locked".
		db.SetMaxOpenConns(1)
		if err = db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return db, nil
	}
}

// SQLiteTier is the primary tier: a key/value table in a SQLite file. It owns
// its handle, opens it on first use and reopens it after the handle was
// invalidated by a closed connection or a foreign schema version.
type SQLiteTier struct {
	open Opener

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

func NewSQLiteTier(open Opener) *SQLiteTier {
	return &SQLiteTier{open: open}
}

func (s *SQLiteTier) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.db = db
	return db, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS keyval (
        key TEXT PRIMARY KEY,
        value BLOB NOT NULL,
        updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	switch version {
	case 0:
		_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
		return err
	case schemaVersion:
		return nil
	default:
		return fmt.Errorf("%w: found %d, want %d", ErrVersionChanged, version, schemaVersion)
	}
}

// Invalidate drops the current handle so the next operation reopens it. It is
// the hook for external "closed" or "version changed" signals.
func (s *SQLiteTier) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

func (s *SQLiteTier) invalidateIfCurrent(db *sql.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == db {
		s.db.Close()
		s.db = nil
	}
}

// withTx runs fn in a transaction scoped to a single operation.
func (s *SQLiteTier) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	err = runTx(ctx, db, fn)
	if isStaleHandle(err) {
		s.invalidateIfCurrent(db)
	}
	return err
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != schemaVersion {
		tx.Rollback()
		return fmt.Errorf("%w: found %d, want %d", ErrVersionChanged, version, schemaVersion)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isStaleHandle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVersionChanged) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

func (s *SQLiteTier) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT value FROM keyval WHERE key = ?", key).Scan(&value)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query key %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteTier) Set(ctx context.Context, key string, value []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO keyval (key, value, updated_at) VALUES (?, ?, ?)
            ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
        `, key, value, time.Now())
		if err != nil {
			return fmt.Errorf("failed to write key %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteTier) Delete(ctx context.Context, key string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM keyval WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteTier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
