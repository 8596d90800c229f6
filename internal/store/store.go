// Package store is the SQLite facade for srg. All persistent state lives in
// one database file: relational tables, FTS5 mirrors and sqlite-vec virtual
// tables. Multi-step writes run inside explicit transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"srg/internal/config"
	"srg/internal/logging"
)

// Store wraps the shared database handle. It is safe for concurrent use; the
// pool size bounds simultaneous connections.
type Store struct {
	db       *sql.DB
	path     string
	vecReady bool
}

// Open opens (creating if needed) the database at cfg.DatabasePath and brings
// the schema up to date.
func Open(cfg *config.Config) (*Store, error) {
	return OpenPath(cfg.DatabasePath(), cfg.Storage.PoolSize, cfg.Storage.BusyTimeout)
}

// OpenPath opens a database at an explicit path. Tests use ":memory:".
func OpenPath(path string, poolSize int, busyTimeout time.Duration) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	// In-memory databases exist per connection; keep the pool at one so every
	// statement sees the same schema.
	if path == ":memory:" {
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if busyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
			logging.StoreDebug("Failed to set busy_timeout: %v", err)
		}
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set journal_mode=WAL: %v", err)
	}
	// NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, path: path}
	s.vecReady = probeVec(db)
	if !s.vecReady {
		logging.Store("sqlite-vec extension not loaded; vector search degraded to lexical-only")
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Store open at %s (pool=%d, vec=%v)", path, poolSize, s.vecReady)
	return s, nil
}

// probeVec reports whether the sqlite-vec extension is registered on this
// build (it is compiled in behind the sqlite_vec build tag).
func probeVec(db *sql.DB) bool {
	var v string
	if err := db.QueryRow("SELECT vec_version()").Scan(&v); err != nil {
		return false
	}
	logging.StoreDebug("sqlite-vec %s", v)
	return true
}

// VecReady reports whether vector tables are usable in this process.
func (s *Store) VecReady() bool { return s.vecReady }

// DB exposes the raw handle for read-only diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying handle.
func (s *Store) Close() error {
	logging.StoreDebug("Closing store at %s", s.path)
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.StoreDebug("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nullStr maps empty strings to NULL so optional columns stay clean.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// strOrEmpty unwraps a nullable text column.
func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// timeOrZero unwraps a nullable datetime column.
func timeOrZero(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

// timePtr unwraps a nullable datetime into a pointer.
func timePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}
