package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);`

// SQLiteStore persists entries in a single SQLite table. Writes are buffered
// and written in one transaction on Commit.
type SQLiteStore struct {
	path string
	db   *sql.DB

	mu  sync.Mutex
	buf pending
}

// OpenSQLiteStore opens (creating if needed) the store at path. Opening the
// same path twice is safe.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite %s: %w", path, err)
	}
	// One writer; keeps the driver from racing itself on the file.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: initialize schema: %w", err)
	}

	return &SQLiteStore{path: path, db: db}, nil
}

// Path is the database file backing the store.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	_, ok := s.buf.lookup(key)
	s.mu.Unlock()
	if ok {
		return true, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cache WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: sqlite exists: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	v, ok := s.buf.lookup(key)
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite get: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.buf.put(key, value)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf.order) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin commit: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO cache (key, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("cache: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, k := range s.buf.order {
		if _, err := stmt.ExecContext(ctx, k, s.buf.writes[k]); err != nil {
			return fmt.Errorf("cache: insert %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit %d entries: %w", len(s.buf.order), err)
	}

	s.buf.reset()
	return nil
}

func (s *SQLiteStore) Discard(_ context.Context) error {
	s.mu.Lock()
	s.buf.reset()
	s.mu.Unlock()
	return nil
}

// Close checkpoints the WAL and closes the database. Uncommitted writes are
// dropped.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
