package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps entries in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS entries (key TEXT PRIMARY KEY, created_at INTEGER NOT NULL, content BLOB NOT NULL)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM entries WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "has", Key: key, Err: err}
	}
	return true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		content []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT content, created_at FROM entries WHERE key = ?", key).Scan(&content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	if content == nil {
		content = []byte{}
	}
	return &Entry{Key: key, Content: content, CreatedAt: time.Unix(0, created).UTC()}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entries (key, created_at, content) VALUES (?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET created_at = excluded.created_at, content = excluded.content",
		key, time.Now().UnixNano(), content)
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
