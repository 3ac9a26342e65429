// Package store persists cached content keyed by cache key.
//
// Every backend guarantees that a Put either lands completely or not at all,
// so a concurrent Get never observes a partially written blob. Entries are
// never expired or evicted.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no entry exists for the key.
var ErrNotFound = errors.New("store: not found")

// Entry is one cached blob.
type Entry struct {
	Key       string
	Content   []byte
	CreatedAt time.Time
}

// Store is the cache backend shared by every connection handler.
// Implementations must be safe for concurrent use.
type Store interface {
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, content []byte) error
	Close() error
}

// StorageError wraps a backend failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// digest maps a key to a fixed-length name that is safe for file systems and
// object stores.
func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
