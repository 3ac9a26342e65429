package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type fileMeta struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// FileStore keeps one blob per key under Root, next to a JSON sidecar that
// records the original key and creation time.
type FileStore struct {
	Root string

	// per-key locks to avoid concurrent writes to same cache path.
	locks sync.Map // map[string]*sync.Mutex
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mkdirall %s: %w", root, err)
	}
	return &FileStore{Root: root}, nil
}

func (s *FileStore) keyMutex(key string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// PathFor maps a key to its blob and sidecar paths. The layout is
// <root>/<first two hex digits>/<sha256 of key>.
func (s *FileStore) PathFor(key string) (string, string) {
	name := digest(key)
	dir := filepath.Join(s.Root, name[:2])
	return filepath.Join(dir, name), filepath.Join(dir, "."+name+".meta.json")
}

func (s *FileStore) Has(_ context.Context, key string) (bool, error) {
	blob, _ := s.PathFor(key)
	_, err := os.Stat(blob)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &StorageError{Op: "has", Key: key, Err: err}
	}
}

func (s *FileStore) Get(_ context.Context, key string) (*Entry, error) {
	blob, metaPath := s.PathFor(key)
	content, err := os.ReadFile(blob)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	entry := &Entry{Key: key, Content: content}
	if m := readMeta(metaPath); !m.CreatedAt.IsZero() {
		entry.CreatedAt = m.CreatedAt
	} else if fi, err := os.Stat(blob); err == nil {
		entry.CreatedAt = fi.ModTime()
	}
	return entry, nil
}

func (s *FileStore) Put(_ context.Context, key string, content []byte) error {
	mtx := s.keyMutex(key)
	mtx.Lock()
	defer mtx.Unlock()

	blob, metaPath := s.PathFor(key)
	if err := WriteFileAtomic(blob, bytes.NewReader(content)); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	m := fileMeta{Key: key, CreatedAt: time.Now().UTC(), Size: int64(len(content))}
	if err := writeMeta(metaPath, m); err != nil {
		// the blob is authoritative; Get falls back to its mtime
		log.Warn().Err(err).Str("file", metaPath).Msg("failed to write meta (non-fatal)")
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// WriteFileAtomic writes contents from r into dst atomically.
func WriteFileAtomic(dst string, r io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdirall %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp in %s: %w", dir, err)
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy tmp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync tmp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close tmp %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tmp %s -> %s: %w", tmp, dst, err)
	}
	return nil
}

// readMeta reads metadata JSON from path; returns zero fileMeta on error.
func readMeta(path string) fileMeta {
	var m fileMeta
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &m)
	}
	return m
}

// writeMeta writes metadata to path atomically.
func writeMeta(path string, m fileMeta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, bytes.NewReader(b))
}
