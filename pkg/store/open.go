package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Dir         string
	SQLitePath  string
	S3          S3Options
	PostgresDSN string
}

// Open constructs the backend named by opts.Backend (default "file").
func Open(opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendFile:
		if opts.Dir == "" {
			return nil, fmt.Errorf("file store: directory is required")
		}
		return NewFileStore(opts.Dir)
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			if opts.Dir == "" {
				return nil, fmt.Errorf("sqlite store: path is required")
			}
			path = filepath.Join(opts.Dir, "cache.db")
		}
		return NewSQLiteStore(path)
	case BackendS3:
		return NewS3Store(opts.S3)
	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store: dsn is required")
		}
		return NewPostgresStore(opts.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
