// Package reqlog appends one JSON line per handled exchange to a file or
// stdout. Writes are serialized, so lines never interleave.
package reqlog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/txtcache/pkg/cacheproxy"
)

// Stdout is the destination name that selects standard output.
const Stdout = "-"

// Logger writes request records. The zero value is not usable; see New and Open.
type Logger struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

// New writes records to w.
func New(w io.Writer) *Logger {
	return &Logger{out: zerolog.New(reportingWriter{w})}
}

// reportingWriter logs write failures and swallows them, so a broken
// request log never affects the exchange being recorded.
type reportingWriter struct {
	w io.Writer
}

func (r reportingWriter) Write(p []byte) (int, error) {
	if _, err := r.w.Write(p); err != nil {
		log.Error().Err(err).Msg("request log write failed")
	}
	return len(p), nil
}

// Open appends to the file at path, creating it if needed. A path of "-"
// writes to stdout.
func Open(path string) (*Logger, error) {
	if path == "" || path == Stdout {
		return New(os.Stdout), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open request log %s: %w", path, err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// Record writes rec as one line. Failures go to the process logger.
func (l *Logger) Record(rec cacheproxy.RequestRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := l.out.Log().
		Time("time", rec.Time).
		Str("connection_id", rec.ConnectionID).
		Str("method", rec.Method).
		Str("target", rec.Target).
		Str("version", rec.Version).
		Str("outcome", rec.Outcome).
		Int("status", rec.Status).
		Int64("size_bytes", rec.Size).
		Float64("latency_secs", rec.LatencySecs)
	if rec.Key != "" {
		ev = ev.Str("key", rec.Key)
	}
	if rec.Error != "" {
		ev = ev.Str("error", rec.Error)
	}
	ev.Send()
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	if err != nil {
		log.Warn().Err(err).Msg("closing request log")
	}
	return err
}
