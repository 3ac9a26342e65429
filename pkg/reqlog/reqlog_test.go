package reqlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/txtcache/pkg/cacheproxy"
)

func TestRecordWritesOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Record(cacheproxy.RequestRecord{
		Time:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ConnectionID: "c1",
		Method:       "GET",
		Target:       "/a.txt",
		Version:      "HTTP/1.1",
		Key:          "/a.txt",
		Outcome:      cacheproxy.OutcomeMiss,
		Status:       200,
		Size:         5,
	})

	line := buf.String()
	require.True(t, len(line) > 0 && line[len(line)-1] == '\n', "record must end in a newline")

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "GET", got["method"])
	assert.Equal(t, "/a.txt", got["target"])
	assert.Equal(t, "HTTP/1.1", got["version"])
	assert.Equal(t, "MISS", got["outcome"])
	assert.Equal(t, "c1", got["connection_id"])
	assert.EqualValues(t, 200, got["status"])
	assert.Contains(t, got["time"], "2024-05-01T12:00:00")
	assert.NotContains(t, got, "error")
}

func TestRecordIncludesError(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Record(cacheproxy.RequestRecord{Outcome: cacheproxy.OutcomeParseError, Error: "bad request line"})
	assert.Contains(t, buf.String(), `"error":"bad request line"`)
	assert.NotContains(t, buf.String(), `"key"`)
}

func TestConcurrentRecordsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	l, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(cacheproxy.RequestRecord{Method: "GET", Target: "/a.txt", Outcome: cacheproxy.OutcomeHit})
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		lines++
	}
	assert.Equal(t, 50, lines)
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(path, []byte("{\"old\":true}\n"), 0o644))

	l, err := Open(path)
	require.NoError(t, err)
	l.Record(cacheproxy.RequestRecord{Outcome: cacheproxy.OutcomeHit})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "second close is a no-op")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(b, []byte("\n")))
}

func TestOpenStdoutAndFailure(t *testing.T) {
	l, err := Open(Stdout)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = Open(filepath.Join(t.TempDir(), "missing", "dir", "log.txt"))
	assert.Error(t, err)
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRecordNeverPanicsOnWriteFailure(t *testing.T) {
	l := New(brokenWriter{})
	assert.NotPanics(t, func() {
		l.Record(cacheproxy.RequestRecord{Outcome: cacheproxy.OutcomeHit})
	})
}
