// pkg/server/capture_store.go
package server

import (
	"sync"

	"github.com/jnovack/txtcache/pkg/cacheproxy"
)

// CaptureStore is a concurrency-safe in-memory ring of recent RequestRecords.
type CaptureStore struct {
	mu      sync.Mutex
	entries []cacheproxy.RequestRecord
	next    int
	full    bool
}

// NewCaptureStore creates a CaptureStore holding at most maxEntries records.
func NewCaptureStore(maxEntries int) *CaptureStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CaptureStore{entries: make([]cacheproxy.RequestRecord, maxEntries)}
}

// Add records r, evicting the oldest record when full. It has the
// cacheproxy.RequestObserver signature.
func (c *CaptureStore) Add(r cacheproxy.RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.next] = r
	c.next = (c.next + 1) % len(c.entries)
	if c.next == 0 {
		c.full = true
	}
}

// List returns a snapshot copy of entries, oldest first.
func (c *CaptureStore) List() []cacheproxy.RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		out := make([]cacheproxy.RequestRecord, c.next)
		copy(out, c.entries[:c.next])
		return out
	}
	out := make([]cacheproxy.RequestRecord, 0, len(c.entries))
	out = append(out, c.entries[c.next:]...)
	return append(out, c.entries[:c.next]...)
}

// Clear empties the store.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.next = 0
	c.full = false
}

// Observer chains prev (if any) in front of the store, for use as
// cacheproxy.Config.RequestObserver.
func (c *CaptureStore) Observer(prev cacheproxy.RequestObserver) cacheproxy.RequestObserver {
	if prev == nil {
		return c.Add
	}
	return func(r cacheproxy.RequestRecord) {
		prev(r)
		c.Add(r)
	}
}
