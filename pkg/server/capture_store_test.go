// pkg/server/capture_store_test.go
package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/txtcache/pkg/cacheproxy"
)

func TestCaptureStore_AddListClear(t *testing.T) {
	cs := NewCaptureStore(2)

	cs.Add(cacheproxy.RequestRecord{Target: "a"})
	assert.Len(t, cs.List(), 1)
	cs.Add(cacheproxy.RequestRecord{Target: "b"})
	cs.Add(cacheproxy.RequestRecord{Target: "c"}) // should evict "a"

	got := cs.List()
	require.Len(t, got, 2, "expected 2 entries after overflow")
	assert.Equal(t, "b", got[0].Target)
	assert.Equal(t, "c", got[1].Target)

	cs.Clear()
	assert.Empty(t, cs.List(), "expected 0 entries after Clear()")
}

func TestCaptureStore_ObserverChaining(t *testing.T) {
	cs := NewCaptureStore(10)
	called := false
	obs := cs.Observer(func(r cacheproxy.RequestRecord) { called = true })

	obs(cacheproxy.RequestRecord{Target: "x", Time: time.Now()})

	assert.True(t, called, "expected previous observer to be called")
	ent := cs.List()
	require.Len(t, ent, 1)
	assert.Equal(t, "x", ent[0].Target)
}
