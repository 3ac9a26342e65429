package server

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/txtcache/internal/helpers"
	"github.com/jnovack/txtcache/pkg/cacheproxy"
	"github.com/jnovack/txtcache/pkg/httpmsg"
	"github.com/jnovack/txtcache/pkg/store"
)

type handlerFunc func(ctx context.Context, conn net.Conn)

func (f handlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// echoLine writes back whatever the client sends before closing.
var echoLine = handlerFunc(func(_ context.Context, conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	_, _ = conn.Write(buf[:n])
})

func startServer(t *testing.T, s *Server) *Server {
	t.Helper()
	if s.Addr == "" {
		s.Addr = "127.0.0.1:0"
	}
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ping(t *testing.T, addr string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = io.WriteString(c, "ping")
	require.NoError(t, err)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(b)
}

func TestServerServesConnections(t *testing.T) {
	s := startServer(t, &Server{Handler: echoLine})
	for i := 0; i < 3; i++ {
		assert.Equal(t, "ping", ping(t, s.ListenAddr()))
	}
}

func TestServerRequiresHandler(t *testing.T) {
	assert.Error(t, (&Server{Addr: "127.0.0.1:0"}).Start())
}

func TestServerRecoversHandlerPanic(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, &Server{Handler: handlerFunc(func(ctx context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("first connection explodes")
		}
		echoLine(ctx, conn)
	})})

	c, err := net.Dial("tcp", s.ListenAddr())
	require.NoError(t, err)
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadAll(c)
	require.NoError(t, err, "panicking handler's connection should be closed")
	_ = c.Close()

	assert.Equal(t, "ping", ping(t, s.ListenAddr()), "loop keeps accepting after a panic")
}

func TestServerAcceptRate(t *testing.T) {
	s := startServer(t, &Server{Handler: echoLine, AcceptRate: 10, AcceptBurst: 1})

	start := time.Now()
	for i := 0; i < 4; i++ {
		assert.Equal(t, "ping", ping(t, s.ListenAddr()))
	}
	// the burst covers the first accept, the other three wait ~100ms each
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestServerShutdownWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	s := startServer(t, &Server{Handler: handlerFunc(func(_ context.Context, conn net.Conn) {
		defer conn.Close()
		<-release
		finished.Store(true)
	})})

	c, err := net.Dial("tcp", s.ListenAddr())
	require.NoError(t, err)
	defer c.Close()
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned with a connection in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	assert.True(t, finished.Load())

	_, err = net.DialTimeout("tcp", s.ListenAddr(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestServerShutdownDeadlineCancelsConnections(t *testing.T) {
	cancelled := make(chan struct{})
	s := startServer(t, &Server{Handler: handlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		<-ctx.Done()
		close(cancelled)
	})})

	c, err := net.Dial("tcp", s.ListenAddr())
	require.NoError(t, err)
	defer c.Close()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestServerWithCacheProxy(t *testing.T) {
	o := helpers.StartOrigin(t, func(req *httpmsg.Request) []byte {
		return helpers.TextResponse(helpers.Gzip(t, "hello"), "Content-Encoding", "gzip")
	})
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	capture := NewCaptureStore(10)
	h := cacheproxy.NewHandler(cacheproxy.Config{
		Store:           fs,
		Timeout:         2 * time.Second,
		Metrics:         helpers.NopMetrics{},
		RequestObserver: capture.Observer(nil),
	})
	s := startServer(t, &Server{Handler: h})

	for _, want := range []string{"MISS", "HIT"} {
		c, err := net.Dial("tcp", s.ListenAddr())
		require.NoError(t, err)
		helpers.SendHTTPRequest(t, c, "GET", "/a.txt", o.Addr)
		resp := helpers.ReadHTTPResponse(t, c, "GET")
		_ = c.Close()
		assert.Equal(t, "hello", string(resp.Body))
		assert.Equal(t, want, resp.Header.Get("X-Cache"))
	}
	assert.Equal(t, 1, o.Hits())

	require.Eventually(t, func() bool { return len(capture.List()) == 2 }, 2*time.Second, 10*time.Millisecond)
}
