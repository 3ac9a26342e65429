package helpers

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnovack/txtcache/pkg/httpmsg"
)

// --- Minimal metrics stub to satisfy cacheproxy.Metrics ---

type NopMetrics struct{}

func (NopMetrics) IncTotalRequests()                   {}
func (NopMetrics) IncHit()                             {}
func (NopMetrics) IncMiss()                            {}
func (NopMetrics) IncForwarded()                       {}
func (NopMetrics) IncParseErrors()                     {}
func (NopMetrics) IncOriginErrors()                    {}
func (NopMetrics) IncDecodeErrors()                    {}
func (NopMetrics) IncCacheErrors()                     {}
func (NopMetrics) ObserveDuration(_ string, _ float64) {}
func (NopMetrics) InflightAdd(_ string)                {}
func (NopMetrics) InflightRemove(_ string)             {}

// ReservePort returns an available local TCP port by briefly listening and closing.
func ReservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve a local port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// OriginFunc produces the raw response bytes for a request.
type OriginFunc func(req *httpmsg.Request) []byte

// Origin is a raw TCP origin server that answers one request per connection.
type Origin struct {
	Addr string

	ln       net.Listener
	fn       OriginFunc
	mu       sync.Mutex
	requests []*httpmsg.Request
}

// StartOrigin starts an Origin on a loopback port. It is closed on test cleanup.
func StartOrigin(t *testing.T, fn OriginFunc) *Origin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen origin")
	o := &Origin{Addr: ln.Addr().String(), ln: ln, fn: fn}
	go o.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return o
}

func (o *Origin) serve() {
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			req, err := httpmsg.NewReader(c, 5*time.Second).ReadRequest()
			if err != nil {
				return
			}
			o.mu.Lock()
			o.requests = append(o.requests, req)
			o.mu.Unlock()
			if out := o.fn(req); out != nil {
				_, _ = c.Write(out)
			}
		}(conn)
	}
}

// Requests returns the requests received so far.
func (o *Origin) Requests() []*httpmsg.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*httpmsg.Request, len(o.requests))
	copy(out, o.requests)
	return out
}

// Hits returns how many requests the origin has answered.
func (o *Origin) Hits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

// TextResponse renders a 200 response with the given headers and body.
func TextResponse(body []byte, headers ...string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	for i := 0; i+1 < len(headers); i += 2 {
		fmt.Fprintf(&b, "%s: %s\r\n", headers[i], headers[i+1])
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.Bytes()
}

// Gzip compresses s.
func Gzip(t *testing.T, s string) []byte {
	t.Helper()
	var b bytes.Buffer
	zw := gzip.NewWriter(&b)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return b.Bytes()
}

// SendHTTPRequest writes a minimal HTTP/1.1 request over w, with explicit Host header.
func SendHTTPRequest(t *testing.T, w io.Writer, method, target, host string) {
	t.Helper()
	req := fmt.Sprintf("%s %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", method, target, host)
	_, err := io.WriteString(w, req)
	require.NoError(t, err, "write HTTP request")
}

// ReadHTTPResponse parses an HTTP/1.1 response from r.
func ReadHTTPResponse(t *testing.T, r io.Reader, method string) *httpmsg.Response {
	t.Helper()
	resp, err := httpmsg.NewReader(bufio.NewReader(r), 5*time.Second).ReadResponse(method)
	require.NoError(t, err, "read HTTP response")
	return resp
}
