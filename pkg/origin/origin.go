// Package origin performs the single upstream exchange for a proxied request.
package origin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/txtcache/pkg/httpmsg"
)

// DefaultTimeout applies when Forwarder.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// ErrNoHost is returned when neither the target nor the Host header names an origin.
var ErrNoHost = errors.New("no origin host in request")

// hopByHopHeaders lists HTTP/1.x hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Upgrade",
}

// ForwardError describes a failed upstream exchange.
type ForwardError struct {
	Op   string // resolve, dial, write, read, parse
	Addr string
	Err  error
}

func (e *ForwardError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("origin %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("origin %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange failed on a deadline.
func (e *ForwardError) Timeout() bool { return httpmsg.IsTimeout(e.Err) }

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Forwarder sends a request to its origin and reads back the response.
// There is no retry: every call makes exactly one attempt.
type Forwarder struct {
	Timeout        time.Duration
	Dialer         Dialer
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// Forward relays req to its origin. req is not modified.
func (f *Forwarder) Forward(ctx context.Context, req *httpmsg.Request) (*httpmsg.Response, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	addr, out, err := OutboundRequest(req)
	if err != nil {
		return nil, &ForwardError{Op: "resolve", Err: err}
	}

	dialer := f.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: timeout}
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, &ForwardError{Op: "dial", Addr: addr, Err: err}
	}
	defer conn.Close()

	// Unblock pending I/O if the caller goes away.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(out.Serialize()); err != nil {
		return nil, &ForwardError{Op: "write", Addr: addr, Err: err}
	}

	rd := httpmsg.NewReader(conn, timeout)
	if f.MaxHeaderBytes > 0 {
		rd.MaxHeaderBytes = f.MaxHeaderBytes
	}
	if f.MaxBodyBytes > 0 {
		rd.MaxBodyBytes = f.MaxBodyBytes
	}
	resp, err := rd.ReadResponse(out.Method)
	if err != nil {
		op := "read"
		var pe *httpmsg.ParseError
		if errors.As(err, &pe) {
			op = "parse"
		}
		return nil, &ForwardError{Op: op, Addr: addr, Err: err}
	}

	log.Ctx(ctx).Debug().
		Str("addr", addr).
		Str("target", out.Target).
		Int("status", resp.StatusCode).
		Int("length", len(resp.Body)).
		Str("function", "Forward").
		Msg("origin responded")

	return resp, nil
}

// OutboundRequest resolves the origin address of req and returns the
// origin-form request to send there.
func OutboundRequest(req *httpmsg.Request) (string, *httpmsg.Request, error) {
	out := req.Clone()
	host := req.Header.Get("Host")
	target := req.Target

	if !strings.HasPrefix(target, "/") && target != "*" {
		u, err := url.Parse(target)
		if err != nil {
			return "", nil, err
		}
		if !strings.EqualFold(u.Scheme, "http") {
			return "", nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		host = u.Host
		target = u.RequestURI()
	}
	if host == "" {
		return "", nil, ErrNoHost
	}

	for _, name := range connectionTokens(req.Header) {
		out.Header.Del(name)
	}
	for _, name := range hopByHopHeaders {
		out.Header.Del(name)
	}
	out.Target = target
	out.Header.Set("Host", host)
	out.Header.Set("Connection", "close")
	if len(out.Body) > 0 || out.Header.Has("Transfer-Encoding") {
		// the body is held de-chunked
		out.Header.Del("Transfer-Encoding")
		out.Header.Set("Content-Length", fmt.Sprint(len(out.Body)))
	}

	return HostPort(host), out, nil
}

// HostPort appends the default HTTP port when host has none.
func HostPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "80")
}

// connectionTokens lists headers named in Connection, which are hop-by-hop too.
func connectionTokens(h httpmsg.Header) []string {
	var names []string
	for _, v := range h.Values("Connection") {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, part)
			}
		}
	}
	return names
}
