package httpmsg

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// State is the position of a Reader in its read cycle.
type State int

const (
	AwaitingHeaders State = iota
	AwaitingBody
	Complete
	TimedOut
)

func (s State) String() string {
	switch s {
	case AwaitingHeaders:
		return "awaiting-headers"
	case AwaitingBody:
		return "awaiting-body"
	case Complete:
		return "complete"
	case TimedOut:
		return "timed-out"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultReadSize       = 4096
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxBodyBytes   = 64 << 20
)

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// Reader assembles one complete message from a byte stream. When the source
// supports read deadlines, every Read call gets its own deadline of Timeout.
type Reader struct {
	Timeout        time.Duration
	ReadSize       int
	MaxHeaderBytes int
	MaxBodyBytes   int64

	src   io.Reader
	buf   []byte
	state State
	end   int

	// set while a chunked body is being read
	chunks *chunkDecoder
}

// NewReader returns a Reader with default limits.
func NewReader(src io.Reader, timeout time.Duration) *Reader {
	return &Reader{
		Timeout:        timeout,
		ReadSize:       DefaultReadSize,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodyBytes:   DefaultMaxBodyBytes,
		src:            src,
	}
}

// State returns the current state.
func (r *Reader) State() State { return r.state }

// Buffered returns the bytes read so far.
func (r *Reader) Buffered() []byte { return r.buf }

// ReadRequest reads and parses one request.
func (r *Reader) ReadRequest() (*Request, error) {
	var req *Request
	err := r.run(func(head []byte) (Header, bool, bool, error) {
		var err error
		req, err = parseRequestHead(head)
		if err != nil {
			return nil, false, false, err
		}
		return req.Header, true, false, nil
	}, func(body []byte) { req.Body = body })
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ReadResponse reads and parses one response to a request made with method.
func (r *Reader) ReadResponse(method string) (*Response, error) {
	var resp *Response
	err := r.run(func(head []byte) (Header, bool, bool, error) {
		var err error
		resp, err = parseResponseHead(head)
		if err != nil {
			return nil, false, false, err
		}
		return resp.Header, responseHasBody(method, resp.StatusCode), true, nil
	}, func(body []byte) { resp.Body = body })
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type headFunc func(head []byte) (h Header, bodyAllowed, requireLength bool, err error)

func (r *Reader) run(parseHead headFunc, setBody func([]byte)) error {
	if r.state != AwaitingHeaders {
		return fmt.Errorf("httpmsg: reader already used (%s)", r.state)
	}
	var (
		h             Header
		allowed, need bool
	)
	for {
		switch r.state {
		case AwaitingHeaders:
			if r.end = headerEnd(r.buf); r.end >= 0 {
				if r.end > r.MaxHeaderBytes && r.MaxHeaderBytes > 0 {
					return &ParseError{Reason: "header block exceeds limit"}
				}
				var err error
				if h, allowed, need, err = parseHead(r.buf[:r.end]); err != nil {
					return err
				}
				if allowed && h.Get("Transfer-Encoding") != "" && h.HasToken("Transfer-Encoding", "chunked") {
					r.chunks = &chunkDecoder{max: r.MaxBodyBytes}
				}
				r.state = AwaitingBody
				continue
			}
			if r.MaxHeaderBytes > 0 && len(r.buf) > r.MaxHeaderBytes {
				return &ParseError{Reason: "header block exceeds limit"}
			}
		case AwaitingBody:
			if r.chunks != nil {
				complete, err := r.chunks.feed(r.buf[r.end:])
				if err != nil {
					return err
				}
				if complete {
					setBody(r.chunks.body)
					r.state = Complete
					return nil
				}
				break
			}
			body, complete, err := extractBody(h, r.buf[r.end:], allowed, need, r.MaxBodyBytes)
			if err != nil {
				return err
			}
			if complete {
				setBody(body)
				r.state = Complete
				return nil
			}
		default:
			return fmt.Errorf("httpmsg: reader in state %s", r.state)
		}
		if err := r.fill(); err != nil {
			return err
		}
	}
}

func (r *Reader) fill() error {
	if d, ok := r.src.(readDeadliner); ok && r.Timeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(r.Timeout))
	}
	size := r.ReadSize
	if size <= 0 {
		size = DefaultReadSize
	}
	chunk := make([]byte, size)
	n, err := r.src.Read(chunk)
	r.buf = append(r.buf, chunk[:n]...)
	if err == nil || n > 0 && errors.Is(err, io.EOF) {
		if err != nil {
			// let the next pass see the bytes, then report the EOF
			r.src = eofReader{}
		}
		return nil
	}
	if IsTimeout(err) {
		phase := r.phase()
		r.state = TimedOut
		return fmt.Errorf("httpmsg: read timed out in %s: %w", phase, err)
	}
	if errors.Is(err, io.EOF) {
		if len(r.buf) == 0 {
			return io.EOF
		}
		return &ParseError{Reason: "connection closed in " + r.phase(), Err: io.ErrUnexpectedEOF}
	}
	return fmt.Errorf("httpmsg: read: %w", err)
}

func (r *Reader) phase() string {
	if r.state == AwaitingBody {
		return "body"
	}
	return "header"
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
