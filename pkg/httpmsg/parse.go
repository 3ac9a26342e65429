package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoLength is wrapped by a ParseError when a response that may carry a
// body declares neither Content-Length nor chunked framing. Reading until
// close is not supported.
var ErrNoLength = errors.New("no content-length or chunked framing")

// ParseError reports a malformed message.
type ParseError struct {
	Reason string
	Line   string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "httpmsg: " + e.Reason
	if e.Line != "" {
		msg += fmt.Sprintf(" %q", e.Line)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

var headerTerminator = []byte("\r\n\r\n")

// headerEnd returns the index just past the blank line ending the header
// block, or -1 if the block is not complete yet.
func headerEnd(b []byte) int {
	i := bytes.Index(b, headerTerminator)
	if i < 0 {
		return -1
	}
	return i + len(headerTerminator)
}

// ParseRequest parses a complete request held in b.
func ParseRequest(b []byte) (*Request, error) {
	end := headerEnd(b)
	if end < 0 {
		return nil, &ParseError{Reason: "incomplete header block"}
	}
	req, err := parseRequestHead(b[:end])
	if err != nil {
		return nil, err
	}
	body, complete, err := extractBody(req.Header, b[end:], true, false, 0)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, &ParseError{Reason: "body shorter than declared length"}
	}
	req.Body = body
	return req, nil
}

// ParseResponse parses a complete response held in b. method is the method
// of the request that produced it; HEAD responses never carry a body.
func ParseResponse(b []byte, method string) (*Response, error) {
	end := headerEnd(b)
	if end < 0 {
		return nil, &ParseError{Reason: "incomplete header block"}
	}
	resp, err := parseResponseHead(b[:end])
	if err != nil {
		return nil, err
	}
	body, complete, err := extractBody(resp.Header, b[end:], responseHasBody(method, resp.StatusCode), true, 0)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, &ParseError{Reason: "body shorter than declared length"}
	}
	resp.Body = body
	return resp, nil
}

func parseRequestHead(head []byte) (*Request, error) {
	start, h, err := splitHead(head)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(start, " ")
	if len(parts) != 3 {
		return nil, &ParseError{Reason: "malformed request line", Line: start}
	}
	if parts[0] == "" || parts[1] == "" {
		return nil, &ParseError{Reason: "empty method or target", Line: start}
	}
	if parts[2] != "HTTP/1.0" && parts[2] != "HTTP/1.1" {
		return nil, &ParseError{Reason: "unsupported protocol version", Line: start}
	}
	return &Request{Method: parts[0], Target: parts[1], Version: parts[2], Header: h}, nil
}

func parseResponseHead(head []byte) (*Response, error) {
	start, h, err := splitHead(head)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(start, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return nil, &ParseError{Reason: "malformed status line", Line: start}
	}
	if len(parts[1]) != 3 {
		return nil, &ParseError{Reason: "malformed status code", Line: start}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 {
		return nil, &ParseError{Reason: "malformed status code", Line: start}
	}
	resp := &Response{Version: parts[0], StatusCode: code, Header: h}
	if len(parts) == 3 {
		resp.Reason = parts[2]
	}
	return resp, nil
}

// splitHead splits a header block (including its terminating blank line)
// into the start line and the header fields.
func splitHead(head []byte) (string, Header, error) {
	lines := strings.Split(strings.TrimSuffix(string(head), "\r\n\r\n"), "\r\n")
	start := lines[0]
	if start == "" {
		return "", nil, &ParseError{Reason: "empty start line"}
	}
	h := make(Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line[0] == ' ' || line[0] == '\t' {
			return "", nil, &ParseError{Reason: "obsolete header line folding", Line: line}
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return "", nil, &ParseError{Reason: "header line without colon", Line: line}
		}
		name := line[:i]
		if strings.ContainsAny(name, " \t") {
			return "", nil, &ParseError{Reason: "whitespace in header name", Line: line}
		}
		h = append(h, Field{Name: name, Value: strings.Trim(line[i+1:], " \t")})
	}
	return start, h, nil
}

func responseHasBody(method string, code int) bool {
	if method == "HEAD" {
		return false
	}
	if code >= 100 && code < 200 {
		return false
	}
	return code != 204 && code != 304
}

// extractBody applies the framing rules to rest. It returns complete=false
// when more bytes are needed. A max of 0 means unbounded.
func extractBody(h Header, rest []byte, allowed, requireLength bool, max int64) ([]byte, bool, error) {
	if !allowed {
		return nil, true, nil
	}
	if te := h.Get("Transfer-Encoding"); te != "" {
		if !h.HasToken("Transfer-Encoding", "chunked") {
			return nil, false, &ParseError{Reason: "unsupported transfer-encoding", Line: te}
		}
		return decodeChunked(rest, max)
	}
	if cl := h.Values("Content-Length"); len(cl) > 0 {
		for _, v := range cl[1:] {
			if v != cl[0] {
				return nil, false, &ParseError{Reason: "conflicting content-length values"}
			}
		}
		n, err := strconv.ParseInt(cl[0], 10, 64)
		if err != nil || n < 0 {
			return nil, false, &ParseError{Reason: "invalid content-length", Line: cl[0], Err: err}
		}
		if max > 0 && n > max {
			return nil, false, &ParseError{Reason: "body exceeds limit", Line: cl[0]}
		}
		if int64(len(rest)) < n {
			return nil, false, nil
		}
		return rest[:n], true, nil
	}
	if requireLength {
		return nil, false, &ParseError{Reason: "cannot frame body", Err: ErrNoLength}
	}
	return nil, true, nil
}

// decodeChunked extracts the payload of a chunked body held in b.
func decodeChunked(b []byte, max int64) ([]byte, bool, error) {
	d := chunkDecoder{max: max}
	complete, err := d.feed(b)
	if err != nil || !complete {
		return nil, false, err
	}
	return d.body, true, nil
}
