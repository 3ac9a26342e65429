// Package httpmsg parses and serializes HTTP/1.x messages as they appear on
// the wire, keeping header order intact so a relayed message looks like the
// one that was received.
package httpmsg

import (
	"bytes"
	"net/http"
	"strconv"
)

const crlf = "\r\n"

// Request is a parsed HTTP/1.x request.
type Request struct {
	Method  string
	Target  string
	Version string
	Header  Header
	Body    []byte
}

// Response is a parsed HTTP/1.x response.
type Response struct {
	Version    string
	StatusCode int
	Reason     string
	Header     Header
	Body       []byte
}

// NewResponse builds a response with a Content-Length matching body.
func NewResponse(version string, code int, body []byte) *Response {
	if version == "" {
		version = "HTTP/1.1"
	}
	resp := &Response{
		Version:    version,
		StatusCode: code,
		Reason:     http.StatusText(code),
	}
	resp.SetBody(body)
	return resp
}

// SetBody replaces the body and rewrites the framing headers to describe it.
// Any Transfer-Encoding is dropped since the body is held in full.
func (r *Response) SetBody(body []byte) {
	r.Body = body
	r.Header.Del("Transfer-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// Serialize renders the response in wire format.
func (r *Response) Serialize() []byte {
	var b bytes.Buffer
	reason := r.Reason
	if reason == "" {
		reason = http.StatusText(r.StatusCode)
	}
	b.WriteString(r.Version)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(r.StatusCode))
	b.WriteByte(' ')
	b.WriteString(reason)
	b.WriteString(crlf)
	writeHeader(&b, r.Header)
	b.Write(r.Body)
	return b.Bytes()
}

// Serialize renders the request in wire format.
func (r *Request) Serialize() []byte {
	var b bytes.Buffer
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.Target)
	b.WriteByte(' ')
	b.WriteString(r.Version)
	b.WriteString(crlf)
	writeHeader(&b, r.Header)
	b.Write(r.Body)
	return b.Bytes()
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	out := *r
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

func writeHeader(b *bytes.Buffer, h Header) {
	for _, f := range h {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString(crlf)
	}
	b.WriteString(crlf)
}
