// Package decoder reverses gzip content-coding on response bodies so the
// cache only ever holds ready-to-serve bytes.
package decoder

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jnovack/txtcache/pkg/httpmsg"
)

// MaxDecodedBytes bounds the output of Decode.
var MaxDecodedBytes int64 = 256 << 20

// ErrTooLarge is wrapped by a DecodeError when output exceeds MaxDecodedBytes.
var ErrTooLarge = errors.New("decoded body exceeds limit")

// DecodeError reports a truncated or corrupt gzip stream.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decoder: gzip: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// IsGzip reports whether the Content-Encoding header carries a gzip token.
func IsGzip(h httpmsg.Header) bool {
	return h.HasToken("Content-Encoding", "gzip") || h.HasToken("Content-Encoding", "x-gzip")
}

// IsIdentity reports whether the body carries no content-coding.
func IsIdentity(h httpmsg.Header) bool {
	return len(codings(h)) == 0
}

// codings lists the content-codings of h in the order they were applied,
// skipping identity.
func codings(h httpmsg.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" && !strings.EqualFold(part, "identity") {
				out = append(out, part)
			}
		}
	}
	return out
}

func isGzipToken(c string) bool {
	return strings.EqualFold(c, "gzip") || strings.EqualFold(c, "x-gzip")
}

// Decode gunzips b. Concatenated members are decoded as one stream.
func Decode(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	defer zr.Close()

	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(zr, MaxDecodedBytes+1))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if n > MaxDecodedBytes {
		return nil, &DecodeError{Err: fmt.Errorf("%w (%d bytes)", ErrTooLarge, MaxDecodedBytes)}
	}
	return out.Bytes(), nil
}

// DecodeResponse undoes a gzip coding applied last, drops that token from
// Content-Encoding and recomputes Content-Length. Codings applied before the
// gzip stay listed. It reports whether the body was changed; a body whose
// outermost coding is not gzip is left alone. On error resp is untouched.
func DecodeResponse(resp *httpmsg.Response) (bool, error) {
	cs := codings(resp.Header)
	if len(cs) == 0 || !isGzipToken(cs[len(cs)-1]) || len(resp.Body) == 0 {
		return false, nil
	}
	plain, err := Decode(resp.Body)
	if err != nil {
		return false, err
	}
	if rest := cs[:len(cs)-1]; len(rest) > 0 {
		resp.Header.Set("Content-Encoding", strings.Join(rest, ", "))
	} else {
		resp.Header.Del("Content-Encoding")
	}
	resp.SetBody(plain)
	return true, nil
}
