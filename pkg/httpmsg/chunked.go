package httpmsg

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	maxChunkLineBytes = 4 << 10
	maxTrailerBytes   = 64 << 10
)

type chunkPhase int

const (
	chunkSizeLine chunkPhase = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkDecoder decodes a chunked body incrementally. Each call to feed is
// given the whole raw body read so far and resumes at the first byte it has
// not consumed yet, so a body is scanned once however it is split.
// Chunk extensions and trailers are discarded.
type chunkDecoder struct {
	max       int64
	body      []byte
	pos       int
	remaining int64
	trailer   int
	phase     chunkPhase
}

// feed reports whether the body is complete. A max of 0 means unbounded.
func (d *chunkDecoder) feed(b []byte) (bool, error) {
	for {
		switch d.phase {
		case chunkSizeLine:
			line, ok, err := d.line(b, maxChunkLineBytes)
			if err != nil || !ok {
				return false, err
			}
			if semi := strings.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || size < 0 {
				return false, &ParseError{Reason: "invalid chunk size", Line: line, Err: err}
			}
			if size == 0 {
				d.phase = chunkTrailer
				continue
			}
			if d.max > 0 && size > d.max-int64(len(d.body)) {
				return false, &ParseError{Reason: "body exceeds limit", Line: line}
			}
			d.remaining = size
			d.phase = chunkData
		case chunkData:
			avail := int64(len(b) - d.pos)
			if avail == 0 {
				return false, nil
			}
			n := min(avail, d.remaining)
			d.body = append(d.body, b[d.pos:d.pos+int(n)]...)
			d.pos += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.phase = chunkDataEnd
			}
		case chunkDataEnd:
			if len(b)-d.pos < len(crlf) {
				return false, nil
			}
			if string(b[d.pos:d.pos+len(crlf)]) != crlf {
				return false, &ParseError{Reason: "chunk not terminated by CRLF"}
			}
			d.pos += len(crlf)
			d.phase = chunkSizeLine
		case chunkTrailer:
			line, ok, err := d.line(b, maxTrailerBytes-d.trailer)
			if err != nil || !ok {
				return false, err
			}
			if line == "" {
				d.phase = chunkDone
				continue
			}
			d.trailer += len(line) + len(crlf)
		case chunkDone:
			if d.body == nil {
				d.body = []byte{}
			}
			return true, nil
		}
	}
}

// line consumes the next CRLF-terminated line. It fails once more than limit
// bytes arrive without a line ending.
func (d *chunkDecoder) line(b []byte, limit int) (string, bool, error) {
	i := bytes.Index(b[d.pos:], []byte(crlf))
	if i < 0 {
		if len(b)-d.pos > limit {
			return "", false, &ParseError{Reason: "chunk line exceeds limit"}
		}
		return "", false, nil
	}
	if i > limit {
		return "", false, &ParseError{Reason: "chunk line exceeds limit"}
	}
	line := string(b[d.pos : d.pos+i])
	d.pos += i + len(crlf)
	return line, true, nil
}
