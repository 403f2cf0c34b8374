package httpparse

import (
	"strconv"
	"strings"

	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
)

// finishHeaders runs the header validation of spec.md §4.3 and decides the
// body framing, transitioning to PhaseBody (for a framed or chunked body)
// or straight to PhaseComplete when there is none.
func (p *Parser) finishHeaders() bool {
	h := p.req.Header

	if p.req.ProtoMinor == 1 && !h.Has("Host") {
		p.setError(httpstatus.StatusBadRequest)
		return false
	}

	isChunked := false
	if te := h.Get("Transfer-Encoding"); te != "" {
		isChunked = containsToken(te, "chunked")
	}

	hasCL := h.Has("Content-Length")
	var contentLength int64
	if hasCL {
		clValues := h.Values("Content-Length")
		if len(clValues) != 1 {
			p.setError(httpstatus.StatusBadRequest)
			return false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(clValues[0]), 10, 64)
		if err != nil || n < 0 {
			p.setError(httpstatus.StatusBadRequest)
			return false
		}
		contentLength = n
	}

	if isChunked && hasCL && contentLength != 0 {
		p.setError(httpstatus.StatusBadRequest)
		return false
	}

	switch {
	case isChunked:
		p.req.BodyFraming = httpmsg.BodyChunked
		p.bState = bodyStateChunkSize
		p.req.Phase = httpmsg.PhaseBody
	case hasCL && contentLength > 0:
		p.req.BodyFraming = httpmsg.BodyFixedLength
		p.req.ContentLength = contentLength
		p.fixedRemaining = contentLength
		p.bState = bodyStateFixedLength
		p.req.Phase = httpmsg.PhaseBody
	case hasCL: // Content-Length: 0
		p.req.BodyFraming = httpmsg.BodyFixedLength
		p.req.ContentLength = 0
		p.req.Phase = httpmsg.PhaseComplete
	default:
		p.req.BodyFraming = httpmsg.BodyNone
		p.req.Phase = httpmsg.PhaseComplete
	}
	return true
}

func containsToken(headerValue, token string) bool {
	for _, part := range strings.Split(headerValue, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// feedBody advances the body state machine over data, returning how many
// bytes it consumed and whether the body (and therefore the request) is
// now complete. Decoded octets are written to p.sink as they are
// recognized — never buffered in the parser.
func (p *Parser) feedBody(data []byte) (consumed int, done bool) {
	switch p.req.BodyFraming {
	case httpmsg.BodyFixedLength:
		return p.feedFixedLengthBody(data)
	case httpmsg.BodyChunked:
		return p.feedChunkedBody(data)
	default:
		p.req.Phase = httpmsg.PhaseComplete
		return 0, true
	}
}

func (p *Parser) feedFixedLengthBody(data []byte) (consumed int, done bool) {
	if p.fixedRemaining == 0 {
		p.req.Phase = httpmsg.PhaseComplete
		return 0, true
	}
	n := int64(len(data))
	if n > p.fixedRemaining {
		n = p.fixedRemaining
	}
	if n > 0 {
		if p.checkBodyLimit(n) {
			return int(n), false
		}
		p.writeBody(data[:n])
		p.fixedRemaining -= n
	}
	if p.fixedRemaining == 0 {
		p.req.Phase = httpmsg.PhaseComplete
		return int(n), true
	}
	return int(n), false
}

// feedChunkedBody implements RFC 9112 §7's chunked transfer decoding:
// "chunk-size-hex [;ext] CRLF chunk-data CRLF" repeated until a zero-size
// chunk, an optional (ignored) trailer section, then a terminating CRLF.
func (p *Parser) feedChunkedBody(data []byte) (total int, done bool) {
	for {
		switch p.bState {
		case bodyStateChunkSize:
			idx := indexCRLF(data[total:])
			if idx < 0 {
				return total, false
			}
			line := data[total : total+idx]
			total += idx + 2
			size, ok := parseChunkSizeLine(line)
			if !ok {
				p.setError(httpstatus.StatusBadRequest)
				return total, false
			}
			p.chunkRemaining = size
			if size == 0 {
				p.bState = bodyStateChunkTrailer
			} else {
				p.bState = bodyStateChunkData
			}
		case bodyStateChunkData:
			remaining := data[total:]
			n := p.chunkRemaining
			if int64(len(remaining)) < n {
				n = int64(len(remaining))
			}
			if n > 0 {
				if p.checkBodyLimit(n) {
					return total, false
				}
				p.writeBody(remaining[:n])
				p.chunkRemaining -= n
				total += int(n)
			}
			if p.chunkRemaining == 0 {
				p.bState = bodyStateChunkDataCRLF
			} else {
				return total, false
			}
		case bodyStateChunkDataCRLF:
			if len(data[total:]) < 2 {
				return total, false
			}
			if data[total] != '\r' || data[total+1] != '\n' {
				p.setError(httpstatus.StatusBadRequest)
				return total, false
			}
			total += 2
			p.bState = bodyStateChunkSize
		case bodyStateChunkTrailer:
			// Ignore trailer header lines until the blank line, per
			// spec.md §4.3: "optional trailer section ignored".
			idx := indexCRLF(data[total:])
			if idx < 0 {
				return total, false
			}
			line := data[total : total+idx]
			total += idx + 2
			if len(line) == 0 {
				p.req.Phase = httpmsg.PhaseComplete
				return total, true
			}
		default:
			p.req.Phase = httpmsg.PhaseComplete
			return total, true
		}
	}
	return total, false
}

func parseChunkSizeLine(line []byte) (int64, bool) {
	// Drop any ";ext" chunk extension.
	for i, c := range line {
		if c == ';' {
			line = line[:i]
			break
		}
	}
	if len(line) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(line)), 16, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// checkBodyLimit enforces spec.md §4.3's max decoded body bytes, returning
// true (and setting the parser into PhaseError) if writing n more bytes
// would exceed it.
func (p *Parser) checkBodyLimit(n int64) bool {
	if p.limits.MaxBodyBytes <= 0 {
		return false
	}
	if p.bodyWritten+n > p.limits.MaxBodyBytes {
		p.setError(httpstatus.StatusPayloadTooLarge)
		return true
	}
	return false
}

func (p *Parser) writeBody(b []byte) {
	if p.sink == nil {
		return
	}
	p.bodyWritten += int64(len(b))
	_, _ = p.sink.Write(b)
}
