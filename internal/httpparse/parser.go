// Package httpparse implements the streaming three-phase HTTP/1.1 request
// parser of spec.md §4.3: request-line, header-section, body (fixed-length
// or chunked), with DoS limits and a pull-free streaming body sink.
package httpparse

import (
	"io"

	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
)

type bodyState int

const (
	bodyStateNone bodyState = iota
	bodyStateFixedLength
	bodyStateChunkSize
	bodyStateChunkExt
	bodyStateChunkData
	bodyStateChunkDataCRLF
	bodyStateChunkTrailer
	bodyStateFinalCRLF
)

// Parser is a streaming request parser. Feed is called with the full
// currently-unconsumed receive buffer every time new bytes arrive; it
// returns how many leading bytes it permanently consumed. Callers must
// Consume exactly that many bytes from their buffer (see
// internal/ioqueue.Buffer) before calling Feed again.
type Parser struct {
	limits Limits
	sink   io.Writer

	req *httpmsg.Request

	headerBytesSoFar int

	bState        bodyState
	fixedRemaining int64
	chunkRemaining int64
	bodyWritten    int64

	parseErr *httpstatus.Error
}

// New returns a Parser in PhaseRequestLine, writing decoded body bytes to
// sink (use io.Discard for GET-like requests with no body consumer).
func New(limits Limits, sink io.Writer) *Parser {
	return &Parser{
		limits: limits,
		sink:   sink,
		req:    httpmsg.NewRequest(),
	}
}

// Request returns the in-progress or completed request value.
func (p *Parser) Request() *httpmsg.Request { return p.req }

// setError transitions to PhaseError and records the status. parseErr is
// surfaced via Err(); kept separate from httpmsg.Request, which has no
// room for an error cause.
func (p *Parser) setError(status httpstatus.Code) {
	p.req.Phase = httpmsg.PhaseError
	p.parseErr = httpstatus.New(status, "")
}

// Err returns the error that put the parser into PhaseError, or nil.
func (p *Parser) Err() *httpstatus.Error { return p.parseErr }

// Feed consumes as much of data as it can, advancing phases as boundaries
// are found. It returns the number of leading bytes fully consumed.
func (p *Parser) Feed(data []byte) (consumed int, err error) {
	total := 0
	for {
		switch p.req.Phase {
		case httpmsg.PhaseRequestLine:
			n, ok, perr := p.feedRequestLine(data[total:])
			total += n
			if perr != nil {
				return total, nil
			}
			if !ok {
				return total, nil
			}
		case httpmsg.PhaseHeaderSection:
			n, ok, perr := p.feedHeaderLine(data[total:])
			total += n
			if perr != nil {
				return total, nil
			}
			if !ok {
				return total, nil
			}
		case httpmsg.PhaseBody:
			n, done := p.feedBody(data[total:])
			total += n
			if !done {
				return total, nil
			}
		default: // PhaseComplete, PhaseError
			return total, nil
		}
	}
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func (p *Parser) feedRequestLine(data []byte) (consumed int, gotLine bool, err *httpstatus.Error) {
	idx := indexCRLF(data)
	if idx < 0 {
		if len(data) > p.limits.MaxRequestLineBytes {
			p.setError(httpstatus.StatusURITooLong)
			return len(data), false, p.parseErr
		}
		return 0, false, nil
	}
	if idx > p.limits.MaxRequestLineBytes {
		p.setError(httpstatus.StatusURITooLong)
		return idx + 2, false, p.parseErr
	}
	line := data[:idx]
	if ok := p.parseRequestLine(line); !ok {
		return idx + 2, false, p.parseErr
	}
	p.req.Phase = httpmsg.PhaseHeaderSection
	return idx + 2, true, nil
}

// parseRequestLine parses "METHOD SP request-target SP HTTP/1.<n>" with
// runs of SP collapsing to one delimiter, per spec.md §4.3.
func (p *Parser) parseRequestLine(line []byte) bool {
	fields := splitOnSpaces(line)
	if len(fields) != 3 {
		p.setError(httpstatus.StatusBadRequest)
		return false
	}
	methodTok := string(fields[0])
	target := string(fields[1])
	version := string(fields[2])

	p.req.MethodToken = methodTok
	p.req.Method = httpmsg.ParseMethod(methodTok)

	if len(target) == 0 || target[0] != '/' {
		p.setError(httpstatus.StatusBadRequest)
		return false
	}
	path, query := splitQuery(target)
	p.req.Path = path
	p.req.Query = query

	minor, ok := parseHTTPVersion(version)
	if !ok {
		p.setError(httpstatus.StatusHTTPVersionNotSup)
		return false
	}
	p.req.ProtoMinor = minor
	return true
}

func splitOnSpaces(line []byte) [][]byte {
	var out [][]byte
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		start := i
		for i < len(line) && line[i] != ' ' {
			i++
		}
		if i > start {
			out = append(out, line[start:i])
		}
	}
	return out
}

func splitQuery(target string) (path, query string) {
	for i := 0; i < len(target); i++ {
		if target[i] == '?' {
			return target[:i], target[i+1:]
		}
	}
	return target, ""
}

// parseHTTPVersion parses "HTTP/1.0" or "HTTP/1.1"; any other minor
// version yields http-version-not-supported per spec.md §4.3.
func parseHTTPVersion(v string) (minor int, ok bool) {
	const prefix = "HTTP/1."
	if len(v) != len(prefix)+1 || v[:len(prefix)] != prefix {
		return 0, false
	}
	switch v[len(prefix)] {
	case '0':
		return 0, true
	case '1':
		return 1, true
	default:
		return 0, false
	}
}

func (p *Parser) feedHeaderLine(data []byte) (consumed int, gotLine bool, err *httpstatus.Error) {
	idx := indexCRLF(data)
	if idx < 0 {
		if p.headerBytesSoFar+len(data) > p.limits.MaxHeaderBytes {
			p.setError(httpstatus.StatusBadRequest)
			return len(data), false, p.parseErr
		}
		return 0, false, nil
	}
	p.headerBytesSoFar += idx + 2
	if p.headerBytesSoFar > p.limits.MaxHeaderBytes {
		p.setError(httpstatus.StatusBadRequest)
		return idx + 2, false, p.parseErr
	}

	line := data[:idx]
	if len(line) == 0 {
		// end of header section
		if !p.finishHeaders() {
			return idx + 2, false, p.parseErr
		}
		return idx + 2, true, nil
	}

	if p.req.Header != nil && len(p.req.Header.Names()) >= p.limits.MaxHeaderCount {
		p.setError(httpstatus.StatusBadRequest)
		return idx + 2, false, p.parseErr
	}

	if !p.parseHeaderLine(line) {
		return idx + 2, false, p.parseErr
	}
	return idx + 2, true, nil
}

func (p *Parser) parseHeaderLine(line []byte) bool {
	colon := -1
	for i, c := range line {
		if c == ':' {
			colon = i
			break
		}
	}
	if colon <= 0 {
		p.setError(httpstatus.StatusBadRequest)
		return false
	}
	name := string(line[:colon])
	if !isValidToken(name) {
		p.setError(httpstatus.StatusBadRequest)
		return false
	}
	value := trimOWS(string(line[colon+1:]))
	p.req.Header.Add(name, value)
	return true
}

func trimOWS(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

// isValidToken reports whether s is a valid RFC 9110 §5.5 tchar sequence.
func isValidToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTchar(s[i]) {
			return false
		}
	}
	return true
}

func isTchar(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
