// Package respenc implements spec.md §4.4's response encoder: the framing
// decision table (no-body / fixed-length / chunked / close-delimited),
// evaluated once on first emission, plus hop-by-hop header stripping for
// CGI responses.
package respenc

import (
	"strconv"
	"strings"

	"github.com/kztakada/go-webserv/internal/httpmsg"
)

// Framing is the body delimiter chosen for one response, per the decision
// table in spec.md §4.4.
type Framing int

const (
	FramingNoBody Framing = iota
	FramingFixedLength
	FramingChunked
	FramingCloseDelimited
)

// hopByHop are stripped from CGI responses per spec.md §4.4.
var hopByHop = []string{"Connection", "Transfer-Encoding", "Keep-Alive", "TE", "Trailer", "Upgrade"}

// StripHopByHop removes headers that must never cross from a CGI script's
// output into the client-facing response.
func StripHopByHop(h *httpmsg.Header) {
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// noBodyStatus reports the 1xx/204/304 exemptions from the framing table.
func noBodyStatus(status int) bool {
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

// Decide picks the Framing for resp against req, per spec.md §4.4's table,
// and mutates resp's headers to match (stripping/forcing Content-Length
// and Transfer-Encoding, forcing Connection: close when required). It must
// be called exactly once, on first emission.
func Decide(req *httpmsg.Request, resp *httpmsg.Response, isHead bool, wantClose bool) Framing {
	noBody := isHead || noBodyStatus(int(resp.Status))

	var framing Framing
	switch {
	case noBody:
		framing = FramingNoBody
	case resp.Header.Has("Content-Length"):
		framing = FramingFixedLength
	case resp.ProtoMinor >= 1:
		framing = FramingChunked
	default:
		framing = FramingCloseDelimited
	}

	closeConn := wantClose || req.WantsClose() || framing == FramingCloseDelimited
	if req.ProtoMinor == 0 && !closeConn {
		// HTTP/1.0 defaults to close unless the client asked to keep
		// the connection alive and we picked a framing that supports it.
		if !hasKeepAliveToken(req) {
			closeConn = true
		}
	}

	switch framing {
	case FramingChunked:
		resp.Header.Del("Content-Length")
		resp.Header.Set("Transfer-Encoding", "chunked")
	case FramingCloseDelimited:
		resp.Header.Del("Content-Length")
		resp.Header.Del("Transfer-Encoding")
		closeConn = true
	case FramingFixedLength:
		resp.Header.Del("Transfer-Encoding")
	case FramingNoBody:
		// Leave any declared Content-Length in place for HEAD (it still
		// reports what GET would have sent); strip Transfer-Encoding,
		// which never applies to a bodyless response.
		resp.Header.Del("Transfer-Encoding")
	}

	if closeConn {
		resp.Header.Set("Connection", "close")
	} else {
		resp.Header.Set("Connection", "keep-alive")
	}

	return framing
}

func hasKeepAliveToken(req *httpmsg.Request) bool {
	conn := req.Header.Get("Connection")
	for _, part := range strings.Split(conn, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "keep-alive") {
			return true
		}
	}
	return false
}

// Encoder converts a Response plus a byte stream into wire bytes with the
// framing Decide chose.
type Encoder struct {
	framing Framing
	// sent tracks bytes sent so far for FramingFixedLength enforcement,
	// per spec.md §4.4: "fails if the total would exceed or fall short
	// of the declared length (enforced at EOF)."
	sent     int64
	declared int64
}

// New returns an Encoder for framing, with declaredLength only meaningful
// for FramingFixedLength.
func New(framing Framing, declaredLength int64) *Encoder {
	return &Encoder{framing: framing, declared: declaredLength}
}

// EncodeHeader renders the status-line and headers, always ending with the
// blank-line section terminator.
func EncodeHeader(resp *httpmsg.Response) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.")
	b.WriteString(strconv.Itoa(resp.ProtoMinor))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(int(resp.Status)))
	b.WriteByte(' ')
	b.WriteString(resp.ReasonPhrase())
	b.WriteString("\r\n")
	resp.Header.Write(&b)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// EncodeBodyChunk frames one slice of body data per e's framing. For a HEAD
// response (FramingNoBody), it always returns nil regardless of input, per
// spec.md §8's testable property.
func (e *Encoder) EncodeBodyChunk(data []byte) []byte {
	switch e.framing {
	case FramingNoBody:
		return nil
	case FramingChunked:
		if len(data) == 0 {
			return nil
		}
		var b strings.Builder
		b.WriteString(strconv.FormatInt(int64(len(data)), 16))
		b.WriteString("\r\n")
		b.Write(data)
		b.WriteString("\r\n")
		e.sent += int64(len(data))
		return []byte(b.String())
	default: // fixed length or close-delimited
		e.sent += int64(len(data))
		return data
	}
}

// EncodeEOF emits the terminating sequence for e's framing: "0\r\n\r\n" for
// chunked, nothing otherwise. For fixed-length framing it also reports
// whether the declared length was honored exactly.
func (e *Encoder) EncodeEOF() (eof []byte, lengthMismatch bool) {
	switch e.framing {
	case FramingChunked:
		return []byte("0\r\n\r\n"), false
	case FramingFixedLength:
		return nil, e.sent != e.declared
	default:
		return nil, false
	}
}

func (e *Encoder) BytesSent() int64 { return e.sent }
func (e *Encoder) Framing() Framing { return e.framing }
