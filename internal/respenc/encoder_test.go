package respenc

import (
	"testing"

	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
	"github.com/stretchr/testify/assert"
)

func newReq(protoMinor int, wantsClose bool) *httpmsg.Request {
	r := httpmsg.NewRequest()
	r.ProtoMinor = protoMinor
	if wantsClose {
		r.Header.Set("Connection", "close")
	}
	return r
}

func TestDecide_FixedLength(t *testing.T) {
	req := newReq(1, false)
	resp := httpmsg.NewResponse(1)
	resp.SetContentLength(5)
	framing := Decide(req, resp, false, false)
	assert.Equal(t, FramingFixedLength, framing)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
}

func TestDecide_ChunkedOnHTTP11NoLength(t *testing.T) {
	req := newReq(1, false)
	resp := httpmsg.NewResponse(1)
	framing := Decide(req, resp, false, false)
	assert.Equal(t, FramingChunked, framing)
	assert.Equal(t, "chunked", resp.Header.Get("Transfer-Encoding"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
}

func TestDecide_CloseDelimitedOnHTTP10NoLength(t *testing.T) {
	req := newReq(0, false)
	resp := httpmsg.NewResponse(0)
	framing := Decide(req, resp, false, false)
	assert.Equal(t, FramingCloseDelimited, framing)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestDecide_NoBodyForHead(t *testing.T) {
	req := newReq(1, false)
	resp := httpmsg.NewResponse(1)
	resp.SetContentLength(100)
	framing := Decide(req, resp, true, false)
	assert.Equal(t, FramingNoBody, framing)
}

func TestDecide_NoBodyFor204(t *testing.T) {
	req := newReq(1, false)
	resp := httpmsg.NewResponse(1)
	resp.SetStatus(httpstatus.StatusNoContent)
	framing := Decide(req, resp, false, false)
	assert.Equal(t, FramingNoBody, framing)
}

func TestDecide_ClientRequestedClose(t *testing.T) {
	req := newReq(1, true)
	resp := httpmsg.NewResponse(1)
	resp.SetContentLength(1)
	Decide(req, resp, false, false)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestEncodeHeader(t *testing.T) {
	resp := httpmsg.NewResponse(1)
	resp.Header.Set("Content-Type", "text/html")
	out := string(EncodeHeader(resp))
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, out, "Content-Type: text/html\r\n")
	assert.True(t, len(out) >= 4 && out[len(out)-4:] == "\r\n\r\n")
}

func TestEncodeBodyChunk_Chunked(t *testing.T) {
	e := New(FramingChunked, -1)
	out := e.EncodeBodyChunk([]byte("ABCD"))
	assert.Equal(t, "4\r\nABCD\r\n", string(out))
	eof, mismatch := e.EncodeEOF()
	assert.Equal(t, "0\r\n\r\n", string(eof))
	assert.False(t, mismatch)
}

func TestEncodeBodyChunk_HeadAlwaysEmpty(t *testing.T) {
	e := New(FramingNoBody, -1)
	assert.Nil(t, e.EncodeBodyChunk([]byte("should not appear")))
}

func TestEncodeEOF_FixedLengthMismatch(t *testing.T) {
	e := New(FramingFixedLength, 10)
	e.EncodeBodyChunk([]byte("12345"))
	_, mismatch := e.EncodeEOF()
	assert.True(t, mismatch)
}

func TestEncodeEOF_FixedLengthExact(t *testing.T) {
	e := New(FramingFixedLength, 5)
	e.EncodeBodyChunk([]byte("12345"))
	_, mismatch := e.EncodeEOF()
	assert.False(t, mismatch)
}

func TestStripHopByHop(t *testing.T) {
	h := httpmsg.NewHeader()
	h.Set("Connection", "close")
	h.Set("Content-Type", "text/plain")
	h.Set("Upgrade", "h2c")
	StripHopByHop(h)
	assert.False(t, h.Has("Connection"))
	assert.False(t, h.Has("Upgrade"))
	assert.True(t, h.Has("Content-Type"))
}
