package httpparse

import (
	"bytes"
	"testing"

	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, p *Parser, data []byte) {
	t.Helper()
	for {
		n, err := p.Feed(data)
		require.NoError(t, err)
		data = data[n:]
		if n == 0 || len(data) == 0 {
			return
		}
	}
}

func TestParser_BasicGET(t *testing.T) {
	var body bytes.Buffer
	p := New(DefaultLimits(), &body)
	feedAll(t, p, []byte("GET /index.html?x=1 HTTP/1.1\r\nHost: e\r\n\r\n"))

	req := p.Request()
	require.Equal(t, httpmsg.PhaseComplete, req.Phase)
	assert.Equal(t, httpmsg.MethodGET, req.Method)
	assert.Equal(t, "/index.html", req.Path)
	assert.Equal(t, "x=1", req.Query)
	assert.Equal(t, 1, req.ProtoMinor)
	assert.Equal(t, "e", req.Header.Get("Host"))
	assert.Equal(t, 0, body.Len())
}

func TestParser_MultipleSpacesCollapse(t *testing.T) {
	p := New(DefaultLimits(), nil)
	feedAll(t, p, []byte("GET   /a   HTTP/1.1\r\nHost: e\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseComplete, p.Request().Phase)
	assert.Equal(t, "/a", p.Request().Path)
}

func TestParser_MissingHostOnHTTP11(t *testing.T) {
	p := New(DefaultLimits(), nil)
	feedAll(t, p, []byte("GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseError, p.Request().Phase)
	assert.Equal(t, httpstatus.StatusBadRequest, p.Err().Status)
}

func TestParser_HTTP10NoHostOK(t *testing.T) {
	p := New(DefaultLimits(), nil)
	feedAll(t, p, []byte("GET / HTTP/1.0\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseComplete, p.Request().Phase)
}

func TestParser_BadVersion(t *testing.T) {
	p := New(DefaultLimits(), nil)
	feedAll(t, p, []byte("GET / HTTP/2.0\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseError, p.Request().Phase)
	assert.Equal(t, httpstatus.StatusHTTPVersionNotSup, p.Err().Status)
}

func TestParser_ChunkedAndContentLengthConflict(t *testing.T) {
	p := New(DefaultLimits(), nil)
	feedAll(t, p, []byte("POST / HTTP/1.1\r\nHost: e\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseError, p.Request().Phase)
	assert.Equal(t, httpstatus.StatusBadRequest, p.Err().Status)
}

func TestParser_ContentLengthBody(t *testing.T) {
	var body bytes.Buffer
	p := New(DefaultLimits(), &body)
	feedAll(t, p, []byte("POST / HTTP/1.1\r\nHost: e\r\nContent-Length: 4\r\n\r\nABCD"))
	assert.Equal(t, httpmsg.PhaseComplete, p.Request().Phase)
	assert.Equal(t, "ABCD", body.String())
}

func TestParser_ContentLengthBodySplitAcrossFeeds(t *testing.T) {
	var body bytes.Buffer
	p := New(DefaultLimits(), &body)

	first := []byte("POST / HTTP/1.1\r\nHost: e\r\nContent-Length: 4\r\n\r\nAB")
	n, err := p.Feed(first)
	require.NoError(t, err)
	assert.Equal(t, len(first), n)
	assert.Equal(t, httpmsg.PhaseBody, p.Request().Phase)
	assert.Equal(t, "AB", body.String())

	n, err = p.Feed([]byte("CD"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, httpmsg.PhaseComplete, p.Request().Phase)
	assert.Equal(t, "ABCD", body.String())
}

func TestParser_ChunkedBody(t *testing.T) {
	var body bytes.Buffer
	p := New(DefaultLimits(), &body)
	feedAll(t, p, []byte("POST / HTTP/1.1\r\nHost: e\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nABCD\r\n0\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseComplete, p.Request().Phase)
	assert.Equal(t, "ABCD", body.String())
}

func TestParser_ChunkedBodyWithTrailer(t *testing.T) {
	var body bytes.Buffer
	p := New(DefaultLimits(), &body)
	feedAll(t, p, []byte("POST / HTTP/1.1\r\nHost: e\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nfoo\r\n0\r\nX-Trailer: 1\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseComplete, p.Request().Phase)
	assert.Equal(t, "foo", body.String())
}

func TestParser_RequestLineTooLong(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxRequestLineBytes = 10
	p := New(limits, nil)
	feedAll(t, p, []byte("GET /this-is-a-very-long-path HTTP/1.1\r\nHost: e\r\n\r\n"))
	assert.Equal(t, httpmsg.PhaseError, p.Request().Phase)
	assert.Equal(t, httpstatus.StatusURITooLong, p.Err().Status)
}

func TestParser_BodyTooLarge(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxBodyBytes = 3
	var body bytes.Buffer
	p := New(limits, &body)
	feedAll(t, p, []byte("POST / HTTP/1.1\r\nHost: e\r\nContent-Length: 10\r\n\r\n1234567890"))
	assert.Equal(t, httpmsg.PhaseError, p.Request().Phase)
	assert.Equal(t, httpstatus.StatusPayloadTooLarge, p.Err().Status)
}

func TestParser_MonotoneByteAtATime(t *testing.T) {
	full := []byte("POST /x HTTP/1.1\r\nHost: e\r\nContent-Length: 4\r\n\r\nABCD")
	var body bytes.Buffer
	p := New(DefaultLimits(), &body)

	fed := []byte{}
	for i := 0; i < len(full); i++ {
		fed = append(fed, full[i])
		n, err := p.Feed(fed)
		require.NoError(t, err)
		fed = fed[n:]
	}
	assert.Equal(t, httpmsg.PhaseComplete, p.Request().Phase)
	assert.Equal(t, "ABCD", body.String())
}
