package session

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kztakada/go-webserv/internal/config"
	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
)

func testConfig(t *testing.T, root string) *config.ServerConfig {
	t.Helper()
	srv := config.NewVirtualServer()
	srv.Listens = []config.Endpoint{{IP: net.IPv4zero, Port: 8080}}
	srv.ServerNames = []string{"example.com"}
	srv.Root = root
	srv.Index = []string{"index.html"}

	static := config.NewLocation()
	static.PathPattern = "/"

	loop := config.NewLocation()
	loop.PathPattern = "/loop"
	loop.HasRedirect = true
	loop.RedirectStatus = 302
	loop.RedirectURL = "/loop"

	srv.Locations = []*config.LocationDirectiveConf{static, loop}
	return &config.ServerConfig{Servers: []*config.VirtualServerConf{srv}}
}

func getRequest(path string) *httpmsg.Request {
	req := httpmsg.NewRequest()
	req.Method = httpmsg.MethodGET
	req.MethodToken = "GET"
	req.Path = path
	req.ProtoMinor = 1
	req.Header.Set("Host", "example.com")
	req.ListenHost = "0.0.0.0" // as onRequestComplete stamps for newTestSession's endpoint
	req.ListenPort = 8080
	return req
}

func newTestSession(t *testing.T, cfg *config.ServerConfig) (*HTTPSession, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(); r.Close() })
	s := New(int(w.Fd()), cfg, t.TempDir(), "0.0.0.0", 8080, "127.0.0.1:1234", nil)
	return s, r
}

func TestDispatch_ServesStaticFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644))
	cfg := testConfig(t, root)
	s, _ := newTestSession(t, cfg)

	s.dispatch(getRequest("/hello.txt"))

	require.Equal(t, StateSendResponse, s.state)
	assert.Equal(t, httpstatus.StatusOK, s.resp.Status)
	assert.Equal(t, int64(11), s.resp.ExpectedContentLength)
}

func TestDispatch_RedirectLoopExceedsCapBecomes500(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	s, _ := newTestSession(t, cfg)

	s.dispatch(getRequest("/loop"))

	require.Equal(t, StateSendResponse, s.state)
	assert.Equal(t, httpstatus.StatusInternalServerError, s.resp.Status)
}

func TestDispatch_MissingFileIs404(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	s, _ := newTestSession(t, cfg)

	s.dispatch(getRequest("/nope.txt"))

	require.Equal(t, StateSendResponse, s.state)
	assert.Equal(t, httpstatus.StatusNotFound, s.resp.Status)
}

func TestHandleClientWritable_FlushesHeaderAndBody(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0o644))
	cfg := testConfig(t, root)
	s, readEnd := newTestSession(t, cfg)

	s.dispatch(getRequest("/a.txt"))
	require.Equal(t, StateSendResponse, s.state)

	for s.state == StateSendResponse {
		s.HandleClientWritable()
	}

	assert.Equal(t, StateRecvRequest, s.state, "keep-alive response should return to recv-request")

	buf := make([]byte, 4096)
	n, err := readEnd.Read(buf)
	require.NoError(t, err)
	out := string(buf[:n])
	assert.Contains(t, out, "200 OK")
	assert.Contains(t, out, "abc")
}

func TestHandleClientWritable_PeerClosedEndsInCloseWait(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0o644))
	cfg := testConfig(t, root)
	s, readEnd := newTestSession(t, cfg)
	s.peerClosed = true

	s.dispatch(getRequest("/a.txt"))
	for s.state == StateSendResponse {
		s.HandleClientWritable()
	}

	assert.Equal(t, StateCloseWait, s.state)

	buf := make([]byte, 4096)
	_, _ = readEnd.Read(buf)
}
