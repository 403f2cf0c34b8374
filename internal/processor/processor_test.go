package processor

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kztakada/go-webserv/internal/bodystore"
	"github.com/kztakada/go-webserv/internal/config"
	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
	"github.com/kztakada/go-webserv/internal/router"
)

func testRouting(t *testing.T, root string) *router.LocationRouting {
	t.Helper()
	srv := config.NewVirtualServer()
	srv.Root = root
	srv.Index = []string{"index.html"}
	loc := config.NewLocation()
	loc.PathPattern = "/"
	srv.Locations = []*config.LocationDirectiveConf{loc}
	return &router.LocationRouting{Action: router.ActionServeStatic, Server: srv, Location: loc}
}

func getReq() *httpmsg.Request {
	req := httpmsg.NewRequest()
	req.Method = httpmsg.MethodGET
	req.MethodToken = "GET"
	return req
}

func TestServeStatic_ServesFileWithContentType(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.html"), []byte("<p>hi</p>"), 0o644))

	routing := testRouting(t, root)
	routing.NormalizedPath = "/a.html"
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusOK, resp.Status)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	require.NotNil(t, src)

	result, rerr := src.Read(64)
	require.NoError(t, rerr)
	assert.Equal(t, "<p>hi</p>", string(result.Data))
	_ = src.Close()
}

func TestServeStatic_IndexResolution(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("home"), 0o644))

	routing := testRouting(t, root)
	routing.NormalizedPath = "/"
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusOK, resp.Status)
	require.NotNil(t, src)
	_ = src.Close()
}

func TestServeStatic_MissingFileIs404(t *testing.T) {
	root := t.TempDir()
	routing := testRouting(t, root)
	routing.NormalizedPath = "/missing.html"
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusNotFound, resp.Status)
	assert.Nil(t, src)
}

func TestServeStatic_OverrideStatusAppliesToErrorPage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "404.html"), []byte("nope"), 0o644))

	routing := testRouting(t, root)
	routing.NormalizedPath = "/404.html"
	req := getReq()

	p := New()
	resp, _, err := p.Handle(routing, req, Override{Status: httpstatus.StatusNotFound, Active: true})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusNotFound, resp.Status)
}

func TestServeAutoindex_ListsEntriesEscaped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a&b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	routing := testRouting(t, root)
	routing.Action = router.ActionServeAutoindex
	routing.NormalizedPath = "/"
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusOK, resp.Status)
	require.NotNil(t, src)

	result, _ := src.Read(4096)
	body := string(result.Data)
	assert.Contains(t, body, "a&amp;b.txt")
	assert.Contains(t, body, "%26")
	assert.Contains(t, body, "sub/")
}

func TestServeStatic_DirectoryNoIndexNoAutoindexIsForbidden(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	routing := testRouting(t, root)
	routing.Location.HasIndex = true
	routing.Location.Index = nil
	routing.NormalizedPath = "/sub/"
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusForbidden, resp.Status)
	assert.Nil(t, src)
}

func TestServeStatic_DirectoryNoSlashFallsBackToAutoindex(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("x"), 0o644))

	routing := testRouting(t, root)
	routing.Location.HasIndex = true
	routing.Location.Index = nil
	routing.Location.Autoindex = true
	routing.NormalizedPath = "/sub"
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusOK, resp.Status)
	require.NotNil(t, src)

	result, _ := src.Read(4096)
	assert.Contains(t, string(result.Data), "a.txt")
}

func TestRespondError_BuiltinBody(t *testing.T) {
	routing := &router.LocationRouting{Action: router.ActionRespondError, ErrorStatus: httpstatus.StatusNotFound}
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.Equal(t, httpstatus.StatusNotFound, resp.Status)
	assert.Nil(t, src)
	assert.True(t, resp.ExpectedContentLength > 0)
}

func TestRedirectExternal_SetsLocationHeader(t *testing.T) {
	routing := &router.LocationRouting{
		Action: router.ActionRedirectExternal, RedirectStatus: 302, RedirectTarget: "https://example.com/",
	}
	req := getReq()

	p := New()
	resp, src, err := p.Handle(routing, req, Override{})
	require.NoError(t, err)
	assert.EqualValues(t, 302, resp.Status)
	assert.Equal(t, "https://example.com/", resp.Header.Get("Location"))
	assert.Nil(t, src)
}

func TestHandleDelete_RemovesFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "victim.txt"), []byte("x"), 0o644))

	routing := testRouting(t, root)
	routing.NormalizedPath = "/victim.txt"
	req := getReq()

	p := New()
	resp := p.HandleDelete(routing, req)
	assert.Equal(t, httpstatus.StatusNoContent, resp.Status)
	_, statErr := os.Stat(filepath.Join(root, "victim.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestHandleDelete_MissingFileIs404(t *testing.T) {
	root := t.TempDir()
	routing := testRouting(t, root)
	routing.NormalizedPath = "/nope.txt"
	req := getReq()

	p := New()
	resp := p.HandleDelete(routing, req)
	assert.Equal(t, httpstatus.StatusNotFound, resp.Status)
}

func TestFinalizeUpload_MovesAndReportsCreated(t *testing.T) {
	storeDir := t.TempDir()
	uploadDir := t.TempDir()

	store, err := bodystore.New(storeDir)
	require.NoError(t, err)
	_, err = store.Write([]byte("payload"))
	require.NoError(t, err)

	loc := config.NewLocation()
	loc.UploadStore = uploadDir
	routing := &router.LocationRouting{
		Action: router.ActionStoreBody, Location: loc, NormalizedPath: "/upload/",
	}
	req := getReq()

	p := New()
	resp := p.FinalizeUpload(routing, req, store)
	assert.Equal(t, httpstatus.StatusCreated, resp.Status)
	assert.NotEmpty(t, resp.Header.Get("Location"))

	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(uploadDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

var _ io.Closer = (*bodystore.Store)(nil)
