// Package processor implements spec.md §4.8's Request Processor: it turns
// one router.LocationRouting decision into a Response plus the bodysrc
// that will supply its body, for every terminal Action except run-cgi
// (owned by the cgi package) and redirect-internal (owned by the session,
// which re-invokes the router on a synthetic request per spec.md §4.8's
// redirect-chain rule).
package processor

import (
	"fmt"
	"html"
	"mime"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/kztakada/go-webserv/internal/bodysrc"
	"github.com/kztakada/go-webserv/internal/bodystore"
	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
	"github.com/kztakada/go-webserv/internal/pathresolve"
	"github.com/kztakada/go-webserv/internal/router"
)

// Override carries a status the caller wants stamped onto the final
// response regardless of what the handler below would otherwise pick, used
// when this call is serving a promoted error page: the page itself is a
// plain static file (200), but the response sent to the client must report
// the original failure's status, per spec.md §4.7 step 5 / §4.8.
type Override struct {
	Status httpstatus.Code
	Active bool
}

// Processor has no state of its own; every method is a pure function of
// its arguments, which keeps it trivially safe to share across sessions.
type Processor struct{}

// New returns a Processor.
func New() *Processor { return &Processor{} }

// Handle dispatches routing.Action to the matching handler. It never
// receives ActionRunCGI or ActionRedirectInternal — the session intercepts
// those before calling in.
func (p *Processor) Handle(routing *router.LocationRouting, req *httpmsg.Request, ov Override) (*httpmsg.Response, bodysrc.Source, error) {
	switch routing.Action {
	case router.ActionServeStatic:
		return p.serveStatic(routing, req, ov)
	case router.ActionServeAutoindex:
		return p.serveAutoindex(routing, req, ov)
	case router.ActionRedirectExternal:
		return p.redirectExternal(routing, req), nil, nil
	case router.ActionRespondError:
		return p.respondError(routing, req, routing.ErrorStatus), nil, nil
	default:
		return p.respondError(routing, req, httpstatus.StatusInternalServerError), nil, nil
	}
}

// HandleDelete implements the DELETE method path of spec.md §4.8: resolve
// the physical path under the location's root and remove it, mapping the
// outcome to 204/403/404/500.
func (p *Processor) HandleDelete(routing *router.LocationRouting, req *httpmsg.Request) *httpmsg.Response {
	root := effectiveRoot(routing)
	physical, err := pathresolve.Resolve(root, routing.NormalizedPath, pathresolve.Options{})
	if err != nil {
		return p.respondError(routing, req, deleteResolveStatus(err))
	}

	info, err := os.Stat(physical)
	if err != nil {
		return p.respondError(routing, req, httpstatus.StatusNotFound)
	}
	if info.IsDir() {
		return p.respondError(routing, req, httpstatus.StatusForbidden)
	}
	if err := os.Remove(physical); err != nil {
		if os.IsPermission(err) {
			return p.respondError(routing, req, httpstatus.StatusForbidden)
		}
		return p.respondError(routing, req, httpstatus.StatusInternalServerError)
	}

	resp := httpmsg.NewResponse(req.ProtoMinor)
	resp.SetStatus(httpstatus.StatusNoContent)
	return resp
}

// FinalizeUpload implements the store-body half of spec.md §4.8: once the
// session has streamed the full request body into store, commit it into
// the location's upload_store directory and report 201 with a Location
// header naming the created resource.
func (p *Processor) FinalizeUpload(routing *router.LocationRouting, req *httpmsg.Request, store *bodystore.Store) *httpmsg.Response {
	dest, err := store.MoveTo(routing.Location.UploadStore)
	if err != nil {
		return p.respondError(routing, req, httpstatus.StatusInternalServerError)
	}

	resp := httpmsg.NewResponse(req.ProtoMinor)
	resp.SetStatus(httpstatus.StatusCreated)
	resp.Header.Set("Location", path.Join(routing.NormalizedPath, path.Base(dest)))
	resp.SetContentLength(0)
	return resp
}

func deleteResolveStatus(err error) httpstatus.Code {
	switch err {
	case pathresolve.ErrSymlinkEscape:
		return httpstatus.StatusForbidden
	case pathresolve.ErrInvalidSegment:
		return httpstatus.StatusBadRequest
	default:
		return httpstatus.StatusNotFound
	}
}

func effectiveRoot(routing *router.LocationRouting) string {
	if routing.Location != nil && routing.Location.HasRoot {
		return routing.Location.Root
	}
	return routing.Server.Root
}

// serveStatic implements spec.md §4.8's static-file branch: resolve the
// physical path and, if it names a directory (whether or not the URI ended
// in "/"), hand off to serveDirectory; otherwise stream the file with a
// Content-Type guessed from its extension.
func (p *Processor) serveStatic(routing *router.LocationRouting, req *httpmsg.Request, ov Override) (*httpmsg.Response, bodysrc.Source, error) {
	root := effectiveRoot(routing)
	uriPath := routing.NormalizedPath

	if strings.HasSuffix(uriPath, "/") {
		return p.serveDirectory(routing, req, ov, uriPath)
	}

	physical, err := pathresolve.Resolve(root, uriPath, pathresolve.Options{})
	if err != nil {
		return p.respondError(routing, req, staticResolveStatus(err)), nil, nil
	}
	info, statErr := os.Stat(physical)
	if statErr != nil {
		return p.respondError(routing, req, httpstatus.StatusNotFound), nil, nil
	}
	if info.IsDir() {
		return p.serveDirectory(routing, req, ov, uriPath+"/")
	}
	return p.serveFile(req, physical, ov)
}

// serveDirectory implements static_autoindex_handler.cpp's directory branch:
// try every configured index candidate under dirPath in order, fall back to
// autoindex if enabled, and otherwise answer 403 or 404 depending on
// whether the *original* request URI carried a trailing slash — this
// varies only the final fallback status, never whether index/autoindex are
// attempted at all.
func (p *Processor) serveDirectory(routing *router.LocationRouting, req *httpmsg.Request, ov Override, dirPath string) (*httpmsg.Response, bodysrc.Source, error) {
	root := effectiveRoot(routing)
	for _, name := range effectiveIndex(routing) {
		candidate := dirPath + name
		physical, err := pathresolve.Resolve(root, candidate, pathresolve.Options{})
		if err != nil {
			continue
		}
		if info, statErr := os.Stat(physical); statErr == nil && !info.IsDir() {
			return p.serveFile(req, physical, ov)
		}
	}

	if effectiveAutoindex(routing) {
		listing := *routing
		listing.NormalizedPath = dirPath
		return p.serveAutoindex(&listing, req, ov)
	}

	status := httpstatus.StatusNotFound
	if strings.HasSuffix(routing.NormalizedPath, "/") {
		status = httpstatus.StatusForbidden
	}
	return p.respondError(routing, req, status), nil, nil
}

func effectiveAutoindex(routing *router.LocationRouting) bool {
	return routing.Location != nil && routing.Location.Autoindex
}

func staticResolveStatus(err error) httpstatus.Code {
	switch err {
	case pathresolve.ErrSymlinkEscape:
		return httpstatus.StatusForbidden
	case pathresolve.ErrInvalidSegment:
		return httpstatus.StatusBadRequest
	default:
		return httpstatus.StatusNotFound
	}
}

func (p *Processor) serveFile(req *httpmsg.Request, physical string, ov Override) (*httpmsg.Response, bodysrc.Source, error) {
	f, err := os.Open(physical)
	if err != nil {
		resp := httpmsg.NewResponse(req.ProtoMinor)
		applyOverride(resp, ov, httpstatus.StatusForbidden)
		return resp, nil, nil
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		resp := httpmsg.NewResponse(req.ProtoMinor)
		applyOverride(resp, ov, httpstatus.StatusInternalServerError)
		return resp, nil, nil
	}

	resp := httpmsg.NewResponse(req.ProtoMinor)
	applyOverride(resp, ov, httpstatus.StatusOK)
	resp.Header.Set("Content-Type", contentTypeFor(physical))
	resp.SetContentLength(info.Size())

	if req.Method == httpmsg.MethodHEAD {
		_ = f.Close()
		return resp, nil, nil
	}
	return resp, newPinnedFileSource(f, info.Size()), nil
}

// pinnedFileSource wraps a bodysrc.FileSource together with the *os.File it
// was built from. FileSource reads/closes the raw fd directly via syscall,
// but os.File's own finalizer would otherwise close that same fd out from
// under it the next time the GC runs; holding f here keeps it reachable
// for as long as the source is in use.
type pinnedFileSource struct {
	f *os.File
	*bodysrc.FileSource
}

func newPinnedFileSource(f *os.File, remaining int64) *pinnedFileSource {
	return &pinnedFileSource{f: f, FileSource: bodysrc.NewFileSource(int(f.Fd()), remaining)}
}

func contentTypeFor(physical string) string {
	ext := strings.ToLower(path.Ext(physical))
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func effectiveIndex(routing *router.LocationRouting) []string {
	if routing.Location != nil && routing.Location.HasIndex {
		return routing.Location.Index
	}
	return routing.Server.Index
}

// serveAutoindex implements spec.md §4.8's directory-listing branch:
// percent-encoded, HTML-escaped links for every entry, sorted by name.
func (p *Processor) serveAutoindex(routing *router.LocationRouting, req *httpmsg.Request, ov Override) (*httpmsg.Response, bodysrc.Source, error) {
	root := effectiveRoot(routing)
	physical, err := pathresolve.Resolve(root, routing.NormalizedPath, pathresolve.Options{})
	if err != nil {
		return p.respondError(routing, req, staticResolveStatus(err)), nil, nil
	}
	entries, err := os.ReadDir(physical)
	if err != nil {
		return p.respondError(routing, req, httpstatus.StatusForbidden), nil, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Index of ")
	b.WriteString(html.EscapeString(routing.NormalizedPath))
	b.WriteString("</title></head><body>\n<h1>Index of ")
	b.WriteString(html.EscapeString(routing.NormalizedPath))
	b.WriteString("</h1>\n<ul>\n")
	if routing.NormalizedPath != "/" {
		b.WriteString("<li><a href=\"../\">../</a></li>\n")
	}
	for _, e := range entries {
		name := e.Name()
		href := name
		if e.IsDir() {
			href += "/"
		}
		b.WriteString("<li><a href=\"")
		b.WriteString(percentEncodePath(href))
		b.WriteString("\">")
		b.WriteString(html.EscapeString(href))
		b.WriteString("</a></li>\n")
	}
	b.WriteString("</ul>\n</body></html>\n")

	body := []byte(b.String())
	resp := httpmsg.NewResponse(req.ProtoMinor)
	applyOverride(resp, ov, httpstatus.StatusOK)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.SetContentLength(int64(len(body)))
	if req.Method == httpmsg.MethodHEAD {
		return resp, nil, nil
	}
	return resp, bodysrc.NewStringSource(body), nil
}

func percentEncodePath(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		}
	}
	return b.String()
}

// redirectExternal implements spec.md §4.8's redirect-external branch.
func (p *Processor) redirectExternal(routing *router.LocationRouting, req *httpmsg.Request) *httpmsg.Response {
	resp := httpmsg.NewResponse(req.ProtoMinor)
	resp.SetStatus(httpstatus.Code(routing.RedirectStatus))
	resp.Header.Set("Location", routing.RedirectTarget)
	resp.SetContentLength(0)
	return resp
}

// respondError implements spec.md §4.8's built-in error body: used when no
// error_page directive applies, or when one of this processor's own
// handlers fails before reaching the router's promotion logic.
func (p *Processor) respondError(routing *router.LocationRouting, req *httpmsg.Request, status httpstatus.Code) *httpmsg.Response {
	resp := httpmsg.NewResponse(req.ProtoMinor)
	resp.SetStatus(status)
	if routing != nil && routing.AllowHeader != "" {
		resp.Header.Set("Allow", routing.AllowHeader)
	}
	body := []byte(builtinErrorBody(status))
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	resp.SetContentLength(int64(len(body)))
	return resp
}

func builtinErrorBody(status httpstatus.Code) string {
	return fmt.Sprintf(
		"<!DOCTYPE html>\n<html><head><title>%[1]d %[2]s</title></head>"+
			"<body><center><h1>%[1]d %[2]s</h1></center><hr></body></html>\n",
		int(status), status.Reason(),
	)
}

func applyOverride(resp *httpmsg.Response, ov Override, def httpstatus.Code) {
	if ov.Active {
		resp.SetStatus(ov.Status)
		return
	}
	resp.SetStatus(def)
}
