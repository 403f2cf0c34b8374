// Package router implements spec.md §4.7: virtual-host selection,
// longest-prefix location matching, and the Action decision that the
// request processor executes.
package router

import (
	"strings"

	"github.com/kztakada/go-webserv/internal/config"
	"github.com/kztakada/go-webserv/internal/httpmsg"
	"github.com/kztakada/go-webserv/internal/httpstatus"
)

// Action is the tagged decision the router emits, per the GLOSSARY.
type Action int

const (
	ActionServeStatic Action = iota
	ActionServeAutoindex
	ActionRunCGI
	ActionStoreBody
	ActionRedirectExternal
	ActionRedirectInternal
	ActionRespondError
)

// LocationRouting carries the Action plus every piece of context the
// processor or CGI subsystem needs to carry it out, per spec.md §4.7.
type LocationRouting struct {
	Action Action

	Server   *config.VirtualServerConf
	Location *config.LocationDirectiveConf

	NormalizedPath string

	// RespondError
	ErrorStatus httpstatus.Code
	AllowHeader string // comma-joined allowed methods, for 405

	// PreservedErrorStatus is set when this routing is the promotion of a
	// respond-error action into an internal redirect to an error page
	// (spec.md §4.7 step 5); the processor restores this status once the
	// error page's body has been rendered, per spec.md §4.8.
	PreservedErrorStatus httpstatus.Code
	HasPreservedStatus   bool

	// RedirectExternal / RedirectInternal
	RedirectStatus int
	RedirectTarget string

	// RunCGI
	ScriptPath  string // normalized path up to and including the matched extension
	PathInfo    string // remainder after the script, per RFC 3875 PATH_INFO
	Interpreter string
}

// Route executes spec.md §4.7's five steps and always returns a
// LocationRouting (routing failures become ActionRespondError, never a Go
// error) so that the caller has one uniform path into the processor.
func Route(req *httpmsg.Request, cfg *config.ServerConfig) *LocationRouting {
	normPath, ok := normalizePath(req.Path)
	if !ok {
		return &LocationRouting{Action: ActionRespondError, ErrorStatus: httpstatus.StatusBadRequest}
	}

	host := req.Host()
	srv := selectVirtualServer(cfg, req.ListenHost, req.ListenPort, host)
	if srv == nil {
		return &LocationRouting{Action: ActionRespondError, ErrorStatus: httpstatus.StatusBadRequest}
	}

	loc := matchLocation(srv, normPath)
	if loc == nil {
		return promoteErrorPage(srv, nil, &LocationRouting{
			Action: ActionRespondError, ErrorStatus: httpstatus.StatusNotFound, Server: srv, NormalizedPath: normPath,
		})
	}

	routing := decideAction(req, srv, loc, normPath)
	return promoteErrorPage(srv, loc, routing)
}

// normalizePath implements spec.md §4.7 step 1's path half: collapse "//"
// to "/", reject NUL, resolve dot-segments (pop-beyond-root is an error).
func normalizePath(path string) (string, bool) {
	if strings.IndexByte(path, 0) >= 0 {
		return "", false
	}

	segments := strings.Split(path, "/")
	var out []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return "", false
			}
			out = out[:len(out)-1]
		default:
			out = append(out, seg)
		}
	}
	result := "/" + strings.Join(out, "/")
	if strings.HasSuffix(path, "/") && result != "/" {
		result += "/"
	}
	return result, true
}

// selectVirtualServer implements spec.md §4.7 step 2.
func selectVirtualServer(cfg *config.ServerConfig, listenHost string, listenPort int, host string) *config.VirtualServerConf {
	var firstOnEndpoint *config.VirtualServerConf
	for _, srv := range cfg.Servers {
		for _, ep := range srv.Listens {
			if !endpointMatches(ep, listenHost, listenPort) {
				continue
			}
			if firstOnEndpoint == nil {
				firstOnEndpoint = srv
			}
			for _, name := range srv.ServerNames {
				if strings.EqualFold(name, host) {
					return srv
				}
			}
		}
	}
	return firstOnEndpoint
}

func endpointMatches(ep config.Endpoint, host string, port int) bool {
	if ep.Port != port {
		return false
	}
	if ep.Wildcard() {
		return true
	}
	return ep.IP.String() == host
}

// matchLocation implements spec.md §4.7 step 3: longest-prefix (or
// longest-suffix, for "location back") match, ties resolving to the first
// declared.
func matchLocation(srv *config.VirtualServerConf, path string) *config.LocationDirectiveConf {
	var best *config.LocationDirectiveConf
	bestLen := -1
	for _, loc := range srv.Locations {
		matched := false
		if loc.BackwardSearch {
			matched = strings.HasSuffix(path, loc.PathPattern)
		} else {
			matched = strings.HasPrefix(path, loc.PathPattern)
		}
		if !matched {
			continue
		}
		if len(loc.PathPattern) > bestLen {
			best = loc
			bestLen = len(loc.PathPattern)
		}
	}
	return best
}

// decideAction implements spec.md §4.7 step 4.
func decideAction(req *httpmsg.Request, srv *config.VirtualServerConf, loc *config.LocationDirectiveConf, normPath string) *LocationRouting {
	base := &LocationRouting{Server: srv, Location: loc, NormalizedPath: normPath}

	if loc.HasRedirect {
		base.RedirectStatus = loc.RedirectStatus
		base.RedirectTarget = loc.RedirectURL
		if strings.HasPrefix(loc.RedirectURL, "http://") || strings.HasPrefix(loc.RedirectURL, "https://") {
			base.Action = ActionRedirectExternal
		} else {
			base.Action = ActionRedirectInternal
		}
		return base
	}

	maxBody := config.EffectiveClientMaxBodySize(srv, loc)
	if req.BodyFraming == httpmsg.BodyFixedLength && req.ContentLength > maxBody {
		base.Action = ActionRespondError
		base.ErrorStatus = httpstatus.StatusPayloadTooLarge
		return base
	}

	allowed := config.EffectiveAllowedMethods(loc)
	if !methodAllowed(req.MethodToken, allowed) {
		base.Action = ActionRespondError
		base.ErrorStatus = httpstatus.StatusMethodNotAllowed
		base.AllowHeader = strings.Join(allowed, ", ")
		return base
	}

	if loc.HasUpload && req.Method == httpmsg.MethodPOST {
		base.Action = ActionStoreBody
		return base
	}

	index := config.EffectiveIndex(srv, loc)
	if strings.HasSuffix(normPath, "/") && len(index) == 0 && loc.Autoindex {
		base.Action = ActionServeAutoindex
		return base
	}

	if scriptPath, pathInfo, interp, ok := matchCGI(normPath, loc.CgiExtensions); ok {
		base.Action = ActionRunCGI
		base.ScriptPath = scriptPath
		base.PathInfo = pathInfo
		base.Interpreter = interp
		return base
	}

	base.Action = ActionServeStatic
	return base
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchCGI finds the longest registered extension that terminates a path
// segment (at a '/' boundary or end-of-string), per spec.md §4.7 step 4:
// "longest extension match that ends at a / or at the end." Everything
// after that boundary becomes PATH_INFO.
func matchCGI(path string, exts map[string]string) (scriptPath, pathInfo, interpreter string, ok bool) {
	if len(exts) == 0 {
		return "", "", "", false
	}
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")

	bestLen := -1
	bestIdx := -1
	cumulative := ""
	ends := make([]int, len(segments))
	for i, seg := range segments {
		cumulative += "/" + seg
		ends[i] = len(cumulative)
		for ext, interp := range exts {
			if strings.HasSuffix(seg, ext) && len(ext) > bestLen {
				bestLen = len(ext)
				bestIdx = i
				interpreter = interp
			}
		}
	}
	if bestIdx < 0 {
		return "", "", "", false
	}
	cut := ends[bestIdx]
	return path[:cut], path[cut:], interpreter, true
}

// promoteErrorPage implements spec.md §4.7 step 5: when the action is
// respond-error, promote to redirect-internal if an error page is
// configured for that status and its target is server-relative.
func promoteErrorPage(srv *config.VirtualServerConf, loc *config.LocationDirectiveConf, routing *LocationRouting) *LocationRouting {
	if routing.Action != ActionRespondError {
		return routing
	}
	var pages map[int]config.ErrorPageTarget
	if loc != nil {
		pages = config.EffectiveErrorPages(srv, loc)
	} else {
		pages = srv.ErrorPages
	}
	target, ok := pages[int(routing.ErrorStatus)]
	if !ok || !strings.HasPrefix(string(target), "/") {
		return routing
	}
	routing.Action = ActionRedirectInternal
	routing.RedirectTarget = string(target)
	routing.PreservedErrorStatus = routing.ErrorStatus
	routing.HasPreservedStatus = true
	return routing
}
