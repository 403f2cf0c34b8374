// Package config holds the immutable configuration value-types spec.md §3
// describes (ServerConfig / VirtualServerConf / LocationDirectiveConf) and
// a small parser that builds one from the nginx-like grammar of spec.md §6.
//
// Per spec.md §1, the config file parser is an external collaborator: the
// router and processor only ever see the finished *ServerConfig. The
// parser here is a supplement (spec.md is silent on the grammar's exact
// implementation, and original_source/srcs/server/config/parser/
// config_parser.cpp shows a recursive-descent tokenizer worth keeping, not
// reimplementing from scratch in a different shape).
package config

import "net"

// Endpoint is a listen address: an IP (net.IPv4zero is the wildcard
// sentinel of spec.md §3) plus a port.
type Endpoint struct {
	IP   net.IP
	Port int
}

// Wildcard reports whether e matches any IP on its port.
func (e Endpoint) Wildcard() bool {
	return e.IP == nil || e.IP.IsUnspecified()
}

// ErrorPageTarget is either a server-relative URI ("/errors/404.html") or an
// absolute URL ("https://example.com/oops"), distinguished by the router at
// use time per spec.md §4.7 step 5 / §4.8 redirect-external vs -internal.
type ErrorPageTarget string

// LocationDirectiveConf mirrors original_source's LocationDirectiveConf.
type LocationDirectiveConf struct {
	PathPattern      string
	BackwardSearch   bool // "location back PATTERN" => suffix match
	AllowedMethods   []string
	HasAllowedMethods bool

	Root    string
	HasRoot bool

	Index    []string
	HasIndex bool

	ClientMaxBodySize    int64
	HasClientMaxBodySize bool

	ErrorPages map[int]ErrorPageTarget

	Autoindex    bool
	HasAutoindex bool

	RedirectStatus int
	RedirectURL    string
	HasRedirect    bool

	UploadStore string
	HasUpload   bool

	// CgiExtensions maps a file extension (including the leading '.') to
	// the interpreter path, e.g. ".py" -> "/usr/bin/python3".
	CgiExtensions map[string]string
}

// NewLocation returns a LocationDirectiveConf with its maps initialized.
func NewLocation() *LocationDirectiveConf {
	return &LocationDirectiveConf{
		ErrorPages:    make(map[int]ErrorPageTarget),
		CgiExtensions: make(map[string]string),
	}
}

// VirtualServerConf mirrors original_source's VirtualServerConf, generalized
// to multiple listen endpoints (the original keeps one; spec.md §3 allows a
// set).
type VirtualServerConf struct {
	Listens     []Endpoint
	ServerNames []string

	Root    string
	Index   []string

	ClientMaxBodySize int64

	ErrorPages map[int]ErrorPageTarget

	Locations []*LocationDirectiveConf
}

// NewVirtualServer returns a VirtualServerConf with sane defaults: wildcard
// listen is NOT assumed (Listens must be populated by the parser/caller),
// ClientMaxBodySize defaults to 1MiB, matching common nginx installs.
func NewVirtualServer() *VirtualServerConf {
	return &VirtualServerConf{
		ErrorPages:        make(map[int]ErrorPageTarget),
		ClientMaxBodySize: 1 << 20,
	}
}

// EffectiveRoot returns loc's root if set, else srv's.
func EffectiveRoot(srv *VirtualServerConf, loc *LocationDirectiveConf) string {
	if loc.HasRoot {
		return loc.Root
	}
	return srv.Root
}

// EffectiveIndex returns loc's index list if set, else srv's.
func EffectiveIndex(srv *VirtualServerConf, loc *LocationDirectiveConf) []string {
	if loc.HasIndex {
		return loc.Index
	}
	return srv.Index
}

// EffectiveClientMaxBodySize returns loc's cap if set, else srv's.
func EffectiveClientMaxBodySize(srv *VirtualServerConf, loc *LocationDirectiveConf) int64 {
	if loc.HasClientMaxBodySize {
		return loc.ClientMaxBodySize
	}
	return srv.ClientMaxBodySize
}

// EffectiveErrorPages merges srv's error pages with loc's, location entries
// winning per status code, per spec.md §4.7: "error_page merges (location
// overrides server per status)."
func EffectiveErrorPages(srv *VirtualServerConf, loc *LocationDirectiveConf) map[int]ErrorPageTarget {
	merged := make(map[int]ErrorPageTarget, len(srv.ErrorPages)+len(loc.ErrorPages))
	for k, v := range srv.ErrorPages {
		merged[k] = v
	}
	for k, v := range loc.ErrorPages {
		merged[k] = v
	}
	return merged
}

// EffectiveAllowedMethods returns loc's allow-list if declared, else the
// spec.md §3 default of GET-only.
func EffectiveAllowedMethods(loc *LocationDirectiveConf) []string {
	if loc.HasAllowedMethods {
		return loc.AllowedMethods
	}
	return []string{"GET"}
}

// ServerConfig is the top-level immutable value spec.md §3 describes: "an
// ordered sequence of VirtualServerConf."
type ServerConfig struct {
	Servers []*VirtualServerConf
}
