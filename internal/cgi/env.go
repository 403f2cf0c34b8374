// Package cgi implements spec.md §4.11: spawning a CGI/1.1 (RFC 3875)
// child process per run-cgi action, building its meta-variable
// environment, and streaming its stdin/stdout/stderr against the
// session's non-blocking fds.
package cgi

import (
	"strconv"
	"strings"

	"github.com/kztakada/go-webserv/internal/httpmsg"
)

// Meta is everything the environment builder needs about one request that
// isn't itself an *httpmsg.Request field, per RFC 3875 §4.1.
type Meta struct {
	ScriptFilename string // physical path to the script on disk
	ScriptName     string // URI path of the script, e.g. "/cgi-bin/hello.py"
	PathInfo       string // URI remainder after the script, e.g. "/extra/path"
	ServerName     string
	ServerPort     int
	ServerSoftware string
	Interpreter    string // configured interpreter path; REDIRECT_STATUS is set when it names PHP
}

// BuildEnv constructs the RFC 3875 §4.1 environment for req/meta, as a
// "NAME=value" slice suitable for exec.Cmd.Env.
func BuildEnv(req *httpmsg.Request, meta Meta) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"REQUEST_METHOD=" + req.MethodToken,
		"PATH_INFO=" + meta.PathInfo,
		"QUERY_STRING=" + req.Query,
		"SERVER_PROTOCOL=HTTP/1." + strconv.Itoa(req.ProtoMinor),
		"SERVER_NAME=" + meta.ServerName,
		"SERVER_PORT=" + strconv.Itoa(meta.ServerPort),
		"REMOTE_ADDR=" + req.RemoteAddr,
		"SERVER_SOFTWARE=" + meta.ServerSoftware,
		"SCRIPT_FILENAME=" + meta.ScriptFilename,
		"SCRIPT_NAME=" + meta.ScriptName,
	}

	if req.BodyFraming == httpmsg.BodyFixedLength {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(req.ContentLength, 10))
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	if isPHPInterpreter(meta.Interpreter) {
		env = append(env, "REDIRECT_STATUS=200")
	}

	for _, name := range req.Header.Names() {
		if name == "Content-Length" || name == "Content-Type" {
			continue
		}
		sep := ","
		if name == "Cookie" {
			sep = "; "
		}
		env = append(env, "HTTP_"+envName(name)+"="+strings.Join(req.Header.Values(name), sep))
	}
	return env
}

// envName upper-cases name and replaces '-' with '_', e.g.
// "Accept-Language" -> "ACCEPT_LANGUAGE", per RFC 3875 §4.1.18.
func envName(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case c == '-':
			b[i] = '_'
		case c >= 'a' && c <= 'z':
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func isPHPInterpreter(interp string) bool {
	return strings.Contains(strings.ToLower(interp), "php")
}
