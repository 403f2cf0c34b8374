package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Parse tokenizes and parses src (the full contents of a config file) into
// a ServerConfig, in the directive grammar of spec.md §6. It is a
// recursive-descent parser over a flat token stream, the same shape as
// original_source/srcs/server/config/parser/config_parser.cpp's tokenizer
// (split on whitespace/'{'/'}'/';'/'#', '#' starts a line comment).
func Parse(src string) (*ServerConfig, error) {
	toks := tokenize(src)
	p := &parser{toks: toks}
	cfg := &ServerConfig{}
	for !p.atEnd() {
		p.skipSemicolons()
		if p.atEnd() {
			break
		}
		word := p.peek()
		if word != "server" {
			return nil, fmt.Errorf("config: expected top-level \"server\" block, got %q", word)
		}
		p.next()
		srv, err := p.parseServerBlock()
		if err != nil {
			return nil, err
		}
		cfg.Servers = append(cfg.Servers, srv)
	}
	return cfg, nil
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() string {
	if p.atEnd() {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) skipSemicolons() {
	for p.peek() == ";" {
		p.pos++
	}
}

func (p *parser) expect(tok string) error {
	if p.peek() != tok {
		return fmt.Errorf("config: expected %q, got %q", tok, p.peek())
	}
	p.pos++
	return nil
}

// parseServerBlock consumes "{" ... "}" and returns the VirtualServerConf
// built from its directives and nested location blocks.
func (p *parser) parseServerBlock() (*VirtualServerConf, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	srv := NewVirtualServer()
	for {
		p.skipSemicolons()
		tok := p.peek()
		switch tok {
		case "":
			return nil, fmt.Errorf("config: unterminated server block")
		case "}":
			p.next()
			return srv, nil
		case "location":
			p.next()
			loc, err := p.parseLocationBlock()
			if err != nil {
				return nil, err
			}
			srv.Locations = append(srv.Locations, loc)
		default:
			directive := p.next()
			args := p.readArgs()
			if err := applyServerDirective(srv, directive, args); err != nil {
				return nil, err
			}
		}
	}
}

// parseLocationBlock consumes "[back] PATTERN { ... }".
func (p *parser) parseLocationBlock() (*LocationDirectiveConf, error) {
	loc := NewLocation()
	tok := p.next()
	if tok == "back" {
		loc.BackwardSearch = true
		tok = p.next()
	}
	if tok == "" || tok == "{" {
		return nil, fmt.Errorf("config: location missing path pattern")
	}
	loc.PathPattern = tok

	if err := p.expect("{"); err != nil {
		return nil, err
	}
	for {
		p.skipSemicolons()
		switch p.peek() {
		case "":
			return nil, fmt.Errorf("config: unterminated location block")
		case "}":
			p.next()
			return loc, nil
		default:
			directive := p.next()
			args := p.readArgs()
			if err := applyLocationDirective(loc, directive, args); err != nil {
				return nil, err
			}
		}
	}
}

// readArgs collects tokens up to (and consuming) the terminating ";".
func (p *parser) readArgs() []string {
	var args []string
	for {
		tok := p.peek()
		if tok == "" || tok == ";" || tok == "{" || tok == "}" {
			if tok == ";" {
				p.next()
			}
			return args
		}
		args = append(args, p.next())
	}
}

func applyServerDirective(srv *VirtualServerConf, directive string, args []string) error {
	switch directive {
	case "listen":
		if len(args) != 1 {
			return fmt.Errorf("config: listen takes exactly one argument")
		}
		ep, err := parseEndpoint(args[0])
		if err != nil {
			return err
		}
		srv.Listens = append(srv.Listens, ep)
	case "server_name":
		srv.ServerNames = append(srv.ServerNames, args...)
	case "root":
		if len(args) != 1 {
			return fmt.Errorf("config: root takes exactly one argument")
		}
		srv.Root = args[0]
	case "index":
		srv.Index = args
	case "client_max_body_size":
		if len(args) != 1 {
			return fmt.Errorf("config: client_max_body_size takes exactly one argument")
		}
		n, err := parseSizeBytes(args[0])
		if err != nil {
			return err
		}
		srv.ClientMaxBodySize = n
	case "error_page":
		return applyErrorPage(srv.ErrorPages, args)
	default:
		return fmt.Errorf("config: unknown server directive %q", directive)
	}
	return nil
}

func applyLocationDirective(loc *LocationDirectiveConf, directive string, args []string) error {
	switch directive {
	case "root":
		if loc.HasRoot {
			return fmt.Errorf("config: duplicate root in location")
		}
		if len(args) != 1 {
			return fmt.Errorf("config: root takes exactly one argument")
		}
		loc.Root = args[0]
		loc.HasRoot = true
	case "index":
		loc.Index = args
		loc.HasIndex = true
	case "client_max_body_size":
		if loc.HasClientMaxBodySize {
			return fmt.Errorf("config: duplicate client_max_body_size in location")
		}
		if len(args) != 1 {
			return fmt.Errorf("config: client_max_body_size takes exactly one argument")
		}
		n, err := parseSizeBytes(args[0])
		if err != nil {
			return err
		}
		loc.ClientMaxBodySize = n
		loc.HasClientMaxBodySize = true
	case "error_page":
		if loc.ErrorPages == nil {
			loc.ErrorPages = make(map[int]ErrorPageTarget)
		}
		return applyErrorPage(loc.ErrorPages, args)
	case "allow_methods":
		loc.AllowedMethods = args
		loc.HasAllowedMethods = true
	case "autoindex":
		if loc.HasAutoindex {
			return fmt.Errorf("config: duplicate autoindex in location")
		}
		if len(args) != 1 {
			return fmt.Errorf("config: autoindex takes exactly one argument")
		}
		switch args[0] {
		case "on":
			loc.Autoindex = true
		case "off":
			loc.Autoindex = false
		default:
			return fmt.Errorf("config: autoindex must be on or off, got %q", args[0])
		}
		loc.HasAutoindex = true
	case "return":
		if loc.HasRedirect {
			return fmt.Errorf("config: duplicate return in location")
		}
		if len(args) != 2 {
			return fmt.Errorf("config: return takes exactly two arguments")
		}
		status, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("config: return status %q invalid: %w", args[0], err)
		}
		loc.RedirectStatus = status
		loc.RedirectURL = args[1]
		loc.HasRedirect = true
	case "cgi_extension":
		if len(args) != 2 {
			return fmt.Errorf("config: cgi_extension takes exactly two arguments")
		}
		loc.CgiExtensions[args[0]] = args[1]
	case "upload_store":
		if loc.HasUpload {
			return fmt.Errorf("config: duplicate upload_store in location")
		}
		if len(args) != 1 {
			return fmt.Errorf("config: upload_store takes exactly one argument")
		}
		loc.UploadStore = args[0]
		loc.HasUpload = true
	default:
		return fmt.Errorf("config: unknown location directive %q", directive)
	}
	return nil
}

func applyErrorPage(into map[int]ErrorPageTarget, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("config: error_page takes exactly two arguments")
	}
	status, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("config: error_page status %q invalid: %w", args[0], err)
	}
	into[status] = ErrorPageTarget(args[1])
	return nil
}

func parseEndpoint(tok string) (Endpoint, error) {
	host, portStr, err := splitListenToken(tok)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("config: listen port %q invalid: %w", portStr, err)
	}
	ip := net.IPv4zero
	if host != "" {
		parsed := net.ParseIP(host)
		if parsed == nil {
			return Endpoint{}, fmt.Errorf("config: listen host %q invalid", host)
		}
		ip = parsed
	}
	return Endpoint{IP: ip, Port: port}, nil
}

// splitListenToken splits "IP:PORT" or "PORT" (IP defaults to wildcard),
// per spec.md §6's listen directive.
func splitListenToken(tok string) (host, port string, err error) {
	if idx := strings.LastIndex(tok, ":"); idx >= 0 {
		return tok[:idx], tok[idx+1:], nil
	}
	if tok == "" {
		return "", "", fmt.Errorf("config: listen directive missing argument")
	}
	return "", tok, nil
}

// parseSizeBytes parses "BYTES[M]" per spec.md §6's client_max_body_size.
func parseSizeBytes(tok string) (int64, error) {
	if tok == "" {
		return 0, fmt.Errorf("config: client_max_body_size is empty")
	}
	num := tok
	megabytes := false
	last := tok[len(tok)-1]
	if last == 'M' || last == 'm' {
		megabytes = true
		num = tok[:len(tok)-1]
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: client_max_body_size %q invalid", tok)
	}
	if megabytes {
		n *= 1024 * 1024
	}
	return n, nil
}

// tokenize splits src on whitespace and the '{', '}', ';' delimiters
// (each of which is also emitted as its own token), dropping '#' comments
// to end-of-line, mirroring config_parser.cpp's isTokenDelimiter_/isSpace_.
func tokenize(src string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	inComment := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inComment {
			if c == '\n' {
				inComment = false
			}
			continue
		}
		switch {
		case c == '#':
			flush()
			inComment = true
		case isSpace(c):
			flush()
		case c == '{' || c == '}' || c == ';':
			flush()
			toks = append(toks, string(c))
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return toks
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
