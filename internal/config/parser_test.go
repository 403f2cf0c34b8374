package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_BasicServer(t *testing.T) {
	src := `
server {
	listen 8080;
	server_name example.com www.example.com;
	root /var/www;
	index index.html index.htm;
	client_max_body_size 10M;
	error_page 404 /404.html;

	location / {
		autoindex on;
	}

	location back .py {
		cgi_extension .py /usr/bin/python3;
	}
}
`
	cfg, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	srv := cfg.Servers[0]
	assert.Equal(t, []string{"example.com", "www.example.com"}, srv.ServerNames)
	assert.Equal(t, "/var/www", srv.Root)
	assert.Equal(t, []string{"index.html", "index.htm"}, srv.Index)
	assert.EqualValues(t, 10*1024*1024, srv.ClientMaxBodySize)
	assert.Equal(t, ErrorPageTarget("/404.html"), srv.ErrorPages[404])
	require.Len(t, srv.Listens, 1)
	assert.Equal(t, 8080, srv.Listens[0].Port)
	assert.True(t, srv.Listens[0].Wildcard())

	require.Len(t, srv.Locations, 2)
	assert.Equal(t, "/", srv.Locations[0].PathPattern)
	assert.True(t, srv.Locations[0].Autoindex)

	assert.True(t, srv.Locations[1].BackwardSearch)
	assert.Equal(t, ".py", srv.Locations[1].PathPattern)
	assert.Equal(t, "/usr/bin/python3", srv.Locations[1].CgiExtensions[".py"])
}

func TestParse_ListenWithIP(t *testing.T) {
	cfg, err := Parse(`server { listen 127.0.0.1:9000; location / {} }`)
	require.NoError(t, err)
	ep := cfg.Servers[0].Listens[0]
	assert.Equal(t, 9000, ep.Port)
	assert.False(t, ep.Wildcard())
	assert.Equal(t, "127.0.0.1", ep.IP.String())
}

func TestParse_DuplicateDirectiveInLocationIsError(t *testing.T) {
	_, err := Parse(`
server {
	listen 80;
	location / {
		root /a;
		root /b;
	}
}`)
	require.Error(t, err)
}

func TestParse_ReturnDirective(t *testing.T) {
	cfg, err := Parse(`server { listen 80; location /old { return 301 /new; } }`)
	require.NoError(t, err)
	loc := cfg.Servers[0].Locations[0]
	assert.True(t, loc.HasRedirect)
	assert.Equal(t, 301, loc.RedirectStatus)
	assert.Equal(t, "/new", loc.RedirectURL)
}

func TestEffectiveInheritance(t *testing.T) {
	srv := NewVirtualServer()
	srv.Root = "/srv"
	srv.Index = []string{"index.html"}
	srv.ErrorPages[500] = "/500.html"

	loc := NewLocation()
	loc.ErrorPages[404] = "/custom404.html"

	assert.Equal(t, "/srv", EffectiveRoot(srv, loc))
	assert.Equal(t, []string{"index.html"}, EffectiveIndex(srv, loc))

	merged := EffectiveErrorPages(srv, loc)
	assert.Equal(t, ErrorPageTarget("/500.html"), merged[500])
	assert.Equal(t, ErrorPageTarget("/custom404.html"), merged[404])

	loc.Root = "/loc"
	loc.HasRoot = true
	assert.Equal(t, "/loc", EffectiveRoot(srv, loc))

	assert.Equal(t, []string{"GET"}, EffectiveAllowedMethods(loc))
}
