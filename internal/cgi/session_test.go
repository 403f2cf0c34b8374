package cgi

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findShell(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"/bin/sh", "/usr/bin/sh"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Skip("no /bin/sh available")
	return ""
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cgi-*.sh")
	require.NoError(t, err)
	_, err = f.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chmod(f.Name(), 0o755))
	return f.Name()
}

func TestSession_StdoutFDValidImmediatelyAfterSpawn(t *testing.T) {
	sh := findShell(t)
	script := writeScript(t, "#!/bin/sh\nsleep 1\n")

	s, err := New(sh, script, []string{"PATH=/bin:/usr/bin"}, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.GreaterOrEqual(t, s.StdoutFD(), 0, "StdoutFD must be watchable before headers complete, so the reactor can ever drive ReadStdout")
}

func TestSession_DocumentResponseEndToEnd(t *testing.T) {
	sh := findShell(t)
	script := writeScript(t, "#!/bin/sh\nprintf 'Content-Type: text/plain\\r\\n\\r\\nhello from cgi'\n")

	s, err := New(sh, script, []string{"PATH=/bin:/usr/bin"}, nil, nil)
	require.NoError(t, err)
	defer s.Close()

	deadline := time.Now().Add(5 * time.Second)
	var resp ParsedResponse
	var done bool
	for time.Now().Before(deadline) {
		resp, done, err = s.ReadStdout()
		require.NoError(t, err)
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, done, "headers never completed")
	assert.Equal(t, KindDocument, resp.Kind)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "hello from cgi", string(s.Prefix()))
}

func TestSession_StdinStreamedToChild(t *testing.T) {
	sh := findShell(t)
	script := writeScript(t, "#!/bin/sh\nread -r line\nprintf 'Content-Type: text/plain\\r\\n\\r\\necho:%s' \"$line\"\n")

	bodyR, bodyW, err := os.Pipe()
	require.NoError(t, err)
	_, err = bodyW.WriteString("ping\n")
	require.NoError(t, err)
	require.NoError(t, bodyW.Close())

	s, err := New(sh, script, []string{"PATH=/bin:/usr/bin"}, bodyR, nil)
	require.NoError(t, err)
	defer s.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		closed, rerr := s.RefillStdin()
		require.NoError(t, rerr)
		if closed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var resp ParsedResponse
	var done bool
	for time.Now().Before(deadline) {
		resp, done, err = s.ReadStdout()
		require.NoError(t, err)
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, done)
	assert.Contains(t, string(s.Prefix()), "echo:ping")
	_ = resp
}
