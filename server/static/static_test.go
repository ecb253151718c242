package static

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s00inx/embedhttpd/server/conn/conntest"
)

func docroot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(name, body string) {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("index.html", "<p>home</p>")
	write("css/site.css", "body{}")
	write("blob", "%PDF-1.4 fake")
	write("blank.txt", "")
	write("big.txt", strings.Repeat("0123456789", 2000))
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))
	return root
}

func TestApplicable(t *testing.T) {
	h := New(docroot(t))

	for p, want := range map[string]bool{
		"/":                  true,
		"/index.html":        true,
		"/css/site.css":      true,
		"/css":               false,
		"/empty":             false,
		"/missing":           false,
		"/../../etc/passwd":  false,
		"/css/../index.html": true,
	} {
		assert.Equal(t, want, h.Applicable(p), p)
	}
}

func TestServeFiles(t *testing.T) {
	h := New(docroot(t))
	cl := conntest.Serve(t, h, "/")

	t.Run("index", func(t *testing.T) {
		cl.Send("GET / HTTP/1.1\r\n\r\n")
		head, body := cl.Response()
		assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
		assert.Contains(t, head, "Content-Type: text/html; charset=utf-8\r\n")
		assert.Contains(t, head, "Last-Modified: ")
		assert.Equal(t, "<p>home</p>", body)
	})

	t.Run("extension table", func(t *testing.T) {
		cl.Send("GET /css/site.css?v=2 HTTP/1.1\r\n\r\n")
		head, body := cl.Response()
		assert.Contains(t, head, "Content-Type: text/css; charset=utf-8\r\n")
		assert.Equal(t, "body{}", body)
	})

	t.Run("sniffed", func(t *testing.T) {
		cl.Send("GET /blob HTTP/1.1\r\n\r\n")
		head, _ := cl.Response()
		assert.Contains(t, head, "Content-Type: application/pdf\r\n")
	})

	t.Run("larger than the working buffer", func(t *testing.T) {
		cl.Send("GET /big.txt HTTP/1.1\r\n\r\n")
		head, body := cl.Response()
		assert.Contains(t, head, "Content-Length: 20000\r\n")
		assert.Equal(t, strings.Repeat("0123456789", 2000), body)
	})

	t.Run("head", func(t *testing.T) {
		cl.Send("HEAD /css/site.css HTTP/1.1\r\n\r\n")
		head := cl.HeadResponse()
		assert.Contains(t, head, "Content-Length: 6\r\n")
		assert.Nil(t, cl.Session.Data())
	})

	t.Run("empty file", func(t *testing.T) {
		cl.Send("GET /blank.txt HTTP/1.1\r\n\r\n")
		head, body := cl.Response()
		assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
		assert.Contains(t, head, "Content-Length: 0\r\n")
		assert.NotContains(t, head, "Transfer-Encoding")
		assert.Empty(t, body)
		assert.Empty(t, cl.Unread(20*time.Millisecond))
	})

	t.Run("not modified", func(t *testing.T) {
		future := time.Now().Add(time.Hour).UTC().Format(timeFormat)
		cl.Send("GET /css/site.css HTTP/1.1\r\nIf-Modified-Since: " + future + "\r\n\r\n")
		head, body := cl.Response()
		assert.True(t, strings.HasPrefix(head, "HTTP/1.1 304 Not Modified\r\n"))
		assert.Empty(t, body)
	})

	t.Run("method not allowed", func(t *testing.T) {
		cl.Send("PUT /css/site.css HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi")
		head, _ := cl.Response()
		assert.True(t, strings.HasPrefix(head, "HTTP/1.1 405 Method Not Allowed\r\n"))
		assert.Contains(t, head, "Allow: GET, HEAD\r\n")
	})
}

func TestMissingFallsThrough(t *testing.T) {
	cl := conntest.Serve(t, New(docroot(t)), "/")

	cl.Send("GET /missing HTTP/1.1\r\n\r\n")
	head, body := cl.Response()
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n"))
	assert.Contains(t, body, "<h1>Not Found</h1>")
}
