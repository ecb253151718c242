// static file handler: files under a document root, streamed from the open
// file with a known length
package static

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/s00inx/embedhttpd/internal/log"
	"github.com/s00inx/embedhttpd/server/conn"
	"github.com/s00inx/embedhttpd/server/protocol"
)

// http date, always GMT
const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var types = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".xml":  "text/xml; charset=utf-8",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".pdf":  "application/pdf",
	".wasm": "application/wasm",
}

var (
	_ conn.Handler  = (*Handler)(nil)
	_ conn.Releaser = (*Handler)(nil)
)

type Option func(*Handler)

// WithIndex names the file served for a directory
func WithIndex(name string) Option {
	return func(h *Handler) { h.index = name }
}

func WithLogger(l log.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

type Handler struct {
	root   string
	index  string
	logger log.Logger
}

func New(root string, opts ...Option) *Handler {
	h := &Handler{
		root:   filepath.Clean(root),
		index:  "index.html",
		logger: log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// resolve maps a url path to a regular file under the root
func (h *Handler) resolve(urlPath string) (string, fs.FileInfo, bool) {
	// Clean on a rooted path drops every ".." that would climb out
	name := filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+urlPath)))
	fi, err := os.Stat(name)
	if err != nil {
		return "", nil, false
	}
	if fi.IsDir() {
		if h.index == "" {
			return "", nil, false
		}
		name = filepath.Join(name, h.index)
		if fi, err = os.Stat(name); err != nil {
			return "", nil, false
		}
	}
	if !fi.Mode().IsRegular() {
		return "", nil, false
	}
	return name, fi, true
}

func (h *Handler) Applicable(urlPath string) bool {
	_, _, ok := h.resolve(urlPath)
	return ok
}

func (h *Handler) Handle(s *conn.Session, r *protocol.Request) {
	if r.Method != protocol.MethodGET && r.Method != protocol.MethodHEAD {
		_ = s.Respond(&conn.Response{
			Code:        405,
			ContentType: "text/html",
			Header:      []protocol.Header{{Key: "Allow", Val: "GET, HEAD"}},
			Body:        []byte("<h1>Method Not Allowed</h1>"),
		})
		return
	}

	name, fi, ok := h.resolve(r.URLPath())
	if !ok {
		s.Error(404, "Not Found", "The requested URL was not found on this server.")
		return
	}

	modified := fi.ModTime().UTC().Format(timeFormat)
	header := []protocol.Header{{Key: "Last-Modified", Val: modified}}
	if since := r.Get("if-modified-since"); since != "" && notModified(since, fi.ModTime()) {
		_ = s.Respond(&conn.Response{Code: 304, Header: header})
		return
	}

	if fi.Size() == 0 {
		_ = s.Respond(&conn.Response{Code: 200, ContentType: h.contentType(name), Header: header})
		return
	}

	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			s.Error(403, "Forbidden", "Access to this resource is forbidden.")
			return
		}
		s.Error(404, "Not Found", "The requested URL was not found on this server.")
		return
	}
	s.SetData(f)

	_ = s.Respond(&conn.Response{
		Code:        200,
		ContentType: h.contentType(name),
		Header:      header,
		Stream:      f,
		Length:      fi.Size(),
	})
}

func (h *Handler) OnFree(s *conn.Session) {
	if f, ok := s.Data().(*os.File); ok {
		if err := f.Close(); err != nil {
			h.logger.Warnf("close %s: %v", f.Name(), err)
		}
	}
}

func (h *Handler) contentType(name string) string {
	if ct, ok := types[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	mt, err := mimetype.DetectFile(name)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func notModified(since string, mod time.Time) bool {
	t, err := time.Parse(timeFormat, since)
	if err != nil {
		return false
	}
	return !mod.Truncate(time.Second).After(t)
}
