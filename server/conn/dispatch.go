package conn

import (
	"strings"

	"github.com/s00inx/embedhttpd/server/protocol"
)

// Handler serves the requests bound to it.
// Handle runs after the body is complete (the body is discarded),
// unless the handler is also a BodyHandler.
type Handler interface {
	Applicable(path string) bool
	Handle(s *Session, r *protocol.Request)
}

// BodyHandler wants the request body. Handle runs as soon as the headers
// are in, then the body arrives through OnBody; returning fewer bytes than
// offered pauses the body until Session.ResumeBody.
type BodyHandler interface {
	Handler
	OnBody(s *Session, p []byte) int
	OnBodyDone(s *Session)
}

// Releaser is told when a binding ends, completed or torn down
type Releaser interface {
	OnFree(s *Session)
}

// HandlerFunc adapts a function, it applies to every path under its prefix
type HandlerFunc func(s *Session, r *protocol.Request)

func (f HandlerFunc) Applicable(string) bool                 { return true }
func (f HandlerFunc) Handle(s *Session, r *protocol.Request) { f(s, r) }

type route struct {
	prefix string
	h      Handler
}

// Registry picks the handler for a request, first match in registration order
type Registry struct {
	routes   []route
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{fallback: notFound{}}
}

// Handle binds h to every path under prefix
func (r *Registry) Handle(prefix string, h Handler) {
	r.routes = append(r.routes, route{prefix: prefix, h: h})
}

func (r *Registry) Len() int { return len(r.routes) }

// Match never returns nil, unmatched paths get the 404 handler
func (r *Registry) Match(target string) Handler {
	path := target
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, rt := range r.routes {
		if matchPrefix(path, rt.prefix) && rt.h.Applicable(path) {
			return rt.h
		}
	}
	return r.fallback
}

// "/api" matches "/api" and "/api/x" but not "/apix"
func matchPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

type notFound struct{}

func (notFound) Applicable(string) bool { return true }

func (notFound) Handle(s *Session, _ *protocol.Request) {
	s.Error(404, "Not Found", "The requested URL was not found on this server.")
}
