// API is the JSON dispatch handler: routes under one prefix, the body is
// collected before the route runs
package router

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/s00inx/embedhttpd/internal/log"
	"github.com/s00inx/embedhttpd/server/conn"
	"github.com/s00inx/embedhttpd/server/protocol"
)

const contentJSON = "application/json"

var (
	_ conn.BodyHandler = (*API)(nil)
	_ conn.Releaser    = (*API)(nil)
)

type Option func(*API)

// WithMaxBodySize caps the collected body, bigger requests get 413
func WithMaxBodySize(n int) Option {
	return func(a *API) { a.maxBody = n }
}

// WithMaxJobs bounds the Context.Go jobs running at once
func WithMaxJobs(n int) Option {
	return func(a *API) { a.maxJobs = int64(n) }
}

func WithLogger(l log.Logger) Option {
	return func(a *API) { a.logger = l }
}

type API struct {
	prefix string
	trees  [4]node // by protocol.Method

	maxBody int
	maxJobs int64
	jobs    *semaphore.Weighted
	pool    sync.Pool
	logger  log.Logger
}

func New(prefix string, opts ...Option) *API {
	a := &API{
		prefix:  strings.TrimSuffix(prefix, "/"),
		maxBody: 64 << 10,
		maxJobs: 4,
		logger:  log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxJobs < 1 {
		a.maxJobs = 1
	}
	a.jobs = semaphore.NewWeighted(a.maxJobs)
	a.pool.New = func() any { return &Context{api: a, params: make([]Param, 0, 4)} }
	return a
}

// Prefix is what the API is registered under
func (a *API) Prefix() string {
	if a.prefix == "" {
		return "/"
	}
	return a.prefix
}

func (a *API) GET(path string, h HandlerFunc)  { a.trees[protocol.MethodGET].insert(path, h) }
func (a *API) POST(path string, h HandlerFunc) { a.trees[protocol.MethodPOST].insert(path, h) }
func (a *API) PUT(path string, h HandlerFunc)  { a.trees[protocol.MethodPUT].insert(path, h) }
func (a *API) HEAD(path string, h HandlerFunc) { a.trees[protocol.MethodHEAD].insert(path, h) }

// Wait blocks until running jobs are done, new ones are refused meanwhile
func (a *API) Wait(ctx context.Context) error {
	if err := a.jobs.Acquire(ctx, a.maxJobs); err != nil {
		return err
	}
	a.jobs.Release(a.maxJobs)
	return nil
}

func (a *API) Applicable(string) bool { return true }

func (a *API) lookup(m protocol.Method, path string, ps *[]Param) HandlerFunc {
	h := a.trees[m].find(path, ps)
	// HEAD is GET without the body
	if h == nil && m == protocol.MethodHEAD {
		*ps = (*ps)[:0]
		h = a.trees[protocol.MethodGET].find(path, ps)
	}
	return h
}

func (a *API) Handle(s *conn.Session, r *protocol.Request) {
	c := a.pool.Get().(*Context)
	c.s, c.req = s, r
	c.path = strings.TrimPrefix(r.URLPath(), a.prefix)
	c.route = a.lookup(r.Method, c.path, &c.params)
	s.SetData(c)

	if r.HasContentLength && r.ContentLength > uint64(a.maxBody) {
		_ = c.Error(413, "request body too large")
	}
}

func (a *API) OnBody(s *conn.Session, p []byte) int {
	c, ok := s.Data().(*Context)
	if !ok || c.replied {
		return len(p)
	}
	if len(c.body)+len(p) > a.maxBody {
		_ = c.Error(413, "request body too large")
		return len(p)
	}
	c.body = append(c.body, p...)
	return len(p)
}

func (a *API) OnBodyDone(s *conn.Session) {
	c, ok := s.Data().(*Context)
	if !ok || c.replied {
		return
	}
	if c.route == nil {
		_ = c.Error(404, "not found")
		return
	}

	// a synchronous reply can end the binding inside route,
	// c is recycled only after route returns
	c.inRoute = true
	c.route(c)
	c.inRoute = false

	if c.freed {
		a.recycle(c)
		return
	}
	if !c.replied {
		_ = c.Send(200, "", nil)
	}
}

func (a *API) OnFree(s *conn.Session) {
	c, ok := s.Data().(*Context)
	if !ok {
		return
	}
	if c.inRoute {
		// a route that panicked never clears inRoute, its context is left to the gc
		c.freed = true
		return
	}
	a.recycle(c)
}

func (a *API) recycle(c *Context) {
	c.reset()
	a.pool.Put(c)
}
