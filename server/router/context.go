// context is the request view plus the response helpers for one API call
package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/s00inx/embedhttpd/server/conn"
	"github.com/s00inx/embedhttpd/server/protocol"
)

var (
	ErrBind    = errors.New("router: can't decode request body")
	ErrReplied = errors.New("router: already replied")
)

// HandlerFunc serves one route, it runs on the loop
type HandlerFunc func(c *Context)

type Context struct {
	api  *API
	s    *conn.Session
	req  *protocol.Request
	path string

	params []Param
	body   []byte
	route  HandlerFunc

	// a reply was sent, or handed to a job
	replied bool
	// route is running, and the binding ended under it
	inRoute bool
	freed   bool
}

func (c *Context) reset() {
	c.s, c.req, c.route = nil, nil, nil
	c.path = ""
	c.params = c.params[:0]
	c.body = c.body[:0]
	c.replied, c.inRoute, c.freed = false, false, false
}

func (c *Context) Session() *conn.Session { return c.s }
func (c *Context) Method() string         { return c.req.Method.String() }

// Path is the request path below the API prefix
func (c *Context) Path() string { return c.path }

func (c *Context) Params() []Param { return c.params }

func (c *Context) Param(key string) string {
	for _, p := range c.params {
		if p.Key == key {
			return p.Val
		}
	}
	return ""
}

// Query returns the first value of key in the raw query, no unescaping
func (c *Context) Query(key string) string {
	q := c.req.Query()
	for len(q) > 0 {
		var pair string
		pair, q, _ = strings.Cut(q, "&")
		k, v, _ := strings.Cut(pair, "=")
		if k == key {
			return v
		}
	}
	return ""
}

func (c *Context) Header(key string) string { return c.req.Get(key) }

// Body is only valid until the handler returns
func (c *Context) Body() []byte { return c.body }

// Bind decodes the JSON body into v
func (c *Context) Bind(v any) error {
	if len(c.body) == 0 {
		return fmt.Errorf("%w: empty body", ErrBind)
	}
	if err := json.Unmarshal(c.body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}
	return nil
}

func (c *Context) Send(code int, contentType string, body []byte) error {
	if c.replied {
		return ErrReplied
	}
	c.replied = true
	return c.s.Respond(&conn.Response{Code: code, ContentType: contentType, Body: body})
}

func (c *Context) JSON(code int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(code, contentJSON, b)
}

// Error replies {"error": msg}
func (c *Context) Error(code int, msg string) error {
	return c.JSON(code, errorBody{Error: msg})
}

// Go runs fn off the loop and replies with its result as JSON. fn must not
// touch c. When every job slot is taken the request gets a 503 instead.
func (c *Context) Go(fn func() (int, any)) {
	if c.replied {
		return
	}
	a := c.api
	if !a.jobs.TryAcquire(1) {
		_ = c.Error(503, "too many pending jobs")
		return
	}
	c.replied = true
	h := c.s.Detach()

	go func() {
		defer a.jobs.Release(1)
		code, v := runJob(fn)
		b, err := json.Marshal(v)
		if err != nil {
			code, b = 500, mustError(err.Error())
		}
		h.Do(func(s *conn.Session) {
			_ = s.Respond(&conn.Response{Code: code, ContentType: contentJSON, Body: b})
		})
	}()
}

func runJob(fn func() (int, any)) (code int, v any) {
	defer func() {
		if r := recover(); r != nil {
			code, v = 500, errorBody{Error: fmt.Sprint(r)}
		}
	}()
	return fn()
}

type errorBody struct {
	Error string `json:"error"`
}

func mustError(msg string) []byte {
	b, _ := json.Marshal(errorBody{Error: msg})
	return b
}
