// Package conntest serves a single session over a socketpair so handler
// packages can be tested with real streams and a real loop.
package conntest

import (
	"bytes"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/s00inx/embedhttpd/server/conn"
	"github.com/s00inx/embedhttpd/server/engine"
)

var (
	Peer  = netip.MustParseAddrPort("203.0.113.7:1234")
	Local = netip.MustParseAddrPort("198.51.100.1:80")
)

// Client is the raw end of a socketpair, the other end is a served session
type Client struct {
	t       testing.TB
	Loop    *engine.Loop
	Session *conn.Session

	fd  int
	got []byte
}

// Serve registers h under prefix and opens one session with default settings
func Serve(t testing.TB, h conn.Handler, prefix string) *Client {
	t.Helper()
	loop, err := engine.NewLoop()
	require.NoError(t, err)

	reg := conn.NewRegistry()
	reg.Handle(prefix, h)
	m := conn.NewManager(loop, reg, conn.DefaultSettings())

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	st, err := engine.NewFDStream(loop, fds[0], engine.NewBufferPool(4096))
	require.NoError(t, err)

	c := &Client{t: t, Loop: loop, fd: fds[1]}
	c.Session = m.Open(st, Peer, Local, false)

	t.Cleanup(func() {
		_ = m.Close()
		_ = unix.Close(fds[1])
		_ = loop.Close()
	})
	return c
}

func (c *Client) Send(raw string) {
	c.t.Helper()
	_, err := unix.Write(c.fd, []byte(raw))
	require.NoError(c.t, err)
}

// Response waits for one complete Content-Length framed response
func (c *Client) Response() (head, body string) {
	c.t.Helper()
	return c.response(false)
}

// HeadResponse waits for the header block of a response to HEAD, which
// carries a Content-Length but no body
func (c *Client) HeadResponse() string {
	c.t.Helper()
	head, _ := c.response(true)
	return head
}

// Unread polls for d and returns whatever arrived beyond the responses read so far
func (c *Client) Unread(d time.Duration) string {
	c.t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		c.poll()
	}
	return string(c.got)
}

func (c *Client) poll() {
	c.t.Helper()
	require.NoError(c.t, c.Loop.Poll(5*time.Millisecond))
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.got = append(c.got, buf[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			c.t.Fatalf("read: %v", err)
		}
		return
	}
}

func (c *Client) response(head bool) (string, string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.poll()

		end := bytes.Index(c.got, []byte("\r\n\r\n"))
		if end < 0 {
			continue
		}
		end += 4
		h := string(c.got[:end])
		size := 0
		if !head {
			size = ContentLength(h)
		}
		if len(c.got)-end < size {
			continue
		}
		body := string(c.got[end : end+size])
		c.got = c.got[end+size:]
		return h, body
	}
	c.t.Fatalf("no complete response, got %q", c.got)
	return "", ""
}

// ContentLength reads the Content-Length of a header block, 0 when absent
func ContentLength(head string) int {
	const key = "\r\nContent-Length: "
	_, rest, ok := strings.Cut(head, key)
	if !ok {
		return 0
	}
	v, _, _ := strings.Cut(rest, "\r\n")
	n, _ := strconv.Atoi(v)
	return n
}
