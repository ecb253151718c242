package conn

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s00inx/embedhttpd/server/engine"
	"github.com/s00inx/embedhttpd/server/protocol"
)

// fakeStream is an in-memory engine.Stream, the test plays the peer
type fakeStream struct {
	loop *engine.Loop
	h    engine.StreamHandler

	in  []byte
	max int
	out bytes.Buffer

	// backlog makes writes count as pending until drainQueue
	backlog bool
	pending int

	eof    bool
	err    error
	closed bool
}

var _ engine.Stream = (*fakeStream)(nil)

func (f *fakeStream) Buffered() []byte                  { return f.in }
func (f *fakeStream) Consume(n int)                     { f.in = f.in[n:] }
func (f *fakeStream) Full() bool                        { return len(f.in) >= f.max }
func (f *fakeStream) Pending() int                      { return f.pending }
func (f *fakeStream) EOF() bool                         { return f.eof }
func (f *fakeStream) Err() error                        { return f.err }
func (f *fakeStream) SetHandler(h engine.StreamHandler) { f.h = h }

func (f *fakeStream) Write(p []byte) (int, error) {
	if f.closed {
		return 0, engine.ErrStreamClosed
	}
	if f.err != nil {
		return 0, f.err
	}
	f.out.Write(p)
	if f.backlog {
		f.pending += len(p)
	}
	return len(p), nil
}

func (f *fakeStream) SetEOF() {
	if f.eof {
		return
	}
	f.eof = true
	f.notify()
}

func (f *fakeStream) Kick() {
	f.loop.Defer(func() {
		if !f.closed && len(f.in) > 0 {
			f.h.OnRead()
		}
	})
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStream) notify() {
	f.loop.Defer(func() {
		if !f.closed {
			f.h.OnState()
		}
	})
}

// feed delivers bytes the way a socket read would, capped at the buffer size
func (f *fakeStream) feed(s string) {
	room := f.max - len(f.in)
	if len(s) > room {
		s = s[:room]
	}
	f.in = append(f.in, s...)
	f.h.OnRead()
}

func (f *fakeStream) peerClose() {
	f.eof = true
	f.notify()
}

// drainQueue pretends the socket accepted everything queued
func (f *fakeStream) drainQueue() {
	f.pending = 0
	f.h.OnWrite()
	if f.eof {
		f.notify()
	}
}

type counters struct {
	requests, responses, errors []int
}

func (c *counters) Request(m protocol.Method) { c.requests = append(c.requests, int(m)) }
func (c *counters) Response(code int)         { c.responses = append(c.responses, code) }
func (c *counters) ProtocolError(code int)    { c.errors = append(c.errors, code) }

type harness struct {
	t        *testing.T
	loop     *engine.Loop
	reg      *Registry
	m        *Manager
	obs      *counters
	released int
}

var (
	publicPeer  = netip.MustParseAddrPort("203.0.113.5:40000")
	publicLocal = netip.MustParseAddrPort("198.51.100.1:80")
)

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	loop, err := engine.NewLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	h := &harness{t: t, loop: loop, reg: NewRegistry(), obs: &counters{}}
	h.m = NewManager(loop, h.reg, settings,
		WithObserver(h.obs),
		WithReleaseFunc(func() { h.released++ }),
	)
	return h
}

func (h *harness) open() (*Session, *fakeStream) {
	return h.openFrom(publicPeer, publicLocal)
}

func (h *harness) openFrom(peer, local netip.AddrPort) (*Session, *fakeStream) {
	fs := &fakeStream{loop: h.loop, max: 4096}
	s := h.m.Open(fs, peer, local, false)
	h.turn()
	return s, fs
}

// turn runs one non-blocking loop turn: deferred work, posts, reaping
func (h *harness) turn() {
	h.t.Helper()
	require.NoError(h.t, h.loop.Poll(0))
}

func (h *harness) waitFor(d time.Duration, cond func() bool) bool {
	h.t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		require.NoError(h.t, h.loop.Poll(5*time.Millisecond))
		if cond() {
			return true
		}
	}
	return cond()
}

func jsonHandler(body string) HandlerFunc {
	return func(s *Session, _ *protocol.Request) {
		_ = s.Respond(&Response{Code: 200, ContentType: "application/json", Body: []byte(body)})
	}
}

// bodySink collects the request body and answers when it is complete
type bodySink struct {
	body      []byte
	handled   int
	done      int
	freed     int
	maxAccept int
}

func (b *bodySink) Applicable(string) bool                 { return true }
func (b *bodySink) Handle(s *Session, r *protocol.Request) { b.handled++ }
func (b *bodySink) OnFree(*Session)                        { b.freed++ }

func (b *bodySink) OnBody(_ *Session, p []byte) int {
	if b.maxAccept > 0 && len(p) > b.maxAccept {
		p = p[:b.maxAccept]
	}
	b.body = append(b.body, p...)
	return len(p)
}

func (b *bodySink) OnBodyDone(s *Session) {
	b.done++
	_ = s.Respond(&Response{Code: 201, ContentType: "text/plain", Body: []byte("got " + string(b.body))})
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}
