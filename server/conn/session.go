// connection session: per connection protocol state machine driven by
// stream notifications, one request in flight at a time
package conn

import (
	"net/netip"

	"github.com/s00inx/embedhttpd/internal/log"
	"github.com/s00inx/embedhttpd/server/engine"
	"github.com/s00inx/embedhttpd/server/protocol"
)

type State uint8

const (
	StateInit State = iota
	StateReadingHeaders
	StateReadingBody
	StateAwaitingDispatch
	StateClosing
	StateCleanup
)

var stateNames = [...]string{
	StateInit:             "init",
	StateReadingHeaders:   "reading-headers",
	StateReadingBody:      "reading-body",
	StateAwaitingDispatch: "awaiting-dispatch",
	StateClosing:          "closing",
	StateCleanup:          "cleanup",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type Session struct {
	id    uint64
	peer  netip.AddrPort
	local netip.AddrPort
	tls   bool

	m      *Manager
	stream engine.Stream
	timer  *engine.Timer
	slot   uint32
	logger log.Logger

	state    State
	requests int
	req      protocol.Request
	body     protocol.BodyDecoder
	// handler took less than offered, wait for ResumeBody
	bodyPaused bool
	// a chunked body ended, its trailer runs up to the next blank line
	trailer bool

	handler   Handler
	bodyH     BodyHandler
	responded bool
	data      any

	w writer
}

var _ engine.StreamHandler = (*Session)(nil)

func (s *Session) ID() uint64                 { return s.id }
func (s *Session) Peer() netip.AddrPort       { return s.peer }
func (s *Session) Local() netip.AddrPort      { return s.local }
func (s *Session) TLS() bool                  { return s.tls }
func (s *Session) State() State               { return s.state }
func (s *Session) Requests() int              { return s.requests }
func (s *Session) Request() *protocol.Request { return &s.req }
func (s *Session) Logger() log.Logger         { return s.logger }

// SetData attaches per request handler state, dropped when the binding ends
func (s *Session) SetData(v any) { s.data = v }
func (s *Session) Data() any     { return s.data }

// Detach hands out a weak handle for work that finishes off the loop
func (s *Session) Detach() Handle {
	return s.m.arena.borrow(s.slot)
}

// OnRead runs the parser over whatever is buffered
func (s *Session) OnRead() {
	for s.state <= StateReadingBody && !s.bodyPaused {
		buf := s.stream.Buffered()
		if len(buf) == 0 {
			return
		}

		progressed := s.step(buf)
		if s.bodyPaused {
			return
		}
		if progressed {
			continue
		}
		if !s.stream.Full() {
			return
		}

		// buffer full and nothing recognized: the line can never fit
		if s.state == StateReadingBody {
			s.body.Abort()
			s.bodyDone()
			continue
		}
		s.fail(protocol.ErrEntityTooLarge)
	}
}

// step handles one unit (a line or a body slice) and reports progress
func (s *Session) step(buf []byte) bool {
	switch s.state {
	case StateInit:
		line, n, ok := protocol.ScanLine(buf)
		if !ok {
			return false
		}
		// blank lines between requests, also what a chunked body leaves behind
		if len(line) == 0 {
			s.stream.Consume(n)
			s.trailer = false
			return true
		}
		// trailer fields are not interpreted
		if s.trailer {
			s.stream.Consume(n)
			return true
		}
		err := protocol.ParseRequestLine(line, &s.req)
		s.stream.Consume(n)
		if err != nil {
			s.fail(err)
			return true
		}
		s.setState(StateReadingHeaders)

	case StateReadingHeaders:
		line, n, ok := protocol.ScanLine(buf)
		if !ok {
			return false
		}
		if len(line) == 0 {
			s.stream.Consume(n)
			s.headersDone()
			return true
		}
		err := protocol.ParseHeaderLine(line, &s.req)
		s.stream.Consume(n)
		if err != nil {
			s.fail(err)
		}

	case StateReadingBody:
		return s.readBody(buf)
	}
	return true
}

func (s *Session) headersDone() {
	if !s.admit() {
		return
	}
	if s.req.ExpectContinue {
		_, _ = s.stream.Write(protocol.Continue)
	}
	s.decideKeepAlive()

	if s.m.observer != nil {
		s.m.observer.Request(s.req.Method)
	}

	s.body = protocol.NewBodyDecoder(s.req.Framing(), s.req.ContentLength)
	h := s.m.registry.Match(s.req.URLPath())
	s.handler = h
	s.bodyH, _ = h.(BodyHandler)

	if s.body.Done() {
		s.setState(StateAwaitingDispatch)
	} else {
		s.setState(StateReadingBody)
	}

	seq := s.requests
	if s.bodyH != nil {
		bh := s.bodyH
		s.call(func() { bh.Handle(s, &s.req) })
		if s.state == StateAwaitingDispatch && s.requests == seq && s.handler != nil {
			s.call(func() { bh.OnBodyDone(s) })
		}
		return
	}
	if s.state == StateAwaitingDispatch {
		s.call(func() { h.Handle(s, &s.req) })
	}
}

// decideKeepAlive runs once per request, after the headers
func (s *Session) decideKeepAlive() {
	r := &s.req
	switch {
	case !s.m.settings.KeepAlive,
		r.Version < protocol.HTTP11,
		s.m.settings.CloseOnPost && r.Method == protocol.MethodPOST,
		hostileAgent(r):
		r.ConnectionClose = true
	}
}

func (s *Session) readBody(buf []byte) bool {
	skip, data := s.body.Next(buf)

	taken := len(data)
	if taken > 0 && s.bodyH != nil {
		bh := s.bodyH
		s.call(func() { taken = bh.OnBody(s, data) })
		if s.state != StateReadingBody {
			return true
		}
		taken = max(0, min(taken, len(data)))
		if taken < len(data) {
			s.bodyPaused = true
		}
	}

	s.body.Forward(taken)
	if n := skip + taken; n > 0 {
		s.stream.Consume(n)
		s.armTimer()
	}

	if s.body.Done() {
		s.bodyDone()
		return true
	}
	return skip+taken > 0
}

func (s *Session) bodyDone() {
	if s.body.Aborted() {
		s.logger.Debug("request body framing aborted")
		s.req.ConnectionClose = true
	} else if s.body.Framing() == protocol.FramingChunked {
		s.trailer = true
	}
	s.bodyPaused = false
	s.setState(StateAwaitingDispatch)

	switch {
	case s.bodyH != nil:
		bh := s.bodyH
		s.call(func() { bh.OnBodyDone(s) })
	case s.handler != nil:
		h := s.handler
		s.call(func() { h.Handle(s, &s.req) })
	}
}

// ResumeBody restarts a paused request body or a paused response stream
func (s *Session) ResumeBody() {
	if s.state >= StateClosing {
		return
	}
	if s.bodyPaused {
		s.bodyPaused = false
		s.stream.Kick()
	}
	if s.w.paused {
		s.w.paused = false
		s.m.loop.Defer(s.drain)
	}
}

func (s *Session) OnWrite() {
	if s.state < StateClosing {
		s.armTimer()
	}
	s.drain()
}

func (s *Session) OnState() {
	if s.state == StateCleanup {
		return
	}
	if err := s.stream.Err(); err != nil {
		s.logger.Debugf("write error: %v", err)
		s.destroy()
		return
	}
	// the stream calls again once the queue drains
	if !s.stream.EOF() || s.stream.Pending() > 0 {
		return
	}

	if s.state == StateAwaitingDispatch {
		// let the response finish, then close
		s.req.ConnectionClose = true
		return
	}
	s.destroy()
}

// requestDone runs once the response is fully queued
func (s *Session) requestDone() {
	s.freeDispatch()
	if s.state >= StateClosing {
		return
	}
	if s.req.ConnectionClose || s.state == StateReadingBody || !s.m.settings.KeepAlive {
		s.closeConn()
		return
	}

	s.requests++
	s.req.Reset()
	s.body = protocol.BodyDecoder{}
	s.bodyPaused = false
	s.responded = false
	s.setState(StateInit)
	// a pipelined request may already be buffered
	s.stream.Kick()
}

func (s *Session) freeDispatch() {
	h := s.handler
	s.handler, s.bodyH = nil, nil
	if r, ok := h.(Releaser); ok {
		s.call(func() { r.OnFree(s) })
	}
	s.data = nil
}

func (s *Session) fail(err error) {
	se := protocol.AsStatus(err)
	s.logger.Debugf("protocol error: %v", err)
	if s.m.observer != nil {
		s.m.observer.ProtocolError(se.Code)
	}
	s.Error(se.Code, se.Reason, "")
}

// call runs handler code, a panic costs the connection but never the process
func (s *Session) call(fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.logger.Errorf("handler panic: %v", r)
		if s.m.observer != nil {
			s.m.observer.ProtocolError(500)
		}
		if s.responded || s.state >= StateClosing {
			s.closeConn()
			return
		}
		s.Error(500, "Internal Server Error", "")
	}()
	fn()
}

func (s *Session) setState(st State) {
	s.state = st
	s.armTimer()
}

func (s *Session) armTimer() {
	switch s.state {
	case StateCleanup:
		s.timer.Stop()
	case StateInit:
		if s.requests > 0 {
			s.timer.Reset(s.m.settings.KeepAliveTimeout)
			return
		}
		fallthrough
	default:
		s.timer.Reset(s.m.settings.NetworkTimeout)
	}
}

func (s *Session) onTimeout() {
	switch s.state {
	case StateCleanup:
	case StateClosing:
		s.logger.Debug("close timed out, dropping pending output")
		s.destroy()
	default:
		s.logger.Debugf("idle timeout in %s", s.state)
		s.closeConn()
	}
}

// closeConn stops reading, the session is destroyed once output drains
func (s *Session) closeConn() {
	if s.state >= StateClosing {
		return
	}
	s.setState(StateClosing)
	s.stream.SetEOF()
	s.m.loop.Defer(s.OnState)
}

func (s *Session) destroy() {
	if s.state == StateCleanup {
		return
	}
	s.state = StateCleanup
	s.timer.Stop()

	if s.m.arena.borrowed(s.slot) {
		s.stream.SetEOF()
		s.m.arena.park(s.slot)
		return
	}
	_ = s.teardown()
}

func (s *Session) teardown() error {
	s.freeDispatch()
	s.w = writer{}
	err := s.stream.Close()
	s.m.remove(s)
	s.logger.Debugf("connection closed after %d requests", s.requests)
	return err
}
