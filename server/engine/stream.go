// byte stream over a non-blocking socket: bounded read buffer,
// unbounded write queue, readiness turned into notifications
package engine

import (
	"errors"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

var ErrStreamClosed = errors.New("engine: stream closed")

// StreamHandler receives stream notifications, always on the loop goroutine
type StreamHandler interface {
	// new bytes are buffered
	OnRead()
	// queued bytes were flushed (partially or fully)
	OnWrite()
	// eof, write error, or queue drained after eof
	OnState()
}

// Stream is the transport a session talks to
type Stream interface {
	// Buffered peeks at unread bytes, valid until the next Consume
	Buffered() []byte
	Consume(n int)
	// Full reports that the read buffer is at capacity
	Full() bool

	// Write queues p (copied), it never blocks
	Write(p []byte) (int, error)
	Pending() int

	EOF() bool
	Err() error
	// SetEOF stops reading and lets the queue drain before OnState
	SetEOF()
	// Kick re-delivers OnRead on the next turn when bytes are buffered
	Kick()
	SetHandler(h StreamHandler)
	Close() error
}

// StreamWrapper layers a transport (TLS) over a plain stream
type StreamWrapper func(Stream) (Stream, error)

// FDStream is the plain tcp Stream
type FDStream struct {
	loop *Loop
	fd   int
	bufs *BufferPool

	rbuf []byte // len is buffered bytes, nil while empty
	wbuf *bytebufferpool.ByteBuffer
	woff int

	interest   Events
	registered bool

	eof    bool
	err    error
	closed bool
	queued bool // OnState pending

	h StreamHandler
}

var _ Stream = (*FDStream)(nil)

// NewFDStream takes ownership of fd and registers it for reading
func NewFDStream(loop *Loop, fd int, bufs *BufferPool) (*FDStream, error) {
	s := &FDStream{loop: loop, fd: fd, bufs: bufs}
	if err := loop.Register(fd, s, EventRead); err != nil {
		return nil, err
	}
	s.interest = EventRead
	s.registered = true
	return s, nil
}

func (s *FDStream) Fd() int                    { return s.fd }
func (s *FDStream) SetHandler(h StreamHandler) { s.h = h }
func (s *FDStream) Buffered() []byte           { return s.rbuf }
func (s *FDStream) Full() bool                 { return len(s.rbuf) >= s.bufs.Size() }
func (s *FDStream) EOF() bool                  { return s.eof }
func (s *FDStream) Err() error                 { return s.err }

func (s *FDStream) Pending() int {
	if s.wbuf == nil {
		return 0
	}
	return s.wbuf.Len() - s.woff
}

func (s *FDStream) HandleEvent(ev Events) {
	if ev.Readable() && !s.eof {
		s.fill()
	}
	if s.closed {
		return
	}
	if ev.Writable() && s.Pending() > 0 {
		s.flush()
	}
}

func (s *FDStream) fill() {
	got := false
	for !s.eof && !s.Full() {
		if s.rbuf == nil {
			s.rbuf = s.bufs.Get()
		}
		n, err := unix.Read(s.fd, s.rbuf[len(s.rbuf):cap(s.rbuf)])
		if n > 0 {
			s.rbuf = s.rbuf[:len(s.rbuf)+n]
			got = true
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		// zero read or a read error, either way the peer is gone
		s.eof = true
	}

	if len(s.rbuf) == 0 {
		s.release()
	}
	s.update()

	if got && s.h != nil {
		s.h.OnRead()
	}
	if s.eof {
		s.notify()
	}
}

func (s *FDStream) Consume(n int) {
	if n <= 0 {
		return
	}
	wasFull := s.Full()
	if n >= len(s.rbuf) {
		s.release()
	} else {
		// shift the remainder to the front, same as the parser always did
		rem := copy(s.rbuf, s.rbuf[n:])
		s.rbuf = s.rbuf[:rem]
	}
	if wasFull {
		s.update()
	}
}

func (s *FDStream) release() {
	if s.rbuf != nil {
		s.bufs.Put(s.rbuf)
		s.rbuf = nil
	}
}

func (s *FDStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if s.err != nil {
		return 0, s.err
	}
	if len(p) == 0 {
		return 0, nil
	}

	off := 0
	if s.Pending() == 0 {
		n, err := s.write(p)
		if err != nil {
			return 0, err
		}
		off = n
	}

	if off < len(p) {
		if s.wbuf == nil {
			s.wbuf = bytebufferpool.Get()
		}
		_, _ = s.wbuf.Write(p[off:])
		s.update()
	}
	return len(p), nil
}

// write tries the socket directly, EAGAIN is a short write
func (s *FDStream) write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if n >= 0 && err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		}
		s.fail(err)
		return 0, err
	}
}

func (s *FDStream) flush() {
	for s.Pending() > 0 {
		n, err := s.write(s.wbuf.B[s.woff:])
		if err != nil {
			return
		}
		if n == 0 {
			break
		}
		s.woff += n
	}

	if s.Pending() == 0 && s.wbuf != nil {
		bytebufferpool.Put(s.wbuf)
		s.wbuf = nil
		s.woff = 0
	}
	s.update()

	if s.h != nil {
		s.h.OnWrite()
	}
	if s.eof && s.Pending() == 0 {
		s.notify()
	}
}

func (s *FDStream) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.notify()
}

func (s *FDStream) SetEOF() {
	if s.eof {
		return
	}
	s.eof = true
	s.release()
	s.update()
	s.notify()
}

func (s *FDStream) Kick() {
	s.loop.Defer(func() {
		if !s.closed && len(s.rbuf) > 0 && s.h != nil {
			s.h.OnRead()
		}
	})
}

// notify queues one OnState for the end of the turn
func (s *FDStream) notify() {
	if s.queued || s.closed {
		return
	}
	s.queued = true
	s.loop.Defer(func() {
		s.queued = false
		if !s.closed && s.h != nil {
			s.h.OnState()
		}
	})
}

// update keeps the epoll interest in sync: read while there is room and
// no eof, write while bytes are pending. An fd with no interest at all is
// taken out of epoll, otherwise a hung up peer would spin the loop.
func (s *FDStream) update() {
	if s.closed {
		return
	}

	var want Events
	if !s.eof && !s.Full() {
		want |= EventRead
	}
	if s.Pending() > 0 {
		want |= EventWrite
	}

	var err error
	switch {
	case want == s.interest && (want == 0) != s.registered:
		return
	case want == 0:
		err = s.loop.Unregister(s.fd)
		s.registered = false
	case !s.registered:
		err = s.loop.Register(s.fd, s, want)
		s.registered = err == nil
	default:
		err = s.loop.Modify(s.fd, want)
	}
	s.interest = want
	if err != nil {
		s.fail(err)
	}
}

// Close drops pending bytes and closes the socket, idempotent
func (s *FDStream) Close() error {
	if s.closed {
		return nil
	}
	if s.registered {
		_ = s.loop.Unregister(s.fd)
		s.registered = false
	}
	s.closed = true
	s.release()
	if s.wbuf != nil {
		bytebufferpool.Put(s.wbuf)
		s.wbuf = nil
	}
	return unix.Close(s.fd)
}
