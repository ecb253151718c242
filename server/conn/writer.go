// response writer: header block, then the body drained in working-buffer
// slices while the stream's queue is below the low water mark
package conn

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/s00inx/embedhttpd/server/protocol"
)

var (
	ErrResponseStarted = errors.New("conn: response already started")
	ErrSessionClosed   = errors.New("conn: session closed")
)

// LengthUnknown marks a Stream whose size is not known up front
const LengthUnknown = -1

// Response is what a handler answers with. Body is sent as is; a non nil
// Stream is read incrementally instead and Length is its size. A Stream
// with Length 0 or LengthUnknown is sent chunked on HTTP/1.1 and
// delimited by the close on HTTP/1.0.
type Response struct {
	Code        int
	Reason      string
	ContentType string
	Header      []protocol.Header

	Body   []byte
	Stream io.Reader
	Length int64
}

type writer struct {
	active    bool
	paused    bool
	chunked   bool
	known     bool
	eof       bool
	remaining int64

	src  io.Reader
	body bytes.Reader
}

// Respond starts the response for the current request
func (s *Session) Respond(r *Response) error {
	if s.state >= StateClosing {
		return ErrSessionClosed
	}
	if s.responded {
		return ErrResponseStarted
	}
	s.responded = true

	// the rest of the body would have to be read after the response
	if s.state == StateReadingBody {
		s.req.ConnectionClose = true
	}

	w := &s.w
	length := r.Length
	if r.Stream == nil {
		w.body.Reset(r.Body)
		w.src = &w.body
		length = int64(len(r.Body))
	} else {
		w.src = r.Stream
		if length == 0 {
			length = LengthUnknown
		}
	}

	head := s.req.Method == protocol.MethodHEAD
	w.known = length >= 0
	w.remaining = length
	w.chunked = !w.known && s.req.Version == protocol.HTTP11 && !head
	// no length and no chunking: the body ends when the connection does
	if !w.known && !w.chunked && !head {
		s.req.ConnectionClose = true
	}

	hdr := s.writeHeader(s.m.head[:0], r.Code, r.Reason)
	for _, h := range r.Header {
		hdr = protocol.AppendHeader(hdr, h.Key, h.Val)
	}
	if r.ContentType != "" {
		hdr = protocol.AppendHeader(hdr, "Content-Type", r.ContentType)
	}
	if w.known {
		hdr = append(hdr, "Content-Length: "...)
		hdr = protocol.AppendUint(hdr, uint64(length))
		hdr = append(hdr, protocol.CRLF...)
	}
	hdr = append(hdr, protocol.CRLF...)
	s.m.head = hdr[:0]

	if s.m.observer != nil {
		s.m.observer.Response(r.Code)
	}

	if _, err := s.stream.Write(hdr); err != nil {
		return err
	}
	if head || length == 0 {
		s.finish()
		return nil
	}

	w.active = true
	s.drain()
	return nil
}

// writeHeader appends the status line and the connection headers
func (s *Session) writeHeader(dst []byte, code int, reason string) []byte {
	dst = protocol.AppendStatusLine(dst, s.req.Version, code, reason)
	if s.req.ConnectionClose {
		dst = protocol.AppendHeader(dst, "Connection", "close")
	} else {
		dst = protocol.AppendHeader(dst, "Connection", "Keep-Alive")
		dst = append(dst, "Keep-Alive: timeout="...)
		dst = strconv.AppendInt(dst, int64(s.m.settings.KeepAliveTimeout.Seconds()), 10)
		dst = append(dst, protocol.CRLF...)
	}
	if s.w.chunked {
		dst = protocol.AppendHeader(dst, "Transfer-Encoding", "chunked")
	}
	return dst
}

// Error answers with a small html page and closes the connection
func (s *Session) Error(code int, reason, info string) {
	if reason == "" {
		reason = protocol.StatusText(code)
	}
	if s.responded {
		s.closeConn()
		return
	}

	s.req.ConnectionClose = true
	body := make([]byte, 0, len(reason)+len(info)+9)
	body = append(body, "<h1>"...)
	body = append(body, reason...)
	body = append(body, "</h1>"...)
	body = append(body, info...)

	err := s.Respond(&Response{Code: code, Reason: reason, ContentType: "text/html", Body: body})
	if err != nil {
		s.closeConn()
	}
}

// drain moves body bytes into the stream until the low water mark
func (s *Session) drain() {
	w := &s.w
	if !w.active || w.paused || s.state == StateCleanup {
		return
	}

	work := s.m.work
	for s.stream.Pending() < s.m.settings.LowWaterMark {
		if w.eof {
			s.finish()
			return
		}

		// chunked keeps room for the size line in front and the CRLF behind
		head := 0
		room := work
		if w.chunked {
			head = protocol.ChunkHeaderSize(len(work))
			room = work[head : len(work)-2]
		}
		if w.known && int64(len(room)) > w.remaining {
			room = room[:w.remaining]
		}

		n, err := w.src.Read(room)
		if n > 0 {
			out := room[:n]
			if w.chunked {
				var tmp [16]byte
				ch := protocol.AppendChunkHeader(tmp[:0], n)
				start := head - len(ch)
				copy(work[start:], ch)
				end := head + n
				work[end], work[end+1] = '\r', '\n'
				out = work[start : end+2]
			}
			if w.known {
				w.remaining -= int64(n)
				w.eof = w.remaining == 0
			}
			if _, werr := s.stream.Write(out); werr != nil {
				// the stream reports the error through OnState
				return
			}
		}

		switch {
		case err == io.EOF:
			if w.known && w.remaining > 0 {
				s.logger.Warnf("response body short by %d bytes", w.remaining)
				s.abortResponse()
				return
			}
			w.eof = true
		case err != nil:
			s.logger.Warnf("response body: %v", err)
			s.abortResponse()
			return
		case n == 0 && !w.eof:
			// producer has nothing right now, ResumeBody restarts us
			w.paused = true
			return
		}
	}
}

// a body that can't be completed leaves the connection unusable
func (s *Session) abortResponse() {
	s.w = writer{}
	s.req.ConnectionClose = true
	s.closeConn()
}

func (s *Session) finish() {
	if s.w.chunked {
		_, _ = s.stream.Write(protocol.LastChunk)
	}
	s.w = writer{}
	s.requestDone()
}
