package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/bytebufferpool"

	"github.com/s00inx/embedhttpd/server/conn"
	"github.com/s00inx/embedhttpd/server/protocol"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

var (
	_ conn.Handler  = (*Handler)(nil)
	_ conn.Releaser = (*Handler)(nil)
)

// Handler serves the text exposition of g, gathered on every request
type Handler struct {
	g prometheus.Gatherer
}

func NewHandler(g prometheus.Gatherer) *Handler {
	return &Handler{g: g}
}

func (h *Handler) Applicable(string) bool { return true }

func (h *Handler) Handle(s *conn.Session, r *protocol.Request) {
	if r.Method != protocol.MethodGET && r.Method != protocol.MethodHEAD {
		s.Error(405, "Method Not Allowed", "")
		return
	}

	mfs, err := h.g.Gather()
	if err != nil && len(mfs) == 0 {
		s.Logger().Warnf("gather metrics: %v", err)
		s.Error(500, "Internal Server Error", "")
		return
	}

	buf := bytebufferpool.Get()
	s.SetData(buf)
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(buf, mf); err != nil {
			s.Logger().Warnf("encode metrics: %v", err)
			s.Error(500, "Internal Server Error", "")
			return
		}
	}

	_ = s.Respond(&conn.Response{Code: 200, ContentType: contentType, Body: buf.B})
}

// the body may still be draining after Handle returns, the buffer goes back here
func (h *Handler) OnFree(s *conn.Session) {
	if buf, ok := s.Data().(*bytebufferpool.ByteBuffer); ok {
		bytebufferpool.Put(buf)
	}
}
