package protocol

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headParser drives the line parser over a growing buffer the way a session does
type headParser struct {
	buf     []byte
	req     Request
	started bool
	done    bool
	err     error
}

func (p *headParser) feed(b []byte) {
	p.buf = append(p.buf, b...)
	for !p.done && p.err == nil {
		line, n, ok := ScanLine(p.buf)
		if !ok {
			return
		}
		p.buf = p.buf[n:]

		switch {
		case !p.started && len(line) == 0:
		case !p.started:
			p.err = ParseRequestLine(line, &p.req)
			p.started = true
		case len(line) == 0:
			p.done = true
		default:
			p.err = ParseHeaderLine(line, &p.req)
		}
	}
}

func parseWhole(t *testing.T, raw string) *headParser {
	t.Helper()
	p := &headParser{}
	p.feed([]byte(raw))
	return p
}

func BenchmarkParse(b *testing.B) {
	raw := []byte("POST /very/long/path/for/testing/purposes HTTP/1.1\r\n" +
		"Host: localhost:8080\r\n" +
		"User-Agent: embedhttpd-benchmark\r\n" +
		"Content-Length: 18\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n")
	var req Request

	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		buf := raw
		line, n, _ := ScanLine(buf)
		_ = ParseRequestLine(line, &req)
		buf = buf[n:]
		for {
			line, n, _ = ScanLine(buf)
			buf = buf[n:]
			if len(line) == 0 {
				break
			}
			_ = ParseHeaderLine(line, &req)
		}
	}
}

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		method  Method
		version Version
		path    string
		close   bool
		wantErr bool
	}{
		{name: "get 1.1", line: "GET /index.html HTTP/1.1", method: MethodGET, version: HTTP11, path: "/index.html"},
		{name: "post 1.0", line: "POST /api/x?y=1 HTTP/1.0", method: MethodPOST, version: HTTP10, path: "/api/x?y=1", close: true},
		{name: "head 0.9", line: "HEAD / HTTP/0.9", method: MethodHEAD, version: HTTP09, path: "/", close: true},
		{name: "put", line: "PUT /f HTTP/1.1", method: MethodPUT, version: HTTP11, path: "/f"},
		{name: "unknown method", line: "DELETE / HTTP/1.1", wantErr: true},
		{name: "lowercase method", line: "get / HTTP/1.1", wantErr: true},
		{name: "unknown version", line: "GET / HTTP/2.0", wantErr: true},
		{name: "two tokens", line: "GET /", wantErr: true},
		{name: "four tokens", line: "GET / HTTP/1.1 x", wantErr: true},
		{name: "double space", line: "GET  / HTTP/1.1", wantErr: true},
		{name: "empty", line: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Request
			err := ParseRequestLine([]byte(tt.line), &r)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadRequest)
				assert.Equal(t, 400, AsStatus(err).Code)
				assert.Equal(t, HTTP10, r.Version)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.method, r.Method)
			assert.Equal(t, tt.version, r.Version)
			assert.Equal(t, tt.path, r.Path)
			assert.Equal(t, tt.close, r.ConnectionClose)
		})
	}
}

func TestParseHeaderLine(t *testing.T) {
	t.Run("keys lower-cased and values trimmed", func(t *testing.T) {
		var r Request
		require.NoError(t, ParseHeaderLine([]byte("X-Custom-Thing:   \tv a l"), &r))
		assert.Equal(t, "v a l", r.Header["x-custom-thing"])
		assert.Equal(t, "v a l", r.Get("X-CUSTOM-THING"))
	})

	t.Run("duplicates overwrite", func(t *testing.T) {
		var r Request
		require.NoError(t, ParseHeaderLine([]byte("Accept: a"), &r))
		require.NoError(t, ParseHeaderLine([]byte("accept: b"), &r))
		assert.Equal(t, "b", r.Header["accept"])
	})

	t.Run("missing colon", func(t *testing.T) {
		var r Request
		require.ErrorIs(t, ParseHeaderLine([]byte("NoColonHeader"), &r), ErrBadRequest)
		require.ErrorIs(t, ParseHeaderLine([]byte(": empty key"), &r), ErrBadRequest)
	})

	t.Run("content-length", func(t *testing.T) {
		var r Request
		require.NoError(t, ParseHeaderLine([]byte("Content-Length: 42"), &r))
		assert.True(t, r.HasContentLength)
		assert.EqualValues(t, 42, r.ContentLength)
		assert.Equal(t, FramingFixed, r.Framing())

		for _, bad := range []string{"12abc", "-1", "+5", "", "0x10"} {
			var r Request
			err := ParseHeaderLine([]byte("Content-Length: "+bad), &r)
			require.ErrorIs(t, err, ErrBadRequest, bad)
		}
	})

	t.Run("expect", func(t *testing.T) {
		var r Request
		require.NoError(t, ParseHeaderLine([]byte("Expect: 100-continue"), &r))
		assert.True(t, r.ExpectContinue)

		err := ParseHeaderLine([]byte("Expect: something-else"), &r)
		require.ErrorIs(t, err, ErrPreconditionFailed)
		assert.Equal(t, 412, AsStatus(err).Code)
	})

	t.Run("chunked wins over content-length", func(t *testing.T) {
		var r Request
		require.NoError(t, ParseHeaderLine([]byte("Content-Length: 10"), &r))
		require.NoError(t, ParseHeaderLine([]byte("Transfer-Encoding: chunked"), &r))
		assert.Equal(t, FramingChunked, r.Framing())
	})

	t.Run("connection close", func(t *testing.T) {
		var r Request
		require.NoError(t, ParseHeaderLine([]byte("Connection: Close"), &r))
		assert.True(t, r.ConnectionClose)
	})

	t.Run("no body without length", func(t *testing.T) {
		var r Request
		assert.Equal(t, FramingNone, r.Framing())
		require.NoError(t, ParseHeaderLine([]byte("Content-Length: 0"), &r))
		assert.Equal(t, FramingNone, r.Framing())
	})
}

func TestClassifyUserAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want UserAgent
	}{
		{"Opera/9.80 (Windows NT 6.1; U; en) Presto/2.2.15 Version/10.10", UAOpera},
		{"Mozilla/4.0 (compatible; MSIE 6.0; Windows NT 5.1)", UAMSIEOld},
		{"Mozilla/4.0 (compatible; MSIE 6.0; Windows NT 5.1; SV1)", UAMSIENew},
		{"Mozilla/4.0 (compatible; MSIE 5.5; Windows 98)", UAMSIEOld},
		{"Mozilla/4.0 (compatible; MSIE 4.01; Windows 95)", UAMSIEOld},
		{"Mozilla/5.0 (compatible; MSIE 10.0; Windows NT 6.2)", UAMSIENew},
		{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", UAChrome},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15", UASafari},
		{"Mozilla/5.0 (Windows NT 10.0) AppleWebKit/605.1.15 Safari/605.1.15", UAUnknown},
		{"Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0", UAGecko},
		{"Mozilla/5.0 (compatible; Konqueror/4.5; Linux)", UAKonqueror},
		{"curl/8.0", UAUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyUserAgent(tt.ua), tt.ua)
		})
	}
}

const fragmentRequest = "\r\nPOST /api/upload?name=x HTTP/1.1\r\n" +
	"Host: device.local\r\n" +
	"User-Agent: Mozilla/4.0 (compatible; MSIE 6.0; Windows NT 5.1)\r\n" +
	"Content-Length: 4\r\n" +
	"Expect: 100-continue\r\n" +
	"\r\n"

func TestFragmentInvariance(t *testing.T) {
	whole := parseWhole(t, fragmentRequest)
	require.NoError(t, whole.err)
	require.True(t, whole.done)
	assert.Equal(t, MethodPOST, whole.req.Method)
	assert.Equal(t, UAMSIEOld, whole.req.UserAgent)
	assert.True(t, whole.req.ExpectContinue)

	raw := []byte(fragmentRequest)

	t.Run("every two-way split", func(t *testing.T) {
		for i := 0; i <= len(raw); i++ {
			p := &headParser{}
			p.feed(raw[:i])
			p.feed(raw[i:])
			require.NoError(t, p.err, "split at %d", i)
			require.True(t, p.done, "split at %d", i)
			require.Equal(t, whole.req, p.req, "split at %d", i)
		}
	})

	t.Run("random fragments", func(t *testing.T) {
		rnd := rand.New(rand.NewSource(1))
		for round := 0; round < 200; round++ {
			p := &headParser{}
			for off := 0; off < len(raw); {
				n := 1 + rnd.Intn(7)
				end := min(off+n, len(raw))
				p.feed(raw[off:end])
				off = end
			}
			require.NoError(t, p.err, "round %d", round)
			require.Equal(t, whole.req, p.req, "round %d", round)
		}
	})

	t.Run("byte at a time", func(t *testing.T) {
		p := &headParser{}
		for i := range raw {
			require.False(t, p.done)
			p.feed(raw[i : i+1])
		}
		require.True(t, p.done)
		require.Equal(t, whole.req, p.req)
	})
}

func TestScanLineNeedsCRLF(t *testing.T) {
	_, _, ok := ScanLine([]byte("GET / HTTP/1.1\r"))
	assert.False(t, ok)
	_, _, ok = ScanLine([]byte("GET / HTTP/1.1\n"))
	assert.False(t, ok)

	line, n, ok := ScanLine([]byte("GET / HTTP/1.1\r\nHost"))
	require.True(t, ok)
	assert.Equal(t, "GET / HTTP/1.1", string(line))
	assert.Equal(t, 16, n)
}

func TestRequestReset(t *testing.T) {
	p := parseWhole(t, "GET /a?b=c HTTP/1.1\r\nConnection: close\r\nX: y\r\n\r\n")
	require.NoError(t, p.err)
	assert.Equal(t, "/a", p.req.URLPath())
	assert.Equal(t, "b=c", p.req.Query())

	hdr := p.req.Header
	p.req.Reset()
	assert.Empty(t, p.req.Header)
	assert.False(t, p.req.ConnectionClose)
	assert.Equal(t, fmt.Sprintf("%p", hdr), fmt.Sprintf("%p", p.req.Header))
	assert.Empty(t, p.req.Path)
}
