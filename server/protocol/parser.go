// incremental request parser: one CRLF line per call, the session keeps the state
// between calls so a request may arrive in any number of fragments
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var (
	crlf = []byte("\r\n")
	sp   = []byte{' '}
)

// ScanLine finds a CRLF terminated line at the head of buf,
// consumed counts the terminator too
func ScanLine(buf []byte) (line []byte, consumed int, ok bool) {
	i := bytes.Index(buf, crlf)
	if i < 0 {
		return nil, 0, false
	}
	return buf[:i], i + 2, true
}

// flat lookups bc the sets are tiny and fixed
func lookupMethod(b []byte) (Method, bool) {
	for i, name := range methodNames {
		if string(b) == name {
			return Method(i), true
		}
	}
	return 0, false
}

func lookupVersion(b []byte) (Version, bool) {
	for i, name := range versionNames {
		if string(b) == name {
			return Version(i), true
		}
	}
	return 0, false
}

// ParseRequestLine parses "METHOD SP target SP version", exactly three tokens.
// r is reset first; on failure the version stays HTTP/1.0 for the error reply.
func ParseRequestLine(line []byte, r *Request) error {
	r.Reset()

	m, rest, ok := bytes.Cut(line, sp)
	if !ok {
		return fmt.Errorf("%w: malformed request line", ErrBadRequest)
	}
	target, ver, ok := bytes.Cut(rest, sp)
	if !ok || len(m) == 0 || len(target) == 0 || len(ver) == 0 || bytes.IndexByte(ver, ' ') >= 0 {
		return fmt.Errorf("%w: malformed request line", ErrBadRequest)
	}

	method, ok := lookupMethod(m)
	if !ok {
		return fmt.Errorf("%w: unsupported method %q", ErrBadRequest, m)
	}
	version, ok := lookupVersion(ver)
	if !ok {
		return fmt.Errorf("%w: unsupported version %q", ErrBadRequest, ver)
	}

	r.Method = method
	r.Version = version
	r.Path = string(target)
	r.ConnectionClose = version < HTTP11
	return nil
}

// ParseHeaderLine parses "name: value" into r and applies the header side effects
func ParseHeaderLine(line []byte, r *Request) error {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return fmt.Errorf("%w: malformed header line", ErrBadRequest)
	}

	key := strings.ToLower(string(line[:i]))
	val := string(bytes.TrimLeft(line[i+1:], " \t"))

	switch key {
	case "expect":
		if !strings.EqualFold(val, "100-continue") {
			return fmt.Errorf("%w: expect %q", ErrPreconditionFailed, val)
		}
		r.ExpectContinue = true
	case "content-length":
		n, err := strconv.ParseUint(val, 10, 63)
		if err != nil {
			return fmt.Errorf("%w: content-length %q", ErrBadRequest, val)
		}
		r.ContentLength = n
		r.HasContentLength = true
	case "transfer-encoding":
		if strings.EqualFold(val, "chunked") {
			r.Chunked = true
		}
	case "connection":
		if strings.EqualFold(val, "close") {
			r.ConnectionClose = true
		}
	case "user-agent":
		r.UserAgent = ClassifyUserAgent(val)
	}

	if r.Header == nil {
		r.Header = make(map[string]string, 8)
	}
	r.Header[key] = val
	return nil
}

// ClassifyUserAgent maps a user-agent value onto the browser families
// with known keep-alive bugs
func ClassifyUserAgent(val string) UserAgent {
	switch {
	case strings.Contains(val, "Opera"):
		return UAOpera
	case strings.Contains(val, "MSIE "):
		return classifyMSIE(val[strings.Index(val, "MSIE "):])
	case strings.Contains(val, "Chrome/"):
		return UAChrome
	case strings.Contains(val, "Safari/") && strings.Contains(val, "Mac OS X"):
		return UASafari
	case strings.Contains(val, "Gecko/"):
		return UAGecko
	case strings.Contains(val, "Konqueror"):
		return UAKonqueror
	}
	return UAUnknown
}

// s starts at "MSIE "; 4.x, 5.x and 6.x without SV1 are the old engine
func classifyMSIE(s string) UserAgent {
	if len(s) < 7 || s[6] != '.' {
		return UAMSIENew
	}
	switch s[5] {
	case '6':
		if strings.Contains(s, "SV1") {
			return UAMSIENew
		}
		return UAMSIEOld
	case '4', '5':
		return UAMSIEOld
	}
	return UAMSIENew
}
