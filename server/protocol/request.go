// request model: method/version tables, headers, body framing
package protocol

import "strings"

type Method uint8

const (
	MethodGET Method = iota
	MethodPOST
	MethodHEAD
	MethodPUT
)

var methodNames = [...]string{
	MethodGET:  "GET",
	MethodPOST: "POST",
	MethodHEAD: "HEAD",
	MethodPUT:  "PUT",
}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "UNKNOWN"
}

type Version uint8

const (
	HTTP09 Version = iota
	HTTP10
	HTTP11
)

var versionNames = [...]string{
	HTTP09: "HTTP/0.9",
	HTTP10: "HTTP/1.0",
	HTTP11: "HTTP/1.1",
}

func (v Version) String() string {
	if int(v) < len(versionNames) {
		return versionNames[v]
	}
	return "HTTP/1.0"
}

// UserAgent is the coarse browser family, only used for keep-alive quirks
type UserAgent uint8

const (
	UAUnknown UserAgent = iota
	UAOpera
	UAMSIENew
	UAMSIEOld
	UAChrome
	UASafari
	UAGecko
	UAKonqueror
)

var uaNames = [...]string{"unknown", "opera", "msie", "msie-old", "chrome", "safari", "gecko", "konqueror"}

func (u UserAgent) String() string {
	if int(u) < len(uaNames) {
		return uaNames[u]
	}
	return "unknown"
}

// Framing is how the request body is delimited
type Framing uint8

const (
	FramingNone Framing = iota
	FramingFixed
	FramingChunked
)

// Header is one response header line
type Header struct {
	Key string
	Val string
}

// Request is reused across the requests of one connection, see Reset
type Request struct {
	Method  Method
	Version Version
	// raw target, query included
	Path string

	// lower-cased keys, last duplicate wins
	Header map[string]string

	ContentLength    uint64
	HasContentLength bool
	Chunked          bool

	ConnectionClose bool
	ExpectContinue  bool
	UserAgent       UserAgent
}

// Reset clears the request keeping the header map allocation
func (r *Request) Reset() {
	h := r.Header
	if h == nil {
		h = make(map[string]string, 8)
	} else {
		clear(h)
	}
	*r = Request{Header: h, Version: HTTP10}
}

// Get returns a header value by case-insensitive name
func (r *Request) Get(key string) string {
	return r.Header[strings.ToLower(key)]
}

// URLPath is the target without the query string
func (r *Request) URLPath() string {
	if i := strings.IndexByte(r.Path, '?'); i >= 0 {
		return r.Path[:i]
	}
	return r.Path
}

// Query is the raw query string, empty if none
func (r *Request) Query() string {
	if i := strings.IndexByte(r.Path, '?'); i >= 0 {
		return r.Path[i+1:]
	}
	return ""
}

// Framing resolves body framing once headers are complete, chunked wins
func (r *Request) Framing() Framing {
	switch {
	case r.Chunked:
		return FramingChunked
	case r.HasContentLength && r.ContentLength > 0:
		return FramingFixed
	default:
		return FramingNone
	}
}
