package protocol

// lookup table for reason phrases
// flat list instead of map bc codes are fixed
var statusTable = [506]string{
	// 1xx
	100: "Continue",
	101: "Switching Protocols",

	// 2xx
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",

	// 3xx
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",

	// 4xx
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Request Entity Too Large",
	414: "Request-URI Too Long",
	415: "Unsupported Media Type",

	// 5xx
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// for fast access
var (
	colon     = []byte(": ")
	hexdigits = "0123456789abcdef"

	// Continue is the interim reply to "Expect: 100-continue"
	Continue = []byte("HTTP/1.1 100 Continue\r\n\r\n")
	// LastChunk terminates a chunked body
	LastChunk = []byte("0\r\n\r\n")
	// CRLF ends a chunk's data and the header block
	CRLF = crlf
)

// StatusText returns the reason phrase, empty when unknown
func StatusText(code int) string {
	if code < 0 || code >= len(statusTable) {
		return ""
	}
	return statusTable[code]
}

// AppendUint writes n in decimal without allocating
// uint bc / 10 (and % 10) on unsigned is a multiply by invariant
func AppendUint(dst []byte, n uint64) []byte {
	if n == 0 {
		return append(dst, '0')
	}

	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n%10) + '0'
		n /= 10
	}
	return append(dst, tmp[i:]...)
}

// AppendStatusLine writes "HTTP/x.y NNN reason\r\n", reason falls back to the table
func AppendStatusLine(dst []byte, v Version, code int, reason string) []byte {
	if code < 100 || code > 999 {
		code = 500
	}
	if reason == "" {
		reason = StatusText(code)
	}

	dst = append(dst, v.String()...)
	dst = append(dst, ' ')
	dst = AppendUint(dst, uint64(code))
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	return append(dst, crlf...)
}

// AppendHeader writes "key: val\r\n"
func AppendHeader(dst []byte, key, val string) []byte {
	dst = append(dst, key...)
	dst = append(dst, colon...)
	dst = append(dst, val...)
	return append(dst, crlf...)
}

// AppendChunkHeader writes the hex size line of a chunk
func AppendChunkHeader(dst []byte, n int) []byte {
	if n <= 0 {
		return append(dst, '0', '\r', '\n')
	}

	var tmp [16]byte
	i := len(tmp)
	for u := uint(n); u > 0; u >>= 4 {
		i--
		tmp[i] = hexdigits[u&0xf]
	}
	dst = append(dst, tmp[i:]...)
	return append(dst, crlf...)
}

// ChunkHeaderSize is how many bytes AppendChunkHeader needs for n
func ChunkHeaderSize(n int) int {
	size := 3
	for u := uint(n) >> 4; u > 0; u >>= 4 {
		size++
	}
	return size
}
