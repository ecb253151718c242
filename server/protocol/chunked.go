package protocol

import "bytes"

type chunkPhase uint8

const (
	phaseSize chunkPhase = iota
	phaseData
	phaseDataEnd
)

// maximum chunk size we accept, keeps the hex accumulator from overflowing
const maxChunkSize = 1 << 60

// BodyDecoder walks the framing of a request body over the session's read buffer.
// It never copies: Next hands back a slice of the buffer and the caller
// reports through Forward how many of those bytes it actually took.
type BodyDecoder struct {
	framing   Framing
	phase     chunkPhase
	remaining uint64
	done      bool
	aborted   bool
}

// NewBodyDecoder starts decoding a body with the given framing,
// length only matters for FramingFixed
func NewBodyDecoder(f Framing, length uint64) BodyDecoder {
	d := BodyDecoder{framing: f}
	switch f {
	case FramingFixed:
		d.remaining = length
		d.done = length == 0
	case FramingChunked:
		d.phase = phaseSize
	default:
		d.done = true
	}
	return d
}

func (d *BodyDecoder) Done() bool       { return d.done }
func (d *BodyDecoder) Aborted() bool    { return d.aborted }
func (d *BodyDecoder) Framing() Framing { return d.framing }

// Remaining is what is left of the current fixed body or chunk
func (d *BodyDecoder) Remaining() uint64 { return d.remaining }

// Abort completes the body with nothing left, the connection can't be reused after it
func (d *BodyDecoder) Abort() {
	d.remaining = 0
	d.done = true
	d.aborted = true
}

// Next skips the framing bytes at the head of buf and returns how many it skipped
// plus the body bytes that directly follow them. data is never longer than
// what the current chunk (or fixed body) still owes.
func (d *BodyDecoder) Next(buf []byte) (skip int, data []byte) {
	if d.done {
		return 0, nil
	}

	if d.framing == FramingFixed {
		n := min(uint64(len(buf)), d.remaining)
		return 0, buf[:n]
	}

	for {
		switch d.phase {
		case phaseSize:
			line, n, ok := ScanLine(buf[skip:])
			if !ok {
				return skip, nil
			}
			skip += n

			size, ok := parseChunkSize(line)
			if !ok {
				d.Abort()
				return skip, nil
			}
			// zero chunk ends the body; the trailer and its closing blank
			// line are left buffered for the caller to skip
			if size == 0 {
				d.done = true
				return skip, nil
			}
			d.remaining = size
			d.phase = phaseData

		case phaseData:
			if skip == len(buf) {
				return skip, nil
			}
			n := min(uint64(len(buf)-skip), d.remaining)
			return skip, buf[skip : skip+int(n)]

		case phaseDataEnd:
			if len(buf)-skip < 2 {
				return skip, nil
			}
			if buf[skip] != '\r' || buf[skip+1] != '\n' {
				d.Abort()
				return skip, nil
			}
			skip += 2
			d.phase = phaseSize
		}
	}
}

// Forward records that n of the bytes returned by Next were taken
func (d *BodyDecoder) Forward(n int) {
	if n <= 0 || d.done {
		return
	}
	d.remaining -= uint64(n)
	if d.remaining > 0 {
		return
	}

	if d.framing == FramingFixed {
		d.done = true
		return
	}
	d.phase = phaseDataEnd
}

// hex size, chunk extensions after ';' are ignored
func parseChunkSize(line []byte) (uint64, bool) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return 0, false
	}

	var n uint64
	for _, c := range line {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			return 0, false
		}
		if n >= maxChunkSize {
			return 0, false
		}
		n = n<<4 | uint64(v)
	}
	return n, true
}
