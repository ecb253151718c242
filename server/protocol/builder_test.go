package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func BenchmarkAppendStatusLine(b *testing.B) {
	dst := make([]byte, 0, 256)

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		dst = AppendStatusLine(dst[:0], HTTP11, 200, "")
		dst = AppendHeader(dst, "Content-Type", "application/json")
	}
}

func TestAppendStatusLine(t *testing.T) {
	tests := []struct {
		name   string
		v      Version
		code   int
		reason string
		want   string
	}{
		{"ok", HTTP11, 200, "OK", "HTTP/1.1 200 OK\r\n"},
		{"table reason", HTTP10, 404, "", "HTTP/1.0 404 Not Found\r\n"},
		{"custom reason", HTTP11, 418, "Teapot", "HTTP/1.1 418 Teapot\r\n"},
		{"too large", HTTP11, 413, "", "HTTP/1.1 413 Request Entity Too Large\r\n"},
		{"out of range", HTTP11, 42, "", "HTTP/1.1 500 Internal Server Error\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(AppendStatusLine(nil, tt.v, tt.code, tt.reason)))
		})
	}
}

func TestAppendChunkHeader(t *testing.T) {
	for n, want := range map[int]string{0: "0\r\n", 4: "4\r\n", 10: "a\r\n", 4096: "1000\r\n", 255: "ff\r\n"} {
		got := AppendChunkHeader(nil, n)
		assert.Equal(t, want, string(got))
		assert.Equal(t, len(got), ChunkHeaderSize(n), "n=%d", n)
	}
}

func TestAppendUint(t *testing.T) {
	assert.Equal(t, "0", string(AppendUint(nil, 0)))
	assert.Equal(t, "x11", string(AppendUint([]byte("x"), 11)))
	assert.Equal(t, "18446744073709551615", string(AppendUint(nil, ^uint64(0))))
}

func TestAppendHeader(t *testing.T) {
	assert.Equal(t, "Keep-Alive: timeout=20\r\n", string(AppendHeader(nil, "Keep-Alive", "timeout=20")))
}
