package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &m))
	return m
}

func TestZapLevels(t *testing.T) {
	buf := new(bytes.Buffer)
	l := New(WarnLevel, buf)

	l.Info("dropped")
	require.NoError(t, l.Sync())
	assert.Zero(t, buf.Len())

	l.Warnf("accept: %s", "EMFILE")
	require.NoError(t, l.Sync())
	m := decode(t, buf.Bytes())
	assert.Equal(t, "accept: EMFILE", m["msg"])
	assert.Equal(t, "warn", m["level"])

	assert.False(t, l.Enabled(DebugLevel))
	assert.True(t, l.Enabled(ErrorLevel))
}

func TestZapWith(t *testing.T) {
	buf := new(bytes.Buffer)
	l := New(DebugLevel, buf)

	l.With("conn", uint64(7), "peer", "127.0.0.1:5000", "err", errors.New("boom"), "dangling").Debug("closing")
	require.NoError(t, l.Sync())

	m := decode(t, buf.Bytes())
	assert.Equal(t, "closing", m["msg"])
	assert.EqualValues(t, 7, m["conn"])
	assert.Equal(t, "127.0.0.1:5000", m["peer"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, "dangling", m["_"])

	assert.Same(t, l, l.With())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", DebugLevel, false},
		{"", InfoLevel, false},
		{"INFO", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"loud", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscard(t *testing.T) {
	assert.False(t, DiscardLogger.Enabled(ErrorLevel))
	assert.Equal(t, DiscardLogger, DiscardLogger.With("k", "v"))
}
