package conn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s00inx/embedhttpd/server/protocol"
)

type tagged string

func (t tagged) Applicable(path string) bool {
	return t != "json" || strings.HasSuffix(path, ".json")
}

func (tagged) Handle(*Session, *protocol.Request) {}

func TestRegistryMatch(t *testing.T) {
	reg := NewRegistry()
	reg.Handle("/api", tagged("api"))
	reg.Handle("/data/", tagged("json"))
	reg.Handle("/", tagged("root"))
	require.Equal(t, 3, reg.Len())

	tests := []struct {
		target string
		want   Handler
	}{
		{"/api", tagged("api")},
		{"/api/x?y=1", tagged("api")},
		{"/api?x", tagged("api")},
		{"/apix", tagged("root")},
		{"/data/a.json", tagged("json")},
		{"/data/a.txt", tagged("root")},
		{"/", tagged("root")},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.Match(tt.target))
		})
	}

	assert.Equal(t, notFound{}, NewRegistry().Match("/anything"))
}

func TestMatchPrefix(t *testing.T) {
	assert.True(t, matchPrefix("/a/b", "/a"))
	assert.True(t, matchPrefix("/a", "/a"))
	assert.True(t, matchPrefix("/ab", "/"))
	assert.False(t, matchPrefix("/ab", "/a"))
	assert.False(t, matchPrefix("/", "/a"))
}

func TestArenaGenerations(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	a := h.m.Arena()

	s1 := &Session{}
	i := a.insert(s1)
	stale := a.borrow(i)
	assert.Same(t, s1, a.resolve(stale))
	assert.True(t, a.borrowed(i))

	a.remove(i)
	assert.Nil(t, a.resolve(stale))

	// the slot is reused, the old handle must not reach the new session
	s2 := &Session{}
	j := a.insert(s2)
	require.Equal(t, i, j)
	assert.Nil(t, a.resolve(stale))
	a.put(stale)
	assert.False(t, a.borrowed(j))

	fresh := a.borrow(j)
	assert.Same(t, s2, a.resolve(fresh))
	a.put(fresh)
	assert.False(t, a.borrowed(j))
	assert.Equal(t, 1, a.Live())
}

func TestHandleRelease(t *testing.T) {
	h := newHarness(t, DefaultSettings())
	s, _ := h.open()

	handle := s.Detach()
	require.True(t, h.m.Arena().borrowed(s.slot))
	handle.Release()
	h.turn()
	assert.False(t, h.m.Arena().borrowed(s.slot))
}

func TestIsRFC1918(t *testing.T) {
	for addr, want := range map[string]bool{
		"10.0.0.1":           true,
		"172.16.5.4":         true,
		"172.32.0.1":         false,
		"192.168.0.10":       true,
		"8.8.8.8":            false,
		"::ffff:10.1.1.1":    true,
		"2001:db8::1":        false,
		"127.0.0.1":          false,
		"::ffff:203.0.113.9": false,
	} {
		assert.Equal(t, want, isRFC1918(mustAddr(t, addr)), addr)
	}
}
