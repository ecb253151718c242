package conn

import (
	"net/netip"
	"time"

	"go.uber.org/multierr"

	"github.com/s00inx/embedhttpd/internal/log"
	"github.com/s00inx/embedhttpd/server/engine"
	"github.com/s00inx/embedhttpd/server/protocol"
)

// Settings are the per connection protocol knobs
type Settings struct {
	KeepAlive        bool
	KeepAliveTimeout time.Duration
	NetworkTimeout   time.Duration
	// legacy rule: a POST never keeps the connection
	CloseOnPost   bool
	RFC1918Filter bool

	WorkingBufferSize int
	LowWaterMark      int
}

func DefaultSettings() Settings {
	return Settings{
		KeepAlive:         true,
		KeepAliveTimeout:  20 * time.Second,
		NetworkTimeout:    30 * time.Second,
		CloseOnPost:       true,
		WorkingBufferSize: 4096,
		LowWaterMark:      256,
	}
}

// Observer receives request level events, metrics plug in here
type Observer interface {
	Request(m protocol.Method)
	Response(code int)
	ProtocolError(code int)
}

type Option func(*Manager)

func WithLogger(l log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithReleaseFunc is called once for every session torn down,
// the admission controller's Release goes here
func WithReleaseFunc(fn func()) Option {
	return func(m *Manager) { m.release = fn }
}

// Manager creates sessions and holds what they share:
// the registry, the arena and the response working buffer
type Manager struct {
	loop     *engine.Loop
	registry *Registry
	settings Settings
	arena    *Arena

	work []byte // shared, only used inside one drain call
	head []byte // header scratch

	nextID   uint64
	observer Observer
	release  func()
	logger   log.Logger
}

func NewManager(loop *engine.Loop, registry *Registry, settings Settings, opts ...Option) *Manager {
	def := DefaultSettings()
	if settings.WorkingBufferSize < 64 {
		settings.WorkingBufferSize = def.WorkingBufferSize
	}
	if settings.LowWaterMark <= 0 {
		settings.LowWaterMark = def.LowWaterMark
	}
	if settings.KeepAliveTimeout <= 0 {
		settings.KeepAliveTimeout = def.KeepAliveTimeout
	}
	if settings.NetworkTimeout <= 0 {
		settings.NetworkTimeout = def.NetworkTimeout
	}

	m := &Manager{
		loop:     loop,
		registry: registry,
		settings: settings,
		arena:    newArena(loop),
		work:     make([]byte, settings.WorkingBufferSize),
		head:     make([]byte, 0, 512),
		logger:   log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	loop.OnTurnEnd(m.arena.Reap)
	return m
}

func (m *Manager) Settings() Settings { return m.settings }
func (m *Manager) Arena() *Arena      { return m.arena }
func (m *Manager) Len() int           { return m.arena.live }

// Open starts a session over st, it owns st from now on
func (m *Manager) Open(st engine.Stream, peer, local netip.AddrPort, tls bool) *Session {
	m.nextID++
	s := &Session{
		id:     m.nextID,
		peer:   peer,
		local:  local,
		tls:    tls,
		m:      m,
		stream: st,
		state:  StateInit,
	}
	s.req.Reset()
	s.logger = m.logger.With("conn", s.id, "peer", peer.String())
	s.slot = m.arena.insert(s)
	s.timer = m.loop.AfterFunc(m.settings.NetworkTimeout, s.onTimeout)
	st.SetHandler(s)

	s.logger.Debug("connection opened")
	// bytes may already be waiting
	st.Kick()
	return s
}

// Close tears down every session, borrowed or not
func (m *Manager) Close() error {
	var err error
	for i := range m.arena.slots {
		s := m.arena.slots[i].s
		if s == nil {
			continue
		}
		s.state = StateCleanup
		s.timer.Stop()
		err = multierr.Append(err, s.teardown())
	}
	m.arena.dying = nil
	return err
}

func (m *Manager) remove(s *Session) {
	m.arena.remove(s.slot)
	if m.release != nil {
		m.release()
	}
}
