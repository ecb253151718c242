// Server wires the pieces: loop, admission, sessions, dispatch handlers
package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/s00inx/embedhttpd/internal/log"
	"github.com/s00inx/embedhttpd/server/conn"
	"github.com/s00inx/embedhttpd/server/engine"
	"github.com/s00inx/embedhttpd/server/metrics"
	"github.com/s00inx/embedhttpd/server/router"
	"github.com/s00inx/embedhttpd/server/static"
)

var (
	ErrRunning = errors.New("server: already running")
	ErrNoTLS   = errors.New("server: tls listener without a stream wrapper")
)

// how long teardown waits for async API jobs
const jobGrace = 5 * time.Second

type Option func(*Server)

func WithLogger(l log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegistry collects the server metrics into reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.prom = reg }
}

// WithStreamWrapper serves the TLS listeners through w
func WithStreamWrapper(w engine.StreamWrapper) Option {
	return func(s *Server) { s.wrap = w }
}

// WithHandler registers h ahead of the built in handlers
func WithHandler(prefix string, h conn.Handler) Option {
	return func(s *Server) { s.extra = append(s.extra, route{prefix, h}) }
}

type route struct {
	prefix string
	h      conn.Handler
}

type Server struct {
	cfg    Config
	logger log.Logger

	loop      *engine.Loop
	admission *engine.Admission
	manager   *conn.Manager
	registry  *conn.Registry
	bufs      *engine.BufferPool

	api     *router.API
	metrics *metrics.Metrics
	prom    *prometheus.Registry
	wrap    engine.StreamWrapper
	extra   []route

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: log.DiscardLogger,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.prom == nil {
		s.prom = prometheus.NewRegistry()
	}

	loop, err := engine.NewLoop(engine.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.loop = loop
	s.bufs = engine.NewBufferPool(cfg.ReadBufferSize)
	s.metrics = metrics.New(s.prom)
	s.registry = conn.NewRegistry()

	s.api = router.New(cfg.APIPrefix,
		router.WithMaxBodySize(cfg.MaxBodySize),
		router.WithMaxJobs(cfg.MaxAsyncJobs),
		router.WithLogger(s.logger),
	)

	s.manager = conn.NewManager(loop, s.registry, cfg.settings(),
		conn.WithLogger(s.logger),
		conn.WithObserver(s.metrics),
		conn.WithReleaseFunc(func() { s.admission.Release() }),
	)

	s.admission = engine.NewAdmission(loop, s.accept,
		engine.WithCeiling(cfg.MaxConnections),
		engine.WithPollInterval(cfg.pollInterval()),
		engine.WithBacklog(cfg.Backlog),
		engine.WithTCPKeepAlive(cfg.TCPKeepAlive),
		engine.WithAdmissionLogger(s.logger),
		engine.WithObserver(s.metrics),
	)
	return s, nil
}

// API is where JSON routes are registered, before Run
func (s *Server) API() *router.API { return s.api }

func (s *Server) Registry() *prometheus.Registry { return s.prom }

// Listen registers the handlers and binds every configured address,
// any failure is fatal and leaves nothing bound
func (s *Server) Listen() error {
	if s.wrap == nil {
		for _, lc := range s.cfg.Listen {
			if lc.TLS {
				return fmt.Errorf("%w: %s:%s", ErrNoTLS, lc.Host, lc.Port)
			}
		}
	}

	for _, r := range s.extra {
		s.registry.Handle(r.prefix, r.h)
	}
	if s.cfg.MetricsPath != "" {
		s.registry.Handle(s.cfg.MetricsPath, metrics.NewHandler(s.prom))
	}
	if s.cfg.APIPrefix != "" {
		s.registry.Handle(s.api.Prefix(), s.api)
	}
	if s.cfg.DocumentRoot != "" {
		s.registry.Handle("/", static.New(s.cfg.DocumentRoot,
			static.WithIndex(s.cfg.IndexFile),
			static.WithLogger(s.logger),
		))
	}

	for _, lc := range s.cfg.Listen {
		if err := s.admission.Bind(lc.Host, lc.Port, lc.TLS); err != nil {
			_ = s.admission.Close()
			return fmt.Errorf("listen %s:%s: %w", lc.Host, lc.Port, err)
		}
	}
	for _, ap := range s.admission.Addrs() {
		s.logger.Infof("listening on %s", ap)
	}
	return nil
}

func (s *Server) Addrs() []netip.AddrPort { return s.admission.Addrs() }

// accept turns an admitted fd into a session
func (s *Server) accept(fd int, peer, local netip.AddrPort, tls bool) error {
	st, err := engine.NewFDStream(s.loop, fd, s.bufs)
	if err != nil {
		return err
	}

	var stream engine.Stream = st
	if tls {
		if stream, err = s.wrap(st); err != nil {
			// the caller closes fd
			_ = s.loop.Unregister(fd)
			return fmt.Errorf("tls: %w", err)
		}
	}
	s.manager.Open(stream, peer, local, tls)
	return nil
}

// Run serves until ctx is done or Shutdown is called, then tears everything down
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(s.done)

	err := s.loop.Run(ctx)
	return multierr.Append(err, s.close())
}

// Shutdown stops a running server and waits for Run to finish
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return s.close()
	}
	s.loop.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	ctx, cancel := context.WithTimeout(context.Background(), jobGrace)
	defer cancel()
	if werr := s.api.Wait(ctx); werr != nil {
		s.logger.Warnf("api jobs still running at shutdown: %v", werr)
	}

	err = multierr.Append(err, s.admission.Close())
	err = multierr.Append(err, s.manager.Close())
	err = multierr.Append(err, s.loop.Close())
	s.logger.Info("server stopped")
	return err
}
