// admission control: accept bursts, connection ceiling,
// blocking and re-polling listeners
package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/s00inx/embedhttpd/internal/log"
)

// AcceptFunc turns an accepted fd into a connection.
// On error the fd is closed and the connection is not counted.
type AcceptFunc func(fd int, peer, local netip.AddrPort, tls bool) error

// AdmissionObserver is told about admission changes, metrics plug in here
type AdmissionObserver interface {
	Accepted()
	Released()
	Blocked(n int)
}

type AdmissionOption func(*Admission)

// WithCeiling caps open connections, 0 disables the cap
func WithCeiling(n int) AdmissionOption {
	return func(a *Admission) { a.ceiling = n }
}

// WithPollInterval sets the delay before blocked listeners are retried
func WithPollInterval(d time.Duration) AdmissionOption {
	return func(a *Admission) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithBacklog(n int) AdmissionOption {
	return func(a *Admission) {
		if n > 0 {
			a.sockopts.backlog = n
		}
	}
}

// WithTCPKeepAlive enables keepalive probes every n seconds on accepted sockets
func WithTCPKeepAlive(n int) AdmissionOption {
	return func(a *Admission) { a.sockopts.tcpKeepAlive = n }
}

func WithAdmissionLogger(l log.Logger) AdmissionOption {
	return func(a *Admission) { a.logger = l }
}

func WithObserver(o AdmissionObserver) AdmissionOption {
	return func(a *Admission) { a.observer = o }
}

// Admission owns the listeners and the connection count
type Admission struct {
	loop   *Loop
	accept AcceptFunc

	listeners []*Listener
	count     int
	blocked   int
	ceiling   int
	interval  time.Duration
	poll      *Timer

	sockopts socketOptions
	observer AdmissionObserver
	logger   log.Logger
}

func NewAdmission(loop *Loop, accept AcceptFunc, opts ...AdmissionOption) *Admission {
	a := &Admission{
		loop:     loop,
		accept:   accept,
		interval: time.Millisecond,
		sockopts: socketOptions{backlog: 128},
		logger:   log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.poll = loop.NewTimer(a.pollListeners)
	return a
}

func (a *Admission) Count() int   { return a.count }
func (a *Admission) Blocked() int { return a.blocked }
func (a *Admission) Ceiling() int { return a.ceiling }

func (a *Admission) Listeners() []*Listener { return a.listeners }

// Addrs lists the bound addresses, ports resolved
func (a *Admission) Addrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l.addr)
	}
	return out
}

// Bind opens one listener per resolved address and starts accepting on them.
// A wildcard host skips an address family the kernel does not support;
// any other failure closes what was opened and is returned.
func (a *Admission) Bind(host, port string, tls bool) error {
	addrs, err := resolveListen(host, port)
	if err != nil {
		return err
	}
	wildcard := host == "" || host == "*"

	opened := make([]*Listener, 0, len(addrs))
	for _, ap := range addrs {
		fd, bound, err := listenSocket(ap, a.sockopts)
		if err != nil {
			if wildcard && errors.Is(err, unix.EAFNOSUPPORT) {
				a.logger.Warnf("skip %s: %v", ap, err)
				continue
			}
			err = fmt.Errorf("bind %s: %w", ap, err)
			for _, l := range opened {
				err = multierr.Append(err, unix.Close(l.fd))
			}
			return err
		}
		opened = append(opened, &Listener{fd: fd, addr: bound, tls: tls, adm: a})
	}

	if len(opened) == 0 {
		return fmt.Errorf("%w: nothing bound for %s:%s", ErrAddress, host, port)
	}

	for i, l := range opened {
		if err := a.loop.Register(l.fd, l, EventRead); err != nil {
			err = fmt.Errorf("register %s: %w", l.addr, err)
			for _, o := range opened[:i] {
				_ = a.loop.Unregister(o.fd)
			}
			for _, o := range opened {
				err = multierr.Append(err, unix.Close(o.fd))
			}
			return err
		}
	}

	a.listeners = append(a.listeners, opened...)
	for _, l := range opened {
		a.logger.Infof("listening on %s (tls=%t)", l.addr, l.tls)
	}
	return nil
}

func (a *Admission) full() bool {
	return a.ceiling > 0 && a.count >= a.ceiling
}

// acceptBurst accepts until EAGAIN or the ceiling
func (a *Admission) acceptBurst(l *Listener) {
	for !a.full() {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
			default:
				a.logger.Warnf("accept on %s: %v", l.addr, err)
			}
			return
		}

		peer, _ := fromSockaddr(sa)
		local := l.addr
		if lsa, err := unix.Getsockname(nfd); err == nil {
			if got, ok := fromSockaddr(lsa); ok {
				local = got
			}
		}

		a.count++
		if err := a.accept(nfd, peer, local, l.tls); err != nil {
			a.count--
			_ = unix.Close(nfd)
			a.logger.Warnf("drop connection from %s: %v", peer, err)
			continue
		}
		if a.observer != nil {
			a.observer.Accepted()
		}
	}
}

// checkCeiling takes every active listener out of the loop once the cap is hit
func (a *Admission) checkCeiling() {
	if !a.full() {
		return
	}
	for _, l := range a.listeners {
		if l.blocked {
			continue
		}
		if err := a.loop.Unregister(l.fd); err != nil {
			a.logger.Warnf("block %s: %v", l.addr, err)
		}
		l.blocked = true
		a.blocked++
	}
	a.logger.Debugf("connection ceiling %d reached, %d listeners blocked", a.ceiling, a.blocked)
	if a.observer != nil {
		a.observer.Blocked(a.blocked)
	}
}

// pollListeners gives blocked listeners a turn one at a time,
// a listener stays blocked if its burst hits the ceiling again
func (a *Admission) pollListeners() {
	if a.blocked == 0 || a.full() {
		return
	}

	for _, l := range a.listeners {
		if !l.blocked {
			continue
		}

		a.acceptBurst(l)
		if a.full() {
			break
		}

		if err := a.loop.Register(l.fd, l, EventRead); err != nil {
			a.logger.Warnf("unblock %s: %v", l.addr, err)
			continue
		}
		l.blocked = false
		a.blocked--
	}

	if a.observer != nil {
		a.observer.Blocked(a.blocked)
	}
}

// Release is the paired decrement for every accepted connection
func (a *Admission) Release() {
	if a.count > 0 {
		a.count--
	}
	if a.observer != nil {
		a.observer.Released()
	}
	if a.blocked > 0 {
		a.poll.Reset(a.interval)
	}
}

// Close closes every listener socket
func (a *Admission) Close() error {
	a.poll.Stop()

	var err error
	for _, l := range a.listeners {
		if !l.blocked {
			_ = a.loop.Unregister(l.fd)
		}
		err = multierr.Append(err, unix.Close(l.fd))
	}
	a.listeners = nil
	a.blocked = 0
	return err
}
