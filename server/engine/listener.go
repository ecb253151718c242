// listening sockets: address resolution, socket options, sockaddr conversion
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

var ErrAddress = errors.New("engine: bad listen address")

// Listener is one bound, listening socket
type Listener struct {
	fd      int
	addr    netip.AddrPort
	tls     bool
	blocked bool
	adm     *Admission
}

func (l *Listener) Addr() netip.AddrPort { return l.addr }
func (l *Listener) TLS() bool            { return l.tls }
func (l *Listener) Blocked() bool        { return l.blocked }

func (l *Listener) HandleEvent(Events) {
	l.adm.acceptBurst(l)
	l.adm.checkCeiling()
}

// resolveListen expands host/port into the addresses to bind,
// empty or "*" host means every IPv4 and IPv6 address
func resolveListen(host, port string) ([]netip.AddrPort, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		n, lerr := net.LookupPort("tcp", port)
		if lerr != nil {
			return nil, fmt.Errorf("%w: port %q", ErrAddress, port)
		}
		p = uint64(n)
	}

	if host == "" || host == "*" {
		return []netip.AddrPort{
			netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(p)),
			netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(p)),
		}, nil
	}

	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(a.Unmap(), uint16(p))}, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q: %v", ErrAddress, host, err)
	}

	out := make([]netip.AddrPort, 0, len(ips))
	seen := make(map[netip.Addr]struct{}, len(ips))
	for _, ip := range ips {
		ip = ip.Unmap()
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, netip.AddrPortFrom(ip, uint16(p)))
	}
	return out, nil
}

type socketOptions struct {
	backlog      int
	tcpKeepAlive int // seconds between probes, 0 = off
}

func setSockOpt(fd, level, opt, value int, name string) error {
	if err := unix.SetsockoptInt(fd, level, opt, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	return nil
}

// listenSocket creates a non-blocking socket, binds and starts listening
func listenSocket(ap netip.AddrPort, opts socketOptions) (int, netip.AddrPort, error) {
	family := unix.AF_INET
	if ap.Addr().Is6() {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, ap, err
	}

	if err := configureListener(fd, family, opts); err != nil {
		_ = unix.Close(fd)
		return -1, ap, err
	}

	if err := unix.Bind(fd, toSockaddr(ap)); err != nil {
		_ = unix.Close(fd)
		return -1, ap, err
	}

	if err := unix.Listen(fd, opts.backlog); err != nil {
		_ = unix.Close(fd)
		return -1, ap, err
	}

	// port 0 gets resolved by the kernel
	bound := ap
	if sa, err := unix.Getsockname(fd); err == nil {
		if got, ok := fromSockaddr(sa); ok {
			bound = got
		}
	}
	return fd, bound, nil
}

func configureListener(fd, family int, opts socketOptions) error {
	if err := setSockOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1, "SO_REUSEADDR"); err != nil {
		return err
	}
	if family == unix.AF_INET6 {
		if err := setSockOpt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1, "IPV6_V6ONLY"); err != nil {
			return err
		}
	}

	// accepted sockets inherit these
	if opts.tcpKeepAlive > 0 {
		for _, o := range []struct {
			level, opt, val int
			name            string
		}{
			{unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 1, "TCP_KEEPIDLE"},
			{unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, opts.tcpKeepAlive, "TCP_KEEPINTVL"},
			{unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3, "TCP_KEEPCNT"},
			{unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1, "SO_KEEPALIVE"},
		} {
			if err := setSockOpt(fd, o.level, o.opt, o.val, o.name); err != nil {
				return err
			}
		}
	}
	return nil
}

func toSockaddr(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
}

func fromSockaddr(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), true
	}
	return netip.AddrPort{}, false
}
