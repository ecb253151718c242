// file with epoll settings, the only place that talks to epoll directly
package engine

import (
	"golang.org/x/sys/unix"
)

// Events is a readiness mask as reported by epoll
type Events uint32

const (
	EventRead  Events = unix.EPOLLIN | unix.EPOLLRDHUP
	EventWrite Events = unix.EPOLLOUT

	eventHup Events = unix.EPOLLHUP | unix.EPOLLRDHUP
	eventErr Events = unix.EPOLLERR
)

func (e Events) Readable() bool { return e&(EventRead|eventHup|eventErr) != 0 }
func (e Events) Writable() bool { return e&(EventWrite|eventHup|eventErr) != 0 }

// FDHandler gets the events fired for a registered descriptor
type FDHandler interface {
	HandleEvent(ev Events)
}

type poller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller(maxEvents int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (p *poller) ctl(op, fd int, ev Events) error {
	return unix.EpollCtl(p.fd, op, fd, &unix.EpollEvent{Events: uint32(ev), Fd: int32(fd)})
}

func (p *poller) add(fd int, ev Events) error { return p.ctl(unix.EPOLL_CTL_ADD, fd, ev) }
func (p *poller) mod(fd int, ev Events) error { return p.ctl(unix.EPOLL_CTL_MOD, fd, ev) }
func (p *poller) del(fd int) error            { return p.ctl(unix.EPOLL_CTL_DEL, fd, 0) }

// wait blocks up to msec (-1 forever), EINTR is reported as zero events
func (p *poller) wait(msec int) (int, error) {
	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err == unix.EINTR {
		return 0, nil
	}
	return n, err
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}
