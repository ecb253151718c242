// single threaded event loop: epoll readiness, timers, end of turn hooks
// everything registered here runs on the goroutine that called Run
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/s00inx/embedhttpd/internal/log"
)

const defaultMaxEvents = 128

var (
	ErrLoopRunning = errors.New("engine: loop already running")
	ErrLoopClosed  = errors.New("engine: loop closed")
)

type LoopOption func(*Loop)

// WithLogger sets the logger used by the loop
func WithLogger(l log.Logger) LoopOption {
	return func(lp *Loop) { lp.logger = l }
}

// WithMaxEvents caps the events handled per epoll_wait
func WithMaxEvents(n int) LoopOption {
	return func(lp *Loop) {
		if n > 0 {
			lp.maxEvents = n
		}
	}
}

type Loop struct {
	poller    *poller
	maxEvents int
	wakefd    int // eventfd used by Post and Stop

	handlers map[int]FDHandler
	timers   timerHeap
	deferred []func()
	hooks    []func()

	mu      sync.Mutex
	posted  []func()
	waking  atomic.Bool
	running atomic.Bool
	stopped atomic.Bool
	closed  atomic.Bool

	logger log.Logger
}

func NewLoop(opts ...LoopOption) (*Loop, error) {
	l := &Loop{
		maxEvents: defaultMaxEvents,
		handlers:  make(map[int]FDHandler),
		logger:    log.DiscardLogger,
	}
	for _, opt := range opts {
		opt(l)
	}

	p, err := newPoller(l.maxEvents)
	if err != nil {
		return nil, fmt.Errorf("engine: epoll create: %w", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("engine: eventfd: %w", err)
	}
	if err := p.add(wfd, unix.EPOLLIN); err != nil {
		_ = p.close()
		_ = unix.Close(wfd)
		return nil, fmt.Errorf("engine: register eventfd: %w", err)
	}

	l.poller = p
	l.wakefd = wfd
	return l, nil
}

// Register starts delivering events for fd to h
func (l *Loop) Register(fd int, h FDHandler, ev Events) error {
	if err := l.poller.add(fd, ev); err != nil {
		return err
	}
	l.handlers[fd] = h
	return nil
}

// Modify changes the interest set of a registered fd
func (l *Loop) Modify(fd int, ev Events) error {
	return l.poller.mod(fd, ev)
}

// Unregister stops delivery for fd, the fd itself stays open
func (l *Loop) Unregister(fd int) error {
	delete(l.handlers, fd)
	return l.poller.del(fd)
}

// AfterFunc arms a timer that calls fn on the loop after d
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := l.NewTimer(fn)
	t.Reset(d)
	return t
}

// NewTimer creates a disarmed timer
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn, index: -1}
}

// Defer runs fn at the end of the current turn
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// OnTurnEnd registers a hook that runs after every turn
func (l *Loop) OnTurnEnd(fn func()) {
	l.hooks = append(l.hooks, fn)
}

// Post queues fn for the loop goroutine, safe from anywhere
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wake()
}

// Stop makes Run return after the current turn, idempotent
func (l *Loop) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		l.wake()
	}
}

func (l *Loop) Running() bool { return l.running.Load() }

// Run drives the loop until Stop is called or ctx is done
func (l *Loop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	for !l.stopped.Load() {
		if err := l.turn(l.nextTimeout()); err != nil {
			return err
		}
	}
	return nil
}

// Poll runs a single turn waiting at most d for readiness
func (l *Loop) Poll(d time.Duration) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	msec := int(d / time.Millisecond)
	if next := l.nextTimeout(); next >= 0 && next < msec {
		msec = next
	}
	return l.turn(msec)
}

func (l *Loop) turn(msec int) error {
	n, err := l.poller.wait(msec)
	if err != nil {
		return fmt.Errorf("engine: epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := l.poller.events[i]
		fd := int(ev.Fd)
		if fd == l.wakefd {
			l.drainWake()
			continue
		}
		// handler may be gone if an earlier event in this batch closed it
		if h, ok := l.handlers[fd]; ok {
			h.HandleEvent(Events(ev.Events))
		}
	}

	l.runPosted()
	l.runTimers()
	l.endTurn()
	return nil
}

// -1 blocks, 0 when work is already queued
func (l *Loop) nextTimeout() int {
	if len(l.deferred) > 0 || l.stopped.Load() {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].when)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heapPop(&l.timers)
		t.fn()
	}
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
}

// deferred callbacks queued while running are left for the next turn
func (l *Loop) endTurn() {
	deferred := l.deferred
	l.deferred = nil
	for _, fn := range deferred {
		fn()
	}
	for _, fn := range l.hooks {
		fn()
	}
}

func (l *Loop) wake() {
	if !l.waking.CompareAndSwap(false, true) {
		return
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(l.wakefd, b[:]); err != nil && err != unix.EAGAIN {
		l.logger.Warnf("engine: eventfd write: %v", err)
	}
}

func (l *Loop) drainWake() {
	var b [8]byte
	_, _ = unix.Read(l.wakefd, b[:])
	l.waking.Store(false)
}

// Close releases epoll and eventfd, registered fds are left to their owners
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	// wake never touches the eventfd again, its number may be reused
	l.waking.Store(true)
	err := l.poller.close()
	if cerr := unix.Close(l.wakefd); err == nil {
		err = cerr
	}
	return err
}
