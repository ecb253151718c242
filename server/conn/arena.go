package conn

import "github.com/s00inx/embedhttpd/server/engine"

type slot struct {
	s       *Session
	gen     uint32
	borrows int32
}

// Arena owns every live session. Code outside the loop only ever holds a
// Handle (slot + generation), so a session can't be freed under it and a
// stale handle can't reach a newer session in the same slot.
type Arena struct {
	loop  *engine.Loop
	slots []slot
	free  []uint32
	dying []uint32
	live  int
}

func newArena(loop *engine.Loop) *Arena {
	return &Arena{loop: loop}
}

func (a *Arena) Live() int { return a.live }

func (a *Arena) insert(s *Session) uint32 {
	var i uint32
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		i = uint32(len(a.slots) - 1)
	}
	a.slots[i].s = s
	a.live++
	return i
}

func (a *Arena) remove(i uint32) {
	sl := &a.slots[i]
	if sl.s == nil {
		return
	}
	sl.s = nil
	sl.gen++
	sl.borrows = 0
	a.free = append(a.free, i)
	a.live--
}

func (a *Arena) borrow(i uint32) Handle {
	sl := &a.slots[i]
	sl.borrows++
	return Handle{arena: a, slot: i, gen: sl.gen}
}

func (a *Arena) borrowed(i uint32) bool {
	return a.slots[i].borrows > 0
}

func (a *Arena) resolve(h Handle) *Session {
	if int(h.slot) >= len(a.slots) {
		return nil
	}
	sl := &a.slots[h.slot]
	if sl.gen != h.gen {
		return nil
	}
	return sl.s
}

func (a *Arena) put(h Handle) {
	if int(h.slot) >= len(a.slots) {
		return
	}
	sl := &a.slots[h.slot]
	if sl.gen == h.gen && sl.borrows > 0 {
		sl.borrows--
	}
}

// park keeps a destroyed session around until its borrows are gone
func (a *Arena) park(i uint32) {
	a.dying = append(a.dying, i)
}

// Reap tears down parked sessions nobody borrows any more, runs at turn end
func (a *Arena) Reap() {
	if len(a.dying) == 0 {
		return
	}
	dying := a.dying
	a.dying = nil
	for _, i := range dying {
		sl := &a.slots[i]
		if sl.s == nil {
			continue
		}
		if sl.borrows > 0 {
			a.dying = append(a.dying, i)
			continue
		}
		_ = sl.s.teardown()
	}
}

// Handle is a weak reference to a session, safe to carry to other goroutines
type Handle struct {
	arena *Arena
	slot  uint32
	gen   uint32
}

// Do runs fn on the loop if the session is still serving this request,
// the borrow is returned either way. Call it exactly once (or Release).
func (h Handle) Do(fn func(s *Session)) {
	h.arena.loop.Post(func() {
		defer h.arena.put(h)
		s := h.arena.resolve(h)
		if s == nil || s.state >= StateClosing {
			return
		}
		s.call(func() { fn(s) })
	})
}

// Release returns the borrow without running anything
func (h Handle) Release() {
	h.arena.loop.Post(func() { h.arena.put(h) })
}
