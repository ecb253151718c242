package engine

import "sync"

// BufferPool hands out fixed size read buffers.
// streams take a buffer only while they hold unread bytes, so idle
// keep-alive connections don't pin memory
type BufferPool struct {
	size int
	pool sync.Pool
}

func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, 0, size)
		return &b
	}
	return p
}

func (p *BufferPool) Size() int { return p.size }

func (p *BufferPool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:0]
}

func (p *BufferPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}
