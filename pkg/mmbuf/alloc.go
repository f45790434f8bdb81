package mmbuf

import (
	"sync"
	"sync/atomic"
)

// Allocator creates buffers. Alloc returns nil when it is exhausted.
type Allocator interface {
	Alloc(headroom, size int) *Buffer
}

// AllocFunc is func type of Allocator.
type AllocFunc func(headroom, size int) *Buffer

// Alloc implements Allocator.
func (f AllocFunc) Alloc(headroom, size int) *Buffer {
	return f(headroom, size)
}

// Heap allocates from the Go heap and never fails.
var Heap Allocator = AllocFunc(New)

// Pool limits the number of outstanding buffers.
type Pool struct {
	// Limit is the number of buffers which can be held at once,
	// 0 means unlimited.
	Limit int

	lock     sync.Mutex
	inUse    int
	failures uint64
}

// NewPool creates a Pool.
func NewPool(limit int) *Pool {
	return &Pool{Limit: limit}
}

// Alloc implements Allocator.
func (p *Pool) Alloc(headroom, size int) *Buffer {
	p.lock.Lock()
	if p.Limit > 0 && p.inUse >= p.Limit {
		p.lock.Unlock()
		atomic.AddUint64(&p.failures, 1)
		return nil
	}
	p.inUse++
	p.lock.Unlock()
	b := New(headroom, size)
	if b == nil {
		p.release(nil)
		return nil
	}
	b.owner = p
	return b
}

// InUse returns the number of outstanding buffers.
func (p *Pool) InUse() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inUse
}

// Failures returns the number of failed allocations.
func (p *Pool) Failures() uint64 {
	return atomic.LoadUint64(&p.failures)
}

func (p *Pool) release(*Buffer) {
	p.lock.Lock()
	p.inUse--
	p.lock.Unlock()
}
