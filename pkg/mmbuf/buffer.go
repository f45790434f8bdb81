package mmbuf

import (
	"sync/atomic"
)

// Buffer is a reference counted byte window inside a fixed backing array.
// The space before the window is headroom (for headers), the space after
// is tailroom (for payload and trailers). Nothing ever reallocates.
type Buffer struct {
	data  []byte
	start int
	end   int
	refs  int32
	owner Allocator
}

// New creates a heap buffer with the given headroom and tailroom.
func New(headroom, size int) *Buffer {
	if headroom < 0 || size < 0 {
		return nil
	}
	return &Buffer{
		data:  make([]byte, headroom+size),
		start: headroom,
		end:   headroom,
		refs:  1,
	}
}

// Bytes returns the data window. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[b.start:b.end]
}

// Len returns the number of data bytes.
func (b *Buffer) Len() int {
	return b.end - b.start
}

// Headroom returns the free bytes before the data.
func (b *Buffer) Headroom() int {
	return b.start
}

// Tailroom returns the free bytes after the data.
func (b *Buffer) Tailroom() int {
	return len(b.data) - b.end
}

// Append extends the data window by n bytes at the end and returns them.
// It returns nil if the tailroom is too small.
func (b *Buffer) Append(n int) []byte {
	if n < 0 || b.Tailroom() < n {
		return nil
	}
	p := b.data[b.end : b.end+n]
	b.end += n
	return p
}

// AppendData copies p to the end of the data.
func (b *Buffer) AppendData(p []byte) bool {
	dst := b.Append(len(p))
	if dst == nil {
		return false
	}
	copy(dst, p)
	return true
}

// Prepend extends the data window by n bytes at the start and returns them.
// It returns nil if the headroom is too small.
func (b *Buffer) Prepend(n int) []byte {
	if n < 0 || b.start < n {
		return nil
	}
	b.start -= n
	return b.data[b.start : b.start+n]
}

// PrependData copies p in front of the data.
func (b *Buffer) PrependData(p []byte) bool {
	dst := b.Prepend(len(p))
	if dst == nil {
		return false
	}
	copy(dst, p)
	return true
}

// RemoveFromStart consumes n bytes from the start of the data and returns
// them, or nil if fewer than n bytes are present.
func (b *Buffer) RemoveFromStart(n int) []byte {
	if n < 0 || b.Len() < n {
		return nil
	}
	p := b.data[b.start : b.start+n]
	b.start += n
	return p
}

// RemoveFromEnd consumes n bytes from the end of the data and returns
// them, or nil if fewer than n bytes are present.
func (b *Buffer) RemoveFromEnd(n int) []byte {
	if n < 0 || b.Len() < n {
		return nil
	}
	b.end -= n
	return b.data[b.end : b.end+n]
}

// Reset empties the data window and restores the original headroom.
func (b *Buffer) Reset(headroom int) {
	if headroom > len(b.data) {
		headroom = len(b.data)
	}
	b.start, b.end = headroom, headroom
}

// Ref adds a reference.
func (b *Buffer) Ref() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release drops a reference. The last release returns the buffer to its
// allocator. Releasing nil is a no-op.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	refs := atomic.AddInt32(&b.refs, -1)
	if refs < 0 {
		panic("mmbuf: release of free buffer")
	}
	if refs == 0 && b.owner != nil {
		if r, ok := b.owner.(releaser); ok {
			r.release(b)
		}
	}
}

type releaser interface {
	release(*Buffer)
}
