// Package mmbuf provides the transfer buffers handed between the layers of
// the link stack.
//
// A buffer is allocated with enough headroom for every header which will be
// prepended on the way down, so framing never copies the payload. Ownership
// moves with the buffer: whoever holds it last releases it.
package mmbuf
