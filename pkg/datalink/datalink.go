// Package datalink defines the contract between a transport specific
// data-link (SPI, UART) and the link layer control above it.
//
// A data-link moves opaque payloads between controller and agent. It
// reserves its own framing room in the buffers it allocates, takes
// ownership of every buffer passed to Tx, and hands every received
// payload to exactly one RxHandler.
package datalink

import (
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// MaxPayloadSize is the largest payload a single transfer can carry.
const MaxPayloadSize = 0xffff

// Link is an initialized data-link.
type Link interface {
	// AllocTx allocates a buffer with headerSize bytes of headroom for the
	// caller's headers plus the data-link framing, and room for payloadSize
	// bytes of payload plus any trailer.
	AllocTx(headerSize, payloadSize int) *mmbuf.Buffer
	// Tx transmits a buffer and always takes ownership of it. It returns
	// the number of bytes transmitted.
	Tx(buf *mmbuf.Buffer) (int, error)
	// SetDeepSleepMode changes the deep sleep mode, returns false if the
	// mode is not supported.
	SetDeepSleepMode(mode sleep.Mode) bool
	// Close stops the data-link.
	Close() error
}

// RxHandler receives payloads. It takes ownership of the buffer.
type RxHandler interface {
	HandleRx(Link, *mmbuf.Buffer)
}

// HandleRxFunc is func type of RxHandler.
type HandleRxFunc func(Link, *mmbuf.Buffer)

// HandleRx implements RxHandler.
func (f HandleRxFunc) HandleRx(l Link, buf *mmbuf.Buffer) {
	f(l, buf)
}

// Opener initializes a data-link delivering to the handler.
type Opener func(RxHandler) (Link, error)
