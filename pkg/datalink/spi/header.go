package spi

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes.
const (
	// HeaderSize is the size of the transfer header sent by the controller.
	HeaderSize = 3
	// LengthSize is the size of the length prefix sent in reply to READ and
	// REREAD.
	LengthSize = 2
	// CRCSize is the size of the transaction CRC trailer.
	CRCSize = 2
	// ITTransferMaxLength is the largest transfer done with interrupts,
	// anything longer uses DMA.
	ITTransferMaxLength = 16
	// AllocPaddingBytes is the extra tailroom reserved in transmit buffers.
	AllocPaddingBytes = 1
)

// PayloadType is the type byte of a transfer header or the ACK trailer.
type PayloadType uint8

// Payload types.
const (
	PayloadNACK PayloadType = iota
	PayloadACK
	PayloadWrite
	PayloadRead
	PayloadReread
)

var payloadTypeNames = []string{"NACK", "ACK", "WRITE", "READ", "REREAD"}

// String implements fmt.Stringer.
func (t PayloadType) String() string {
	if int(t) < len(payloadTypeNames) {
		return payloadTypeNames[t]
	}
	return fmt.Sprintf("PayloadType(%d)", uint8(t))
}

// Header is the transfer header written by the controller.
type Header struct {
	Type   PayloadType
	Length uint16
}

// Put encodes the header into p, which must hold HeaderSize bytes.
func (h Header) Put(p []byte) {
	p[0] = byte(h.Type)
	binary.LittleEndian.PutUint16(p[1:HeaderSize], h.Length)
}

// Bytes returns the encoded header.
func (h Header) Bytes() []byte {
	p := make([]byte, HeaderSize)
	h.Put(p)
	return p
}

// ParseHeader decodes a header.
func ParseHeader(p []byte) (h Header, ok bool) {
	if len(p) < HeaderSize {
		return
	}
	h.Type = PayloadType(p[0])
	h.Length = binary.LittleEndian.Uint16(p[1:HeaderSize])
	return h, true
}

// TransferMode selects how the bus moves the bytes.
type TransferMode int

// Transfer modes.
const (
	TransferIT TransferMode = iota
	TransferDMA
)

// String implements fmt.Stringer.
func (m TransferMode) String() string {
	if m == TransferDMA {
		return "DMA"
	}
	return "IT"
}

// TransferModeFor picks the mode for a transfer of n bytes.
func TransferModeFor(n int) TransferMode {
	if n > ITTransferMaxLength {
		return TransferDMA
	}
	return TransferIT
}
