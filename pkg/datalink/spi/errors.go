package spi

import "errors"

var (
	// ErrNoBus indicates the bus or the lines are not configured.
	ErrNoBus = errors.New("spi bus not configured")
	// ErrNotArmed indicates the agent has not armed a transfer.
	ErrNotArmed = errors.New("no transfer armed")
	// ErrBusError indicates the bus reported a transfer error.
	ErrBusError = errors.New("spi bus error")
	// ErrTimeout indicates the ready line did not reach the expected level.
	ErrTimeout = errors.New("ready line timeout")
	// ErrNack indicates the agent rejected a write.
	ErrNack = errors.New("write not acknowledged")
	// ErrCRC indicates a transfer failed the CRC check.
	ErrCRC = errors.New("crc mismatch")
)
