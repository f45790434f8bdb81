package datalink

import "errors"

var (
	// ErrClosed indicates the data-link is closed or never initialized.
	ErrClosed = errors.New("data-link closed")
	// ErrBusy indicates a transmission is already in progress.
	ErrBusy = errors.New("data-link busy")
	// ErrEmpty indicates an empty or nil buffer was submitted.
	ErrEmpty = errors.New("empty buffer")
	// ErrTooLarge indicates a payload exceeds MaxPayloadSize.
	ErrTooLarge = errors.New("payload too large")
	// ErrNoHandler indicates no RxHandler is configured.
	ErrNoHandler = errors.New("no rx handler")
	// ErrNoMaxSize indicates the maximum packet size is not configured.
	ErrNoMaxSize = errors.New("max packet size not set")
	// ErrInUse indicates the bus is already owned by another data-link.
	ErrInUse = errors.New("bus in use")
	// ErrNoRoom indicates the buffer lacks room for framing.
	ErrNoRoom = errors.New("no room for framing")
)
