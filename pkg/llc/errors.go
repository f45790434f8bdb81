package llc

import "errors"

var (
	// ErrNoHeadroom indicates a tx buffer lacks room for the LLC header.
	ErrNoHeadroom = errors.New("no headroom for llc header")
	// ErrNoOpener indicates no data-link opener is configured.
	ErrNoOpener = errors.New("no data-link opener")
	// ErrNoHandler indicates no command handler is configured.
	ErrNoHandler = errors.New("no command handler")
	// ErrInvalidStream indicates a stream id outside [0, MaxStreams).
	ErrInvalidStream = errors.New("invalid stream")
	// ErrVersionMismatch indicates the peer speaks another protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrNoLink indicates the data-link failed to open.
	ErrNoLink = errors.New("data-link not open")
)
