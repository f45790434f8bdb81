package mqtt

import "errors"

var (
	// ErrTimeout is returned when the broker doesn't acknowledge in time.
	ErrTimeout = errors.New("mqtt: timeout")
)
