package llc

import "fmt"

// Status is a result code carried on the wire and returned by handlers.
type Status uint8

// Status codes.
const (
	StatusOK Status = iota
	StatusError
	StatusInvalidArg
	StatusUnavailable
	StatusTimeout
	StatusInvalidStream
	StatusNotFound
	StatusNotSupported
	StatusTxError
	StatusNoMem
	StatusClosed
)

var statusNames = []string{
	"OK",
	"ERROR",
	"INVALID_ARG",
	"UNAVAILABLE",
	"TIMEOUT",
	"INVALID_STREAM",
	"NOT_FOUND",
	"NOT_SUPPORTED",
	"TX_ERROR",
	"NO_MEM",
	"CLOSED",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Err returns nil for StatusOK, or an *Error.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return &Error{Status: s}
}

// Error wraps a non-OK status.
type Error struct {
	Status Status
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	}
	return e.Status.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches Errors with the same status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Status == e.Status
}

// StatusOf extracts the status from err: StatusOK for nil, the carried
// status for an *Error, StatusError otherwise.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	if se, ok := err.(*Error); ok {
		return se.Status
	}
	return StatusError
}
