package m2m

import (
	"errors"

	"github.com/robotalks/m2mlink/pkg/llc"
)

var (
	// ErrNoProcessor indicates no command processor is configured.
	ErrNoProcessor = errors.New("no command processor")
	// ErrNoStreams indicates every stream slot is in use.
	ErrNoStreams = &llc.Error{Status: llc.StatusUnavailable, Err: errors.New("no free stream")}
	// ErrControlStream indicates an attempt to close the control stream.
	ErrControlStream = &llc.Error{Status: llc.StatusInvalidArg, Err: errors.New("control stream can't be closed")}
	// ErrStreamNotOpen indicates the stream is not open or already closing.
	ErrStreamNotOpen = &llc.Error{Status: llc.StatusInvalidStream, Err: errors.New("stream not open")}
	// ErrMalformed indicates a response without a valid header.
	ErrMalformed = &llc.Error{Status: llc.StatusError, Err: errors.New("malformed response")}
	// ErrMismatch indicates a response for another command.
	ErrMismatch = &llc.Error{Status: llc.StatusNotFound, Err: errors.New("response does not match command")}
)
