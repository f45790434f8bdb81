package m2m

import "context"

// Request is a command dispatched to a Processor.
type Request struct {
	Agent *Agent
	SID   uint8
	// Context is the value the stream was opened with.
	Context interface{}
	Header  CommandHeader
	// Payload is only valid until Process returns.
	Payload []byte
}

// Processor executes commands. The returned payload is copied into the
// response; the status of a non-nil error (llc.StatusOf) becomes the
// response result.
type Processor interface {
	Process(ctx context.Context, req *Request) ([]byte, error)
}

// ProcessFunc is func type of Processor.
type ProcessFunc func(ctx context.Context, req *Request) ([]byte, error)

// Process implements Processor.
func (f ProcessFunc) Process(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}
