package m2m

import "github.com/robotalks/m2mlink/pkg/llc"

// HeaderSize is the size of both command and response headers.
const HeaderSize = 4

// CommandHeader prefixes every command.
type CommandHeader struct {
	Subsystem  uint8
	Command    uint8
	Subcommand uint8
	Reserved   uint8
}

// Put encodes the header into p.
func (h CommandHeader) Put(p []byte) {
	p[0], p[1], p[2], p[3] = h.Subsystem, h.Command, h.Subcommand, h.Reserved
}

// Response builds the matching response header.
func (h CommandHeader) Response(result llc.Status) ResponseHeader {
	return ResponseHeader{
		Subsystem:  h.Subsystem,
		Command:    h.Command,
		Subcommand: h.Subcommand,
		Result:     result,
	}
}

// ParseCommandHeader decodes a command header.
func ParseCommandHeader(p []byte) (h CommandHeader, ok bool) {
	if len(p) < HeaderSize {
		return
	}
	return CommandHeader{Subsystem: p[0], Command: p[1], Subcommand: p[2], Reserved: p[3]}, true
}

// ResponseHeader prefixes every response and event. For events Command
// carries the event id.
type ResponseHeader struct {
	Subsystem  uint8
	Command    uint8
	Subcommand uint8
	Result     llc.Status
}

// Put encodes the header into p.
func (h ResponseHeader) Put(p []byte) {
	p[0], p[1], p[2], p[3] = h.Subsystem, h.Command, h.Subcommand, byte(h.Result)
}

// Matches reports whether the response answers cmd.
func (h ResponseHeader) Matches(cmd CommandHeader) bool {
	return h.Subsystem == cmd.Subsystem && h.Command == cmd.Command && h.Subcommand == cmd.Subcommand
}

// ParseResponseHeader decodes a response header.
func ParseResponseHeader(p []byte) (h ResponseHeader, ok bool) {
	if len(p) < HeaderSize {
		return
	}
	return ResponseHeader{Subsystem: p[0], Command: p[1], Subcommand: p[2], Result: llc.Status(p[3])}, true
}

// Event is a notification sent by the agent on the control stream.
type Event struct {
	Subsystem uint8
	ID        uint8
	Payload   []byte
}
