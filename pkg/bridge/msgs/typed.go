package msgs

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"

	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/m2m"
)

// Topic suffixes under <agent>/.
const (
	TopicCommand  = "cmd"
	TopicResponse = "rsp"
	TopicEvent    = "evt"
	TopicMeta     = "meta"
)

var (
	// ErrOutOfRange indicates a Command field doesn't fit the wire format.
	ErrOutOfRange = errors.New("field out of range")
)

// Topic returns the topic of kind for agentID.
func Topic(agentID, kind string) string {
	return agentID + "/" + kind
}

// Header validates the command and returns its m2m header and stream.
func (m *Command) Header() (uint8, m2m.CommandHeader, error) {
	if m.Stream >= llc.MaxStreams {
		return 0, m2m.CommandHeader{}, fmt.Errorf("stream %d: %w", m.Stream, ErrOutOfRange)
	}
	for _, v := range []uint32{m.Subsystem, m.Command, m.Subcommand} {
		if v > 0xff {
			return 0, m2m.CommandHeader{}, fmt.Errorf("header value %d: %w", v, ErrOutOfRange)
		}
	}
	return uint8(m.Stream), m2m.CommandHeader{
		Subsystem:  uint8(m.Subsystem),
		Command:    uint8(m.Command),
		Subcommand: uint8(m.Subcommand),
	}, nil
}

// NewResponse creates the Response to command id from the result of
// m2m.Controller.Do.
func NewResponse(id uint32, payload []byte, err error) *Response {
	rsp := &Response{Id: id, Result: uint32(llc.StatusOf(err)), Payload: payload}
	if err != nil {
		rsp.Error = err.Error()
	}
	return rsp
}

// Status returns the result as llc.Status.
func (m *Response) Status() llc.Status {
	return llc.Status(m.Result)
}

// NewEvent converts an event received at t.
func NewEvent(ev m2m.Event, t time.Time) *Event {
	msg := &Event{Subsystem: uint32(ev.Subsystem), Id: uint32(ev.ID), Payload: ev.Payload}
	if ts, err := ptypes.TimestampProto(t); err == nil {
		msg.ReceivedAt = ts
	}
	return msg
}

// Stamp sets UpdatedAt.
func (m *AgentInfo) Stamp(t time.Time) *AgentInfo {
	if ts, err := ptypes.TimestampProto(t); err == nil {
		m.UpdatedAt = ts
	}
	return m
}

// Encode marshals msg.
func Encode(msg proto.Message) ([]byte, error) {
	return proto.Marshal(msg)
}

// Decode unmarshals data into msg.
func Decode(data []byte, msg proto.Message) error {
	return proto.Unmarshal(data, msg)
}
