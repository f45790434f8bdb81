package msgs

import (
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/timestamp"
)

// Command asks the bridge to run a command on a stream of the agent.
type Command struct {
	// Id is echoed in the Response.
	Id         uint32 `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Stream     uint32 `protobuf:"varint,2,opt,name=stream,proto3" json:"stream,omitempty"`
	Subsystem  uint32 `protobuf:"varint,3,opt,name=subsystem,proto3" json:"subsystem,omitempty"`
	Command    uint32 `protobuf:"varint,4,opt,name=command,proto3" json:"command,omitempty"`
	Subcommand uint32 `protobuf:"varint,5,opt,name=subcommand,proto3" json:"subcommand,omitempty"`
	Payload    []byte `protobuf:"bytes,6,opt,name=payload,proto3" json:"payload,omitempty"`
}

// Reset implements proto.Message.
func (m *Command) Reset() { *m = Command{} }

// String implements proto.Message.
func (m *Command) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*Command) ProtoMessage() {}

// Response is the result of a Command.
type Response struct {
	Id uint32 `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	// Result is an llc.Status.
	Result  uint32 `protobuf:"varint,2,opt,name=result,proto3" json:"result,omitempty"`
	Error   string `protobuf:"bytes,3,opt,name=error,proto3" json:"error,omitempty"`
	Payload []byte `protobuf:"bytes,4,opt,name=payload,proto3" json:"payload,omitempty"`
}

// Reset implements proto.Message.
func (m *Response) Reset() { *m = Response{} }

// String implements proto.Message.
func (m *Response) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*Response) ProtoMessage() {}

// Event is an event raised by the agent.
type Event struct {
	Subsystem  uint32               `protobuf:"varint,1,opt,name=subsystem,proto3" json:"subsystem,omitempty"`
	Id         uint32               `protobuf:"varint,2,opt,name=id,proto3" json:"id,omitempty"`
	Payload    []byte               `protobuf:"bytes,3,opt,name=payload,proto3" json:"payload,omitempty"`
	ReceivedAt *timestamp.Timestamp `protobuf:"bytes,4,opt,name=received_at,json=receivedAt,proto3" json:"received_at,omitempty"`
}

// Reset implements proto.Message.
func (m *Event) Reset() { *m = Event{} }

// String implements proto.Message.
func (m *Event) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*Event) ProtoMessage() {}

// AgentInfo describes an agent behind a bridge.
type AgentInfo struct {
	AgentId         string               `protobuf:"bytes,1,opt,name=agent_id,json=agentId,proto3" json:"agent_id,omitempty"`
	Online          bool                 `protobuf:"varint,2,opt,name=online,proto3" json:"online,omitempty"`
	ProtocolVersion uint32               `protobuf:"varint,3,opt,name=protocol_version,json=protocolVersion,proto3" json:"protocol_version,omitempty"`
	Version         string               `protobuf:"bytes,4,opt,name=version,proto3" json:"version,omitempty"`
	UpdatedAt       *timestamp.Timestamp `protobuf:"bytes,5,opt,name=updated_at,json=updatedAt,proto3" json:"updated_at,omitempty"`
}

// Reset implements proto.Message.
func (m *AgentInfo) Reset() { *m = AgentInfo{} }

// String implements proto.Message.
func (m *AgentInfo) String() string { return proto.CompactTextString(m) }

// ProtoMessage implements proto.Message.
func (*AgentInfo) ProtoMessage() {}
