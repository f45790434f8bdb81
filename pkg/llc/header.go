package llc

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants.
const (
	HeaderSize      = 4
	ProtocolVersion = 1
	MaxPacketSize   = 2048
	MaxStreams      = 32
	ControlStream   = 0
	SyncTokenSize   = 4
	SyncRespSize    = SyncTokenSize + 2
)

// PType is the packet type carried in the high nibble of the first header
// byte.
type PType uint8

// Packet types.
const (
	PTypeCommand       PType = 0
	PTypeResponse      PType = 1
	PTypeEvent         PType = 2
	PTypeError         PType = 3
	PTypeAgentReset    PType = 4
	PTypeAgentStart    PType = 5
	PTypeInvalidStream PType = 8
	PTypePacketLoss    PType = 9
	PTypeSyncReq       PType = 10
	PTypeSyncResp      PType = 11
)

var ptypeNames = map[PType]string{
	PTypeCommand:       "COMMAND",
	PTypeResponse:      "RESPONSE",
	PTypeEvent:         "EVENT",
	PTypeError:         "ERROR",
	PTypeAgentReset:    "AGENT_RESET",
	PTypeAgentStart:    "AGENT_START_NOTIFICATION",
	PTypeInvalidStream: "INVALID_STREAM",
	PTypePacketLoss:    "PACKET_LOSS_DETECTED",
	PTypeSyncReq:       "SYNC_REQ",
	PTypeSyncResp:      "SYNC_RESP",
}

// String implements fmt.Stringer.
func (t PType) String() string {
	if name, ok := ptypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PType(%d)", uint8(t))
}

// isSync reports packet types which neither consume nor check sequence
// numbers.
func (t PType) isSync() bool {
	return t == PTypeSyncReq || t == PTypeSyncResp
}

// Seq is a 4-bit sequence number, counted separately per direction.
type Seq uint8

// InvalidSeq means nothing has been sent or seen yet.
const InvalidSeq Seq = 0xff

// Next returns the following sequence number. InvalidSeq.Next() is 0.
func (s Seq) Next() Seq {
	return (s + 1) & 0x0f
}

// IsValid returns false for InvalidSeq.
func (s Seq) IsValid() bool {
	return s <= 0x0f
}

// Header is the LLC header prepended to every data-link payload.
type Header struct {
	PType  PType
	Seq    Seq
	SID    uint8
	Length uint16
}

// Put encodes the header into p, which must hold HeaderSize bytes.
func (h Header) Put(p []byte) {
	p[0] = byte(h.PType)<<4 | byte(h.Seq)&0x0f
	p[1] = h.SID
	binary.LittleEndian.PutUint16(p[2:HeaderSize], h.Length)
}

// ParseHeader decodes a header.
func ParseHeader(p []byte) (h Header, ok bool) {
	if len(p) < HeaderSize {
		return
	}
	h.PType = PType(p[0] >> 4)
	h.Seq = Seq(p[0] & 0x0f)
	h.SID = p[1]
	h.Length = binary.LittleEndian.Uint16(p[2:HeaderSize])
	return h, true
}

// SyncResp is the payload of SYNC_RESP.
type SyncResp struct {
	Token    [SyncTokenSize]byte
	LastSeen Seq
	Version  uint8
}

// Bytes encodes the payload.
func (r SyncResp) Bytes() []byte {
	p := make([]byte, SyncRespSize)
	copy(p, r.Token[:])
	p[SyncTokenSize] = byte(r.LastSeen)
	p[SyncTokenSize+1] = r.Version
	return p
}

// ParseSyncResp decodes a SYNC_RESP payload.
func ParseSyncResp(p []byte) (r SyncResp, ok bool) {
	if len(p) != SyncRespSize {
		return
	}
	copy(r.Token[:], p)
	r.LastSeen = Seq(p[SyncTokenSize])
	r.Version = p[SyncTokenSize+1]
	return r, true
}
