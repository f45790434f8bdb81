// Package llc implements the link layer control: a 4 byte header carrying
// packet type, 4-bit sequence number, stream id and payload length on top
// of a data-link.
//
// Each direction numbers its packets independently. The receiver drops a
// packet repeating the last sequence number it saw and reports a gap with
// PACKET_LOSS_DETECTED. SYNC_REQ and SYNC_RESP carry the sender's current
// sequence number without advancing it.
package llc
