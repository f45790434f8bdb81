// Package spi implements the SPI data-link.
//
// The controller is the bus master and drives every transaction: it raises
// the wake line, waits for the agent to raise ready, then writes a 3-byte
// transfer header. A WRITE header is followed by the payload and a 1-byte
// ACK read back from the agent. A READ or REREAD header is followed by a
// 2-byte big-endian length and the payload itself. The agent keeps the last
// payload it sent so that a corrupted read can be repeated with REREAD.
//
// Agent is the slave state machine driven by bus completions. SimBus and
// Host provide an in-memory bus and the controller side of the protocol.
package spi
