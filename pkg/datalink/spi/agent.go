package spi

import (
	"encoding/binary"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/crc16"
	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// Bus is the SPI peripheral in slave mode. Both calls only arm a transfer;
// completion is reported later through Agent.RxComplete, Agent.TxComplete
// or Agent.BusError, never from inside the call itself.
type Bus interface {
	StartReceive(p []byte, mode TransferMode)
	StartTransmit(p []byte, mode TransferMode)
}

// Lines are the side-band signals: the ready output and the wake input.
type Lines interface {
	SetReady(high bool)
	EnableWakeIRQ(enabled bool)
}

// Config configures an Agent.
type Config struct {
	// Bus must be comparable, only one Agent may own a Bus at a time.
	Bus   Bus
	Lines Lines
	// Handler receives the payloads written by the controller.
	Handler       datalink.RxHandler
	MaxPacketSize int
	// Allocator provides receive buffers, defaults to mmbuf.Heap.
	Allocator mmbuf.Allocator
	// Vetoer receives sleep vetoes, defaults to sleep.Nop.
	Vetoer sleep.Vetoer
	// CRC appends a big-endian CRC-16 to every payload transfer.
	CRC bool
}

// Agent is the agent side of the SPI data-link.
type Agent struct {
	bus     Bus
	lines   Lines
	handler datalink.RxHandler
	alloc   mmbuf.Allocator
	vetoer  sleep.Vetoer
	crc     bool
	maxSize int

	lock  sync.Mutex
	state State
	mode  sleep.Mode

	hdr   [HeaderSize]byte
	rxBuf []byte
	rxLen int
	ack   [1]byte

	tx      *mmbuf.Buffer
	txLen   [LengthSize]byte
	prev    *mmbuf.Buffer
	prevLen [LengthSize]byte
	pending *mmbuf.Buffer

	closed   bool
	rxSignal chan struct{}
	txDone   chan struct{}
	closeCh  chan struct{}
	doneCh   chan struct{}
}

type attacher interface {
	attach(*Agent)
}

var claimedBuses sync.Map

// NewAgent initializes the agent data-link and arms it for the first
// controller transaction. The deep sleep mode starts as sleep.Hardware.
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.Bus == nil || cfg.Lines == nil {
		return nil, ErrNoBus
	}
	if cfg.Handler == nil {
		return nil, datalink.ErrNoHandler
	}
	if cfg.MaxPacketSize <= 0 {
		return nil, datalink.ErrNoMaxSize
	}
	if _, loaded := claimedBuses.LoadOrStore(cfg.Bus, true); loaded {
		return nil, datalink.ErrInUse
	}
	a := &Agent{
		bus:      cfg.Bus,
		lines:    cfg.Lines,
		handler:  cfg.Handler,
		alloc:    cfg.Allocator,
		vetoer:   cfg.Vetoer,
		crc:      cfg.CRC,
		maxSize:  cfg.MaxPacketSize,
		mode:     sleep.Disabled,
		rxSignal: make(chan struct{}, 1),
		txDone:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if a.alloc == nil {
		a.alloc = mmbuf.Heap
	}
	if a.vetoer == nil {
		a.vetoer = sleep.Nop
	}
	a.rxBuf = make([]byte, a.maxSize+AllocPaddingBytes+a.crcSize())
	if at, ok := a.bus.(attacher); ok {
		at.attach(a)
	}
	go a.rxLoop()

	a.lock.Lock()
	a.configureRxIdle()
	a.lock.Unlock()
	a.SetDeepSleepMode(sleep.Hardware)
	return a, nil
}

// State returns the current session state.
func (a *Agent) State() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// DeepSleepMode returns the current deep sleep mode.
func (a *Agent) DeepSleepMode() sleep.Mode {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.mode
}

// AllocTx implements datalink.Link.
func (a *Agent) AllocTx(headerSize, payloadSize int) *mmbuf.Buffer {
	return mmbuf.Heap.Alloc(headerSize, payloadSize+AllocPaddingBytes+a.crcSize())
}

// Tx implements datalink.Link. It blocks until the controller has read the
// buffer or the data-link is closed.
func (a *Agent) Tx(buf *mmbuf.Buffer) (int, error) {
	if buf == nil {
		return 0, datalink.ErrEmpty
	}
	n := buf.Len()
	switch {
	case n == 0:
		buf.Release()
		return 0, datalink.ErrEmpty
	case n > datalink.MaxPayloadSize:
		buf.Release()
		return 0, datalink.ErrTooLarge
	}
	if a.crc {
		trailer := buf.Append(CRCSize)
		if trailer == nil {
			buf.Release()
			return 0, datalink.ErrNoRoom
		}
		binary.BigEndian.PutUint16(trailer, crc16.Checksum(buf.Bytes()[:n]))
	}

	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		buf.Release()
		return 0, datalink.ErrClosed
	}
	if a.tx != nil {
		a.lock.Unlock()
		buf.Release()
		return 0, datalink.ErrBusy
	}
	a.pending.Release()
	a.pending = nil
	a.tx = buf
	binary.BigEndian.PutUint16(a.txLen[:], uint16(n))
	if a.state == StateIdle {
		a.lines.SetReady(true)
	}
	a.lock.Unlock()

	select {
	case <-a.txDone:
		return n, nil
	case <-a.closeCh:
		return 0, datalink.ErrClosed
	}
}

// SetDeepSleepMode implements datalink.Link.
func (a *Agent) SetDeepSleepMode(mode sleep.Mode) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if mode == a.mode {
		return true
	}
	switch mode {
	case sleep.Disabled:
		a.lines.EnableWakeIRQ(false)
		a.vetoer.SetVeto(sleep.VetoDatalink)
	case sleep.OneShot, sleep.Hardware:
		a.vetoer.ClearVeto(sleep.VetoDatalink)
		a.lines.EnableWakeIRQ(true)
	default:
		return false
	}
	a.mode = mode
	return true
}

// Reset moves a session stuck in StateError back to StateIdle.
func (a *Agent) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == StateError {
		glog.Info("spi: reset from ERROR")
		a.configureRxIdle()
	}
}

// Close implements datalink.Link.
func (a *Agent) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return nil
	}
	a.closed = true
	close(a.closeCh)
	a.tx.Release()
	a.prev.Release()
	a.pending.Release()
	a.tx, a.prev, a.pending = nil, nil, nil
	a.lock.Unlock()
	<-a.doneCh
	claimedBuses.Delete(a.bus)
	return nil
}

// RxComplete is called by the bus when an armed receive completed.
func (a *Agent) RxComplete() {
	a.lock.Lock()
	defer a.lock.Unlock()
	switch a.state {
	case StateIdle:
		a.handlePayloadHeader()
		a.lines.SetReady(false)
	case StateC2APayload:
		a.signalRx()
	default:
		panic("spi: receive completed in state " + a.state.String())
	}
}

// TxComplete is called by the bus when an armed transmit completed.
func (a *Agent) TxComplete() {
	a.lock.Lock()
	defer a.lock.Unlock()
	switch a.state {
	case StateC2AAck:
		a.signalRx()
		a.configureRxIdle()
	case StateA2CReadPayload:
		if a.pending != nil {
			panic("spi: pending release slot not empty")
		}
		a.pending = a.prev
		a.prev, a.prevLen = a.tx, a.txLen
		a.tx, a.txLen = nil, [LengthSize]byte{}
		a.configureRxIdle()
		select {
		case a.txDone <- struct{}{}:
		default:
		}
	case StateA2CRereadPayload:
		a.configureRxIdle()
	case StateA2CReadLen:
		a.startPayloadTx(a.tx, StateA2CReadPayload)
	case StateA2CRereadLen:
		a.startPayloadTx(a.prev, StateA2CRereadPayload)
	default:
		panic("spi: transmit completed in state " + a.state.String())
	}
}

// BusError is called by the bus when a transfer failed. A failed payload
// write is dropped and the session re-armed, any other failure leaves the
// session in StateError until Reset or the next wake falling edge.
func (a *Agent) BusError() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == StateC2APayload {
		a.rxLen = 0
		a.configureRxIdle()
	} else {
		glog.Warningf("spi: bus error in state %s", a.state)
		a.state = StateError
	}
	a.lines.SetReady(false)
}

// WakeRising is called on the rising edge of the wake line.
func (a *Agent) WakeRising() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.vetoer.SetVeto(sleep.VetoDatalink)
	a.lines.SetReady(true)
}

// WakeFalling is called on the falling edge of the wake line.
func (a *Agent) WakeFalling() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state != StateIdle {
		a.configureRxIdle()
	}
	if a.tx != nil {
		a.vetoer.SetVeto(sleep.VetoDatalink)
		a.lines.SetReady(true)
	} else if a.mode == sleep.Hardware {
		a.vetoer.ClearVeto(sleep.VetoDatalink)
	}
}

func (a *Agent) crcSize() int {
	if a.crc {
		return CRCSize
	}
	return 0
}

func (a *Agent) setState(to State) {
	next := NextState(a.state, to)
	if next != to {
		glog.Errorf("spi: invalid transition %s -> %s", a.state, to)
	} else {
		glog.V(4).Infof("spi: %s -> %s", a.state, to)
	}
	a.state = next
}

func (a *Agent) configureRxIdle() {
	a.bus.StartReceive(a.hdr[:], TransferIT)
	a.lines.SetReady(false)
	a.setState(StateIdle)
}

func (a *Agent) handlePayloadHeader() {
	hdr, _ := ParseHeader(a.hdr[:])
	switch hdr.Type {
	case PayloadWrite:
		n := int(hdr.Length)
		if n == 0 || n > a.maxSize {
			glog.Warningf("spi: rejecting write of %d bytes", n)
			a.configureRxIdle()
			return
		}
		a.rxLen = n
		n += a.crcSize()
		a.setState(StateC2APayload)
		a.bus.StartReceive(a.rxBuf[:n], TransferModeFor(n))
	case PayloadRead:
		a.setState(StateA2CReadLen)
		a.bus.StartTransmit(a.txLen[:], TransferIT)
	case PayloadReread:
		a.setState(StateA2CRereadLen)
		a.bus.StartTransmit(a.prevLen[:], TransferIT)
	default:
		glog.V(2).Infof("spi: ignoring header type %s", hdr.Type)
		a.configureRxIdle()
	}
}

func (a *Agent) startPayloadTx(buf *mmbuf.Buffer, next State) {
	if buf == nil {
		a.configureRxIdle()
		return
	}
	a.setState(next)
	p := buf.Bytes()
	a.bus.StartTransmit(p, TransferModeFor(len(p)))
	a.lines.SetReady(true)
}

func (a *Agent) signalRx() {
	select {
	case a.rxSignal <- struct{}{}:
	default:
	}
}

func (a *Agent) rxLoop() {
	defer close(a.doneCh)
	for {
		select {
		case <-a.rxSignal:
		case <-a.closeCh:
			return
		}
		if buf := a.receive(); buf != nil {
			a.handler.HandleRx(a, buf)
		}
	}
}

// receive copies a completed payload write and arms the ACK/NACK trailer.
func (a *Agent) receive() *mmbuf.Buffer {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state != StateC2APayload {
		return nil
	}
	payload := a.rxBuf[:a.rxLen]
	ack := PayloadACK
	if a.crc {
		sum := binary.BigEndian.Uint16(a.rxBuf[a.rxLen : a.rxLen+CRCSize])
		if sum != crc16.Checksum(payload) {
			glog.Warningf("spi: crc mismatch on %d byte write", a.rxLen)
			ack = PayloadNACK
		}
	}
	var buf *mmbuf.Buffer
	if ack == PayloadACK {
		if buf = a.alloc.Alloc(0, a.maxSize); buf == nil {
			glog.Warningf("spi: no buffer for %d byte write, dropped", a.rxLen)
			a.configureRxIdle()
			return nil
		}
		buf.AppendData(payload)
	}
	a.ack[0] = byte(ack)
	a.setState(StateC2AAck)
	a.bus.StartTransmit(a.ack[:], TransferIT)
	a.lines.SetReady(true)
	return buf
}

// Opener returns a datalink.Opener creating an Agent with cfg.
func Opener(cfg Config) datalink.Opener {
	return func(h datalink.RxHandler) (datalink.Link, error) {
		cfg.Handler = h
		return NewAgent(cfg)
	}
}
