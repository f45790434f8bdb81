package spi

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/crc16"
	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// Default host timings.
const (
	DefaultReadyTimeout = 100 * time.Millisecond
	DefaultWakeTimeout  = time.Second
	DefaultRetries      = 3
)

// HostConfig configures a Host.
type HostConfig struct {
	Bus     *SimBus
	Handler datalink.RxHandler
	CRC     bool
	// ReadyTimeout bounds each wait for the ready line within a transaction.
	ReadyTimeout time.Duration
	// WakeTimeout bounds the wait for the agent to answer the wake line.
	WakeTimeout time.Duration
	// Retries is the number of attempts per transfer.
	Retries int
}

// Host is the controller side of the SPI data-link. Writes are retried on
// NACK or timeout, failed reads are recovered with REREAD.
type Host struct {
	cfg  HostConfig
	lock sync.Mutex
}

// NewHost creates a Host.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.Bus == nil {
		return nil, ErrNoBus
	}
	if cfg.Handler == nil {
		return nil, datalink.ErrNoHandler
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = DefaultWakeTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	return &Host{cfg: cfg}, nil
}

// HostOpener returns a datalink.Opener creating a Host with cfg.
func HostOpener(cfg HostConfig) datalink.Opener {
	return func(h datalink.RxHandler) (datalink.Link, error) {
		cfg.Handler = h
		return NewHost(cfg)
	}
}

// AllocTx implements datalink.Link.
func (h *Host) AllocTx(headerSize, payloadSize int) *mmbuf.Buffer {
	return mmbuf.New(headerSize, payloadSize+CRCSize)
}

// Tx implements datalink.Link.
func (h *Host) Tx(buf *mmbuf.Buffer) (int, error) {
	if buf == nil {
		return 0, datalink.ErrEmpty
	}
	defer buf.Release()
	n := buf.Len()
	switch {
	case n == 0:
		return 0, datalink.ErrEmpty
	case n > datalink.MaxPayloadSize:
		return 0, datalink.ErrTooLarge
	}
	frame := buf.Bytes()
	if h.cfg.CRC {
		frame = binary.BigEndian.AppendUint16(frame[:n:n], crc16.Checksum(frame))
	}
	var err error
	for attempt := 0; attempt < h.cfg.Retries; attempt++ {
		if err = h.write(frame, n); err == nil {
			return n, nil
		}
		glog.V(2).Infof("spi host: write attempt %d: %v", attempt+1, err)
	}
	return 0, err
}

// SetDeepSleepMode implements datalink.Link. The controller never sleeps.
func (h *Host) SetDeepSleepMode(mode sleep.Mode) bool {
	return mode == sleep.Disabled
}

// Close implements datalink.Link.
func (h *Host) Close() error {
	return nil
}

// Receive runs a READ transaction. It returns nil without error when the
// agent has nothing to send.
func (h *Host) Receive() (*mmbuf.Buffer, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	buf, err := h.read(PayloadRead)
	for attempt := 1; err != nil && attempt < h.cfg.Retries; attempt++ {
		glog.V(2).Infof("spi host: read failed (%v), reread %d", err, attempt)
		buf, err = h.read(PayloadReread)
	}
	return buf, err
}

// Run polls the ready line and delivers agent initiated payloads.
func (h *Host) Run(ctx context.Context) error {
	for {
		changed := h.cfg.Bus.Changed()
		if h.cfg.Bus.Ready() && !h.cfg.Bus.Wake() {
			buf, err := h.Receive()
			if err != nil {
				glog.Warningf("spi host: receive failed: %v", err)
			} else if buf != nil {
				h.cfg.Handler.HandleRx(h, buf)
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Host) write(frame []byte, n int) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	bus := h.cfg.Bus
	bus.SetWake(true)
	defer bus.SetWake(false)

	if !bus.WaitReady(true, h.cfg.WakeTimeout) {
		return ErrTimeout
	}
	if err := bus.Write(Header{Type: PayloadWrite, Length: uint16(n)}.Bytes()); err != nil {
		return err
	}
	if !bus.WaitReady(false, h.cfg.ReadyTimeout) {
		return ErrTimeout
	}
	if err := bus.Write(frame); err != nil {
		return err
	}
	if !bus.WaitReady(true, h.cfg.ReadyTimeout) {
		return ErrTimeout
	}
	ack := make([]byte, 1)
	if err := bus.Read(ack); err != nil {
		return err
	}
	bus.WaitReady(false, h.cfg.ReadyTimeout)
	if PayloadType(ack[0]) != PayloadACK {
		return ErrNack
	}
	return nil
}

func (h *Host) read(typ PayloadType) (*mmbuf.Buffer, error) {
	bus := h.cfg.Bus
	bus.SetWake(true)
	defer bus.SetWake(false)

	if !bus.WaitReady(true, h.cfg.WakeTimeout) {
		return nil, ErrTimeout
	}
	if err := bus.Write(Header{Type: typ}.Bytes()); err != nil {
		return nil, err
	}
	if !bus.WaitReady(false, h.cfg.ReadyTimeout) {
		return nil, ErrTimeout
	}
	prefix := make([]byte, LengthSize)
	if err := bus.Read(prefix); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(prefix))
	if n == 0 {
		return nil, nil
	}
	size := n
	if h.cfg.CRC {
		size += CRCSize
	}
	buf := mmbuf.New(0, size)
	if !bus.WaitReady(true, h.cfg.ReadyTimeout) {
		return nil, ErrTimeout
	}
	if err := bus.Read(buf.Append(size)); err != nil {
		return nil, err
	}
	bus.WaitReady(false, h.cfg.ReadyTimeout)
	if h.cfg.CRC {
		sum := binary.BigEndian.Uint16(buf.RemoveFromEnd(CRCSize))
		if sum != crc16.Checksum(buf.Bytes()) {
			return nil, ErrCRC
		}
	}
	return buf, nil
}
