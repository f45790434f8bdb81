package uart

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/crc16"
	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// Frame header byte.
const (
	HeaderSize       = 1
	CRCSize          = 2
	FlagCRC     byte = 0x80
	TypeMask    byte = 0x0f
	TypeData    byte = 0
	readBufSize      = 64
)

// Config configures a Link.
type Config struct {
	ReadWriter    io.ReadWriter
	Handler       datalink.RxHandler
	MaxPacketSize int
	// Allocator provides receive buffers, defaults to mmbuf.Heap.
	Allocator mmbuf.Allocator
	// Vetoer receives sleep vetoes, defaults to sleep.Nop.
	Vetoer sleep.Vetoer
	// CRC protects transmitted frames with a CRC-16.
	CRC bool
}

// Link is the UART data-link. It's symmetric, the same type serves the
// agent and the controller.
type Link struct {
	rw      io.ReadWriter
	handler datalink.RxHandler
	alloc   mmbuf.Allocator
	vetoer  sleep.Vetoer
	crc     bool
	maxSize int

	rxLock   sync.Mutex
	rxBuf    *mmbuf.Buffer
	rxClosed bool
	decoder  Decoder

	txLock sync.Mutex
	closed bool

	modeLock sync.Mutex
	mode     sleep.Mode
}

// NewLink creates a Link. Deep sleep starts disabled.
func NewLink(cfg Config) (*Link, error) {
	if cfg.ReadWriter == nil {
		return nil, io.ErrClosedPipe
	}
	if cfg.Handler == nil {
		return nil, datalink.ErrNoHandler
	}
	if cfg.MaxPacketSize <= 0 {
		return nil, datalink.ErrNoMaxSize
	}
	l := &Link{
		rw:      cfg.ReadWriter,
		handler: cfg.Handler,
		alloc:   cfg.Allocator,
		vetoer:  cfg.Vetoer,
		crc:     cfg.CRC,
		maxSize: cfg.MaxPacketSize,
		mode:    sleep.Disabled,
	}
	if l.alloc == nil {
		l.alloc = mmbuf.Heap
	}
	if l.vetoer == nil {
		l.vetoer = sleep.Nop
	}
	l.vetoer.SetVeto(sleep.VetoUART)
	l.rxLock.Lock()
	l.armRx()
	l.rxLock.Unlock()
	return l, nil
}

// Opener returns a datalink.Opener creating a Link with cfg.
func Opener(cfg Config) datalink.Opener {
	return func(h datalink.RxHandler) (datalink.Link, error) {
		cfg.Handler = h
		return NewLink(cfg)
	}
}

// RunOpener returns a datalink.Opener whose Link reads the ReadWriter in
// the background until ctx is done or reading fails. onExit, if not nil,
// receives the error ending the read loop.
func RunOpener(ctx context.Context, cfg Config, onExit func(error)) datalink.Opener {
	return func(h datalink.RxHandler) (datalink.Link, error) {
		cfg.Handler = h
		l, err := NewLink(cfg)
		if err != nil {
			return nil, err
		}
		go func() {
			err := l.Run(ctx)
			glog.V(4).Infof("uart: read loop exit: %v", err)
			if onExit != nil {
				onExit(err)
			}
		}()
		return l, nil
	}
}

// AllocTx implements datalink.Link.
func (l *Link) AllocTx(headerSize, payloadSize int) *mmbuf.Buffer {
	return mmbuf.Heap.Alloc(headerSize+HeaderSize, payloadSize+CRCSize)
}

// Tx implements datalink.Link. It returns after the frame is written.
func (l *Link) Tx(buf *mmbuf.Buffer) (int, error) {
	if buf == nil {
		return 0, datalink.ErrEmpty
	}
	defer buf.Release()
	n := buf.Len()
	if n > datalink.MaxPayloadSize {
		return 0, datalink.ErrTooLarge
	}
	hdr := TypeData
	if l.crc {
		trailer := buf.Append(CRCSize)
		if trailer == nil {
			return 0, datalink.ErrNoRoom
		}
		binary.LittleEndian.PutUint16(trailer, crc16.Checksum(buf.Bytes()[:n]))
		hdr |= FlagCRC
	}
	if !buf.PrependData([]byte{hdr}) {
		return 0, datalink.ErrNoRoom
	}
	frame := Encode(buf.Bytes())

	l.txLock.Lock()
	defer l.txLock.Unlock()
	if l.closed {
		return 0, datalink.ErrClosed
	}
	if _, err := l.rw.Write(frame); err != nil {
		return 0, err
	}
	glog.V(2).Infof("uart: sent %d bytes", n)
	return n, nil
}

// SetDeepSleepMode implements datalink.Link. One-shot mode reverts to
// disabled on the next received byte, hardware mode is not supported.
func (l *Link) SetDeepSleepMode(mode sleep.Mode) bool {
	l.modeLock.Lock()
	defer l.modeLock.Unlock()
	switch mode {
	case sleep.Disabled:
		l.vetoer.SetVeto(sleep.VetoUART)
	case sleep.OneShot:
		l.vetoer.ClearVeto(sleep.VetoUART)
	default:
		return false
	}
	l.mode = mode
	return true
}

// DeepSleepMode returns the current mode.
func (l *Link) DeepSleepMode() sleep.Mode {
	l.modeLock.Lock()
	defer l.modeLock.Unlock()
	return l.mode
}

// Close implements datalink.Link. The ReadWriter is left to the caller.
func (l *Link) Close() error {
	l.txLock.Lock()
	l.closed = true
	l.txLock.Unlock()
	l.rxLock.Lock()
	l.rxClosed = true
	l.rxBuf.Release()
	l.rxBuf = nil
	l.decoder.Reset(nil)
	l.rxLock.Unlock()
	return nil
}

// Feed decodes received bytes.
func (l *Link) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	l.onActivity()
	l.rxLock.Lock()
	defer l.rxLock.Unlock()
	for _, b := range p {
		l.feedByte(b)
	}
}

// Run reads from the ReadWriter until it fails or ctx is done.
func (l *Link) Run(ctx context.Context) error {
	dataCh, errCh := make(chan []byte), make(chan error, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.readLoop(subCtx, dataCh, errCh)
	for {
		select {
		case p := <-dataCh:
			l.Feed(p)
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Link) readLoop(ctx context.Context, dataCh chan []byte, errCh chan error) {
	buf := make([]byte, readBufSize)
	for {
		n, err := l.rw.Read(buf)
		if n > 0 {
			select {
			case dataCh <- append([]byte(nil), buf[:n]...):
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			errCh <- err
			return
		}
	}
}

func (l *Link) onActivity() {
	l.modeLock.Lock()
	defer l.modeLock.Unlock()
	if l.mode == sleep.OneShot {
		l.mode = sleep.Disabled
		l.vetoer.SetVeto(sleep.VetoUART)
	}
}

func (l *Link) armRx() {
	if l.rxBuf == nil {
		l.rxBuf = l.alloc.Alloc(0, l.maxSize+HeaderSize+CRCSize)
		l.decoder.Reset(l.rxBuf)
	}
}

func (l *Link) feedByte(b byte) {
	if l.rxBuf == nil {
		if l.rxClosed {
			return
		}
		if l.armRx(); l.rxBuf == nil {
			return
		}
	}
	switch l.decoder.Feed(b) {
	case DecodeComplete:
		buf := l.rxBuf
		l.rxBuf = nil
		if !l.rxClosed {
			l.armRx()
		}
		if l.accept(buf) {
			l.handler.HandleRx(l, buf)
		} else {
			buf.Release()
		}
	case DecodeError:
		glog.V(2).Info("uart: dropped malformed frame")
	}
}

func (l *Link) accept(buf *mmbuf.Buffer) bool {
	hdr := buf.RemoveFromStart(HeaderSize)
	if hdr == nil {
		return false
	}
	if hdr[0]&FlagCRC != 0 {
		trailer := buf.RemoveFromEnd(CRCSize)
		if trailer == nil {
			return false
		}
		if binary.LittleEndian.Uint16(trailer) != crc16.Checksum(buf.Bytes()) {
			glog.Warningf("uart: crc mismatch on %d byte frame", buf.Len())
			return false
		}
	}
	if t := hdr[0] & TypeMask; t != TypeData {
		glog.Warningf("uart: dropped frame of unknown type %d", t)
		return false
	}
	return true
}
