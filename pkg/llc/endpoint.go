package llc

import (
	"sync"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// endpoint is the part shared by both ends of the link: the data-link, the
// tx sequence and the rx sequence.
type endpoint struct {
	link      datalink.Link
	linkReady chan struct{}
	stats     *Stats

	txLock   sync.Mutex
	lastSent Seq

	// lastSeen is only touched from the data-link rx path.
	lastSeen Seq
}

func (e *endpoint) open(open datalink.Opener, h datalink.RxHandler, stats *Stats) error {
	if stats == nil {
		stats = &Stats{}
	}
	e.stats = stats
	e.lastSent, e.lastSeen = InvalidSeq, InvalidSeq
	e.linkReady = make(chan struct{})
	link, err := open(h)
	if err == nil {
		e.link = link
	}
	close(e.linkReady)
	return err
}

// rxReady blocks until the data-link is opened, and reports whether it
// opened successfully. A data-link may deliver before Opener returns.
func (e *endpoint) rxReady() bool {
	<-e.linkReady
	return e.link != nil
}

// Stats returns the counters.
func (e *endpoint) Stats() *Stats {
	return e.stats
}

// Link returns the underlying data-link.
func (e *endpoint) Link() datalink.Link {
	return e.link
}

// AllocTx allocates a tx buffer with room for the LLC header and size bytes
// of payload, pre-filled with payload. size is raised to len(payload) if
// smaller. It returns nil when allocation fails.
func (e *endpoint) AllocTx(payload []byte, size int) *mmbuf.Buffer {
	if size < len(payload) {
		size = len(payload)
	}
	buf := e.link.AllocTx(HeaderSize, size)
	if buf == nil {
		return nil
	}
	if len(payload) > 0 && !buf.AppendData(payload) {
		buf.Release()
		return nil
	}
	return buf
}

// SetDeepSleepMode forwards to the data-link.
func (e *endpoint) SetDeepSleepMode(mode sleep.Mode) bool {
	return e.link.SetDeepSleepMode(mode)
}

// Close closes the data-link.
func (e *endpoint) Close() error {
	if e.link == nil {
		return nil
	}
	return e.link.Close()
}

func (e *endpoint) tx(ptype PType, sid uint8, buf *mmbuf.Buffer) error {
	if buf == nil {
		return datalink.ErrEmpty
	}
	n := buf.Len()
	if n+HeaderSize > datalink.MaxPayloadSize {
		buf.Release()
		return datalink.ErrTooLarge
	}
	hdr := buf.Prepend(HeaderSize)
	if hdr == nil {
		buf.Release()
		return ErrNoHeadroom
	}

	e.txLock.Lock()
	defer e.txLock.Unlock()
	seq := e.lastSent
	if !ptype.isSync() {
		seq = seq.Next()
	}
	Header{PType: ptype, Seq: seq, SID: sid, Length: uint16(n)}.Put(hdr)
	if _, err := e.link.Tx(buf); err != nil {
		e.stats.inc(&e.stats.TxErrors)
		return &Error{Status: StatusTxError, Err: err}
	}
	e.lastSent = seq
	e.stats.inc(&e.stats.TxPackets)
	return nil
}

// notify sends a packet without payload.
func (e *endpoint) notify(ptype PType, sid uint8) error {
	buf := e.AllocTx(nil, 0)
	if buf == nil {
		return &Error{Status: StatusNoMem}
	}
	return e.tx(ptype, sid, buf)
}

// parse strips the LLC header, trims any bytes beyond the declared length
// and reports malformed packets.
func (e *endpoint) parse(buf *mmbuf.Buffer) (hdr Header, ok bool) {
	e.stats.inc(&e.stats.RxPackets)
	if hdr, ok = ParseHeader(buf.Bytes()); !ok {
		e.stats.inc(&e.stats.Malformed)
		return
	}
	buf.RemoveFromStart(HeaderSize)
	if extra := buf.Len() - int(hdr.Length); extra > 0 {
		buf.RemoveFromEnd(extra)
	}
	return hdr, true
}

func (e *endpoint) isDuplicate(hdr Header, exempt PType) bool {
	if hdr.PType == exempt || hdr.PType.isSync() {
		return false
	}
	if hdr.Seq == e.lastSeen {
		e.stats.inc(&e.stats.Duplicates)
		return true
	}
	return false
}

func (e *endpoint) isLoss(hdr Header, exempt PType) bool {
	if hdr.PType == exempt || hdr.PType.isSync() || !e.lastSeen.IsValid() {
		return false
	}
	if hdr.Seq != e.lastSeen.Next() {
		e.stats.inc(&e.stats.LossDetected)
		return true
	}
	return false
}

// resetSeq forgets both sequence numbers, the state of a freshly started
// endpoint.
func (e *endpoint) resetSeq() {
	e.txLock.Lock()
	e.lastSent = InvalidSeq
	e.txLock.Unlock()
	e.lastSeen = InvalidSeq
}

func (e *endpoint) seen(hdr Header) {
	if !hdr.PType.isSync() {
		e.lastSeen = hdr.Seq
	}
}
