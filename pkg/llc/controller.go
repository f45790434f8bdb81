package llc

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
)

// DefaultQueueDepth is the default number of responses queued per stream.
const DefaultQueueDepth = 4

// EventHandler receives EVENT packets and takes ownership of buf.
type EventHandler interface {
	HandleEvent(c *Controller, sid uint8, buf *mmbuf.Buffer)
}

// HandleEventFunc is func type of EventHandler.
type HandleEventFunc func(c *Controller, sid uint8, buf *mmbuf.Buffer)

// HandleEvent implements EventHandler.
func (f HandleEventFunc) HandleEvent(c *Controller, sid uint8, buf *mmbuf.Buffer) {
	f(c, sid, buf)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Open    datalink.Opener
	OnEvent EventHandler
	// OnAgentStart is invoked in its own goroutine when the agent announces
	// itself.
	OnAgentStart func(*Controller)
	QueueDepth   int
	Stats        *Stats
}

type rxItem struct {
	buf    *mmbuf.Buffer
	status Status
}

// Controller is the controller side of the link layer control. Responses
// are queued per stream and consumed with Recv.
type Controller struct {
	endpoint
	onEvent      EventHandler
	onAgentStart func(*Controller)
	streams      [MaxStreams]chan rxItem

	syncLock    sync.Mutex
	syncWaiters map[[SyncTokenSize]byte]chan SyncResp

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewController opens the data-link and creates a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Open == nil {
		return nil, ErrNoOpener
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	c := &Controller{
		onEvent:      cfg.OnEvent,
		onAgentStart: cfg.OnAgentStart,
		syncWaiters:  make(map[[SyncTokenSize]byte]chan SyncResp),
		closeCh:      make(chan struct{}),
	}
	for n := range c.streams {
		c.streams[n] = make(chan rxItem, depth)
	}
	if err := c.open(cfg.Open, c, cfg.Stats); err != nil {
		return nil, err
	}
	return c, nil
}

// Tx sends a COMMAND on stream sid and takes ownership of buf.
func (c *Controller) Tx(sid uint8, buf *mmbuf.Buffer) error {
	if sid >= MaxStreams {
		buf.Release()
		return ErrInvalidStream
	}
	return c.tx(PTypeCommand, sid, buf)
}

// Recv waits for the next response on stream sid. INVALID_STREAM and ERROR
// from the agent are returned as StatusError.
func (c *Controller) Recv(ctx context.Context, sid uint8) (*mmbuf.Buffer, error) {
	if sid >= MaxStreams {
		return nil, ErrInvalidStream
	}
	select {
	case item := <-c.streams[sid]:
		if item.buf == nil {
			return nil, item.status.Err()
		}
		return item.buf, nil
	case <-c.closeCh:
		return nil, datalink.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain discards queued responses of stream sid.
func (c *Controller) Drain(sid uint8) {
	for {
		select {
		case item := <-c.streams[sid]:
			item.buf.Release()
		default:
			return
		}
	}
}

// ResetAgent asks the agent to reset.
func (c *Controller) ResetAgent() error {
	return c.notify(PTypeAgentReset, ControlStream)
}

// Sync sends a SYNC_REQ with a random token and waits for the matching
// SYNC_RESP.
func (c *Controller) Sync(ctx context.Context) (SyncResp, error) {
	var token [SyncTokenSize]byte
	if _, err := rand.Read(token[:]); err != nil {
		return SyncResp{}, err
	}
	ch := make(chan SyncResp, 1)
	c.syncLock.Lock()
	c.syncWaiters[token] = ch
	c.syncLock.Unlock()
	defer func() {
		c.syncLock.Lock()
		delete(c.syncWaiters, token)
		c.syncLock.Unlock()
	}()

	buf := c.AllocTx(token[:], SyncTokenSize)
	if buf == nil {
		return SyncResp{}, &Error{Status: StatusNoMem}
	}
	if err := c.tx(PTypeSyncReq, ControlStream, buf); err != nil {
		return SyncResp{}, err
	}
	select {
	case resp := <-ch:
		if resp.Version != ProtocolVersion {
			return resp, ErrVersionMismatch
		}
		return resp, nil
	case <-c.closeCh:
		return SyncResp{}, datalink.ErrClosed
	case <-ctx.Done():
		return SyncResp{}, ctx.Err()
	}
}

// Close closes the data-link and fails pending Recv and Sync calls.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return c.endpoint.Close()
}

// HandleRx implements datalink.RxHandler.
func (c *Controller) HandleRx(_ datalink.Link, buf *mmbuf.Buffer) {
	if !c.rxReady() {
		buf.Release()
		return
	}
	hdr, ok := c.parse(buf)
	if !ok {
		glog.Warningf("llc: dropped short packet of %d bytes", buf.Len())
		buf.Release()
		return
	}
	if !c.process(hdr, buf) {
		buf.Release()
	}
	c.seen(hdr)
}

func (c *Controller) process(hdr Header, buf *mmbuf.Buffer) (transferred bool) {
	switch {
	case hdr.SID >= MaxStreams:
		glog.Warningf("llc: %s on invalid stream %d", hdr.PType, hdr.SID)
		c.stats.inc(&c.stats.InvalidStream)
		return
	case buf.Len() < int(hdr.Length):
		glog.Warningf("llc: truncated %s: %d of %d bytes", hdr.PType, buf.Len(), hdr.Length)
		c.stats.inc(&c.stats.Malformed)
		return
	case c.isDuplicate(hdr, PTypeAgentStart):
		glog.V(2).Infof("llc: dropped duplicate seq %d", hdr.Seq)
		return
	}

	switch hdr.PType {
	case PTypeResponse:
		transferred = c.enqueue(hdr.SID, rxItem{buf: buf})
	case PTypeEvent:
		if c.onEvent != nil {
			c.onEvent.HandleEvent(c, hdr.SID, buf)
			transferred = true
		}
	case PTypeAgentStart:
		glog.Info("llc: agent started")
		if c.onAgentStart != nil {
			go c.onAgentStart(c)
		}
	case PTypeInvalidStream:
		glog.Warningf("llc: agent rejected stream %d", hdr.SID)
		c.stats.inc(&c.stats.InvalidStream)
		c.enqueue(hdr.SID, rxItem{status: StatusInvalidStream})
	case PTypeError:
		glog.Warningf("llc: agent reported error on stream %d", hdr.SID)
		c.stats.inc(&c.stats.PeerErrors)
		c.enqueue(hdr.SID, rxItem{status: StatusError})
	case PTypePacketLoss:
		glog.Warningf("llc: agent detected packet loss on stream %d", hdr.SID)
		c.stats.inc(&c.stats.PeerLoss)
	case PTypeSyncResp:
		c.handleSyncResp(buf)
	default:
		glog.Warningf("llc: unexpected %s on stream %d", hdr.PType, hdr.SID)
	}

	if c.isLoss(hdr, PTypeAgentStart) {
		glog.Warningf("llc: packet loss, expect seq %d got %d", c.lastSeen.Next(), hdr.Seq)
	}
	return
}

func (c *Controller) enqueue(sid uint8, item rxItem) bool {
	select {
	case c.streams[sid] <- item:
		return true
	default:
		glog.Warningf("llc: stream %d queue full, dropped", sid)
		c.stats.inc(&c.stats.Dropped)
		return false
	}
}

func (c *Controller) handleSyncResp(buf *mmbuf.Buffer) {
	resp, ok := ParseSyncResp(buf.Bytes())
	if !ok {
		glog.Warningf("llc: malformed sync response of %d bytes", buf.Len())
		return
	}
	c.syncLock.Lock()
	ch := c.syncWaiters[resp.Token]
	c.syncLock.Unlock()
	if ch == nil {
		glog.V(1).Info("llc: unsolicited sync response")
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
