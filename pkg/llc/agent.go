package llc

import (
	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
)

// CommandHandler handles COMMAND packets. Returning StatusOK transfers
// ownership of buf to the handler, any other status leaves it with the
// caller and answers the controller with INVALID_STREAM.
type CommandHandler interface {
	HandleCommand(a *Agent, sid uint8, buf *mmbuf.Buffer) Status
}

// HandleCommandFunc is func type of CommandHandler.
type HandleCommandFunc func(a *Agent, sid uint8, buf *mmbuf.Buffer) Status

// HandleCommand implements CommandHandler.
func (f HandleCommandFunc) HandleCommand(a *Agent, sid uint8, buf *mmbuf.Buffer) Status {
	return f(a, sid, buf)
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Open    datalink.Opener
	Handler CommandHandler
	// Reset is invoked on AGENT_RESET once both sequence numbers were
	// cleared. It runs on the data-link rx path.
	Reset func()
	Stats *Stats
}

// Agent is the agent side of the link layer control.
type Agent struct {
	endpoint
	handler CommandHandler
	reset   func()
}

// NewAgent opens the data-link and creates an Agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Open == nil {
		return nil, ErrNoOpener
	}
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	a := &Agent{handler: cfg.Handler, reset: cfg.Reset}
	if err := a.open(cfg.Open, a, cfg.Stats); err != nil {
		return nil, err
	}
	return a, nil
}

// Tx sends a packet and takes ownership of buf. The sequence number only
// advances when the data-link accepted the packet.
func (a *Agent) Tx(ptype PType, sid uint8, buf *mmbuf.Buffer) error {
	return a.tx(ptype, sid, buf)
}

// SendStartNotification announces the agent to the controller.
func (a *Agent) SendStartNotification() error {
	return a.notify(PTypeAgentStart, ControlStream)
}

// HandleRx implements datalink.RxHandler.
func (a *Agent) HandleRx(_ datalink.Link, buf *mmbuf.Buffer) {
	if !a.rxReady() {
		buf.Release()
		return
	}
	hdr, ok := a.parse(buf)
	if !ok {
		glog.Warningf("llc: dropped short packet of %d bytes", buf.Len())
		buf.Release()
		return
	}
	if !a.process(hdr, buf) {
		buf.Release()
	}
	if hdr.PType != PTypeAgentReset {
		a.seen(hdr)
	}
}

// process returns true when ownership of buf moved to a command handler.
func (a *Agent) process(hdr Header, buf *mmbuf.Buffer) (transferred bool) {
	switch {
	case hdr.SID >= MaxStreams:
		glog.Warningf("llc: %s on invalid stream %d", hdr.PType, hdr.SID)
		a.stats.inc(&a.stats.InvalidStream)
		a.reply(PTypeInvalidStream, hdr.SID)
		return
	case buf.Len() < int(hdr.Length):
		glog.Warningf("llc: truncated %s: %d of %d bytes", hdr.PType, buf.Len(), hdr.Length)
		a.stats.inc(&a.stats.Malformed)
		a.reply(PTypeError, hdr.SID)
		return
	case a.isDuplicate(hdr, PTypeAgentReset):
		glog.V(2).Infof("llc: dropped duplicate seq %d", hdr.Seq)
		return
	}

	switch hdr.PType {
	case PTypeCommand:
		if status := a.handler.HandleCommand(a, hdr.SID, buf); status != StatusOK {
			glog.V(1).Infof("llc: command on stream %d rejected: %s", hdr.SID, status)
			a.reply(PTypeInvalidStream, hdr.SID)
		} else {
			transferred = true
		}
	case PTypeError:
		glog.Warningf("llc: controller reported error on stream %d", hdr.SID)
		a.stats.inc(&a.stats.PeerErrors)
	case PTypeAgentReset:
		glog.Info("llc: agent reset requested")
		a.resetSeq()
		if a.reset != nil {
			a.reset()
		}
	case PTypeSyncReq:
		a.handleSync(hdr, buf)
	default:
		glog.Warningf("llc: unexpected %s on stream %d", hdr.PType, hdr.SID)
		a.reply(PTypeError, hdr.SID)
	}

	if a.isLoss(hdr, PTypeSyncReq) {
		glog.Warningf("llc: packet loss, expect seq %d got %d", a.lastSeen.Next(), hdr.Seq)
		a.reply(PTypePacketLoss, hdr.SID)
	}
	return
}

func (a *Agent) handleSync(hdr Header, buf *mmbuf.Buffer) {
	if buf.Len() != SyncTokenSize {
		a.reply(PTypeError, hdr.SID)
		return
	}
	resp := SyncResp{LastSeen: a.lastSeen, Version: ProtocolVersion}
	copy(resp.Token[:], buf.Bytes())
	out := a.AllocTx(resp.Bytes(), SyncRespSize)
	if out == nil {
		glog.Error("llc: no memory for sync response")
		return
	}
	if err := a.tx(PTypeSyncResp, hdr.SID, out); err != nil {
		glog.Warningf("llc: sync response: %v", err)
	}
}

func (a *Agent) reply(ptype PType, sid uint8) {
	if err := a.notify(ptype, sid); err != nil {
		glog.Warningf("llc: reply %s on stream %d: %v", ptype, sid, err)
	}
}
