package m2m

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Open datalink.Opener
	// OnEvent receives events from the agent, on the data-link goroutine.
	OnEvent func(Event)
	// OnAgentStart is invoked when the agent (re)starts.
	OnAgentStart func(*Controller)
	QueueDepth   int
	Stats        *llc.Stats
}

// Controller sends commands to an agent.
type Controller struct {
	llc          *llc.Controller
	onEvent      func(Event)
	onAgentStart func(*Controller)
	ready        chan struct{}
	// one outstanding command per stream
	locks [llc.MaxStreams]sync.Mutex
}

// NewController opens the link.
func NewController(cfg ControllerConfig) (*Controller, error) {
	c := &Controller{
		onEvent:      cfg.OnEvent,
		onAgentStart: cfg.OnAgentStart,
		ready:        make(chan struct{}),
	}
	l, err := llc.NewController(llc.ControllerConfig{
		Open:       cfg.Open,
		OnEvent:    llc.HandleEventFunc(c.handleEvent),
		QueueDepth: cfg.QueueDepth,
		Stats:      cfg.Stats,
		OnAgentStart: func(*llc.Controller) {
			<-c.ready
			if c.llc != nil && c.onAgentStart != nil {
				c.onAgentStart(c)
			}
		},
	})
	c.llc = l
	close(c.ready)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// LLC returns the link layer.
func (c *Controller) LLC() *llc.Controller {
	return c.llc
}

// Do sends a command on stream sid and returns the response payload. A
// non-OK result is returned as llc.StatusError.
func (c *Controller) Do(ctx context.Context, sid uint8, hdr CommandHeader, payload []byte) ([]byte, error) {
	if sid >= llc.MaxStreams {
		return nil, llc.ErrInvalidStream
	}
	c.locks[sid].Lock()
	defer c.locks[sid].Unlock()
	// responses to abandoned commands
	c.llc.Drain(sid)

	buf := c.llc.AllocTx(nil, HeaderSize+len(payload))
	if buf == nil {
		return nil, llc.StatusNoMem.Err()
	}
	hdr.Put(buf.Append(HeaderSize))
	buf.AppendData(payload)
	if err := c.llc.Tx(sid, buf); err != nil {
		return nil, err
	}

	resp, err := c.llc.Recv(ctx, sid)
	if err != nil {
		return nil, err
	}
	defer resp.Release()
	rh, ok := ParseResponseHeader(resp.Bytes())
	if !ok {
		return nil, ErrMalformed
	}
	if rh.Result != llc.StatusOK {
		return nil, rh.Result.Err()
	}
	if !rh.Matches(hdr) {
		glog.Warningf("m2m: response %d/%d for command %d/%d", rh.Subsystem, rh.Command, hdr.Subsystem, hdr.Command)
		return nil, ErrMismatch
	}
	return append([]byte{}, resp.Bytes()[HeaderSize:]...), nil
}

// Version returns the protocol version and application version of the agent.
func (c *Controller) Version(ctx context.Context) (uint8, string, error) {
	p, err := c.Do(ctx, llc.ControlStream, CommandHeader{Subsystem: SubsystemSys, Command: SysGetVersion}, nil)
	if err != nil {
		return 0, "", err
	}
	if len(p) < 1 {
		return 0, "", ErrMalformed
	}
	return p[0], string(p[1:]), nil
}

// Echo sends payload and returns what the agent echoed.
func (c *Controller) Echo(ctx context.Context, sid uint8, payload []byte) ([]byte, error) {
	return c.Do(ctx, sid, CommandHeader{Subsystem: SubsystemSys, Command: SysEcho}, payload)
}

// SetDeepSleepMode changes the deep sleep mode of the agent's data-link.
func (c *Controller) SetDeepSleepMode(ctx context.Context, mode sleep.Mode) error {
	_, err := c.Do(ctx, llc.ControlStream, CommandHeader{Subsystem: SubsystemSys, Command: SysDeepSleep, Subcommand: uint8(mode)}, nil)
	return err
}

// OpenStream opens a stream on the agent.
func (c *Controller) OpenStream(ctx context.Context) (uint8, error) {
	p, err := c.Do(ctx, llc.ControlStream, CommandHeader{Subsystem: SubsystemSys, Command: SysOpenStream}, nil)
	if err != nil {
		return 0, err
	}
	if len(p) != 1 {
		return 0, ErrMalformed
	}
	return p[0], nil
}

// CloseStream closes a stream on the agent.
func (c *Controller) CloseStream(ctx context.Context, sid uint8) error {
	_, err := c.Do(ctx, llc.ControlStream, CommandHeader{Subsystem: SubsystemSys, Command: SysCloseStream, Subcommand: sid}, nil)
	return err
}

// Sync exchanges sequence state with the agent.
func (c *Controller) Sync(ctx context.Context) (llc.SyncResp, error) {
	return c.llc.Sync(ctx)
}

// ResetAgent asks the agent to reset.
func (c *Controller) ResetAgent() error {
	return c.llc.ResetAgent()
}

// Stats returns the link layer counters.
func (c *Controller) Stats() *llc.Stats {
	return c.llc.Stats()
}

// Close closes the link.
func (c *Controller) Close() error {
	return c.llc.Close()
}

func (c *Controller) handleEvent(_ *llc.Controller, sid uint8, buf *mmbuf.Buffer) {
	defer buf.Release()
	rh, ok := ParseResponseHeader(buf.Bytes())
	if !ok {
		glog.Warningf("m2m: malformed event of %d bytes on stream %d", buf.Len(), sid)
		return
	}
	if c.onEvent == nil {
		glog.V(2).Infof("m2m: unhandled event %d/%d", rh.Subsystem, rh.Command)
		return
	}
	c.onEvent(Event{
		Subsystem: rh.Subsystem,
		ID:        rh.Command,
		Payload:   append([]byte{}, buf.Bytes()[HeaderSize:]...),
	})
}
