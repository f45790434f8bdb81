package m2m

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/datalink/uart"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

const testVersion = "test-1.0"

type pairTestCtx struct {
	t       *testing.T
	agent   *Agent
	ctl     *Controller
	events  chan Event
	started chan struct{}
	resets  chan struct{}
}

func uartOpener(ctx context.Context, conn net.Conn) datalink.Opener {
	return func(h datalink.RxHandler) (datalink.Link, error) {
		l, err := uart.NewLink(uart.Config{
			ReadWriter:    conn,
			Handler:       h,
			MaxPacketSize: llc.MaxPacketSize + llc.HeaderSize,
			CRC:           true,
		})
		if err != nil {
			return nil, err
		}
		go l.Run(ctx)
		return l, nil
	}
}

func newPairTestCtx(t *testing.T, next Processor) *pairTestCtx {
	ctx, cancel := context.WithCancel(context.Background())
	agentConn, ctlConn := net.Pipe()
	c := &pairTestCtx{
		t:       t,
		events:  make(chan Event, 4),
		started: make(chan struct{}, 4),
		resets:  make(chan struct{}, 4),
	}
	ctl, err := NewController(ControllerConfig{
		Open:         uartOpener(ctx, ctlConn),
		OnEvent:      func(e Event) { c.events <- e },
		OnAgentStart: func(*Controller) { c.started <- struct{}{} },
	})
	require.NoError(t, err)
	c.ctl = ctl
	agent, err := NewAgent(AgentConfig{
		Open:      uartOpener(ctx, agentConn),
		Processor: &SysProcessor{Version: testVersion, Next: next},
		Reset:     func() { c.resets <- struct{}{} },
	})
	require.NoError(t, err)
	c.agent = agent
	t.Cleanup(func() {
		agent.Close()
		ctl.Close()
		agentConn.Close()
		ctlConn.Close()
		cancel()
	})
	return c
}

func (c *pairTestCtx) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	c.t.Cleanup(cancel)
	return ctx
}

func (c *pairTestCtx) expectEvent() Event {
	select {
	case e := <-c.events:
		return e
	case <-time.After(time.Second):
		c.t.Fatal("expect event")
	}
	return Event{}
}

func (c *pairTestCtx) expectSignal(ch chan struct{}, what string) {
	select {
	case <-ch:
	case <-time.After(time.Second):
		c.t.Fatal("expect " + what)
	}
}

func TestAgentAnnouncesStart(t *testing.T) {
	c := newPairTestCtx(t, nil)
	c.expectSignal(c.started, "agent start")
}

func TestSysCommands(t *testing.T) {
	c := newPairTestCtx(t, nil)
	proto, version, err := c.ctl.Version(c.ctx())
	require.NoError(t, err)
	require.Equal(t, uint8(llc.ProtocolVersion), proto)
	require.Equal(t, testVersion, version)

	p, err := c.ctl.Echo(c.ctx(), llc.ControlStream, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), p)

	p, err = c.ctl.Echo(c.ctx(), llc.ControlStream, nil)
	require.NoError(t, err)
	require.Empty(t, p)

	_, err = c.ctl.Do(c.ctx(), llc.ControlStream, CommandHeader{Subsystem: SubsystemSys, Command: 99}, nil)
	require.ErrorIs(t, err, llc.StatusNotSupported.Err())
	_, err = c.ctl.Do(c.ctx(), llc.ControlStream, CommandHeader{Subsystem: 7}, nil)
	require.ErrorIs(t, err, llc.StatusNotSupported.Err())
}

func TestDeepSleepCommand(t *testing.T) {
	c := newPairTestCtx(t, nil)
	require.NoError(t, c.ctl.SetDeepSleepMode(c.ctx(), sleep.OneShot))
	require.ErrorIs(t, c.ctl.SetDeepSleepMode(c.ctx(), sleep.Hardware), llc.StatusNotSupported.Err())
	require.NoError(t, c.ctl.SetDeepSleepMode(c.ctx(), sleep.Disabled))
}

func TestStreamLifecycle(t *testing.T) {
	c := newPairTestCtx(t, nil)
	sid, err := c.ctl.OpenStream(c.ctx())
	require.NoError(t, err)
	require.Equal(t, uint8(1), sid)
	sid2, err := c.ctl.OpenStream(c.ctx())
	require.NoError(t, err)
	require.Equal(t, uint8(2), sid2)

	p, err := c.ctl.Echo(c.ctx(), sid, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, p)

	require.NoError(t, c.ctl.CloseStream(c.ctx(), sid))
	require.Equal(t, Event{Subsystem: SubsystemSys, ID: SysEventStreamClosed, Payload: []byte{sid}}, c.expectEvent())
	_, err = c.ctl.Echo(c.ctx(), sid, []byte{1})
	require.ErrorIs(t, err, llc.StatusInvalidStream.Err())
	require.ErrorIs(t, c.ctl.CloseStream(c.ctx(), sid), llc.StatusInvalidStream.Err())
	require.ErrorIs(t, c.ctl.CloseStream(c.ctx(), llc.ControlStream), llc.StatusInvalidArg.Err())

	sid, err = c.ctl.OpenStream(c.ctx())
	require.NoError(t, err)
	require.Equal(t, uint8(1), sid)
}

func TestCommandOnUnopenedStream(t *testing.T) {
	c := newPairTestCtx(t, nil)
	for i := 0; i < 2; i++ {
		_, err := c.ctl.Echo(c.ctx(), 7, []byte{byte(i)})
		require.ErrorIs(t, err, llc.StatusInvalidStream.Err())
	}
	_, err := c.ctl.Echo(c.ctx(), llc.MaxStreams, nil)
	require.ErrorIs(t, err, llc.ErrInvalidStream)
}

func TestMalformedCommand(t *testing.T) {
	c := newPairTestCtx(t, nil)
	l := c.ctl.LLC()
	require.NoError(t, l.Tx(llc.ControlStream, l.AllocTx([]byte{1, 2}, 2)))
	buf, err := l.Recv(c.ctx(), llc.ControlStream)
	require.NoError(t, err)
	defer buf.Release()
	require.Equal(t, []byte{0, 0, 0, byte(llc.StatusError)}, buf.Bytes())
}

func TestCustomProcessor(t *testing.T) {
	const subsystem = 3
	c := newPairTestCtx(t, ProcessFunc(func(ctx context.Context, req *Request) ([]byte, error) {
		switch req.Header.Command {
		case 1:
			return []byte(req.Context.(string)), nil
		case 2:
			return nil, llc.StatusTimeout.Err()
		}
		return nil, context.Canceled
	}))
	sid, err := c.agent.OpenStream("custom")
	require.NoError(t, err)
	require.Equal(t, "custom", c.agent.StreamContext(sid))

	p, err := c.ctl.Do(c.ctx(), sid, CommandHeader{Subsystem: subsystem, Command: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("custom"), p)
	_, err = c.ctl.Do(c.ctx(), sid, CommandHeader{Subsystem: subsystem, Command: 2}, nil)
	require.ErrorIs(t, err, llc.StatusTimeout.Err())
	_, err = c.ctl.Do(c.ctx(), sid, CommandHeader{Subsystem: subsystem, Command: 3}, nil)
	require.ErrorIs(t, err, llc.StatusError.Err())
}

func TestEventsResetAndSync(t *testing.T) {
	c := newPairTestCtx(t, nil)
	c.expectSignal(c.started, "agent start")
	require.NoError(t, c.agent.SendEvent(5, 6, []byte("evt")))
	require.Equal(t, Event{Subsystem: 5, ID: 6, Payload: []byte("evt")}, c.expectEvent())

	_, err := c.ctl.Echo(c.ctx(), llc.ControlStream, []byte{1})
	require.NoError(t, err)
	resp, err := c.ctl.Sync(c.ctx())
	require.NoError(t, err)
	require.Equal(t, llc.Seq(0), resp.LastSeen)
	require.Equal(t, uint8(llc.ProtocolVersion), resp.Version)

	sid, err := c.ctl.OpenStream(c.ctx())
	require.NoError(t, err)
	done := c.agent.StreamDone(sid)
	require.NotNil(t, done)

	require.NoError(t, c.ctl.ResetAgent())
	c.expectSignal(c.resets, "agent reset")
	c.expectSignal(c.started, "agent restart")
	select {
	case <-done:
	default:
		t.Fatal("stream survived the reset")
	}
	require.Nil(t, c.agent.StreamDone(sid))
	require.Equal(t, c.agent, c.agent.StreamContext(llc.ControlStream))

	_, err = c.ctl.Echo(c.ctx(), sid, []byte{2})
	require.ErrorIs(t, err, llc.StatusInvalidStream.Err())
	out, err := c.ctl.Echo(c.ctx(), llc.ControlStream, []byte{3})
	require.NoError(t, err)
	require.Equal(t, []byte{3}, out)
	// echo, open, reset, echo, echo
	resp, err = c.ctl.Sync(c.ctx())
	require.NoError(t, err)
	require.Equal(t, llc.Seq(4), resp.LastSeen)
	require.Zero(t, c.agent.LLC().Stats().Snapshot().LossDetected)

	snap := c.ctl.Stats().Snapshot()
	require.Zero(t, snap.LossDetected)
	require.Zero(t, snap.Duplicates)
}

func TestStreamTable(t *testing.T) {
	c := newPairTestCtx(t, nil)
	a := c.agent
	require.Equal(t, a, a.StreamContext(llc.ControlStream))
	require.Nil(t, a.StreamContext(1))
	require.Nil(t, a.StreamContext(llc.MaxStreams))

	seen := map[uint8]bool{llc.ControlStream: true}
	for n := 1; n < llc.MaxStreams; n++ {
		sid, err := a.OpenStream(n)
		require.NoError(t, err)
		require.False(t, seen[sid])
		seen[sid] = true
	}
	_, err := a.OpenStream(nil)
	require.ErrorIs(t, err, ErrNoStreams)
	require.Equal(t, llc.StatusUnavailable, llc.StatusOf(err))

	require.ErrorIs(t, a.CloseStream(llc.ControlStream), ErrControlStream)
	require.ErrorIs(t, a.CloseStream(llc.MaxStreams), llc.ErrInvalidStream)
	done := a.StreamDone(9)
	require.NoError(t, a.CloseStream(9))
	require.ErrorIs(t, a.CloseStream(9), ErrStreamNotOpen)
	<-done
	require.Eventually(t, func() bool { return a.StreamContext(9) == nil }, time.Second, time.Millisecond)
	sid, err := a.OpenStream("again")
	require.NoError(t, err)
	require.Equal(t, uint8(9), sid)
	require.Nil(t, a.StreamDone(llc.MaxStreams))
}

func TestEnvelope(t *testing.T) {
	p := make([]byte, HeaderSize)
	cmd := CommandHeader{Subsystem: 1, Command: 2, Subcommand: 3, Reserved: 4}
	cmd.Put(p)
	require.Equal(t, []byte{1, 2, 3, 4}, p)
	parsed, ok := ParseCommandHeader(p)
	require.True(t, ok)
	require.Equal(t, cmd, parsed)
	rh := cmd.Response(llc.StatusNotFound)
	rh.Put(p)
	require.Equal(t, []byte{1, 2, 3, byte(llc.StatusNotFound)}, p)
	require.True(t, rh.Matches(cmd))
	require.False(t, ResponseHeader{Subsystem: 1}.Matches(cmd))
	_, ok = ParseResponseHeader(p[:2])
	require.False(t, ok)
}

func TestAgentConfig(t *testing.T) {
	_, err := NewAgent(AgentConfig{})
	require.ErrorIs(t, err, ErrNoProcessor)
	_, err = NewAgent(AgentConfig{Processor: &SysProcessor{}})
	require.ErrorIs(t, err, llc.ErrNoOpener)
}
