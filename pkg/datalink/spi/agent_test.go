package spi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

const testTimeout = time.Second

type agentTestCtx struct {
	t     *testing.T
	bus   *SimBus
	agent *Agent
	veto  *sleep.Coordinator
	rxCh  chan []byte
}

func newAgentTestCtx(t *testing.T, tweak func(*Config)) *agentTestCtx {
	c := &agentTestCtx{
		t:    t,
		bus:  NewSimBus(),
		veto: sleep.NewCoordinator(),
		rxCh: make(chan []byte, 8),
	}
	cfg := Config{
		Bus:   c.bus,
		Lines: c.bus,
		Handler: datalink.HandleRxFunc(func(_ datalink.Link, buf *mmbuf.Buffer) {
			c.rxCh <- append([]byte(nil), buf.Bytes()...)
			buf.Release()
		}),
		MaxPacketSize: 128,
		Vetoer:        c.veto,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	a, err := NewAgent(cfg)
	require.NoError(t, err)
	c.agent = a
	t.Cleanup(func() { a.Close() })
	return c
}

func (c *agentTestCtx) expectState(s State) *agentTestCtx {
	require.Equal(c.t, s, c.agent.State())
	return c
}

func (c *agentTestCtx) expectReady(high bool) *agentTestCtx {
	require.True(c.t, c.bus.WaitReady(high, testTimeout), "ready should be %v", high)
	return c
}

func (c *agentTestCtx) write(p []byte) *agentTestCtx {
	require.NoError(c.t, c.bus.Write(p))
	return c
}

func (c *agentTestCtx) read(n int) []byte {
	p := make([]byte, n)
	require.NoError(c.t, c.bus.Read(p))
	return p
}

func (c *agentTestCtx) expectRx(expected []byte) *agentTestCtx {
	select {
	case p := <-c.rxCh:
		require.Equal(c.t, expected, p)
	case <-time.After(testTimeout):
		c.t.Fatal("expect rx timeout")
	}
	return c
}

func (c *agentTestCtx) expectNoRx() *agentTestCtx {
	select {
	case p := <-c.rxCh:
		c.t.Fatalf("unexpected rx %v", p)
	case <-time.After(20 * time.Millisecond):
	}
	return c
}

type txResult struct {
	n   int
	err error
}

func (c *agentTestCtx) startTx(p []byte) chan txResult {
	buf := c.agent.AllocTx(0, len(p))
	require.True(c.t, buf.AppendData(p))
	ch := make(chan txResult, 1)
	go func() {
		n, err := c.agent.Tx(buf)
		ch <- txResult{n, err}
	}()
	c.expectReady(true)
	return ch
}

func expectTxResult(t *testing.T, ch chan txResult, n int, err error) {
	select {
	case r := <-ch:
		require.Equal(t, err, r.err)
		require.Equal(t, n, r.n)
	case <-time.After(testTimeout):
		t.Fatal("expect tx result timeout")
	}
}

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i + 1)
	}
	return p
}

func TestAgentWrite(t *testing.T) {
	c := newAgentTestCtx(t, nil).expectState(StateIdle).expectReady(false)
	payload := payloadOf(10)

	c.bus.SetWake(true)
	c.expectReady(true)
	c.write(Header{Type: PayloadWrite, Length: 10}.Bytes()).
		expectState(StateC2APayload).
		expectReady(false)
	c.write(payload).expectReady(true).expectState(StateC2AAck)
	require.Equal(t, []byte{byte(PayloadACK)}, c.read(1))
	c.expectState(StateIdle).expectReady(false)
	c.bus.SetWake(false)
	c.expectRx(payload).expectState(StateIdle)
	require.True(t, c.veto.Allowed())
}

func TestAgentReadNothingQueued(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	c.bus.SetWake(true)
	c.write(Header{Type: PayloadRead}.Bytes()).expectState(StateA2CReadLen)
	require.Equal(t, []byte{0, 0}, c.read(LengthSize))
	c.expectState(StateIdle).expectReady(false)
	require.ErrorIs(t, c.bus.Read(make([]byte, 1)), ErrNotArmed)
	c.bus.SetWake(false)
}

func TestAgentReadAndReread(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	payload := payloadOf(20)
	txCh := c.startTx(payload)

	c.bus.SetWake(true)
	c.write(Header{Type: PayloadRead}.Bytes())
	require.Equal(t, []byte{0, 20}, c.read(LengthSize))
	c.expectState(StateA2CReadPayload).expectReady(true)
	require.Equal(t, payload, c.read(20))
	c.expectState(StateIdle)
	c.bus.SetWake(false)
	expectTxResult(t, txCh, 20, nil)

	c.bus.SetWake(true)
	c.write(Header{Type: PayloadReread}.Bytes()).expectState(StateA2CRereadLen)
	require.Equal(t, []byte{0, 20}, c.read(LengthSize))
	c.expectState(StateA2CRereadPayload)
	require.Equal(t, payload, c.read(20))
	c.expectState(StateIdle)
	c.bus.SetWake(false)

	// nothing current after the read
	c.bus.SetWake(true)
	c.write(Header{Type: PayloadRead}.Bytes())
	require.Equal(t, []byte{0, 0}, c.read(LengthSize))
	c.bus.SetWake(false)
}

func TestAgentReleasesRotatedBuffers(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	host, err := NewHost(HostConfig{Bus: c.bus, Handler: datalink.HandleRxFunc(func(datalink.Link, *mmbuf.Buffer) {})})
	require.NoError(t, err)
	pool := mmbuf.NewPool(0)
	for i := 0; i < 3; i++ {
		buf := pool.Alloc(0, 4)
		buf.AppendData([]byte{byte(i), 1, 2, 3})
		ch := make(chan txResult, 1)
		go func() {
			n, err := c.agent.Tx(buf)
			ch <- txResult{n, err}
		}()
		c.expectReady(true)
		got, err := host.Receive()
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i), 1, 2, 3}, got.Bytes())
		expectTxResult(t, ch, 4, nil)
	}
	// previous and pending release slots
	require.Equal(t, 2, pool.InUse())
	c.agent.Close()
	require.Equal(t, 0, pool.InUse())
}

func TestAgentTransferModes(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	host, err := NewHost(HostConfig{Bus: c.bus, Handler: datalink.HandleRxFunc(func(datalink.Link, *mmbuf.Buffer) {})})
	require.NoError(t, err)
	require.Equal(t, 0, c.bus.Transfers(TransferDMA))

	buf := host.AllocTx(0, ITTransferMaxLength)
	buf.AppendData(payloadOf(ITTransferMaxLength))
	_, err = host.Tx(buf)
	require.NoError(t, err)
	c.expectRx(payloadOf(ITTransferMaxLength))
	require.Equal(t, 0, c.bus.Transfers(TransferDMA))

	buf = host.AllocTx(0, ITTransferMaxLength+1)
	buf.AppendData(payloadOf(ITTransferMaxLength + 1))
	_, err = host.Tx(buf)
	require.NoError(t, err)
	c.expectRx(payloadOf(ITTransferMaxLength + 1))
	require.Equal(t, 1, c.bus.Transfers(TransferDMA))
}

func TestAgentUnknownHeaderReidles(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	c.bus.SetWake(true)
	c.write([]byte{0x7f, 0, 0}).expectState(StateIdle)
	c.write(Header{Type: PayloadWrite, Length: 0}.Bytes()).expectState(StateIdle)
	c.write(Header{Type: PayloadWrite, Length: 129}.Bytes()).expectState(StateIdle)
	c.bus.SetWake(false)
	c.expectNoRx()
}

// Only a failed payload write is recovered in place. Any other bus error
// parks the session in ERROR until Reset or the next wake falling edge.
func TestAgentBusErrorAsymmetry(t *testing.T) {
	t.Run("payload write", func(t *testing.T) {
		c := newAgentTestCtx(t, nil)
		c.bus.SetWake(true)
		c.write(Header{Type: PayloadWrite, Length: 4}.Bytes())
		c.bus.InjectErrors(1)
		require.ErrorIs(t, c.bus.Write(payloadOf(4)), ErrBusError)
		c.expectState(StateIdle).expectReady(false)
		c.write(Header{Type: PayloadWrite, Length: 4}.Bytes()).write(payloadOf(4))
		c.expectReady(true)
		require.Equal(t, []byte{byte(PayloadACK)}, c.read(1))
		c.expectRx(payloadOf(4))
	})
	t.Run("length read", func(t *testing.T) {
		c := newAgentTestCtx(t, nil)
		c.bus.SetWake(true)
		c.write(Header{Type: PayloadRead}.Bytes())
		c.bus.InjectErrors(1)
		require.ErrorIs(t, c.bus.Read(make([]byte, LengthSize)), ErrBusError)
		c.expectState(StateError).expectReady(false)
		require.ErrorIs(t, c.bus.Write(Header{Type: PayloadRead}.Bytes()), ErrNotArmed)
		c.agent.Reset()
		c.expectState(StateIdle)
	})
	t.Run("wake recovers", func(t *testing.T) {
		c := newAgentTestCtx(t, nil)
		c.bus.SetWake(true)
		c.bus.InjectErrors(1)
		require.ErrorIs(t, c.bus.Write(Header{Type: PayloadRead}.Bytes()), ErrBusError)
		c.expectState(StateError)
		c.bus.SetWake(false)
		c.expectState(StateIdle)
	})
}

func TestAgentCRC(t *testing.T) {
	c := newAgentTestCtx(t, func(cfg *Config) { cfg.CRC = true })
	payload := payloadOf(4)
	c.bus.SetWake(true)
	c.write(Header{Type: PayloadWrite, Length: 4}.Bytes())
	c.write(append(payload, 0xde, 0xad)).expectReady(true)
	require.Equal(t, []byte{byte(PayloadNACK)}, c.read(1))
	c.expectState(StateIdle)
	c.bus.SetWake(false)
	c.expectNoRx()

	host, err := NewHost(HostConfig{Bus: c.bus, CRC: true, Handler: datalink.HandleRxFunc(func(datalink.Link, *mmbuf.Buffer) {})})
	require.NoError(t, err)
	buf := host.AllocTx(0, 4)
	buf.AppendData(payload)
	n, err := host.Tx(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	c.expectRx(payload)

	txCh := c.startTx(payloadOf(6))
	got, err := host.Receive()
	require.NoError(t, err)
	require.Equal(t, payloadOf(6), got.Bytes())
	expectTxResult(t, txCh, 6, nil)
}

func TestAgentAllocFailureDrops(t *testing.T) {
	pool := mmbuf.NewPool(1)
	c := newAgentTestCtx(t, func(cfg *Config) { cfg.Allocator = pool })
	held := pool.Alloc(0, 1)
	host, err := NewHost(HostConfig{
		Bus:          c.bus,
		Handler:      datalink.HandleRxFunc(func(datalink.Link, *mmbuf.Buffer) {}),
		ReadyTimeout: 20 * time.Millisecond,
		Retries:      1,
	})
	require.NoError(t, err)

	buf := host.AllocTx(0, 3)
	buf.AppendData([]byte{1, 2, 3})
	_, err = host.Tx(buf)
	require.ErrorIs(t, err, ErrTimeout)
	c.expectState(StateIdle).expectNoRx()

	held.Release()
	buf = host.AllocTx(0, 3)
	buf.AppendData([]byte{1, 2, 3})
	_, err = host.Tx(buf)
	require.NoError(t, err)
	c.expectRx([]byte{1, 2, 3})
}

func TestAgentDeepSleep(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	require.Equal(t, sleep.Hardware, c.agent.DeepSleepMode())
	require.True(t, c.bus.WakeIRQEnabled())
	require.True(t, c.veto.Allowed())

	c.bus.SetWake(true)
	require.False(t, c.veto.Allowed())
	c.expectReady(true)
	c.bus.SetWake(false)
	require.True(t, c.veto.Allowed())

	require.True(t, c.agent.SetDeepSleepMode(sleep.OneShot))
	c.bus.SetWake(true)
	c.bus.SetWake(false)
	require.False(t, c.veto.Allowed(), "one-shot keeps the veto after a transaction")

	require.True(t, c.agent.SetDeepSleepMode(sleep.Disabled))
	require.False(t, c.bus.WakeIRQEnabled())
	require.Equal(t, sleep.VetoDatalink, c.veto.Vetoes())
	require.True(t, c.agent.SetDeepSleepMode(sleep.Disabled))
	require.False(t, c.agent.SetDeepSleepMode(sleep.Mode(9)))
	require.Equal(t, sleep.Disabled, c.agent.DeepSleepMode())

	require.True(t, c.agent.SetDeepSleepMode(sleep.Hardware))
	require.True(t, c.veto.Allowed())
	require.True(t, c.bus.WakeIRQEnabled())
}

func TestAgentWakeFallingWithPendingTx(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	txCh := c.startTx(payloadOf(3))
	c.bus.SetWake(true)
	c.write(Header{Type: PayloadWrite, Length: 2}.Bytes()).expectReady(false)
	// controller aborts mid write
	c.bus.SetWake(false)
	c.expectState(StateIdle).expectReady(true)
	require.False(t, c.veto.Allowed())

	host, err := NewHost(HostConfig{Bus: c.bus, Handler: datalink.HandleRxFunc(func(datalink.Link, *mmbuf.Buffer) {})})
	require.NoError(t, err)
	got, err := host.Receive()
	require.NoError(t, err)
	require.Equal(t, payloadOf(3), got.Bytes())
	expectTxResult(t, txCh, 3, nil)
	require.True(t, c.veto.Allowed())
}

func TestAgentTxRejects(t *testing.T) {
	c := newAgentTestCtx(t, nil)
	_, err := c.agent.Tx(nil)
	require.ErrorIs(t, err, datalink.ErrEmpty)
	_, err = c.agent.Tx(mmbuf.New(0, 1))
	require.ErrorIs(t, err, datalink.ErrEmpty)
	big := mmbuf.New(0, datalink.MaxPayloadSize+1)
	big.Append(datalink.MaxPayloadSize + 1)
	_, err = c.agent.Tx(big)
	require.ErrorIs(t, err, datalink.ErrTooLarge)

	txCh := c.startTx(payloadOf(2))
	buf := c.agent.AllocTx(0, 1)
	buf.AppendData([]byte{1})
	_, err = c.agent.Tx(buf)
	require.ErrorIs(t, err, datalink.ErrBusy)

	c.agent.Close()
	expectTxResult(t, txCh, 0, datalink.ErrClosed)
	buf = c.agent.AllocTx(0, 1)
	buf.AppendData([]byte{1})
	_, err = c.agent.Tx(buf)
	require.ErrorIs(t, err, datalink.ErrClosed)
}

func TestAgentSingleton(t *testing.T) {
	bus := NewSimBus()
	cfg := Config{
		Bus:           bus,
		Lines:         bus,
		Handler:       datalink.HandleRxFunc(func(datalink.Link, *mmbuf.Buffer) {}),
		MaxPacketSize: 16,
	}
	a, err := NewAgent(cfg)
	require.NoError(t, err)
	_, err = NewAgent(cfg)
	require.ErrorIs(t, err, datalink.ErrInUse)
	require.NoError(t, a.Close())
	a, err = NewAgent(cfg)
	require.NoError(t, err)
	a.Close()

	testCases := []struct {
		name   string
		cfg    Config
		expect error
	}{
		{"no bus", Config{Lines: bus, Handler: cfg.Handler, MaxPacketSize: 1}, ErrNoBus},
		{"no handler", Config{Bus: bus, Lines: bus, MaxPacketSize: 1}, datalink.ErrNoHandler},
		{"no max size", Config{Bus: bus, Lines: bus, Handler: cfg.Handler}, datalink.ErrNoMaxSize},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAgent(tc.cfg)
			require.ErrorIs(t, err, tc.expect)
		})
	}
}
