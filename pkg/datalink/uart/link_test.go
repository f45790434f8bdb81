package uart

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/m2mlink/pkg/crc16"
	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/mmbuf"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

const testMaxSize = 64

type testStream struct {
	readCh chan []byte
	lock   sync.Mutex
	out    bytes.Buffer
}

func newTestStream() *testStream {
	return &testStream{readCh: make(chan []byte)}
}

func (s *testStream) Read(p []byte) (int, error) {
	b, ok := <-s.readCh
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (s *testStream) Write(p []byte) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.out.Write(p)
}

func (s *testStream) take() []byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	p := append([]byte(nil), s.out.Bytes()...)
	s.out.Reset()
	return p
}

type linkTestCtx struct {
	t      *testing.T
	stream *testStream
	link   *Link
	rxCh   chan *mmbuf.Buffer
	veto   *sleep.Coordinator
}

func newLinkTestCtx(t *testing.T, tweak func(*Config)) *linkTestCtx {
	c := &linkTestCtx{
		t:      t,
		stream: newTestStream(),
		rxCh:   make(chan *mmbuf.Buffer, 4),
		veto:   sleep.NewCoordinator(),
	}
	cfg := Config{
		ReadWriter:    c.stream,
		Handler:       datalink.HandleRxFunc(func(_ datalink.Link, buf *mmbuf.Buffer) { c.rxCh <- buf }),
		MaxPacketSize: testMaxSize,
		Vetoer:        c.veto,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	l, err := NewLink(cfg)
	require.NoError(t, err)
	c.link = l
	return c
}

func (c *linkTestCtx) send(payload []byte) []byte {
	buf := c.link.AllocTx(0, len(payload))
	require.True(c.t, buf.AppendData(payload))
	n, err := c.link.Tx(buf)
	require.NoError(c.t, err)
	require.Equal(c.t, len(payload), n)
	return c.stream.take()
}

func (c *linkTestCtx) expectRx(expected []byte) *linkTestCtx {
	select {
	case buf := <-c.rxCh:
		require.Equal(c.t, len(expected), buf.Len())
		if len(expected) > 0 {
			require.Equal(c.t, expected, buf.Bytes())
		}
		buf.Release()
	default:
		c.t.Fatal("expect rx")
	}
	return c
}

func (c *linkTestCtx) expectNoRx() *linkTestCtx {
	select {
	case buf := <-c.rxCh:
		c.t.Fatalf("unexpected rx %v", buf.Bytes())
	default:
	}
	return c
}

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 37)
	}
	if n > 0 {
		p[0] = End
		p[n/2] = Esc
	}
	return p
}

func TestLinkRoundTrip(t *testing.T) {
	for _, crc := range []bool{false, true} {
		tx := newLinkTestCtx(t, func(cfg *Config) { cfg.CRC = crc })
		rx := newLinkTestCtx(t, nil)
		for n := 0; n <= testMaxSize; n++ {
			payload := testPayload(n)
			frame := tx.send(payload)
			require.Equal(t, End, frame[0])
			require.Equal(t, End, frame[len(frame)-1])
			rx.link.Feed(frame)
			rx.expectRx(payload)
		}
	}
}

func TestLinkCRCBitFlips(t *testing.T) {
	rx := newLinkTestCtx(t, nil)
	payload := testPayload(12)
	raw := append([]byte{FlagCRC | TypeData}, payload...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16.Checksum(payload))

	rx.link.Feed(Encode(raw))
	rx.expectRx(payload)

	for i := HeaderSize * 8; i < len(raw)*8; i++ {
		corrupted := append([]byte(nil), raw...)
		corrupted[i/8] ^= 1 << uint(i%8)
		rx.link.Feed(Encode(corrupted))
		rx.expectNoRx()
	}
}

func TestLinkDropsUnknownType(t *testing.T) {
	rx := newLinkTestCtx(t, nil)
	rx.link.Feed(Encode([]byte{0x03, 1, 2}))
	rx.expectNoRx()
	rx.link.Feed(Encode([]byte{TypeData | 0x10, 1, 2}))
	rx.expectRx([]byte{1, 2})
}

func TestLinkRetriesAllocation(t *testing.T) {
	pool := mmbuf.NewPool(1)
	rx := newLinkTestCtx(t, func(cfg *Config) { cfg.Allocator = pool })
	frame := Encode([]byte{TypeData, 1})

	rx.link.Feed(frame)
	var held *mmbuf.Buffer
	select {
	case held = <-rx.rxCh:
	default:
		t.Fatal("expect first frame")
	}

	rx.link.Feed(frame)
	rx.expectNoRx()
	require.NotZero(t, pool.Failures())

	held.Release()
	rx.link.Feed(frame)
	rx.expectRx([]byte{1})
}

func TestLinkDeepSleep(t *testing.T) {
	c := newLinkTestCtx(t, nil)
	require.Equal(t, sleep.VetoUART, c.veto.Vetoes())
	require.Equal(t, sleep.Disabled, c.link.DeepSleepMode())

	require.True(t, c.link.SetDeepSleepMode(sleep.OneShot))
	require.True(t, c.veto.Allowed())
	c.link.Feed([]byte{End})
	require.Equal(t, sleep.Disabled, c.link.DeepSleepMode())
	require.False(t, c.veto.Allowed())

	require.False(t, c.link.SetDeepSleepMode(sleep.Hardware))
	require.Equal(t, sleep.Disabled, c.link.DeepSleepMode())
}

func TestLinkRun(t *testing.T) {
	c := newLinkTestCtx(t, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- c.link.Run(context.Background()) }()

	frame := Encode([]byte{TypeData, 5, 6, 7})
	c.stream.readCh <- frame[:2]
	c.stream.readCh <- frame[2:]
	select {
	case buf := <-c.rxCh:
		require.Equal(t, []byte{5, 6, 7}, buf.Bytes())
	case <-time.After(time.Second):
		t.Fatal("expect rx timeout")
	}
	close(c.stream.readCh)
	require.Equal(t, io.EOF, <-errCh)
}

func TestLinkTxErrors(t *testing.T) {
	c := newLinkTestCtx(t, nil)
	_, err := c.link.Tx(nil)
	require.ErrorIs(t, err, datalink.ErrEmpty)
	_, err = c.link.Tx(mmbuf.New(0, 1))
	require.ErrorIs(t, err, datalink.ErrNoRoom)

	require.NoError(t, c.link.Close())
	buf := c.link.AllocTx(0, 1)
	buf.AppendData([]byte{1})
	_, err = c.link.Tx(buf)
	require.ErrorIs(t, err, datalink.ErrClosed)
	c.link.Feed(Encode([]byte{TypeData, 1}))
	c.expectNoRx()
}

func TestRunOpener(t *testing.T) {
	stream := newTestStream()
	rxCh := make(chan *mmbuf.Buffer, 1)
	exitCh := make(chan error, 1)
	open := RunOpener(context.Background(), Config{ReadWriter: stream, MaxPacketSize: testMaxSize}, func(err error) { exitCh <- err })
	l, err := open(datalink.HandleRxFunc(func(_ datalink.Link, buf *mmbuf.Buffer) { rxCh <- buf }))
	require.NoError(t, err)

	stream.readCh <- Encode([]byte{TypeData, 1, 2})
	select {
	case buf := <-rxCh:
		require.Equal(t, []byte{1, 2}, buf.Bytes())
		buf.Release()
	case <-time.After(time.Second):
		t.Fatal("expect rx timeout")
	}
	close(stream.readCh)
	select {
	case err := <-exitCh:
		require.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("expect exit timeout")
	}
	require.NoError(t, l.Close())

	_, err = RunOpener(context.Background(), Config{ReadWriter: stream}, nil)(datalink.HandleRxFunc(nil))
	require.Equal(t, datalink.ErrNoMaxSize, err)
}
