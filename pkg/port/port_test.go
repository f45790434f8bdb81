package port

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"golang.org/x/net/websocket"
)

func echo(p io.ReadWriteCloser) {
	buf := make([]byte, 256)
	for {
		n, err := p.Read(buf)
		if err != nil {
			return
		}
		if _, err := p.Write(buf[:n]); err != nil {
			return
		}
	}
}

func expectEcho(t *testing.T, p io.ReadWriteCloser, msg string) {
	_, err := p.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(p, buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

func TestSerialMode(t *testing.T) {
	testCases := []struct {
		query  string
		expect serial.Mode
		err    bool
	}{
		{"", serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8}, false},
		{"baud=9600&parity=even&stop=2", serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.TwoStopBits}, false},
		{"parity=odd", serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, Parity: serial.OddParity}, false},
		{"baud=fast", serial.Mode{}, true},
		{"baud=-1", serial.Mode{}, true},
		{"parity=mark", serial.Mode{}, true},
		{"stop=3", serial.Mode{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.query, func(t *testing.T) {
			q, err := url.ParseQuery(tc.query)
			require.NoError(t, err)
			mode, err := SerialMode(q)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect, *mode)
		})
	}
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := Open("udp://localhost:1")
	require.ErrorIs(t, err, ErrUnsupportedScheme)
	err = Serve(context.Background(), "serial:///dev/null", echo)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestMQTTRequiresTopics(t *testing.T) {
	_, err := Open("mqtt://localhost:1/m2m/?sub=a/up")
	require.EqualError(t, err, "mqtt port requires sub and pub topics")
}

func TestTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, "tcp://"+addr, echo) }()

	var p io.ReadWriteCloser
	require.Eventually(t, func() bool {
		p, err = Open("tcp://" + addr)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer p.Close()
	expectEcho(t, p, "hello")

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

func TestWebsocket(t *testing.T) {
	server := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		echo(newWebsocketPort(conn))
	}))
	defer server.Close()

	p, err := Open("ws://" + strings.TrimPrefix(server.URL, "http://") + "/")
	require.NoError(t, err)
	defer p.Close()
	expectEcho(t, p, "hello")
	expectEcho(t, p, strings.Repeat("m2m", 100))
}
