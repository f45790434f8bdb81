// Package port opens the byte streams a UART data-link runs on, addressed
// by URL:
//
//	serial:///dev/ttyUSB0?baud=115200
//	tcp://host:port
//	ws://host:port/path
//	mqtt://host:port/prefix/?sub=TOPIC&pub=TOPIC
package port

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/golang/glog"
)

// ErrUnsupportedScheme indicates a URL scheme without a port implementation.
var ErrUnsupportedScheme = errors.New("unsupported port scheme")

// Handler serves an accepted port. The port is closed once it returns.
type Handler func(io.ReadWriteCloser)

// Open opens the port addressed by rawurl.
func Open(rawurl string) (io.ReadWriteCloser, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "serial":
		return openSerial(u)
	case "tcp":
		return net.Dial("tcp", u.Host)
	case "ws", "wss":
		return dialWebsocket(u)
	case "mqtt", "mqtts":
		return openMQTT(u)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// Serve accepts ports on rawurl until ctx is done. tcp and ws schemes are
// supported, each accepted port is served in its own goroutine.
func Serve(ctx context.Context, rawurl string, handler Handler) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tcp":
		return serveTCP(ctx, u.Host, handler)
	case "ws":
		return serveWebsocket(ctx, u, handler)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

func serveTCP(ctx context.Context, addr string, handler Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	glog.Infof("port: listening on tcp://%s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		glog.V(1).Infof("port: accepted %s", conn.RemoteAddr())
		go func() {
			defer conn.Close()
			handler(conn)
		}()
	}
}
