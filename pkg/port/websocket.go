package port

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"
)

// wsPort turns websocket messages into a byte stream. Each Write is sent as
// one binary message.
type wsPort struct {
	conn *websocket.Conn
	lock sync.Mutex
	rest []byte
}

func newWebsocketPort(conn *websocket.Conn) *wsPort {
	return &wsPort{conn: conn}
}

func (p *wsPort) Read(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for len(p.rest) == 0 {
		if err := websocket.Message.Receive(p.conn, &p.rest); err != nil {
			return 0, err
		}
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *wsPort) Write(b []byte) (int, error) {
	if err := websocket.Message.Send(p.conn, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *wsPort) Close() error {
	return p.conn.Close()
}

func dialWebsocket(u *url.URL) (io.ReadWriteCloser, error) {
	origin := *u
	origin.Scheme, origin.Path, origin.RawQuery = "http", "/", ""
	if u.Scheme == "wss" {
		origin.Scheme = "https"
	}
	conn, err := websocket.Dial(u.String(), "", origin.String())
	if err != nil {
		return nil, err
	}
	return newWebsocketPort(conn), nil
}

func serveWebsocket(ctx context.Context, u *url.URL, handler Handler) error {
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, websocket.Handler(func(conn *websocket.Conn) {
		glog.V(1).Infof("port: websocket from %s", conn.Request().RemoteAddr)
		p := newWebsocketPort(conn)
		defer p.Close()
		handler(p)
	}))
	server := &http.Server{Addr: u.Host, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	glog.Infof("port: listening on ws://%s%s", u.Host, path)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
