package mqtt

import (
	"io"
	"sync"
)

// Tunnel carries a byte stream over a pair of topics: bytes written are
// published to the pub topic, messages on the sub topic are read back.
type Tunnel struct {
	queue    *Queue
	sub      *Subscription
	pubTopic string
	// CloseQueue closes the Queue with the Tunnel.
	CloseQueue bool

	readCh    chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewTunnel subscribes subTopic and returns the Tunnel.
func NewTunnel(q *Queue, subTopic, pubTopic string) (*Tunnel, error) {
	t := &Tunnel{
		queue:    q,
		pubTopic: pubTopic,
		readCh:   make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
	sub, err := q.Subscribe(subTopic, t.handleMsg)
	if err != nil {
		return nil, err
	}
	t.sub = sub
	return t, nil
}

// Read implements io.Reader. A message larger than p is returned over
// multiple reads.
func (t *Tunnel) Read(p []byte) (int, error) {
	if len(t.pending) == 0 {
		select {
		case msg := <-t.readCh:
			t.pending = msg
		case <-t.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

// Write implements io.Writer, each call is one message.
func (t *Tunnel) Write(p []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if err := t.queue.Publish(t.pubTopic, append([]byte(nil), p...), false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements io.Closer.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.sub != nil {
			err = t.sub.Close()
		}
		if t.CloseQueue {
			t.queue.Close()
		}
	})
	return err
}

func (t *Tunnel) handleMsg(_ string, payload []byte) {
	select {
	case t.readCh <- payload:
	case <-t.closed:
	}
}
