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

// AgentConfig configures an Agent.
type AgentConfig struct {
	Open      datalink.Opener
	Processor Processor
	// Reset is invoked when the controller requests an agent reset, after
	// all streams but the control stream were closed and before the agent
	// announces itself again.
	Reset func()
	Stats *llc.Stats
}

type stream struct {
	sid     uint8
	context interface{}
	queue   chan *mmbuf.Buffer
	closing bool
	done    chan struct{}
}

// Agent is the agent side stream manager.
type Agent struct {
	llc       *llc.Agent
	processor Processor
	reset     func()

	lock      sync.Mutex
	streams   [llc.MaxStreams]*stream
	resetting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent opens the link, the control stream and announces the agent to
// the controller. The announcement blocks until the data-link delivered it.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Processor == nil {
		return nil, ErrNoProcessor
	}
	a := &Agent{processor: cfg.Processor, reset: cfg.Reset}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	l, err := llc.NewAgent(llc.AgentConfig{
		Open:    cfg.Open,
		Handler: llc.HandleCommandFunc(a.handleCommand),
		Reset:   a.handleReset,
		Stats:   cfg.Stats,
	})
	if err != nil {
		a.cancel()
		return nil, err
	}
	a.lock.Lock()
	a.llc = l
	a.lock.Unlock()
	if _, err := a.OpenStream(a); err != nil {
		a.Close()
		return nil, err
	}
	if err := l.SendStartNotification(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// LLC returns the link layer.
func (a *Agent) LLC() *llc.Agent {
	return a.llc
}

// OpenStream allocates the first free stream and starts its worker.
func (a *Agent) OpenStream(ctx interface{}) (uint8, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for n, s := range a.streams {
		if s != nil {
			continue
		}
		s = &stream{
			sid:     uint8(n),
			context: ctx,
			queue:   make(chan *mmbuf.Buffer, 1),
			done:    make(chan struct{}),
		}
		a.streams[n] = s
		a.wg.Add(1)
		go a.runStream(s)
		glog.V(4).Infof("m2m: stream %d opened", n)
		return s.sid, nil
	}
	return 0, ErrNoStreams
}

// StreamContext returns the value stream sid was opened with, or nil.
func (a *Agent) StreamContext(sid uint8) interface{} {
	if sid >= llc.MaxStreams {
		return nil
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if s := a.streams[sid]; s != nil {
		return s.context
	}
	return nil
}

// CloseStream asks the worker of stream sid to exit after the commands
// already queued. It doesn't block, the slot becomes free once the worker
// exited.
func (a *Agent) CloseStream(sid uint8) error {
	if sid == llc.ControlStream {
		return ErrControlStream
	}
	if sid >= llc.MaxStreams {
		return llc.ErrInvalidStream
	}
	a.lock.Lock()
	s := a.streams[sid]
	if s == nil || s.closing {
		a.lock.Unlock()
		return ErrStreamNotOpen
	}
	s.closing = true
	a.lock.Unlock()

	select {
	case s.queue <- nil:
	default:
		go func() {
			select {
			case s.queue <- nil:
			case <-s.done:
			}
		}()
	}
	return nil
}

// StreamDone returns a channel closed when the worker of stream sid has
// exited, or nil if the stream is not open.
func (a *Agent) StreamDone(sid uint8) <-chan struct{} {
	if sid >= llc.MaxStreams {
		return nil
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	if s := a.streams[sid]; s != nil {
		return s.done
	}
	return nil
}

// CreateResponse allocates a response buffer with hdr and payload.
func (a *Agent) CreateResponse(hdr ResponseHeader, payload []byte) *mmbuf.Buffer {
	buf := a.llc.AllocTx(nil, HeaderSize+len(payload))
	if buf == nil {
		return nil
	}
	hdr.Put(buf.Append(HeaderSize))
	buf.AppendData(payload)
	return buf
}

// SendEvent sends an event on the control stream.
func (a *Agent) SendEvent(subsystem, id uint8, payload []byte) error {
	buf := a.CreateResponse(ResponseHeader{Subsystem: subsystem, Command: id, Result: llc.StatusOK}, payload)
	if buf == nil {
		return llc.StatusNoMem.Err()
	}
	return a.llc.Tx(llc.PTypeEvent, llc.ControlStream, buf)
}

// SetDeepSleepMode changes the deep sleep mode of the data-link.
func (a *Agent) SetDeepSleepMode(mode sleep.Mode) bool {
	return a.llc.SetDeepSleepMode(mode)
}

// Close stops the data-link and all stream workers.
func (a *Agent) Close() error {
	var err error
	if a.llc != nil {
		err = a.llc.Close()
	}
	a.lock.Lock()
	a.cancel()
	a.lock.Unlock()
	a.wg.Wait()
	return err
}

// handleReset runs on the rx path, the restart itself waits for stream
// workers and runs on its own goroutine.
func (a *Agent) handleReset() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.resetting || a.llc == nil || a.ctx.Err() != nil {
		return
	}
	a.resetting = true
	a.wg.Add(1)
	go a.restart()
}

// restart closes every stream except the control stream, waits for their
// workers to exit and sends the start notification again.
func (a *Agent) restart() {
	defer a.wg.Done()
	var done []<-chan struct{}
	for sid := uint8(0); sid < llc.MaxStreams; sid++ {
		if sid == llc.ControlStream {
			continue
		}
		if ch := a.StreamDone(sid); ch != nil {
			a.CloseStream(sid)
			done = append(done, ch)
		}
	}
	for _, ch := range done {
		select {
		case <-ch:
		case <-a.ctx.Done():
			return
		}
	}
	if a.reset != nil {
		a.reset()
	}
	a.lock.Lock()
	a.resetting = false
	a.lock.Unlock()
	if err := a.llc.SendStartNotification(); err != nil {
		glog.Errorf("m2m: start notification after reset: %v", err)
		return
	}
	glog.Infof("m2m: agent restarted, %d streams closed", len(done))
}

func (a *Agent) handleCommand(_ *llc.Agent, sid uint8, buf *mmbuf.Buffer) llc.Status {
	a.lock.Lock()
	s := a.streams[sid]
	closing := s != nil && s.closing
	a.lock.Unlock()
	if s == nil || closing {
		glog.Warningf("m2m: command on stream %d which is not open", sid)
		return llc.StatusInvalidStream
	}
	select {
	case s.queue <- buf:
		return llc.StatusOK
	case <-s.done:
		return llc.StatusInvalidStream
	case <-a.ctx.Done():
		return llc.StatusClosed
	}
}

func (a *Agent) runStream(s *stream) {
	defer a.wg.Done()
	defer a.freeStream(s)
	for {
		select {
		case buf := <-s.queue:
			if buf == nil {
				return
			}
			a.serve(s, buf)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Agent) freeStream(s *stream) {
	a.lock.Lock()
	if a.streams[s.sid] != s {
		panic("m2m: stream table corrupted")
	}
	a.streams[s.sid] = nil
	a.lock.Unlock()
	close(s.done)
	for {
		select {
		case buf := <-s.queue:
			buf.Release()
		default:
			glog.V(4).Infof("m2m: stream %d closed", s.sid)
			return
		}
	}
}

func (a *Agent) serve(s *stream, buf *mmbuf.Buffer) {
	defer buf.Release()
	var resp *mmbuf.Buffer
	if hdr, ok := ParseCommandHeader(buf.Bytes()); ok {
		buf.RemoveFromStart(HeaderSize)
		payload, err := a.processor.Process(a.ctx, &Request{
			Agent:   a,
			SID:     s.sid,
			Context: s.context,
			Header:  hdr,
			Payload: buf.Bytes(),
		})
		if err != nil {
			glog.V(1).Infof("m2m: command %d/%d on stream %d: %v", hdr.Subsystem, hdr.Command, s.sid, err)
		}
		resp = a.CreateResponse(hdr.Response(llc.StatusOf(err)), payload)
	} else {
		resp = a.CreateResponse(ResponseHeader{Result: llc.StatusError}, nil)
	}
	if resp == nil {
		glog.Errorf("m2m: no memory for response on stream %d", s.sid)
		return
	}
	if err := a.llc.Tx(llc.PTypeResponse, s.sid, resp); err != nil {
		glog.Errorf("m2m: response on stream %d: %v", s.sid, err)
	}
}
