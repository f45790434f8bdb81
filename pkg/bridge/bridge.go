// Package bridge relays commands and events between MQTT and an agent.
package bridge

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/golang/protobuf/proto"
	"golang.org/x/time/rate"

	"github.com/robotalks/m2mlink/pkg/bridge/mqtt"
	"github.com/robotalks/m2mlink/pkg/bridge/msgs"
	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/m2m"
	"github.com/robotalks/m2mlink/pkg/metrics"
)

// DefaultTimeout bounds a relayed command.
const DefaultTimeout = time.Second

var (
	// ErrNoAgentID indicates Config.AgentID is empty.
	ErrNoAgentID = errors.New("agent id required")
	// ErrNoPublisher indicates Config.Publisher is nil.
	ErrNoPublisher = errors.New("publisher required")
	// ErrRateLimited is reported for commands beyond the rate limit.
	ErrRateLimited = &llc.Error{Status: llc.StatusUnavailable, Err: errors.New("rate limited")}
)

// Publisher publishes to topics relative to the bridge prefix.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
}

// Config configures a Bridge.
type Config struct {
	AgentID   string
	Open      datalink.Opener
	Publisher Publisher
	// Timeout bounds each command, DefaultTimeout if 0.
	Timeout    time.Duration
	QueueDepth int
	Stats      *llc.Stats
	// Limiter rejects commands beyond its rate, nil is unlimited.
	Limiter *rate.Limiter
	Metrics *metrics.CommandMetrics
}

// Bridge owns an m2m.Controller and relays MQTT messages to it.
type Bridge struct {
	agentID string
	pub     Publisher
	timeout time.Duration
	limiter *rate.Limiter
	metrics *metrics.CommandMetrics
	ctl     *m2m.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bridge and opens the link to the agent.
func New(cfg Config) (*Bridge, error) {
	if cfg.AgentID == "" {
		return nil, ErrNoAgentID
	}
	if cfg.Publisher == nil {
		return nil, ErrNoPublisher
	}
	b := &Bridge{
		agentID: cfg.AgentID,
		pub:     cfg.Publisher,
		timeout: cfg.Timeout,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	ctl, err := m2m.NewController(m2m.ControllerConfig{
		Open:         cfg.Open,
		OnEvent:      b.HandleEvent,
		OnAgentStart: b.announceAsync,
		QueueDepth:   cfg.QueueDepth,
		Stats:        cfg.Stats,
	})
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.ctl = ctl
	return b, nil
}

// Controller returns the controller talking to the agent.
func (b *Bridge) Controller() *m2m.Controller {
	return b.ctl
}

// Run subscribes commands on q, announces the agent and relays until ctx is
// done. The agent is marked offline on exit.
func (b *Bridge) Run(ctx context.Context, q *mqtt.Queue) error {
	sub, err := q.Subscribe(msgs.Topic(b.agentID, msgs.TopicCommand), b.HandleCommand)
	if err != nil {
		return err
	}
	defer sub.Close()
	if err := b.Announce(ctx); err != nil {
		glog.Warningf("bridge: announce %s: %v", b.agentID, err)
	}
	<-ctx.Done()
	b.publish(msgs.TopicMeta, OfflineInfo(b.agentID), true)
	return ctx.Err()
}

// Close stops pending commands and closes the link.
func (b *Bridge) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.ctl.Close()
}

// HandleCommand is the mqtt.Handler of <agent>/cmd. The command runs on
// its own goroutine.
func (b *Bridge) HandleCommand(topic string, payload []byte) {
	var cmd msgs.Command
	if err := msgs.Decode(payload, &cmd); err != nil {
		glog.Warningf("bridge: malformed command on %s: %v", topic, err)
		b.respond(msgs.NewResponse(0, nil, &llc.Error{Status: llc.StatusInvalidArg, Err: err}))
		return
	}
	if b.limiter != nil && !b.limiter.Allow() {
		if b.metrics != nil {
			b.metrics.Limited.Inc()
		}
		b.respond(msgs.NewResponse(cmd.Id, nil, ErrRateLimited))
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.respond(b.Do(b.ctx, &cmd))
	}()
}

// Do runs cmd against the agent.
func (b *Bridge) Do(ctx context.Context, cmd *msgs.Command) *msgs.Response {
	sid, hdr, err := cmd.Header()
	if err != nil {
		return msgs.NewResponse(cmd.Id, nil, &llc.Error{Status: llc.StatusInvalidArg, Err: err})
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	start := time.Now()
	payload, err := b.ctl.Do(ctx, sid, hdr, cmd.Payload)
	if errors.Is(err, context.DeadlineExceeded) {
		err = &llc.Error{Status: llc.StatusTimeout, Err: err}
	}
	if b.metrics != nil {
		b.metrics.Observe(strconv.Itoa(int(hdr.Subsystem)), llc.StatusOf(err), time.Since(start))
	}
	glog.V(2).Infof("bridge: command %d %d/%d on stream %d: %v", cmd.Id, hdr.Subsystem, hdr.Command, sid, err)
	return msgs.NewResponse(cmd.Id, payload, err)
}

// HandleEvent publishes an agent event on <agent>/evt.
func (b *Bridge) HandleEvent(ev m2m.Event) {
	b.publish(msgs.TopicEvent, msgs.NewEvent(ev, time.Now()), false)
}

// Announce queries the agent version and publishes the retained
// <agent>/meta.
func (b *Bridge) Announce(ctx context.Context) error {
	return b.announce(ctx, b.ctl)
}

func (b *Bridge) announce(ctx context.Context, ctl *m2m.Controller) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	protoVersion, version, err := ctl.Version(ctx)
	if err != nil {
		return err
	}
	info := &msgs.AgentInfo{
		AgentId:         b.agentID,
		Online:          true,
		ProtocolVersion: uint32(protoVersion),
		Version:         version,
	}
	return b.publish(msgs.TopicMeta, info.Stamp(time.Now()), true)
}

// announceAsync runs on the link goroutine, possibly before New returns.
func (b *Bridge) announceAsync(ctl *m2m.Controller) {
	if b.ctx.Err() != nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.announce(b.ctx, ctl); err != nil {
			glog.Warningf("bridge: announce %s after agent start: %v", b.agentID, err)
		}
	}()
}

func (b *Bridge) respond(rsp *msgs.Response) {
	b.publish(msgs.TopicResponse, rsp, false)
}

func (b *Bridge) publish(kind string, msg proto.Message, retain bool) error {
	data, err := msgs.Encode(msg)
	if err == nil {
		err = b.pub.Publish(msgs.Topic(b.agentID, kind), data, retain)
	}
	if err != nil {
		glog.Errorf("bridge: publish %s/%s: %v", b.agentID, kind, err)
	}
	return err
}

// OfflineInfo is the retained AgentInfo of an agent which is gone, also
// used as the MQTT will.
func OfflineInfo(agentID string) *msgs.AgentInfo {
	return (&msgs.AgentInfo{AgentId: agentID}).Stamp(time.Now())
}

// Will returns the topic relative to the prefix and payload of the will
// message marking agentID offline.
func Will(agentID string) (string, []byte, error) {
	data, err := msgs.Encode(OfflineInfo(agentID))
	return msgs.Topic(agentID, msgs.TopicMeta), data, err
}
