// Package sim runs an agent and a controller in one process over the
// simulated SPI bus.
package sim

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/m2mlink/pkg/datalink"
	"github.com/robotalks/m2mlink/pkg/datalink/spi"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/m2m"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// Version is reported by the simulated agent.
const Version = "m2m-sim/1.0"

// ErrEchoMismatch indicates an echo returned different bytes.
var ErrEchoMismatch = errors.New("echo mismatch")

// Config configures a Pair.
type Config struct {
	CRC bool
	// Processor handles commands beyond the system subsystem.
	Processor m2m.Processor
}

// Pair is an agent and a controller connected by a SimBus.
type Pair struct {
	Bus         *spi.SimBus
	Agent       *m2m.Agent
	Controller  *m2m.Controller
	Coordinator *sleep.Coordinator
	AgentStats  llc.Stats
	CtlStats    llc.Stats

	started chan struct{}
}

// NewPair starts the host loop, the controller and the agent. The host
// loop stops with ctx.
func NewPair(ctx context.Context, cfg Config) (*Pair, error) {
	p := &Pair{
		Bus:         spi.NewSimBus(),
		Coordinator: sleep.NewCoordinator(),
		started:     make(chan struct{}, 1),
	}
	ctl, err := m2m.NewController(m2m.ControllerConfig{
		Open: func(h datalink.RxHandler) (datalink.Link, error) {
			host, err := spi.NewHost(spi.HostConfig{Bus: p.Bus, Handler: h, CRC: cfg.CRC})
			if err != nil {
				return nil, err
			}
			go host.Run(ctx)
			return host, nil
		},
		OnAgentStart: func(*m2m.Controller) {
			select {
			case p.started <- struct{}{}:
			default:
			}
		},
		Stats: &p.CtlStats,
	})
	if err != nil {
		return nil, err
	}
	p.Controller = ctl
	agent, err := m2m.NewAgent(m2m.AgentConfig{
		Open: spi.Opener(spi.Config{
			Bus:           p.Bus,
			Lines:         p.Bus,
			MaxPacketSize: llc.MaxPacketSize + llc.HeaderSize,
			Vetoer:        p.Coordinator,
			CRC:           cfg.CRC,
		}),
		Processor: &m2m.SysProcessor{Version: Version, Next: cfg.Processor},
		Reset:     func() { glog.Info("sim: agent reset requested") },
		Stats:     &p.AgentStats,
	})
	if err != nil {
		ctl.Close()
		return nil, err
	}
	p.Agent = agent
	return p, nil
}

// WaitStarted waits for the start notification of the agent.
func (p *Pair) WaitStarted(ctx context.Context) error {
	select {
	case <-p.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the agent and the controller.
func (p *Pair) Close() error {
	p.Agent.Close()
	return p.Controller.Close()
}

// Result summarizes Exercise.
type Result struct {
	Count    int
	Bytes    int
	Elapsed  time.Duration
	IT, DMA  int
	Failures int
}

// Exercise opens a stream and echoes count payloads of size bytes through
// it. Each echo is bounded by timeout.
func (p *Pair) Exercise(ctx context.Context, count, size int, timeout time.Duration) (Result, error) {
	var res Result
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	sid, err := p.Controller.OpenStream(openCtx)
	cancel()
	if err != nil {
		return res, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.Controller.CloseStream(closeCtx, sid); err != nil {
			glog.Warningf("sim: close stream %d: %v", sid, err)
		}
	}()

	payload := make([]byte, size)
	start := time.Now()
	for n := 0; n < count; n++ {
		for i := range payload {
			payload[i] = byte(n + i)
		}
		echoCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := p.Controller.Echo(echoCtx, sid, payload)
		cancel()
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			glog.Warningf("sim: echo %d: %v", n, err)
			res.Failures++
			continue
		case !bytes.Equal(out, payload):
			glog.Warningf("sim: echo %d: %v", n, ErrEchoMismatch)
			res.Failures++
			continue
		}
		res.Count++
		res.Bytes += size
	}
	res.Elapsed = time.Since(start)
	res.IT = p.Bus.Transfers(spi.TransferIT)
	res.DMA = p.Bus.Transfers(spi.TransferDMA)
	return res, nil
}
