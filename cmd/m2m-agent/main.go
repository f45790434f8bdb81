package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"io"
	"log"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robotalks/m2mlink/pkg/datalink/uart"
	"github.com/robotalks/m2mlink/pkg/env"
	fx "github.com/robotalks/m2mlink/pkg/framework"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/m2m"
	"github.com/robotalks/m2mlink/pkg/metrics"
	"github.com/robotalks/m2mlink/pkg/port"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

const version = "m2m-agent/1.0"

type agentServer struct {
	conf        *env.Config
	mode        sleep.Mode
	coordinator *sleep.Coordinator
	stats       *llc.Stats
}

// serve runs an agent on rw until the port fails or ctx is done.
func (s *agentServer) serve(ctx context.Context, rw io.ReadWriter) error {
	exitCh := make(chan error, 1)
	linkConf := s.conf.LinkConfig(rw)
	linkConf.Vetoer = s.coordinator
	agent, err := m2m.NewAgent(m2m.AgentConfig{
		Open:      uart.RunOpener(ctx, linkConf, func(err error) { exitCh <- err }),
		Processor: &m2m.SysProcessor{Version: version},
		Reset:     func() { glog.Info("agent reset requested") },
		Stats:     s.stats,
	})
	if err != nil {
		return err
	}
	defer agent.Close()
	if !agent.SetDeepSleepMode(s.mode) {
		glog.Warningf("deep sleep mode %s not supported", s.mode)
	}
	glog.Info("agent started")
	select {
	case err = <-exitCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return err
}

func init() {
	env.SetupFlags()
}

func main() {
	flag.Parse()

	conf := env.MustNewConfig()
	mode, err := conf.DeepSleepMode()
	if err != nil {
		log.Fatalln(err)
	}
	s := &agentServer{
		conf:        conf,
		mode:        mode,
		coordinator: sleep.NewCoordinator(),
		stats:       &llc.Stats{},
	}

	runner := fx.NewRunner().HandleSignals()
	runner.StopOnExit = true
	if conf.Listen != "" {
		runner.Go(fx.NamedFunc("listen", func(ctx context.Context) error {
			return port.Serve(ctx, conf.Listen, func(rw io.ReadWriteCloser) {
				if err := s.serve(ctx, rw); err != nil {
					glog.Infof("agent connection closed: %v", err)
				}
			})
		}))
	} else {
		rw, err := port.Open(conf.Port)
		if err != nil {
			log.Fatalln(err)
		}
		runner.CloseOnExit(rw)
		runner.Go(fx.NamedFunc("agent", func(ctx context.Context) error {
			return s.serve(ctx, rw)
		}))
	}
	if conf.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewStatsCollector(s.stats), metrics.NewSleepCollector(s.coordinator))
		runner.Go(fx.NamedFunc("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, conf.MetricsAddr, reg)
		}))
	}
	if err := runner.Wait(); err != nil {
		log.Fatalln(err)
	}
}
