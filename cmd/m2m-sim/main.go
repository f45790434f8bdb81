package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robotalks/m2mlink/pkg/env"
	fx "github.com/robotalks/m2mlink/pkg/framework"
	"github.com/robotalks/m2mlink/pkg/m2m"
	"github.com/robotalks/m2mlink/pkg/metrics"
	"github.com/robotalks/m2mlink/pkg/sim"
)

var (
	count    = 100
	size     = 256
	interval time.Duration
)

func init() {
	flag.IntVar(&count, "count", count, "Echo round trips per run.")
	flag.IntVar(&size, "size", size, "Echo payload size.")
	flag.DurationVar(&interval, "interval", interval, "Repeat runs with the interval, 0 runs once.")
	env.SetupFlags()
}

func exercise(ctx context.Context, p *sim.Pair, conf *env.Config) error {
	for {
		res, err := p.Exercise(ctx, count, size, conf.Timeout)
		if err != nil {
			return err
		}
		glog.Infof("%d/%d echoes, %d bytes in %v, transfers IT %d DMA %d",
			res.Count, count, res.Bytes, res.Elapsed, res.IT, res.DMA)
		if interval <= 0 {
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func main() {
	flag.Parse()

	conf := env.MustNewConfig()
	if size > conf.MaxPacketSize-m2m.HeaderSize {
		log.Fatalf("size must not exceed %d", conf.MaxPacketSize-m2m.HeaderSize)
	}
	runner := fx.NewRunner().HandleSignals()
	runner.StopOnExit = true
	p, err := sim.NewPair(runner.Context, sim.Config{CRC: conf.CRC})
	if err != nil {
		log.Fatalln(err)
	}
	runner.CloseOnExit(p)
	waitCtx, cancel := context.WithTimeout(runner.Context, conf.Timeout)
	err = p.WaitStarted(waitCtx)
	cancel()
	if err != nil {
		log.Fatalf("agent start: %v", err)
	}

	runner.Go(fx.NamedFunc("exercise", func(ctx context.Context) error {
		return exercise(ctx, p, conf)
	}))
	if conf.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewStatsCollector(&p.CtlStats), metrics.NewSleepCollector(p.Coordinator))
		runner.Go(fx.NamedFunc("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, conf.MetricsAddr, reg)
		}))
	}
	if err := runner.Wait(); err != nil {
		log.Fatalln(err)
	}
}
