package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"log"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/robotalks/m2mlink/pkg/bridge"
	"github.com/robotalks/m2mlink/pkg/bridge/mqtt"
	"github.com/robotalks/m2mlink/pkg/datalink/uart"
	"github.com/robotalks/m2mlink/pkg/env"
	fx "github.com/robotalks/m2mlink/pkg/framework"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/metrics"
	"github.com/robotalks/m2mlink/pkg/port"
)

func init() {
	env.SetupFlags()
}

func newQueue(conf *env.Config) (*mqtt.Queue, error) {
	opts, prefix, err := mqtt.ClientOptionsFromURL(conf.MQTTBrokerURL)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.SetClientID("m2m-bridge-" + conf.AgentID)
	}
	topic, payload, err := bridge.Will(conf.AgentID)
	if err != nil {
		return nil, err
	}
	opts.SetBinaryWill(prefix+topic, payload, 1, true)
	return mqtt.NewQueue(opts, prefix), nil
}

func main() {
	flag.Parse()

	conf := env.MustNewConfig()
	q, err := newQueue(conf)
	if err != nil {
		log.Fatalln(err)
	}
	if err := q.Connect(); err != nil {
		log.Fatalf("connect %s: %v", conf.MQTTBrokerURL, err)
	}
	rw, err := port.Open(conf.Port)
	if err != nil {
		log.Fatalln(err)
	}

	reg := prometheus.NewRegistry()
	stats := &llc.Stats{}
	reg.MustRegister(metrics.NewStatsCollector(stats))
	var limiter *rate.Limiter
	if conf.CommandRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.CommandRate), conf.CommandBurst)
	}

	runner := fx.NewRunner().HandleSignals()
	runner.StopOnExit = true
	b, err := bridge.New(bridge.Config{
		AgentID: conf.AgentID,
		Open: uart.RunOpener(runner.Context, conf.LinkConfig(rw), func(err error) {
			glog.Errorf("port %s: %v", conf.Port, err)
			runner.Stop()
		}),
		Publisher:  q,
		Timeout:    conf.Timeout,
		QueueDepth: conf.QueueDepth,
		Stats:      stats,
		Limiter:    limiter,
		Metrics:    metrics.NewCommandMetrics(reg),
	})
	if err != nil {
		log.Fatalln(err)
	}
	runner.CloseOnExit(rw, q, b)
	runner.Go(fx.NamedFunc("bridge", func(ctx context.Context) error {
		return b.Run(ctx, q)
	}))
	if conf.MetricsAddr != "" {
		runner.Go(fx.NamedFunc("metrics", func(ctx context.Context) error {
			return metrics.Serve(ctx, conf.MetricsAddr, reg)
		}))
	}
	if err := runner.Wait(); err != nil {
		log.Fatalln(err)
	}
}
