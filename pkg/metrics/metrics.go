// Package metrics exports link statistics and sleep vetoes to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

const namespace = "m2m"

type statsCounter struct {
	desc  *prometheus.Desc
	value func(*llc.Stats) uint64
}

func newStatsCounter(name, help string, value func(*llc.Stats) uint64) statsCounter {
	return statsCounter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "llc", name), help, nil, nil),
		value: value,
	}
}

// StatsCollector exposes llc.Stats as counters.
type StatsCollector struct {
	stats    *llc.Stats
	counters []statsCounter
}

// NewStatsCollector creates a collector reading stats on every scrape.
func NewStatsCollector(stats *llc.Stats) *StatsCollector {
	return &StatsCollector{
		stats: stats,
		counters: []statsCounter{
			newStatsCounter("rx_packets_total", "Packets received.", func(s *llc.Stats) uint64 { return s.RxPackets }),
			newStatsCounter("tx_packets_total", "Packets transmitted.", func(s *llc.Stats) uint64 { return s.TxPackets }),
			newStatsCounter("tx_errors_total", "Packets the data-link failed to transmit.", func(s *llc.Stats) uint64 { return s.TxErrors }),
			newStatsCounter("malformed_total", "Packets dropped as short or truncated.", func(s *llc.Stats) uint64 { return s.Malformed }),
			newStatsCounter("duplicates_total", "Packets dropped as duplicates.", func(s *llc.Stats) uint64 { return s.Duplicates }),
			newStatsCounter("loss_detected_total", "Sequence gaps detected locally.", func(s *llc.Stats) uint64 { return s.LossDetected }),
			newStatsCounter("peer_loss_total", "Sequence gaps reported by the peer.", func(s *llc.Stats) uint64 { return s.PeerLoss }),
			newStatsCounter("peer_errors_total", "Errors reported by the peer.", func(s *llc.Stats) uint64 { return s.PeerErrors }),
			newStatsCounter("invalid_stream_total", "Packets for streams which are not open.", func(s *llc.Stats) uint64 { return s.InvalidStream }),
			newStatsCounter("dropped_total", "Responses dropped on full stream queues.", func(s *llc.Stats) uint64 { return s.Dropped }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, counter := range c.counters {
		ch <- counter.desc
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	for _, counter := range c.counters {
		ch <- prometheus.MustNewConstMetric(counter.desc, prometheus.CounterValue, float64(counter.value(&snap)))
	}
}

// SleepCollector exposes the vetoes of a sleep.Coordinator.
type SleepCollector struct {
	coordinator *sleep.Coordinator
	vetoes      *prometheus.Desc
	allowed     *prometheus.Desc
}

// NewSleepCollector creates a collector for coordinator.
func NewSleepCollector(coordinator *sleep.Coordinator) *SleepCollector {
	return &SleepCollector{
		coordinator: coordinator,
		vetoes:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "sleep", "vetoes"), "Bit mask of held deep sleep vetoes.", nil, nil),
		allowed:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "sleep", "allowed"), "1 when deep sleep is allowed.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *SleepCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.vetoes
	ch <- c.allowed
}

// Collect implements prometheus.Collector.
func (c *SleepCollector) Collect(ch chan<- prometheus.Metric) {
	vetoes := c.coordinator.Vetoes()
	var allowed float64
	if vetoes == 0 {
		allowed = 1
	}
	ch <- prometheus.MustNewConstMetric(c.vetoes, prometheus.GaugeValue, float64(vetoes))
	ch <- prometheus.MustNewConstMetric(c.allowed, prometheus.GaugeValue, allowed)
}

// CommandMetrics records commands relayed to an agent.
type CommandMetrics struct {
	Latency *prometheus.HistogramVec
	Results *prometheus.CounterVec
	Limited prometheus.Counter
}

// NewCommandMetrics creates and registers command metrics.
func NewCommandMetrics(reg prometheus.Registerer) *CommandMetrics {
	m := &CommandMetrics{
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command round trip time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"subsystem"}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "results_total",
			Help:      "Command results by status.",
		}, []string{"status"}),
		Limited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "rate_limited_total",
			Help:      "Commands rejected by the rate limit.",
		}),
	}
	reg.MustRegister(m.Latency, m.Results, m.Limited)
	return m
}

// Observe records a finished command.
func (m *CommandMetrics) Observe(subsystem string, status llc.Status, elapsed time.Duration) {
	m.Latency.WithLabelValues(subsystem).Observe(elapsed.Seconds())
	m.Results.WithLabelValues(status.String()).Inc()
}

// Serve exposes reg on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	glog.Infof("metrics: serving on %s", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
