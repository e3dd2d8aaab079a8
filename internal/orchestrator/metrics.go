package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/pkg/bus"
)

// Service level objectives. Evaluated on every collection pass; a violated
// SLO flips the corresponding gauge and shows up on /status.
const (
	SLOPipelineP95     = 120.0 // seconds, end-to-end
	SLOPipelineSuccess = 0.99
	SLODeliverySuccess = 0.995
	SLOLLMP95          = 10.0 // seconds per completion
)

// sloWindowHours is the rolling counter window SLO ratios are computed over.
const sloWindowHours = 24

// latencyMetrics are the sample sets trimmed on every pass.
var latencyMetrics = []string{"pipeline.total", "llm", "curation", "matcher", "alerter"}

// SLOStatus is one objective's current standing.
type SLOStatus struct {
	Name     string  `json:"name"`
	Target   float64 `json:"target"`
	Observed float64 `json:"observed"`
	Met      bool    `json:"met"`
}

// MetricsSnapshot is the /status view of the collector.
type MetricsSnapshot struct {
	CollectedAt time.Time    `json:"collected_at"`
	Queues      []QueueDepth `json:"queues"`
	SLOs        []SLOStatus  `json:"slos"`
}

// Collector reads the bus-level counters and latency samples, evaluates the
// SLOs, and exports everything through a dedicated Prometheus registry.
type Collector struct {
	bus      *bus.Client
	queues   *QueueManager
	interval time.Duration
	logger   *zap.Logger

	registry     *prometheus.Registry
	streamDepth  *prometheus.GaugeVec
	groupPending *prometheus.GaugeVec
	latencyP95   *prometheus.GaugeVec
	counterTotal *prometheus.GaugeVec
	sloMet       *prometheus.GaugeVec
	desired      *prometheus.GaugeVec

	mu       sync.Mutex
	snapshot MetricsSnapshot
}

// NewCollector builds the collector and registers its metrics.
func NewCollector(b *bus.Client, queues *QueueManager, interval time.Duration, logger *zap.Logger) *Collector {
	c := &Collector{
		bus:      b,
		queues:   queues,
		interval: interval,
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),
		streamDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grantradar", Name: "stream_depth",
			Help: "Entries in each pipeline stream.",
		}, []string{"stream"}),
		groupPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grantradar", Name: "group_pending",
			Help: "Unacknowledged entries per consumer group.",
		}, []string{"stage"}),
		latencyP95: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grantradar", Name: "latency_p95_seconds",
			Help: "95th percentile latency per component.",
		}, []string{"component"}),
		counterTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grantradar", Name: "counter_total",
			Help: "Rolling 24h counter totals.",
		}, []string{"name"}),
		sloMet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grantradar", Name: "slo_met",
			Help: "1 when the SLO is met, 0 when violated.",
		}, []string{"slo"}),
		desired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "grantradar", Name: "desired_workers",
			Help: "Desired worker count per stage.",
		}, []string{"stage"}),
	}
	c.registry.MustRegister(c.streamDepth, c.groupPending, c.latencyP95, c.counterTotal, c.sloMet, c.desired)
	return c
}

// Registry exposes the Prometheus registry for the HTTP server.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Run collects on the configured interval until the context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Collect(ctx); err != nil {
			c.logger.Error("collection pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Collect runs one pass: queue depths (with autoscale evaluation), counter
// totals, latency percentiles, SLO evaluation, and sample trimming.
func (c *Collector) Collect(ctx context.Context) error {
	now := time.Now().UTC()

	depths, err := c.queues.Evaluate(ctx)
	if err != nil {
		return err
	}
	for _, d := range depths {
		c.streamDepth.WithLabelValues(d.Stream).Set(float64(d.Length))
		c.groupPending.WithLabelValues(d.Stage).Set(float64(d.Pending))
	}
	for stage, n := range c.queues.Desired() {
		c.desired.WithLabelValues(stage).Set(float64(n))
	}

	counters := []string{
		"pipeline.completed", "pipeline.failed",
		"curation.validated", "curation.rejected", "curation.merged",
		"matcher.processed", "alerter.sent", "alerter.failed", "alerter.digest_sent",
	}
	totals := make(map[string]int64, len(counters))
	for _, name := range counters {
		total, err := c.bus.CounterTotal(ctx, name, now, sloWindowHours)
		if err != nil {
			c.logger.Warn("failed to read counter", zap.String("counter", name), zap.Error(err))
			continue
		}
		totals[name] = total
		c.counterTotal.WithLabelValues(name).Set(float64(total))
	}

	pipelineP95, err := c.bus.LatencyPercentile(ctx, "pipeline.total", 0.95)
	if err != nil {
		return err
	}
	llmP95, err := c.bus.LatencyPercentile(ctx, "llm", 0.95)
	if err != nil {
		return err
	}
	c.latencyP95.WithLabelValues("pipeline").Set(pipelineP95)
	c.latencyP95.WithLabelValues("llm").Set(llmP95)
	for _, name := range []string{"curation", "matcher", "alerter"} {
		p95, err := c.bus.LatencyPercentile(ctx, name, 0.95)
		if err == nil {
			c.latencyP95.WithLabelValues(name).Set(p95)
		}
	}

	slos := []SLOStatus{
		{Name: "pipeline_p95", Target: SLOPipelineP95, Observed: pipelineP95,
			Met: pipelineP95 <= SLOPipelineP95},
		{Name: "pipeline_success", Target: SLOPipelineSuccess,
			Observed: ratio(totals["pipeline.completed"], totals["pipeline.failed"]),
			Met:      ratio(totals["pipeline.completed"], totals["pipeline.failed"]) >= SLOPipelineSuccess},
		{Name: "delivery_success", Target: SLODeliverySuccess,
			Observed: ratio(totals["alerter.sent"], totals["alerter.failed"]),
			Met:      ratio(totals["alerter.sent"], totals["alerter.failed"]) >= SLODeliverySuccess},
		{Name: "llm_p95", Target: SLOLLMP95, Observed: llmP95, Met: llmP95 <= SLOLLMP95},
	}
	for _, s := range slos {
		v := 0.0
		if s.Met {
			v = 1
		} else {
			c.logger.Warn("slo violated",
				zap.String("slo", s.Name),
				zap.Float64("target", s.Target),
				zap.Float64("observed", s.Observed))
		}
		c.sloMet.WithLabelValues(s.Name).Set(v)
	}

	cutoff := now.Add(-sloWindowHours * time.Hour)
	for _, name := range latencyMetrics {
		if err := c.bus.TrimLatencies(ctx, name, cutoff); err != nil {
			c.logger.Warn("failed to trim latency samples",
				zap.String("metric", name), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.snapshot = MetricsSnapshot{CollectedAt: now, Queues: depths, SLOs: slos}
	c.mu.Unlock()
	return nil
}

// Snapshot returns the most recent collection pass.
func (c *Collector) Snapshot() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// ratio returns successes/(successes+failures), or 1 when nothing happened:
// an idle pipeline is not a failing pipeline.
func ratio(success, failure int64) float64 {
	total := success + failure
	if total == 0 {
		return 1
	}
	return float64(success) / float64(total)
}
