package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/pkg/bus"
)

func setupCollector(t *testing.T) (*Collector, *bus.Client) {
	t.Helper()
	m, client := setupQueues(t, orchConfig())
	return NewCollector(client, m, time.Second, zap.NewNop()), client
}

func sloByName(t *testing.T, snap MetricsSnapshot, name string) SLOStatus {
	t.Helper()
	for _, s := range snap.SLOs {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no slo named %q", name)
	return SLOStatus{}
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	t.Run("an idle pipeline meets every objective", func(t *testing.T) {
		c, _ := setupCollector(t)
		require.NoError(t, c.Collect(ctx))

		snap := c.Snapshot()
		assert.False(t, snap.CollectedAt.IsZero())
		require.Len(t, snap.SLOs, 4)
		for _, s := range snap.SLOs {
			assert.True(t, s.Met, "slo %s should hold with no traffic", s.Name)
		}
		assert.Len(t, snap.Queues, 3)
	})

	t.Run("slow llm calls violate the llm objective", func(t *testing.T) {
		c, client := setupCollector(t)
		require.NoError(t, client.RecordLatency(ctx, "llm", 20, time.Hour))
		require.NoError(t, client.RecordLatency(ctx, "llm", 30, time.Hour))
		require.NoError(t, client.RecordLatency(ctx, "pipeline.total", 45, time.Hour))

		require.NoError(t, c.Collect(ctx))
		snap := c.Snapshot()

		llm := sloByName(t, snap, "llm_p95")
		assert.False(t, llm.Met)
		assert.Greater(t, llm.Observed, SLOLLMP95)

		pipe := sloByName(t, snap, "pipeline_p95")
		assert.True(t, pipe.Met)
		assert.InDelta(t, 45, pipe.Observed, 1e-9)
	})

	t.Run("delivery failures violate the delivery objective", func(t *testing.T) {
		c, client := setupCollector(t)
		now := time.Now().UTC()
		require.NoError(t, client.IncrCounter(ctx, "alerter.sent", now, time.Hour))
		require.NoError(t, client.IncrCounter(ctx, "alerter.failed", now, time.Hour))

		require.NoError(t, c.Collect(ctx))
		snap := c.Snapshot()

		delivery := sloByName(t, snap, "delivery_success")
		assert.False(t, delivery.Met)
		assert.InDelta(t, 0.5, delivery.Observed, 1e-9)

		// No completed or failed pipelines at all still reads as success.
		success := sloByName(t, snap, "pipeline_success")
		assert.True(t, success.Met)
		assert.InDelta(t, 1, success.Observed, 1e-9)
	})

	t.Run("registry exports gauges after a pass", func(t *testing.T) {
		c, _ := setupCollector(t)
		require.NoError(t, c.Collect(ctx))

		families, err := c.Registry().Gather()
		require.NoError(t, err)
		names := make(map[string]bool, len(families))
		for _, f := range families {
			names[f.GetName()] = true
		}
		assert.True(t, names["grantradar_stream_depth"])
		assert.True(t, names["grantradar_slo_met"])
		assert.True(t, names["grantradar_desired_workers"])
	})

	t.Run("stale latency samples are trimmed", func(t *testing.T) {
		c, client := setupCollector(t)
		require.NoError(t, client.RecordLatency(ctx, "pipeline.total", 45, time.Hour))

		require.NoError(t, c.Collect(ctx))

		// The fresh sample survives the trim pass.
		p95, err := client.LatencyPercentile(ctx, "pipeline.total", 0.95)
		require.NoError(t, err)
		assert.InDelta(t, 45, p95, 1e-9)
	})
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 1.0, ratio(0, 0), "an idle pipeline is not a failing one")
	assert.Equal(t, 1.0, ratio(10, 0))
	assert.Equal(t, 0.0, ratio(0, 5))
	assert.InDelta(t, 0.99, ratio(99, 1), 1e-9)
}
