package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/pkg/bus"
)

func setupQueues(t *testing.T, cfg config.OrchestratorConfig) (*QueueManager, *bus.Client) {
	t.Helper()
	client := setupOrchBus(t)
	ctx := context.Background()
	for _, q := range stageQueues {
		require.NoError(t, client.EnsureGroup(ctx, q.Stream, q.Group))
	}
	return NewQueueManager(cfg, client, zap.NewNop()), client
}

func publishN(t *testing.T, client *bus.Client, stream string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := client.Republish(ctx, stream, `{"probe":true}`)
		require.NoError(t, err)
	}
}

func TestQueueDepths(t *testing.T) {
	ctx := context.Background()
	m, client := setupQueues(t, orchConfig())

	publishN(t, client, bus.StreamDiscovered, 3)
	// Two entries read and never acked count as pending.
	msgs, err := client.Subscribe(ctx, bus.StreamDiscovered, bus.GroupCuration, "c1", 2, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	depths, err := m.Depths(ctx)
	require.NoError(t, err)
	require.Len(t, depths, 3)

	byStage := make(map[string]QueueDepth, len(depths))
	for _, d := range depths {
		byStage[d.Stage] = d
	}
	assert.Equal(t, int64(3), byStage["curation"].Length)
	assert.Equal(t, int64(2), byStage["curation"].Pending)
	assert.Zero(t, byStage["matching"].Length)
	assert.Zero(t, byStage["alerting"].Length)
}

func TestQueueAutoscale(t *testing.T) {
	ctx := context.Background()
	cfg := orchConfig()
	cfg.ScaleUpDepth = 2
	cfg.ScaleDownDepth = 1
	cfg.MinWorkers = 2

	t.Run("starts every stage at the minimum", func(t *testing.T) {
		m, _ := setupQueues(t, cfg)
		assert.Equal(t, map[string]int{"curation": 2, "matching": 2, "alerting": 2}, m.Desired())
	})

	t.Run("steps up one worker per pass while the backlog holds", func(t *testing.T) {
		m, client := setupQueues(t, cfg)
		publishN(t, client, bus.StreamDiscovered, 3)

		_, err := m.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, m.Desired()["curation"])
		assert.Equal(t, 2, m.Desired()["matching"], "idle stages stay put at the floor")

		_, err = m.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, m.Desired()["curation"])
	})

	t.Run("steps back down to the floor once the backlog drains", func(t *testing.T) {
		m, client := setupQueues(t, cfg)
		publishN(t, client, bus.StreamDiscovered, 3)
		for i := 0; i < 2; i++ {
			_, err := m.Evaluate(ctx)
			require.NoError(t, err)
		}
		require.Equal(t, 4, m.Desired()["curation"])

		require.NoError(t, client.Trim(ctx, bus.StreamDiscovered, 0))
		for i := 0; i < 5; i++ {
			_, err := m.Evaluate(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, cfg.MinWorkers, m.Desired()["curation"], "never scales below the minimum")
	})

	t.Run("unacked entries count toward the backlog after a trim", func(t *testing.T) {
		m, client := setupQueues(t, cfg)
		publishN(t, client, bus.StreamDiscovered, 3)
		msgs, err := client.Subscribe(ctx, bus.StreamDiscovered, bus.GroupCuration, "c1", 3, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		require.NoError(t, client.Trim(ctx, bus.StreamDiscovered, 0))

		_, err = m.Evaluate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, m.Desired()["curation"], "pending work keeps the stage scaled up")
	})
}
