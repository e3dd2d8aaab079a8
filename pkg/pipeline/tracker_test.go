package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/model"
)

func setupTracker(t *testing.T) (*Tracker, *bus.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewTracker(client, zap.NewNop()), client
}

func TestTrackerStart(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Start(ctx, "g-1", model.QueueCritical))

	state, err := tracker.Get(ctx, "g-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, model.StageDiscovered, state.CurrentStage)
	assert.Equal(t, model.QueueCritical, state.Priority)
	assert.Zero(t, state.RetryCount)
}

func TestTrackerTransition(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Start(ctx, "g-1", model.QueueNormal))

	t.Run("advances through stages", func(t *testing.T) {
		require.NoError(t, tracker.Transition(ctx, "g-1", model.StageDiscovered, model.StageValidating))
		require.NoError(t, tracker.Transition(ctx, "g-1", model.StageValidating, model.StageValidated))

		state, err := tracker.Get(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, model.StageValidated, state.CurrentStage)
	})

	t.Run("records latency for completed stages", func(t *testing.T) {
		state, err := tracker.Get(ctx, "g-1")
		require.NoError(t, err)
		assert.Contains(t, state.Latencies, model.StageDiscovered)
		assert.Contains(t, state.Latencies, model.StageValidating)
	})

	t.Run("drops backwards transitions silently", func(t *testing.T) {
		require.NoError(t, tracker.Transition(ctx, "g-1", model.StageValidated, model.StageDiscovered))
		state, err := tracker.Get(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, model.StageValidated, state.CurrentStage)
	})

	t.Run("recreates an expired record mid-flight", func(t *testing.T) {
		require.NoError(t, tracker.Transition(ctx, "g-expired", model.StageMatching, model.StageMatched))
		state, err := tracker.Get(ctx, "g-expired")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, model.StageMatched, state.CurrentStage)
		assert.Equal(t, model.QueueNormal, state.Priority)
	})
}

func TestTrackerComplete(t *testing.T) {
	tracker, client := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Start(ctx, "g-1", model.QueueNormal))
	require.NoError(t, tracker.Transition(ctx, "g-1", model.StageDiscovered, model.StageValidating))
	require.NoError(t, tracker.Transition(ctx, "g-1", model.StageValidating, model.StageValidated))
	require.NoError(t, tracker.Transition(ctx, "g-1", model.StageValidated, model.StageMatching))
	require.NoError(t, tracker.Transition(ctx, "g-1", model.StageMatching, model.StageMatched))
	require.NoError(t, tracker.Transition(ctx, "g-1", model.StageMatched, model.StageAlerting))
	require.NoError(t, tracker.Complete(ctx, "g-1"))

	state, err := tracker.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, state.CurrentStage)

	total, err := client.CounterTotal(ctx, "pipeline.completed", time.Now(), 24)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestTrackerFail(t *testing.T) {
	tracker, client := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Start(ctx, "g-1", model.QueueNormal))
	require.NoError(t, tracker.Fail(ctx, "g-1", errors.New("llm unreachable")))

	state, err := tracker.Get(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, state.CurrentStage)
	assert.Equal(t, "llm unreachable", state.Error)

	total, err := client.CounterTotal(ctx, "pipeline.failed", time.Now(), 24)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	t.Run("failing an unknown grant is a no-op", func(t *testing.T) {
		assert.NoError(t, tracker.Fail(ctx, "g-unknown", errors.New("x")))
	})
}

func TestTrackerIncrementRetry(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Start(ctx, "g-1", model.QueueNormal))

	n, err := tracker.IncrementRetry(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = tracker.IncrementRetry(ctx, "g-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTrackerStalled(t *testing.T) {
	tracker, client := setupTracker(t)
	ctx := context.Background()

	// A stalled pipeline: stage clock far in the past.
	old := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, client.SavePipelineState(ctx, &model.PipelineState{
		GrantID:         "g-stalled",
		CurrentStage:    model.StageMatching,
		StageTimestamps: map[model.PipelineStage]time.Time{model.StageMatching: old},
		Latencies:       map[model.PipelineStage]float64{},
		StartedAt:       old,
	}, time.Hour))

	// A fresh one and a terminal one.
	require.NoError(t, tracker.Start(ctx, "g-fresh", model.QueueNormal))
	require.NoError(t, client.SavePipelineState(ctx, &model.PipelineState{
		GrantID:         "g-done",
		CurrentStage:    model.StageCompleted,
		StageTimestamps: map[model.PipelineStage]time.Time{model.StageCompleted: old},
		Latencies:       map[model.PipelineStage]float64{},
		StartedAt:       old,
	}, time.Hour))

	stalled, err := tracker.Stalled(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "g-stalled", stalled[0].GrantID)
}
