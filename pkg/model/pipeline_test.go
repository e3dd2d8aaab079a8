package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipelineStageValidate(t *testing.T) {
	for _, s := range []PipelineStage{
		StageDiscovered, StageValidating, StageValidated,
		StageMatching, StageMatched, StageAlerting,
		StageCompleted, StageFailed,
	} {
		assert.NoError(t, s.Validate(), string(s))
	}
	assert.Error(t, PipelineStage("archived").Validate())
}

func TestCanTransitionTo(t *testing.T) {
	t.Run("healthy path is monotonic", func(t *testing.T) {
		path := []PipelineStage{
			StageDiscovered, StageValidating, StageValidated,
			StageMatching, StageMatched, StageAlerting, StageCompleted,
		}
		for i := 0; i < len(path)-1; i++ {
			assert.True(t, path[i].CanTransitionTo(path[i+1]),
				"%s -> %s", path[i], path[i+1])
		}
	})

	t.Run("skipping stages forward is allowed", func(t *testing.T) {
		assert.True(t, StageValidating.CanTransitionTo(StageCompleted))
		assert.True(t, StageMatched.CanTransitionTo(StageCompleted))
	})

	t.Run("backwards transitions are rejected", func(t *testing.T) {
		assert.False(t, StageValidated.CanTransitionTo(StageDiscovered))
		assert.False(t, StageCompleted.CanTransitionTo(StageAlerting))
		assert.False(t, StageMatching.CanTransitionTo(StageMatching))
	})

	t.Run("failed is reachable from anywhere", func(t *testing.T) {
		assert.True(t, StageDiscovered.CanTransitionTo(StageFailed))
		assert.True(t, StageAlerting.CanTransitionTo(StageFailed))
	})

	t.Run("failed is a dead end", func(t *testing.T) {
		assert.False(t, StageFailed.CanTransitionTo(StageValidating))
		assert.True(t, StageFailed.CanTransitionTo(StageFailed))
	})
}

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageAlerting.Terminal())
	assert.False(t, StageDiscovered.Terminal())
}

func TestStageInputStream(t *testing.T) {
	assert.Equal(t, "grants:discovered", StageDiscovered.InputStream())
	assert.Equal(t, "grants:discovered", StageValidating.InputStream())
	assert.Equal(t, "grants:validated", StageValidated.InputStream())
	assert.Equal(t, "grants:validated", StageMatching.InputStream())
	assert.Equal(t, "matches:computed", StageMatched.InputStream())
	assert.Equal(t, "matches:computed", StageAlerting.InputStream())
	assert.Empty(t, StageCompleted.InputStream())
	assert.Empty(t, StageFailed.InputStream())
}

func TestPipelineStateLatency(t *testing.T) {
	start := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	state := &PipelineState{
		GrantID:      "g-1",
		CurrentStage: StageMatching,
		StartedAt:    start,
		StageTimestamps: map[PipelineStage]time.Time{
			StageValidating: start.Add(2 * time.Second),
			StageValidated:  start.Add(30 * time.Second),
			StageMatching:   start.Add(45 * time.Second),
		},
	}

	t.Run("total latency spans start to latest stage", func(t *testing.T) {
		assert.InDelta(t, 45.0, state.TotalLatency(), 0.001)
	})

	t.Run("stage start uses recorded timestamp", func(t *testing.T) {
		assert.Equal(t, start.Add(45*time.Second), state.StageStartedAt())
	})

	t.Run("stage start falls back to pipeline start", func(t *testing.T) {
		bare := &PipelineState{CurrentStage: StageDiscovered, StartedAt: start}
		assert.Equal(t, start, bare.StageStartedAt())
	})
}

func TestQueueClassWorkerPriority(t *testing.T) {
	assert.Equal(t, 10, QueueCritical.WorkerPriority())
	assert.Equal(t, 7, QueueHigh.WorkerPriority())
	assert.Equal(t, 3, QueueNormal.WorkerPriority())
}
