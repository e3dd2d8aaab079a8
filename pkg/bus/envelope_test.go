package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantradar/grantradar/pkg/model"
)

func TestDiscoveredEnvelopeRoundTrip(t *testing.T) {
	deadline := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	grant := model.DiscoveredGrant{
		Source:        "nsf",
		ExternalID:    "NSF-24-501",
		Title:         "Advanced Computing Research",
		Description:   "Supports fundamental computing research.",
		URL:           "https://example.gov/NSF-24-501",
		FundingAgency: "NSF",
		Deadline:      &deadline,
		DiscoveredAt:  time.Now().UTC(),
	}

	env := NewDiscoveredEnvelope(grant)
	require.NoError(t, env.Validate())

	back := env.Grant()
	assert.Equal(t, grant.Source, back.Source)
	assert.Equal(t, grant.ExternalID, back.ExternalID)
	assert.Equal(t, grant.Title, back.Title)
	require.NotNil(t, back.Deadline)
	assert.True(t, back.Deadline.Equal(deadline))
}

func TestEnvelopeValidation(t *testing.T) {
	t.Run("discovered requires identity", func(t *testing.T) {
		env := DiscoveredEnvelope{Title: "T"}
		assert.Error(t, env.Validate())
	})

	t.Run("validated rejects unnormalized quality score", func(t *testing.T) {
		env := ValidatedEnvelope{GrantID: "g-1", QualityScore: 85}
		err := env.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "normalized")
	})

	t.Run("validated accepts normalized score", func(t *testing.T) {
		env := ValidatedEnvelope{GrantID: "g-1", QualityScore: 0.85}
		assert.NoError(t, env.Validate())
	})

	t.Run("computed requires all three ids", func(t *testing.T) {
		env := ComputedEnvelope{MatchID: "m-1", GrantID: "g-1", MatchScore: 0.9}
		assert.Error(t, env.Validate())
	})

	t.Run("computed rejects score above 1", func(t *testing.T) {
		env := ComputedEnvelope{MatchID: "m-1", GrantID: "g-1", UserID: "u-1", MatchScore: 86}
		assert.Error(t, env.Validate())
	})
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("decodes and validates", func(t *testing.T) {
		var env ValidatedEnvelope
		err := DecodeEnvelope(`{"grant_id":"g-1","quality_score":0.72}`, &env)
		require.NoError(t, err)
		assert.Equal(t, "g-1", env.GrantID)
	})

	t.Run("ignores unknown keys", func(t *testing.T) {
		var env ValidatedEnvelope
		err := DecodeEnvelope(`{"grant_id":"g-1","quality_score":0.72,"future_field":true}`, &env)
		assert.NoError(t, err)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		var env ValidatedEnvelope
		err := DecodeEnvelope(`{"grant_id":`, &env)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode")
	})

	t.Run("rejects invalid envelope", func(t *testing.T) {
		var env ComputedEnvelope
		err := DecodeEnvelope(`{"match_id":"m-1"}`, &env)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid envelope")
	})
}

func TestSchemaKeys(t *testing.T) {
	assert.Equal(t, "dlq:grants:discovered", DLQStream(StreamDiscovered))
	assert.Equal(t, "gr:prod:grants:seen:nsf", SeenSetKey("prod", "nsf"))
	assert.Equal(t, "gr:prod:digest:pending:u1:2026-08-26", DigestPendingKey("prod", "u1", "2026-08-26"))
	assert.Equal(t, "gr:prod:pipeline:state:g1", PipelineStateKey("prod", "g1"))
	assert.Equal(t, "gr:prod:metrics:counter:llm:2026-08-26-14", MetricCounterKey("prod", "llm", "2026-08-26-14"))
	assert.Equal(t, "gr:prod:breaker:llm", BreakerSummaryKey("prod", "llm"))
}
