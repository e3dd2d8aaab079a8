package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingMirror struct {
	mu        sync.Mutex
	summaries []Summary
}

func (m *recordingMirror) MirrorBreakerState(ctx context.Context, service string, summary any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, summary.(Summary))
	return nil
}

func (m *recordingMirror) last() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.summaries) == 0 {
		return Summary{}, false
	}
	return m.summaries[len(m.summaries)-1], true
}

func TestBreakerDefaults(t *testing.T) {
	b := New(Settings{Service: "llm"}, zap.NewNop(), nil)
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.Allow())

	s := b.Summary()
	assert.Equal(t, "llm", s.Service)
	assert.Equal(t, 60.0, s.RecoveryTimeout)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mirror := &recordingMirror{}
	b := New(Settings{Service: "llm", FailureThreshold: 3}, zap.NewNop(), mirror)
	boom := errors.New("provider down")

	b.RecordFailure(boom)
	b.RecordFailure(boom)
	assert.True(t, b.Allow(), "below threshold the circuit stays closed")

	b.RecordFailure(boom)
	assert.False(t, b.Allow())
	assert.Equal(t, "open", b.State())

	t.Run("state change is mirrored", func(t *testing.T) {
		s, ok := mirror.last()
		require.True(t, ok)
		assert.Equal(t, "open", s.State)
		assert.NotNil(t, s.LastFailureAt)
	})

	t.Run("execute is short-circuited while open", func(t *testing.T) {
		called := false
		_, err := b.Execute(func() (any, error) {
			called = true
			return nil, nil
		})
		assert.Error(t, err)
		assert.False(t, called)
	})
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New(Settings{Service: "llm", FailureThreshold: 3}, zap.NewNop(), nil)
	boom := errors.New("provider down")

	b.RecordFailure(boom)
	b.RecordFailure(boom)
	b.RecordSuccess()
	b.RecordFailure(boom)
	b.RecordFailure(boom)
	assert.True(t, b.Allow(), "a success in between resets the consecutive count")
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	b := New(Settings{
		Service:          "llm",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	}, zap.NewNop(), nil)

	b.RecordFailure(errors.New("provider down"))
	require.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.Allow(), "half-open after the recovery timeout")

	out, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerSlowCallWindow(t *testing.T) {
	b := New(Settings{
		Service:          "llm",
		FailureThreshold: 1,
		LatencyWindow:    3,
		SlowCallMean:     10 * time.Millisecond,
	}, zap.NewNop(), nil)

	t.Run("fast calls keep the circuit closed", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			b.RecordLatency(time.Millisecond)
		}
		assert.True(t, b.Allow())
	})

	t.Run("a slow window records a synthetic failure", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			b.RecordLatency(50 * time.Millisecond)
		}
		assert.False(t, b.Allow())
	})
}

type failingMirror struct{}

func (failingMirror) MirrorBreakerState(context.Context, string, any) error {
	return errors.New("postgres down")
}

func TestMultiMirror(t *testing.T) {
	t.Run("every mirror receives the summary", func(t *testing.T) {
		first, second := &recordingMirror{}, &recordingMirror{}
		b := New(Settings{Service: "llm", FailureThreshold: 1}, zap.NewNop(), MultiMirror(first, second))

		b.RecordFailure(errors.New("provider down"))

		for _, m := range []*recordingMirror{first, second} {
			s, ok := m.last()
			require.True(t, ok)
			assert.Equal(t, "open", s.State)
		}
	})

	t.Run("one failing mirror does not starve the rest", func(t *testing.T) {
		sink := &recordingMirror{}
		m := MultiMirror(failingMirror{}, sink)

		err := m.MirrorBreakerState(context.Background(), "llm", Summary{Service: "llm"})
		assert.Error(t, err)
		_, ok := sink.last()
		assert.True(t, ok)
	})
}

func TestBreakerExecuteRecordsLatency(t *testing.T) {
	b := New(Settings{Service: "llm"}, zap.NewNop(), nil)

	out, err := b.Execute(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	_, err = b.Execute(func() (any, error) { return nil, errors.New("boom") })
	require.Error(t, err)
	s := b.Summary()
	assert.NotNil(t, s.LastFailureAt)
}
