package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/breaker"
	"github.com/grantradar/grantradar/internal/config"
)

func newTestClient(t *testing.T, primaryURL, fallbackURL string) *Client {
	t.Helper()
	cfg := config.LLMConfig{
		Primary:         config.ProviderConfig{Name: "primary", URL: primaryURL, Model: "m-large", MaxTokens: 256, Timeout: 5 * time.Second},
		Fallback:        config.ProviderConfig{Name: "fallback", URL: fallbackURL, Model: "m-small", MaxTokens: 256, Timeout: 5 * time.Second},
		MaxContextChars: 32000,
	}
	b := breaker.New(breaker.Settings{Service: "llm", FailureThreshold: 2, RecoveryTimeout: time.Hour}, zap.NewNop(), nil)
	return NewClient(cfg, b, zap.NewNop())
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("parses the choices response shape", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, srv.URL)
		got, err := c.Complete(ctx, "say hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", got)
	})

	t.Run("parses the content-blocks response shape", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"content":[{"text":"hi there"}]}`))
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, srv.URL)
		got, err := c.Complete(ctx, "say hi")
		require.NoError(t, err)
		assert.Equal(t, "hi there", got)
	})

	t.Run("empty response body is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, srv.URL)
		_, err := c.Complete(ctx, "anything")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no content")
	})

	t.Run("routes to the fallback once the breaker opens", func(t *testing.T) {
		fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[{"message":{"content":"from fallback"}}]}`))
		}))
		defer fallback.Close()

		// Primary points at a closed server so every call fails fast.
		dead := httptest.NewServer(nil)
		dead.Close()

		c := newTestClient(t, dead.URL, fallback.URL)
		require.Equal(t, "primary", c.Provider())

		for i := 0; i < 2; i++ {
			// A short deadline keeps the retry policy from padding the test.
			callCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			_, err := c.Complete(callCtx, "ping")
			cancel()
			require.Error(t, err)
		}
		require.Equal(t, "fallback", c.Provider())

		got, err := c.Complete(ctx, "ping")
		require.NoError(t, err)
		assert.Equal(t, "from fallback", got)
	})
}

type sinkRecorder struct {
	samples []float64
}

func (s *sinkRecorder) RecordLatency(ctx context.Context, name string, seconds float64, ttl time.Duration) error {
	s.samples = append(s.samples, seconds)
	return nil
}

func TestLatencySink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)
	sink := &sinkRecorder{}
	c.SetLatencySink(sink)

	_, err := c.Complete(context.Background(), "ping")
	require.NoError(t, err)
	assert.Len(t, sink.samples, 1)
}

func TestExtractJSON(t *testing.T) {
	type payload struct {
		Score int    `json:"score"`
		Note  string `json:"note"`
	}

	t.Run("bare object", func(t *testing.T) {
		var p payload
		require.NoError(t, ExtractJSON(`{"score": 85, "note": "good"}`, &p))
		assert.Equal(t, 85, p.Score)
	})

	t.Run("fenced block", func(t *testing.T) {
		var p payload
		require.NoError(t, ExtractJSON("```json\n{\"score\": 70}\n```", &p))
		assert.Equal(t, 70, p.Score)
	})

	t.Run("object wrapped in prose", func(t *testing.T) {
		var p payload
		require.NoError(t, ExtractJSON(`Here is my assessment: {"score": 60, "note": "ok"} Hope that helps!`, &p))
		assert.Equal(t, 60, p.Score)
		assert.Equal(t, "ok", p.Note)
	})

	t.Run("array wrapped in prose", func(t *testing.T) {
		var items []payload
		require.NoError(t, ExtractJSON(`The results are [{"score": 1}, {"score": 2}] as requested.`, &items))
		assert.Len(t, items, 2)
	})

	t.Run("no JSON at all", func(t *testing.T) {
		var p payload
		err := ExtractJSON("I cannot produce structured output.", &p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no JSON found")
	})

	t.Run("unterminated JSON", func(t *testing.T) {
		var p payload
		err := ExtractJSON(`{"score": 85`, &p)
		require.Error(t, err)
	})
}
