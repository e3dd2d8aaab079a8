package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendSlack(t *testing.T) {
	t.Run("success posts blocks and fallback text", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var msg slack.WebhookMessage
			require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
			assert.Equal(t, "New grant match", msg.Text)
			require.NotNil(t, msg.Blocks)
			assert.NotEmpty(t, msg.Blocks.BlockSet)

			w.Write([]byte("ok"))
		}))
		defer srv.Close()

		res, err := NewSlackClient(zap.NewNop()).SendSlack(context.Background(), SlackMessage{
			WebhookURL: srv.URL,
			Text:       "New grant match",
			Blocks: []slack.Block{
				slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "New match", false, false)),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("honors Retry-After on 429", func(t *testing.T) {
		shortRetries(t)
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte("ok"))
		}))
		defer srv.Close()

		start := time.Now()
		res, err := NewSlackClient(zap.NewNop()).SendSlack(context.Background(), SlackMessage{
			WebhookURL: srv.URL, Text: "hi",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
		assert.GreaterOrEqual(t, time.Since(start), time.Second)
	})

	t.Run("Retry-After replaces the scheduled delay", func(t *testing.T) {
		old := retryDelays
		retryDelays = []time.Duration{400 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
		t.Cleanup(func() { retryDelays = old })

		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte("ok"))
		}))
		defer srv.Close()

		start := time.Now()
		res, err := NewSlackClient(zap.NewNop()).SendSlack(context.Background(), SlackMessage{
			WebhookURL: srv.URL, Text: "hi",
		})
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
		assert.GreaterOrEqual(t, elapsed, time.Second)
		assert.Less(t, elapsed, 1400*time.Millisecond,
			"the fixed delay must not stack on top of the server hint")
	})

	t.Run("does not retry invalid webhooks", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("no_service"))
		}))
		defer srv.Close()

		_, err := NewSlackClient(zap.NewNop()).SendSlack(context.Background(), SlackMessage{
			WebhookURL: srv.URL, Text: "hi",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonRetryable)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries 5xx and then gives up", func(t *testing.T) {
		shortRetries(t)
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		res, err := NewSlackClient(zap.NewNop()).SendSlack(context.Background(), SlackMessage{
			WebhookURL: srv.URL, Text: "hi",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exhausted retries")
		assert.Equal(t, 4, res.Attempts)
		assert.Equal(t, int32(4), calls.Load())
	})

	t.Run("200 with unexpected body is not retried", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("nope"))
		}))
		defer srv.Close()

		_, err := NewSlackClient(zap.NewNop()).SendSlack(context.Background(), SlackMessage{
			WebhookURL: srv.URL, Text: "hi",
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNonRetryable)
	})
}
