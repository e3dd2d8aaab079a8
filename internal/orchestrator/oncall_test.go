package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// webhookRecorder collects the on-call alerts posted to it.
type webhookRecorder struct {
	mu     sync.Mutex
	alerts []OnCallAlert
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var alert OnCallAlert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.alerts = append(w.alerts, alert)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
}

func (w *webhookRecorder) received() []OnCallAlert {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]OnCallAlert, len(w.alerts))
	copy(out, w.alerts)
	return out
}

func unhealthyComponent(name string, failures int, since time.Time) ComponentStatus {
	s := since
	return ComponentStatus{
		Name:                name,
		Healthy:             false,
		ConsecutiveFailures: failures,
		LastError:           "connection refused",
		LastChecked:         time.Now().UTC(),
		UnhealthySince:      &s,
	}
}

func TestOnCallNotifier(t *testing.T) {
	ctx := context.Background()

	t.Run("pages at three consecutive failures", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		n := NewOnCallNotifier("prod", srv.URL, zap.NewNop())
		n.Evaluate(ctx, []ComponentStatus{unhealthyComponent("redis", 3, time.Now().UTC())})

		alerts := rec.received()
		require.Len(t, alerts, 1)
		assert.Equal(t, "prod", alerts[0].Instance)
		assert.Equal(t, "redis", alerts[0].Component)
		assert.Equal(t, "connection refused", alerts[0].Reason)
		assert.Equal(t, 3, alerts[0].ConsecutiveFailures)
	})

	t.Run("pages when unhealthy long enough even below the failure bar", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		// A checker restart can reset the streak while the outage persists.
		c := unhealthyComponent("llm", 1, time.Now().UTC().Add(-10*time.Minute))
		n := NewOnCallNotifier("prod", srv.URL, zap.NewNop())
		n.Evaluate(ctx, []ComponentStatus{c})

		require.Len(t, rec.received(), 1)
	})

	t.Run("stays quiet below both thresholds", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		c := unhealthyComponent("llm", 2, time.Now().UTC().Add(-time.Minute))
		n := NewOnCallNotifier("prod", srv.URL, zap.NewNop())
		n.Evaluate(ctx, []ComponentStatus{c})

		assert.Empty(t, rec.received())
	})

	t.Run("healthy components never page", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		n := NewOnCallNotifier("prod", srv.URL, zap.NewNop())
		n.Evaluate(ctx, []ComponentStatus{{Name: "redis", Healthy: true}})

		assert.Empty(t, rec.received())
	})

	t.Run("cooldown suppresses repeat pages per component", func(t *testing.T) {
		rec := &webhookRecorder{}
		srv := httptest.NewServer(rec)
		defer srv.Close()

		n := NewOnCallNotifier("prod", srv.URL, zap.NewNop())
		redis := unhealthyComponent("redis", 4, time.Now().UTC())
		n.Evaluate(ctx, []ComponentStatus{redis})
		n.Evaluate(ctx, []ComponentStatus{redis})
		require.Len(t, rec.received(), 1)

		// A different component pages independently.
		n.Evaluate(ctx, []ComponentStatus{unhealthyComponent("postgres", 3, time.Now().UTC())})
		assert.Len(t, rec.received(), 2)
	})

	t.Run("empty webhook URL disables delivery but not evaluation", func(t *testing.T) {
		n := NewOnCallNotifier("prod", "", zap.NewNop())
		n.Evaluate(ctx, []ComponentStatus{unhealthyComponent("redis", 3, time.Now().UTC())})
		// Nothing to assert over the wire; the call must simply not block or panic.
	})
}
