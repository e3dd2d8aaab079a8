package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/httpx"
)

// Paging thresholds: a component pages when it has been unhealthy for
// sustainedUnhealthy, or immediately at pageFailureCount consecutive
// failures. Repeat pages for the same component are suppressed for
// pageCooldown.
const (
	sustainedUnhealthy = 300 * time.Second
	pageFailureCount   = 3
	pageCooldown       = 15 * time.Minute
)

// OnCallAlert is the payload posted to the on-call webhook.
type OnCallAlert struct {
	Instance            string     `json:"instance"`
	Component           string     `json:"component"`
	Reason              string     `json:"reason"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	UnhealthySince      *time.Time `json:"unhealthy_since,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
}

// OnCallNotifier pages the on-call webhook about sustained component
// failures. An empty webhook URL disables paging but keeps the evaluation
// (and its logging) running.
type OnCallNotifier struct {
	instance   string
	webhookURL string
	http       *httpx.Client
	logger     *zap.Logger

	mu        sync.Mutex
	lastPaged map[string]time.Time
}

// NewOnCallNotifier builds the notifier.
func NewOnCallNotifier(instance, webhookURL string, logger *zap.Logger) *OnCallNotifier {
	return &OnCallNotifier{
		instance:   instance,
		webhookURL: webhookURL,
		http:       httpx.New(httpx.WithMaxRetries(2)),
		logger:     logger.Named("oncall"),
		lastPaged:  make(map[string]time.Time),
	}
}

// Evaluate pages for every component that crossed a threshold.
func (n *OnCallNotifier) Evaluate(ctx context.Context, components []ComponentStatus) {
	now := time.Now().UTC()
	for _, c := range components {
		if c.Healthy {
			continue
		}
		sustained := c.UnhealthySince != nil && now.Sub(*c.UnhealthySince) >= sustainedUnhealthy
		if c.ConsecutiveFailures < pageFailureCount && !sustained {
			continue
		}
		if !n.shouldPage(c.Name, now) {
			continue
		}
		n.page(ctx, OnCallAlert{
			Instance:            n.instance,
			Component:           c.Name,
			Reason:              c.LastError,
			ConsecutiveFailures: c.ConsecutiveFailures,
			UnhealthySince:      c.UnhealthySince,
			Timestamp:           now,
		})
	}
}

func (n *OnCallNotifier) shouldPage(component string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastPaged[component]; ok && now.Sub(last) < pageCooldown {
		return false
	}
	n.lastPaged[component] = now
	return true
}

func (n *OnCallNotifier) page(ctx context.Context, alert OnCallAlert) {
	n.logger.Error("paging on-call",
		zap.String("component", alert.Component),
		zap.String("reason", alert.Reason),
		zap.Int("consecutive_failures", alert.ConsecutiveFailures))

	if n.webhookURL == "" {
		return
	}
	body, err := json.Marshal(alert)
	if err != nil {
		n.logger.Error("failed to marshal on-call alert", zap.Error(err))
		return
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	if _, err := n.http.Do(ctx, http.MethodPost, n.webhookURL, header, body); err != nil {
		n.logger.Error("failed to deliver on-call alert", zap.Error(err))
	}
}
