// Package llm provides the typed chat-completion client used by curation,
// matching, extraction, and digest composition. Responses are always parsed
// against an explicit contract; callers never trust the wire shape.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/breaker"
	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
)

// Chat is the completion surface the agents depend on. Tests substitute a
// fake; production uses Client.
type Chat interface {
	// Complete sends a single user prompt and returns the raw text content.
	Complete(ctx context.Context, prompt string) (string, error)
	// Provider returns the name of the provider the next call will use.
	Provider() string
}

// Client routes chat completions to a primary provider, falling back to the
// secondary when the circuit breaker is open. Every call records latency and
// outcome on the breaker, which also counts slow-call pressure.
type Client struct {
	cfg     config.LLMConfig
	breaker *breaker.Breaker
	http    *httpx.Client
	sink    LatencySink
	logger  *zap.Logger
}

// NewClient builds the production LLM client.
func NewClient(cfg config.LLMConfig, b *breaker.Breaker, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		breaker: b,
		http:    httpx.New(httpx.WithTimeout(cfg.Primary.Timeout), httpx.WithMaxRetries(2)),
		logger:  logger.Named("llm"),
	}
}

// Provider returns "primary" while the breaker is closed or half-open, and
// the fallback provider's name once it opens.
func (c *Client) Provider() string {
	if c.breaker.Allow() {
		return c.cfg.Primary.Name
	}
	return c.cfg.Fallback.Name
}

// Breaker exposes the underlying circuit breaker for status reporting.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// LatencySink receives per-call latency samples for SLO evaluation.
type LatencySink interface {
	RecordLatency(ctx context.Context, name string, seconds float64, ttl time.Duration) error
}

// SetLatencySink attaches a metrics sink; nil disables sampling.
func (c *Client) SetLatencySink(sink LatencySink) {
	c.sink = sink
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

// chatResponse accepts both common provider response shapes:
// choices[0].message.content and content[0].text.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends the prompt to the currently routed provider. Input longer
// than the configured context budget is truncated from the right.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if len(prompt) > c.cfg.MaxContextChars {
		prompt = prompt[:c.cfg.MaxContextChars]
	}

	provider := c.cfg.Primary
	if !c.breaker.Allow() {
		provider = c.cfg.Fallback
	}

	body, err := json.Marshal(chatRequest{
		Model:     provider.Model,
		MaxTokens: provider.MaxTokens,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	if provider.APIKey != "" {
		header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, http.MethodPost, provider.URL, header, body)
	elapsed := time.Since(start)
	c.breaker.RecordLatency(elapsed)
	if c.sink != nil {
		if sinkErr := c.sink.RecordLatency(ctx, "llm", elapsed.Seconds(), 24*time.Hour); sinkErr != nil {
			c.logger.Debug("failed to record llm latency sample", zap.Error(sinkErr))
		}
	}
	if err != nil {
		c.breaker.RecordFailure(err)
		return "", fmt.Errorf("chat completion via %s failed: %w", provider.Name, err)
	}
	c.breaker.RecordSuccess()

	content, err := parseContent(resp)
	if err != nil {
		return "", fmt.Errorf("chat completion via %s: %w", provider.Name, err)
	}
	return content, nil
}

func parseContent(raw []byte) (string, error) {
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse chat response: %w", err)
	}
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != "" {
		return parsed.Choices[0].Message.Content, nil
	}
	if len(parsed.Content) > 0 && parsed.Content[0].Text != "" {
		return parsed.Content[0].Text, nil
	}
	return "", fmt.Errorf("chat response carried no content")
}

// ExtractJSON pulls the first JSON object or array out of a completion.
// Models wrap JSON in prose or fences often enough that a strict
// json.Unmarshal of the whole string is the exception, not the rule.
func ExtractJSON(content string, out any) error {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	if err := json.Unmarshal([]byte(content), out); err == nil {
		return nil
	}
	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON found in completion: %s", truncate(content, 120))
	}
	end := strings.LastIndexAny(content, "}]")
	if end <= start {
		return fmt.Errorf("unterminated JSON in completion: %s", truncate(content, 120))
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return fmt.Errorf("failed to parse completion JSON: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
