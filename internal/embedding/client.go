// Package embedding provides the 1536-dimension embedding client used by
// curation (grant text) and the profile refresh path.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/breaker"
	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
	"github.com/grantradar/grantradar/pkg/model"
)

// MaxInputChars bounds the text sent for one embedding; longer input is
// truncated from the right.
const MaxInputChars = 8000

// Embedder is the surface the agents depend on. Tests substitute a fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client calls the embedding provider, guarded by a circuit breaker.
type Client struct {
	cfg     config.EmbeddingConfig
	breaker *breaker.Breaker
	http    *httpx.Client
	logger  *zap.Logger
}

// NewClient builds the production embedding client.
func NewClient(cfg config.EmbeddingConfig, b *breaker.Breaker, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		breaker: b,
		http:    httpx.New(httpx.WithTimeout(cfg.Timeout), httpx.WithMaxRetries(2)),
		logger:  logger.Named("embedding"),
	}
}

type embedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the 1536-dim vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > MaxInputChars {
		text = text[:MaxInputChars]
	}

	body, err := json.Marshal(embedRequest{
		Model:      c.cfg.Model,
		Input:      text,
		Dimensions: model.EmbeddingDim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.Do(ctx, http.MethodPost, c.cfg.URL, header, body)
		if err != nil {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		var parsed embedResponse
		if err := json.Unmarshal(resp, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse embedding response: %w", err)
		}
		if len(parsed.Data) == 0 {
			return nil, fmt.Errorf("embedding response carried no data")
		}
		vec := parsed.Data[0].Embedding
		if len(vec) != model.EmbeddingDim {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), model.EmbeddingDim)
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}
