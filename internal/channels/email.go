package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
)

// EmailMessage is one outbound email.
type EmailMessage struct {
	To         string
	Subject    string
	HTMLBody   string
	TextBody   string
	TrackingID string // match_id; carried as a custom arg for open tracking
}

// EmailSender is the surface the alerter depends on.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) (Result, error)
}

// EmailClient sends through a SendGrid-style provider: POST /send, success
// is any 2xx carrying a message id. Max 3 attempts with delays 1s/2s/4s;
// retryable on transport errors, 408, 429, and 5xx.
type EmailClient struct {
	cfg    config.EmailConfig
	http   *http.Client
	logger *zap.Logger
}

// NewEmailClient builds the production email gateway.
func NewEmailClient(cfg config.EmailConfig, logger *zap.Logger) *EmailClient {
	return &EmailClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: httpx.DefaultTimeout},
		logger: logger.Named("email"),
	}
}

type emailRequest struct {
	From       emailAddress      `json:"from"`
	To         []emailAddress    `json:"to"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html,omitempty"`
	Text       string            `json:"text,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type emailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type emailResponse struct {
	MessageID string `json:"message_id"`
}

// SendEmail dispatches the message, retrying per the email policy.
func (c *EmailClient) SendEmail(ctx context.Context, msg EmailMessage) (Result, error) {
	body, err := json.Marshal(emailRequest{
		From:    emailAddress{Email: c.cfg.FromEmail, Name: c.cfg.FromName},
		To:      []emailAddress{{Email: msg.To}},
		Subject: msg.Subject,
		HTML:    msg.HTMLBody,
		Text:    msg.TextBody,
		CustomArgs: map[string]string{
			"tracking_id": msg.TrackingID,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal email: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, retryDelays[attempt-1]); err != nil {
				return Result{Attempts: attempt}, err
			}
		}

		id, err := c.post(ctx, body)
		if err == nil {
			return Result{ProviderMessageID: id, Attempts: attempt + 1}, nil
		}
		lastErr = err
		if errors.Is(err, ErrNonRetryable) {
			return Result{Attempts: attempt + 1}, err
		}
		c.logger.Warn("email send failed, will retry",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return Result{Attempts: len(retryDelays) + 1}, fmt.Errorf("email send exhausted retries: %w", lastErr)
}

func (c *EmailClient) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNonRetryable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("email transport error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed emailResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.MessageID == "" {
			// 2xx without a message id still counts as accepted.
			return "", nil
		}
		return parsed.MessageID, nil
	}
	if httpx.Retryable(resp.StatusCode) {
		return "", fmt.Errorf("email provider status %d", resp.StatusCode)
	}
	return "", fmt.Errorf("%w: email provider status %d: %s", ErrNonRetryable, resp.StatusCode, string(respBody))
}
