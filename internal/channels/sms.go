package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
)

// SMSMaxLen is the hard cap on one outbound SMS body.
const SMSMaxLen = 160

// SMSTitleMaxLen caps the grant title inside the SMS template.
const SMSTitleMaxLen = 50

// SMSMessage is one outbound text message.
type SMSMessage struct {
	To   string
	Body string
}

// SMSSender is the surface the alerter depends on.
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMSMessage) (Result, error)
}

// SMSClient sends through a Twilio-style provider: form-encoded POST with
// from/to/body/status_callback. Single attempt; provider error codes are
// surfaced, not retried.
type SMSClient struct {
	cfg    config.SMSConfig
	http   *http.Client
	logger *zap.Logger
}

// NewSMSClient builds the production SMS gateway.
func NewSMSClient(cfg config.SMSConfig, logger *zap.Logger) *SMSClient {
	return &SMSClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: httpx.DefaultTimeout},
		logger: logger.Named("sms"),
	}
}

type smsResponse struct {
	SID       string `json:"sid"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// SendSMS dispatches the message in a single attempt.
func (c *SMSClient) SendSMS(ctx context.Context, msg SMSMessage) (Result, error) {
	if len(msg.Body) > SMSMaxLen {
		return Result{}, fmt.Errorf("%w: sms body exceeds %d chars", ErrNonRetryable, SMSMaxLen)
	}

	form := url.Values{}
	form.Set("From", c.cfg.FromNumber)
	form.Set("To", msg.To)
	form.Set("Body", msg.Body)
	if c.cfg.StatusCallback != "" {
		form.Set("StatusCallback", c.cfg.StatusCallback)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.AccountSID != "" {
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Attempts: 1}, fmt.Errorf("sms transport error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed smsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{Attempts: 1}, fmt.Errorf("failed to parse sms response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || parsed.ErrorCode != nil {
		code := 0
		if parsed.ErrorCode != nil {
			code = *parsed.ErrorCode
		}
		return Result{Attempts: 1}, fmt.Errorf("sms provider error %d (status %d): %s", code, resp.StatusCode, parsed.Message)
	}
	if parsed.SID == "" {
		return Result{Attempts: 1}, fmt.Errorf("sms response carried no message sid")
	}
	return Result{ProviderMessageID: parsed.SID, Attempts: 1}, nil
}

// TruncateTitle shortens a grant title for the SMS template, appending an
// ellipsis when trimmed.
func TruncateTitle(title string) string {
	if len(title) <= SMSTitleMaxLen {
		return title
	}
	return TruncateBytes(title, SMSTitleMaxLen-3) + "..."
}

// TruncateBytes cuts s to at most max bytes, backing off to a rune boundary
// so a multi-byte character is never split.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
