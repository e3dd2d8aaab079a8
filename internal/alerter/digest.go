package alerter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/channels"
	"github.com/grantradar/grantradar/pkg/model"
)

// DigestItem is one parked alert on a user's pending-digest list.
type DigestItem struct {
	MatchID     string         `json:"match_id"`
	GrantID     string         `json:"grant_id"`
	UserID      string         `json:"user_id"`
	Title       string         `json:"title"`
	Agency      string         `json:"agency,omitempty"`
	URL         string         `json:"url,omitempty"`
	Score       float64        `json:"score"` // 0..1
	Priority    model.Priority `json:"priority"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
}

const digestIntroPrompt = `You are writing the one-paragraph introduction for a daily grant digest email.
The digest lists %d funding opportunities matched to the researcher today.
Respond with ONLY the paragraph text, no JSON, no greeting line.

Opportunities:
%s`

// ProcessDigests flushes every user's pending-digest list for the given day.
// Each digest is one email with the highest-scoring items first, capped at
// the configured maximum; the list is deleted only after a successful send,
// so a failed digest is retried on the next run.
func (a *Agent) ProcessDigests(ctx context.Context, day time.Time) error {
	users, err := a.bus.DigestUsers(ctx, day)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := a.processUserDigest(ctx, userID, day); err != nil {
			a.logger.Error("digest delivery failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	a.logger.Info("digest run complete", zap.Int("users", len(users)))
	return nil
}

func (a *Agent) processUserDigest(ctx context.Context, userID string, day time.Time) error {
	raw, err := a.bus.DigestItems(ctx, userID, day)
	if err != nil {
		return err
	}
	items := make([]DigestItem, 0, len(raw))
	for _, r := range raw {
		var item DigestItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			a.logger.Warn("skipping unparseable digest item",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return a.bus.DeleteDigest(ctx, userID, day)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > a.cfg.DigestMaxItems {
		items = items[:a.cfg.DigestMaxItems]
	}

	profile, err := a.store.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile.Email == "" {
		a.logger.Warn("digest user has no email, dropping digest",
			zap.String("user_id", userID))
		return a.bus.DeleteDigest(ctx, userID, day)
	}

	subject := fmt.Sprintf("Your grant digest: %d new matches", len(items))
	text := a.composeDigestBody(ctx, items)
	result, err := a.email.SendEmail(ctx, channels.EmailMessage{
		To:       profile.Email,
		Subject:  subject,
		TextBody: text,
		HTMLBody: "<p>" + strings.ReplaceAll(text, "\n", "<br>") + "</p>",
	})
	if err != nil {
		return fmt.Errorf("failed to send digest to %s: %w", userID, err)
	}

	a.count(ctx, "alerter.digest_sent")
	a.logger.Info("digest sent",
		zap.String("user_id", userID),
		zap.Int("items", len(items)),
		zap.String("provider_message_id", result.ProviderMessageID))
	return a.bus.DeleteDigest(ctx, userID, day)
}

// composeDigestBody renders the digest text, with an LLM-written intro when
// the model is available.
func (a *Agent) composeDigestBody(ctx context.Context, items []DigestItem) string {
	var list strings.Builder
	for i, item := range items {
		fmt.Fprintf(&list, "%d. %s (%.0f%% match", i+1, item.Title, item.Score*100)
		if item.Deadline != nil {
			fmt.Fprintf(&list, ", due %s", item.Deadline.Format("Jan 2"))
		}
		list.WriteString(")\n")
		if item.URL != "" {
			fmt.Fprintf(&list, "   %s\n", item.URL)
		}
	}

	intro := fmt.Sprintf("%d funding opportunities matched your research profile today.", len(items))
	content, err := a.chat.Complete(ctx, fmt.Sprintf(digestIntroPrompt, len(items), list.String()))
	if err == nil {
		if trimmed := strings.TrimSpace(content); trimmed != "" && !strings.HasPrefix(trimmed, "{") && len(trimmed) < 1000 {
			intro = trimmed
		}
	} else {
		a.logger.Debug("digest intro via llm failed, using template", zap.Error(err))
	}

	return intro + "\n\n" + list.String()
}

// RunDigestLoop flushes digests once per day shortly after end of day UTC.
// The CLI's digest command calls ProcessDigests directly for ad-hoc runs.
func (a *Agent) RunDigestLoop(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}
		if err := a.ProcessDigests(ctx, time.Now().UTC()); err != nil {
			a.logger.Error("digest run failed", zap.Error(err))
		}
	}
}
