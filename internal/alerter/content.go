package alerter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/channels"
	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/pkg/model"
)

// Channel content composition. Email body copy comes from the LLM with a
// deterministic template fallback; SMS and Slack are always templated since
// their formats are rigid.

type emailContent struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

const emailPrompt = `You are writing a short grant-match alert email to a researcher.
Respond with ONLY a JSON object, no prose:
{"subject": "...", "html_body": "...", "text_body": "..."}
Keep it under 150 words, mention the match score, the deadline, and why it fits.

Grant:
Title: %s
Agency: %s
Deadline: %s
Match score: %.0f%%
Why it fits: %s
Link: %s`

// composeEmail builds the email for one match, preferring LLM copy.
func (a *Agent) composeEmail(ctx context.Context, g *model.ValidatedGrant, score float64, explanation string) emailContent {
	fallback := templateEmail(g, score, explanation)

	content, err := a.chat.Complete(ctx, fmt.Sprintf(emailPrompt,
		g.Title, g.FundingAgency, deadlineString(g.Deadline), score, explanation, g.URL))
	if err != nil {
		a.logger.Debug("email composition via llm failed, using template", zap.Error(err))
		return fallback
	}
	var e emailContent
	if err := llm.ExtractJSON(content, &e); err != nil || e.Subject == "" || (e.HTMLBody == "" && e.TextBody == "") {
		a.logger.Debug("email composition returned unusable output, using template")
		return fallback
	}
	return e
}

func templateEmail(g *model.ValidatedGrant, score float64, explanation string) emailContent {
	subject := fmt.Sprintf("Grant match (%.0f%%): %s", score, g.Title)
	var b strings.Builder
	fmt.Fprintf(&b, "A new funding opportunity matches your research profile at %.0f%%.\n\n", score)
	fmt.Fprintf(&b, "%s\n%s\nDeadline: %s\n", g.Title, g.FundingAgency, deadlineString(g.Deadline))
	if explanation != "" {
		fmt.Fprintf(&b, "\nWhy it fits: %s\n", explanation)
	}
	if g.URL != "" {
		fmt.Fprintf(&b, "\n%s\n", g.URL)
	}
	text := b.String()
	return emailContent{
		Subject:  subject,
		TextBody: text,
		HTMLBody: "<p>" + strings.ReplaceAll(text, "\n", "<br>") + "</p>",
	}
}

// composeSMS renders the fixed 160-character template.
func composeSMS(g *model.ValidatedGrant, score float64) string {
	body := fmt.Sprintf("GrantRadar: %s | %.0f%% match | due %s",
		channels.TruncateTitle(g.Title), score, deadlineString(g.Deadline))
	return channels.TruncateBytes(body, channels.SMSMaxLen)
}

// composeSlack builds the webhook message with blocks.
func composeSlack(g *model.ValidatedGrant, score float64, priority model.Priority, explanation string) channels.SlackMessage {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(
		slack.PlainTextType, fmt.Sprintf("Grant match: %.0f%%", score), false, false))
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Title:*\n"+g.Title, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Agency:*\n"+g.FundingAgency, false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Deadline:*\n"+deadlineString(g.Deadline), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Priority:*\n"+string(priority), false, false),
	}
	blocks := []slack.Block{header, slack.NewSectionBlock(nil, fields, nil)}
	if explanation != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, explanation, false, false), nil, nil))
	}
	if g.URL != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "<"+g.URL+"|View opportunity>", false, false), nil, nil))
	}
	return channels.SlackMessage{
		Text:   fmt.Sprintf("Grant match (%.0f%%): %s", score, g.Title),
		Blocks: blocks,
	}
}

func deadlineString(deadline *time.Time) string {
	if deadline == nil {
		return "unknown"
	}
	return deadline.Format("Jan 2, 2006")
}
