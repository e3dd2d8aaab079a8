package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/internal/httpx"
	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/pkg/bus"
	"github.com/grantradar/grantradar/pkg/model"
)

// SourceNIHWatch is the stable identifier for the NIH funding-page watcher.
const SourceNIHWatch = "nih_watch"

// NIHWatchSource polls an NIH funding-opportunity HTML page. The page has no
// structured API, so the watcher filters dynamic content out of the markup,
// hashes what remains, and only runs extraction when the hash changes. An LLM
// does the extraction; when it is unavailable a rule-based pass over the
// page's opportunity links stands in.
type NIHWatchSource struct {
	cfg    config.SourceConfig
	http   *httpx.Client
	bus    *bus.Client
	chat   llm.Chat
	logger *zap.Logger

	// maxExtractChars bounds how much filtered page text goes to the LLM.
	maxExtractChars int
}

// NewNIHWatchSource builds the page watcher.
func NewNIHWatchSource(cfg config.SourceConfig, b *bus.Client, chat llm.Chat, maxExtractChars int, logger *zap.Logger) *NIHWatchSource {
	if maxExtractChars == 0 {
		maxExtractChars = 32000
	}
	return &NIHWatchSource{
		cfg:             cfg,
		http:            httpx.New(),
		bus:             b,
		chat:            chat,
		logger:          logger.Named("nih_watch"),
		maxExtractChars: maxExtractChars,
	}
}

// Name implements Source.
func (s *NIHWatchSource) Name() string { return SourceNIHWatch }

// Fetch implements Source. A page whose filtered content hash matches the
// stored hash yields no candidates and no extraction cost.
func (s *NIHWatchSource) Fetch(ctx context.Context, _ time.Time) ([]model.DiscoveredGrant, error) {
	body, err := s.http.Do(ctx, http.MethodGet, s.cfg.URL, nil, nil)
	if err != nil {
		return nil, err
	}

	filtered := FilterDynamicContent(string(body))
	sum := sha256.Sum256([]byte(filtered))
	hash := hex.EncodeToString(sum[:])

	prev, err := s.bus.ContentHash(ctx, SourceNIHWatch)
	if err != nil {
		return nil, err
	}
	if prev == hash {
		s.logger.Debug("page unchanged, skipping extraction")
		return nil, nil
	}

	grants, err := s.extract(ctx, filtered)
	if err != nil {
		// Hash is not advanced: the next cycle re-attempts extraction.
		return nil, err
	}
	if err := s.bus.SetContentHash(ctx, SourceNIHWatch, hash); err != nil {
		return grants, err
	}
	s.logger.Info("page changed, extracted candidates", zap.Int("count", len(grants)))
	return grants, nil
}

type extractedOpportunity struct {
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Deadline    string `json:"deadline"` // YYYY-MM-DD or empty
}

const extractPrompt = `You are reading the filtered text of an NIH funding opportunities page.
Extract every funding opportunity you can find. Respond with ONLY a JSON array, no prose:
[{"external_id": "RFA-XX-00-000 or PAR/NOT number", "title": "...", "description": "...", "url": "...", "deadline": "YYYY-MM-DD or empty string"}]
If the page text names no opportunities, respond with [].

Page text:
`

func (s *NIHWatchSource) extract(ctx context.Context, filtered string) ([]model.DiscoveredGrant, error) {
	text := filtered
	if len(text) > s.maxExtractChars {
		text = text[:s.maxExtractChars]
	}

	content, err := s.chat.Complete(ctx, extractPrompt+text)
	if err != nil {
		s.logger.Warn("llm extraction failed, using rule-based fallback", zap.Error(err))
		return s.ruleBasedExtract(filtered), nil
	}

	var opportunities []extractedOpportunity
	if err := llm.ExtractJSON(content, &opportunities); err != nil {
		s.logger.Warn("llm extraction returned unparseable output, using rule-based fallback", zap.Error(err))
		return s.ruleBasedExtract(filtered), nil
	}

	var out []model.DiscoveredGrant
	rejected := 0
	for _, opp := range opportunities {
		if opp.ExternalID == "" || opp.Title == "" {
			rejected++
			continue
		}
		g := model.DiscoveredGrant{
			Source:        SourceNIHWatch,
			ExternalID:    opp.ExternalID,
			Title:         opp.Title,
			Description:   opp.Description,
			URL:           orDefault(opp.URL, s.cfg.URL),
			FundingAgency: "NIH",
			DiscoveredAt:  time.Now().UTC(),
		}
		if opp.Deadline != "" {
			if deadline, err := time.Parse("2006-01-02", opp.Deadline); err == nil {
				g.Deadline = &deadline
			}
		}
		out = append(out, g)
	}
	if rejected > 0 {
		return out, &PartialError{Rejected: rejected, Cause: fmt.Errorf("extracted opportunities missing id or title")}
	}
	return out, nil
}

// nihNoticePattern matches NIH guide numbers: RFA-CA-24-001, PAR-23-123,
// NOT-OD-24-005 and similar.
var nihNoticePattern = regexp.MustCompile(`\b(?:RFA|PAR|PA|NOT)-[A-Z]{2,4}-\d{2}-\d{3}\b`)

// ruleBasedExtract is the deterministic stand-in for LLM extraction. It finds
// NIH guide numbers in the filtered text and takes the rest of each line as
// the title. Deliberately conservative: a missed opportunity surfaces on the
// next extraction, a fabricated one pollutes the pipeline.
func (s *NIHWatchSource) ruleBasedExtract(filtered string) []model.DiscoveredGrant {
	var out []model.DiscoveredGrant
	seen := make(map[string]bool)
	for _, line := range strings.Split(filtered, "\n") {
		notice := nihNoticePattern.FindString(line)
		if notice == "" || seen[notice] {
			continue
		}
		seen[notice] = true

		title := strings.TrimSpace(strings.Replace(line, notice, "", 1))
		title = strings.Trim(title, " -:|")
		if title == "" {
			title = notice
		}
		out = append(out, model.DiscoveredGrant{
			Source:        SourceNIHWatch,
			ExternalID:    notice,
			Title:         title,
			URL:           s.cfg.URL,
			FundingAgency: "NIH",
			DiscoveredAt:  time.Now().UTC(),
		})
	}
	return out
}

var (
	scriptPattern    = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	stylePattern     = regexp.MustCompile(`(?is)<style\b.*?</style>`)
	noscriptPattern  = regexp.MustCompile(`(?is)<noscript\b.*?</noscript>`)
	commentPattern   = regexp.MustCompile(`(?s)<!--.*?-->`)
	dynamicAttrs     = regexp.MustCompile(`(?i)\s(?:nonce|data-timestamp|data-request-id|data-csrf|csrf-token|data-session)="[^"]*"`)
	tagPattern       = regexp.MustCompile(`(?s)<[^>]*>`)
	timestampPattern = regexp.MustCompile(`(?i)\b(?:last\s+(?:updated|modified|reviewed))[:\s]+[^\n]*`)
	clockPattern     = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?\s?(?:AM|PM|am|pm)?\b`)
	spacePattern     = regexp.MustCompile(`[ \t]+`)
	blankLinePattern = regexp.MustCompile(`\n{2,}`)
)

// FilterDynamicContent reduces raw HTML to the stable text used for change
// detection. Scripts, styles, comments, session-scoped attributes, "last
// updated" lines, and clock times all vary without the opportunities
// changing, so they are stripped before hashing.
func FilterDynamicContent(raw string) string {
	s := scriptPattern.ReplaceAllString(raw, "")
	s = stylePattern.ReplaceAllString(s, "")
	s = noscriptPattern.ReplaceAllString(s, "")
	s = commentPattern.ReplaceAllString(s, "")
	s = dynamicAttrs.ReplaceAllString(s, "")
	s = tagPattern.ReplaceAllString(s, "\n")
	s = timestampPattern.ReplaceAllString(s, "")
	s = clockPattern.ReplaceAllString(s, "")

	s = spacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLinePattern.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
