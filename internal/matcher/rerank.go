package matcher

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/internal/store"
	"github.com/grantradar/grantradar/pkg/model"
)

// rerankResult is the phase-2 verdict for one candidate profile.
type rerankResult struct {
	UserID           string   `json:"user_id"`
	Score            float64  `json:"score"`             // 0..100
	KeyStrengths     []string `json:"key_strengths"`
	Concerns         []string `json:"concerns"`
	Reasoning        string   `json:"reasoning"`
	PredictedSuccess float64  `json:"predicted_success"` // 0..100
}

const rerankPrompt = `You are scoring how well research funding opportunities fit researcher profiles.
For the grant and each profile below, judge topical fit, methodological fit, and track record.
Respond with ONLY a JSON array, one entry per profile, no prose:
[{"user_id": "...", "score": 0-100, "key_strengths": ["..."], "concerns": ["..."], "reasoning": "one sentence", "predicted_success": 0-100}]

Grant:
Title: %s
Agency: %s
Categories: %s
Description: %s

Profiles:
%s`

// rerank scores candidates in fixed-size batches. A batch whose completion
// fails or parses badly is skipped; the survivors still produce matches, so
// one bad completion costs at most batchSize candidates, not the grant.
func (a *Agent) rerank(ctx context.Context, g *model.ValidatedGrant, candidates []store.ProfileCandidate) map[string]rerankResult {
	results := make(map[string]rerankResult)
	for start := 0; start < len(candidates); start += a.cfg.LLMBatchSize {
		end := start + a.cfg.LLMBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		content, err := a.chat.Complete(ctx, fmt.Sprintf(rerankPrompt,
			g.Title, g.FundingAgency, strings.Join(g.Categories, ", "),
			g.Description, describeProfiles(batch)))
		if err != nil {
			a.logger.Warn("rerank batch failed, skipping",
				zap.String("grant_id", g.GrantID),
				zap.Int("batch_start", start), zap.Error(err))
			continue
		}

		var parsed []rerankResult
		if err := llm.ExtractJSON(content, &parsed); err != nil {
			a.logger.Warn("rerank batch returned unparseable output, skipping",
				zap.String("grant_id", g.GrantID),
				zap.Int("batch_start", start), zap.Error(err))
			continue
		}

		allowed := make(map[string]bool, len(batch))
		for _, c := range batch {
			allowed[c.Profile.UserID] = true
		}
		for _, r := range parsed {
			if !allowed[r.UserID] {
				continue // hallucinated user
			}
			results[r.UserID] = clampResult(r)
		}
	}
	return results
}

func describeProfiles(batch []store.ProfileCandidate) string {
	var b strings.Builder
	for _, c := range batch {
		fmt.Fprintf(&b, "- user_id: %s\n  research areas: %s\n  methods: %s\n  past grants: %s\n",
			c.Profile.UserID,
			strings.Join(c.Profile.ResearchAreas, ", "),
			strings.Join(c.Profile.Methods, ", "),
			strings.Join(c.Profile.PastGrants, ", "))
	}
	return b.String()
}

func clampResult(r rerankResult) rerankResult {
	r.Score = clamp(r.Score, 0, 100)
	r.PredictedSuccess = clamp(r.PredictedSuccess, 0, 100)
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
