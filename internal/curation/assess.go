package curation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/pkg/model"
)

// Assessment is the quality verdict for one discovered grant.
type Assessment struct {
	IsValid      bool     `json:"is_valid"`
	QualityScore float64  `json:"quality_score"` // 0..100
	Issues       []string `json:"issues"`
}

// Enrichment carries the LLM-assigned metadata for a grant that passed
// quality assessment.
type Enrichment struct {
	Categories  []string `json:"categories"`
	Keywords    []string `json:"keywords"`
	Eligibility string   `json:"eligibility"`
}

const assessPrompt = `You are validating a research funding opportunity for a grant alerting pipeline.
Assess the record below and respond with ONLY a JSON object, no prose:
{"is_valid": true/false, "quality_score": 0-100, "issues": ["..."]}

Score on completeness and usefulness: a clear title, a substantive description,
a future deadline, and a named funding agency each matter. An expired deadline
makes the record invalid.

Record:
Title: %s
Agency: %s
Deadline: %s
Description: %s`

const enrichPrompt = `You are categorizing a validated research funding opportunity.
Choose up to %d categories from this exact list: %v.
Respond with ONLY a JSON object, no prose:
{"categories": ["..."], "keywords": ["..."], "eligibility": "one sentence or empty"}

Record:
Title: %s
Description: %s`

// assess runs the LLM quality check, falling back to the deterministic
// rubric when the model is unreachable or returns garbage.
func (a *Agent) assess(ctx context.Context, g *model.DiscoveredGrant) Assessment {
	deadline := "unknown"
	if g.Deadline != nil {
		deadline = g.Deadline.Format("2006-01-02")
	}
	prompt := fmt.Sprintf(assessPrompt, g.Title, g.FundingAgency, deadline, g.Description)

	content, err := a.chat.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn("quality assessment via llm failed, using rubric",
			zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
		return rubricAssess(g, time.Now().UTC())
	}

	var verdict Assessment
	if err := llm.ExtractJSON(content, &verdict); err != nil {
		a.logger.Warn("quality assessment returned unparseable output, using rubric",
			zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
		return rubricAssess(g, time.Now().UTC())
	}
	if verdict.QualityScore < 0 {
		verdict.QualityScore = 0
	}
	if verdict.QualityScore > 100 {
		verdict.QualityScore = 100
	}
	return verdict
}

// Rubric deductions, applied from a base of 100.
const (
	deductShortTitle  = 30
	deductThinBody    = 20
	deductNoDeadline  = 20
	deductExpired     = 50
	minTitleLen       = 10
	minDescriptionLen = 50
)

// rubricAssess is the deterministic fallback scorer. It is intentionally
// harsher than the model: with no LLM available, only obviously complete
// records should pass the threshold.
func rubricAssess(g *model.DiscoveredGrant, now time.Time) Assessment {
	score := 100.0
	var issues []string

	if len(g.Title) < minTitleLen {
		score -= deductShortTitle
		issues = append(issues, "title missing or too short")
	}
	if len(g.Description) < minDescriptionLen {
		score -= deductThinBody
		issues = append(issues, "description missing or too short")
	}
	if g.Deadline == nil {
		score -= deductNoDeadline
		issues = append(issues, "no deadline")
	} else if g.Deadline.Before(now) {
		score -= deductExpired
		issues = append(issues, "deadline already passed")
	}
	if score < 0 {
		score = 0
	}
	return Assessment{IsValid: score > 0, QualityScore: score, Issues: issues}
}

// enrich asks the LLM for categories, keywords, and an eligibility summary.
// The category vocabulary is enforced after the fact; on any failure the
// grant carries the Other category and no keywords.
func (a *Agent) enrich(ctx context.Context, g *model.DiscoveredGrant) Enrichment {
	prompt := fmt.Sprintf(enrichPrompt, model.MaxCategories, model.Categories, g.Title, g.Description)

	fallback := Enrichment{Categories: []string{model.CategoryOther}}
	content, err := a.chat.Complete(ctx, prompt)
	if err != nil {
		a.logger.Warn("categorization via llm failed",
			zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
		return fallback
	}
	var e Enrichment
	if err := llm.ExtractJSON(content, &e); err != nil {
		a.logger.Warn("categorization returned unparseable output",
			zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
		return fallback
	}
	e.Categories = model.FilterCategories(e.Categories)
	return e
}
