package curation

import (
	"context"
	"fmt"
	"strings"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/llm"
	"github.com/grantradar/grantradar/pkg/model"
)

// Cross-source duplicate detection. The per-source seen set already stops
// exact re-discoveries; this pass catches the same opportunity surfacing on
// two sources under slightly different titles.

const (
	// titlePrefixLen bounds how much of the title participates in the edit
	// distance comparison.
	titlePrefixLen = 100
	// maxTitleDistance is the edit distance at or under which two title
	// prefixes are considered the same opportunity.
	maxTitleDistance = 2
)

// titleKey lowercases and truncates a title for comparison.
func titleKey(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	if len(t) > titlePrefixLen {
		t = t[:titlePrefixLen]
	}
	return t
}

// candidateDuplicate reports whether two grants look like the same
// opportunity: near-identical titles, or the same external ID surfacing on a
// different source.
func candidateDuplicate(g *model.DiscoveredGrant, existing *model.ValidatedGrant) bool {
	if g.Source == existing.Source && g.ExternalID == existing.ExternalID {
		return true
	}
	if g.ExternalID == existing.ExternalID && g.Source != existing.Source {
		return true
	}
	return levenshtein.Distance(titleKey(g.Title), titleKey(existing.Title), levenshtein.NewParams().MaxCost(maxTitleDistance+1)) <= maxTitleDistance
}

const confirmPrompt = `Are these two research funding opportunities the same opportunity published in two places?
Respond with ONLY a JSON object, no prose: {"is_duplicate": true/false}

A:
Title: %s
Agency: %s
External ID: %s

B:
Title: %s
Agency: %s
External ID: %s`

// findDuplicate scans the recent-validated window for an existing grant this
// discovery duplicates. Every candidate, including same-external-ID hits, is
// confirmed by the LLM before merging; when the LLM is unavailable only the
// exact signals (same external ID or identical title key) still merge, so a
// model outage degrades to under-merging rather than losing distinct grants.
func (a *Agent) findDuplicate(ctx context.Context, g *model.DiscoveredGrant) (*model.ValidatedGrant, error) {
	recent, err := a.bus.RecentValidated(ctx, recentWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent validated grants: %w", err)
	}

	for i := range recent {
		existing := &recent[i]
		if !candidateDuplicate(g, existing) {
			continue
		}
		exact := g.ExternalID == existing.ExternalID || titleKey(g.Title) == titleKey(existing.Title)

		content, err := a.chat.Complete(ctx, fmt.Sprintf(confirmPrompt,
			g.Title, g.FundingAgency, g.ExternalID,
			existing.Title, existing.FundingAgency, existing.ExternalID))
		if err != nil {
			if exact {
				a.logger.Warn("duplicate confirmation via llm failed, merging on exact match",
					zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
				return existing, nil
			}
			a.logger.Warn("duplicate confirmation via llm failed, keeping both",
				zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
			continue
		}
		var verdict struct {
			IsDuplicate bool `json:"is_duplicate"`
		}
		if err := llm.ExtractJSON(content, &verdict); err != nil {
			if exact {
				a.logger.Warn("duplicate confirmation returned unparseable output, merging on exact match",
					zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
				return existing, nil
			}
			a.logger.Warn("duplicate confirmation returned unparseable output, keeping both",
				zap.String("grant", g.Source+":"+g.ExternalID), zap.Error(err))
			continue
		}
		if verdict.IsDuplicate {
			return existing, nil
		}
	}
	return nil, nil
}

// mergedConfidenceCap is applied to any grant that absorbed a duplicate: a
// merged record is never fully trusted.
const mergedConfidenceCap = 0.8

// merge folds the new discovery into the existing validated grant and
// persists the result. Longer description wins, sources are unioned, and the
// earliest discovery time is kept.
func (a *Agent) merge(ctx context.Context, g *model.DiscoveredGrant, existing *model.ValidatedGrant) error {
	description := existing.Description
	if len(g.Description) > len(description) {
		description = g.Description
	}

	sources := existing.MergedSources
	if len(sources) == 0 {
		sources = []string{existing.Source}
	}
	found := false
	for _, s := range sources {
		if s == g.Source {
			found = true
			break
		}
	}
	if !found {
		sources = append(sources, g.Source)
	}

	discoveredAt := existing.DiscoveredAt
	if g.DiscoveredAt.Before(discoveredAt) {
		discoveredAt = g.DiscoveredAt
	}

	confidence := existing.ConfidenceScore
	if confidence > mergedConfidenceCap {
		confidence = mergedConfidenceCap
	}

	if err := a.store.UpdateGrantMerge(ctx, existing.GrantID, description, sources, discoveredAt, confidence); err != nil {
		return fmt.Errorf("failed to merge duplicate into %s: %w", existing.GrantID, err)
	}
	a.logger.Info("merged duplicate discovery",
		zap.String("grant_id", existing.GrantID),
		zap.String("duplicate", g.Source+":"+g.ExternalID))
	return nil
}
