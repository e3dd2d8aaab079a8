// Package model provides type-safe definitions for the GrantRadar pipeline.
// Every record that crosses an agent boundary — discovered grants, validated
// grants, profiles, matches, alert deliveries, pipeline state — is defined here
// with explicit validation, so no agent ever trusts a wire shape it did not parse.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the dimensionality of all grant and profile embeddings.
const EmbeddingDim = 1536

// DiscoveredGrant is the normalized record a discovery source emits.
// Identity is (Source, ExternalID); the record is immutable once published.
type DiscoveredGrant struct {
	Source          string         `json:"source"`
	ExternalID      string         `json:"external_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	URL             string         `json:"url"`
	FundingAgency   string         `json:"funding_agency,omitempty"`
	EstimatedAmount float64        `json:"estimated_amount,omitempty"`
	AmountMin       float64        `json:"amount_min,omitempty"`
	AmountMax       float64        `json:"amount_max,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Eligibility     string         `json:"eligibility,omitempty"`
	RawData         map[string]any `json:"raw_data,omitempty"`
	DiscoveredAt    time.Time      `json:"discovered_at"`
}

// Validate checks the required fields of a discovered grant.
func (g *DiscoveredGrant) Validate() error {
	if g.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if g.ExternalID == "" {
		return fmt.Errorf("external_id cannot be empty")
	}
	if g.Title == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if g.DiscoveredAt.IsZero() {
		return fmt.Errorf("discovered_at must be set")
	}
	return nil
}

// DedupKey returns the SHA-256 dedup hash for a grant identity.
// Key material: source || ":" || external_id || ":" || title.
func DedupKey(source, externalID, title string) string {
	sum := sha256.Sum256([]byte(source + ":" + externalID + ":" + title))
	return hex.EncodeToString(sum[:])
}

// ValidatedGrant is a discovered grant enriched by the curation stage.
// Created exactly once per (source, external_id); never mutated downstream.
type ValidatedGrant struct {
	DiscoveredGrant

	GrantID             string    `json:"grant_id"`
	QualityScore        float64   `json:"quality_score"` // 0..100
	Categories          []string  `json:"categories"`
	Embedding           []float32 `json:"embedding,omitempty"`
	ConfidenceScore     float64   `json:"confidence_score"` // 0..1
	ValidatedAt         time.Time `json:"validated_at"`
	Keywords            []string  `json:"keywords,omitempty"`
	EligibilityCriteria string    `json:"eligibility_criteria,omitempty"`
	MergedSources       []string  `json:"merged_sources,omitempty"`
}

// Validate checks the invariants of a validated grant.
func (g *ValidatedGrant) Validate() error {
	if err := g.DiscoveredGrant.Validate(); err != nil {
		return err
	}
	if !isValidUUID(g.GrantID) {
		return fmt.Errorf("invalid grant ID: not a valid UUID")
	}
	if g.QualityScore < 0 || g.QualityScore > 100 {
		return fmt.Errorf("quality score out of range: %v", g.QualityScore)
	}
	if g.ConfidenceScore < 0 || g.ConfidenceScore > 1 {
		return fmt.Errorf("confidence score out of range: %v", g.ConfidenceScore)
	}
	if len(g.Embedding) != 0 && len(g.Embedding) != EmbeddingDim {
		return fmt.Errorf("embedding dimension must be %d, got %d", EmbeddingDim, len(g.Embedding))
	}
	return nil
}

// UserProfile is a researcher's matching profile.
// The embedding is regenerated only when the canonicalized profile text hash
// differs from SourceTextHash.
type UserProfile struct {
	UserID             string     `json:"user_id"`
	ResearchAreas      []string   `json:"research_areas"`
	Methods            []string   `json:"methods,omitempty"`
	PastGrants         []string   `json:"past_grants,omitempty"`
	Institution        string     `json:"institution,omitempty"`
	Department         string     `json:"department,omitempty"`
	Keywords           []string   `json:"keywords,omitempty"`
	Embedding          []float32  `json:"profile_embedding,omitempty"`
	SourceTextHash     string     `json:"source_text_hash,omitempty"`
	EmbeddingUpdatedAt *time.Time `json:"embedding_updated_at,omitempty"`

	// Notification preferences consulted by the alerter.
	MinimumMatchScore float64         `json:"minimum_match_score"` // 0..1
	DigestFrequency   DigestFrequency `json:"digest_frequency"`
	EnabledChannels   []Channel       `json:"enabled_channels"`
	Email             string          `json:"email,omitempty"`
	Phone             string          `json:"phone,omitempty"`
	SlackWebhookURL   string          `json:"slack_webhook_url,omitempty"`
}

// ProfileText returns the canonical text used to generate the profile embedding.
func (p *UserProfile) ProfileText() string {
	text := ""
	for _, s := range p.ResearchAreas {
		text += s + " "
	}
	for _, s := range p.Methods {
		text += s + " "
	}
	for _, s := range p.Keywords {
		text += s + " "
	}
	for _, s := range p.PastGrants {
		text += s + " "
	}
	return text
}

// ProfileTextHash returns the SHA-256 hash of the canonical profile text,
// used to decide whether the embedding needs regeneration.
func (p *UserProfile) ProfileTextHash() string {
	sum := sha256.Sum256([]byte(p.ProfileText()))
	return hex.EncodeToString(sum[:])
}

// ChannelEnabled reports whether the user has opted into the given channel.
func (p *UserProfile) ChannelEnabled(ch Channel) bool {
	for _, c := range p.EnabledChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// DigestFrequency controls how a user receives non-critical alerts.
type DigestFrequency string

const (
	DigestImmediate DigestFrequency = "immediate"
	DigestDaily     DigestFrequency = "daily"
	DigestWeekly    DigestFrequency = "weekly"
)

// Match is the outcome of the two-phase matching algorithm for one
// (grant, user) pair. Unique per pair; upserted on conflict.
type Match struct {
	MatchID          string    `json:"match_id"`
	GrantID          string    `json:"grant_id"`
	UserID           string    `json:"user_id"`
	VectorSimilarity float64   `json:"vector_similarity"` // 0..1
	LLMMatchScore    float64   `json:"llm_match_score"`   // 0..100
	FinalScore       float64   `json:"final_score"`       // 0..100
	KeyStrengths     []string  `json:"key_strengths,omitempty"`
	Concerns         []string  `json:"concerns,omitempty"`
	Reasoning        string    `json:"reasoning,omitempty"`
	PredictedSuccess float64   `json:"predicted_success"` // 0..100
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks score ranges on a match.
func (m *Match) Validate() error {
	if !isValidUUID(m.MatchID) {
		return fmt.Errorf("invalid match ID: not a valid UUID")
	}
	if m.GrantID == "" || m.UserID == "" {
		return fmt.Errorf("grant_id and user_id are required")
	}
	if m.VectorSimilarity < 0 || m.VectorSimilarity > 1 {
		return fmt.Errorf("vector similarity out of range: %v", m.VectorSimilarity)
	}
	if m.LLMMatchScore < 0 || m.LLMMatchScore > 100 {
		return fmt.Errorf("llm match score out of range: %v", m.LLMMatchScore)
	}
	if m.FinalScore < 0 || m.FinalScore > 100 {
		return fmt.Errorf("final score out of range: %v", m.FinalScore)
	}
	return nil
}

// Channel identifies an alert delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelSlack Channel = "slack"
)

// Validate checks the channel is a known member.
func (c Channel) Validate() error {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelSlack:
		return nil
	}
	return fmt.Errorf("unknown channel: %s", string(c))
}

// DeliveryStatus is the lifecycle state of a single channel delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// AlertDelivery records one channel attempt for one match.
// One row per (match_id, channel) attempt; the latest row gates re-sends.
type AlertDelivery struct {
	AlertID           string         `json:"alert_id"`
	MatchID           string         `json:"match_id"`
	Channel           Channel        `json:"channel"`
	Status            DeliveryStatus `json:"status"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	RetryCount        int            `json:"retry_count"`
	LatencySeconds    float64        `json:"latency_seconds,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// ManualReviewItem is appended when curation rejects a grant below the
// quality threshold. Consumed by humans, append-only.
type ManualReviewItem struct {
	GrantKey      string           `json:"grant_key"` // source:external_id
	Reason        string           `json:"reason"`
	QualityScore  float64          `json:"quality_score"`
	Issues        []string         `json:"issues,omitempty"`
	GrantSnapshot *DiscoveredGrant `json:"grant_snapshot"`
	CreatedAt     time.Time        `json:"created_at"`
}

func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
