package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/grantradar/grantradar/pkg/model"
)

// Stream envelopes
//
// Every stream entry carries a single "data" field whose value is the JSON
// encoding of one of the envelope types below. Unknown keys inside an
// envelope are ignored; a payload that fails to parse into the expected
// envelope for its stream is acked and dead-lettered by the consumer.

// DiscoveredEnvelope is the payload on grants:discovered.
type DiscoveredEnvelope struct {
	Source          string         `json:"source"`
	ExternalID      string         `json:"external_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	URL             string         `json:"url"`
	FundingAgency   string         `json:"funding_agency,omitempty"`
	EstimatedAmount float64        `json:"estimated_amount,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	DiscoveredAt    time.Time      `json:"discovered_at"`
	RawData         map[string]any `json:"raw_data,omitempty"`
}

// Validate checks the required envelope fields.
func (e *DiscoveredEnvelope) Validate() error {
	if e.Source == "" || e.ExternalID == "" {
		return fmt.Errorf("source and external_id are required")
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// Grant converts the envelope back to the normalized discovered-grant record.
func (e *DiscoveredEnvelope) Grant() model.DiscoveredGrant {
	return model.DiscoveredGrant{
		Source:          e.Source,
		ExternalID:      e.ExternalID,
		Title:           e.Title,
		Description:     e.Description,
		URL:             e.URL,
		FundingAgency:   e.FundingAgency,
		EstimatedAmount: e.EstimatedAmount,
		Deadline:        e.Deadline,
		RawData:         e.RawData,
		DiscoveredAt:    e.DiscoveredAt,
	}
}

// NewDiscoveredEnvelope builds the envelope for a discovered grant.
func NewDiscoveredEnvelope(g model.DiscoveredGrant) DiscoveredEnvelope {
	return DiscoveredEnvelope{
		Source:          g.Source,
		ExternalID:      g.ExternalID,
		Title:           g.Title,
		Description:     g.Description,
		URL:             g.URL,
		FundingAgency:   g.FundingAgency,
		EstimatedAmount: g.EstimatedAmount,
		Deadline:        g.Deadline,
		DiscoveredAt:    g.DiscoveredAt,
		RawData:         g.RawData,
	}
}

// ValidationDetails carries the curation metadata on a validated event.
type ValidationDetails struct {
	ConfidenceScore float64   `json:"confidence_score"`
	ValidatedAt     time.Time `json:"validated_at"`
}

// ValidatedEnvelope is the payload on grants:validated. The quality score is
// normalized to 0..1 on the wire; the authoritative record lives in the store.
type ValidatedEnvelope struct {
	EventID             string            `json:"event_id"`
	Timestamp           time.Time         `json:"timestamp"`
	Version             string            `json:"version"`
	GrantID             string            `json:"grant_id"`
	QualityScore        float64           `json:"quality_score"` // 0..1
	Categories          []string          `json:"categories"`
	EmbeddingGenerated  bool              `json:"embedding_generated"`
	ValidationDetails   ValidationDetails `json:"validation_details"`
	EligibilityCriteria string            `json:"eligibility_criteria,omitempty"`
	Keywords            []string          `json:"keywords,omitempty"`
}

// Validate checks the required envelope fields.
func (e *ValidatedEnvelope) Validate() error {
	if e.GrantID == "" {
		return fmt.Errorf("grant_id is required")
	}
	if e.QualityScore < 0 || e.QualityScore > 1 {
		return fmt.Errorf("quality_score must be normalized to 0..1, got %v", e.QualityScore)
	}
	return nil
}

// ComputedEnvelope is the payload on matches:computed. The match score is
// normalized to 0..1 on the wire.
type ComputedEnvelope struct {
	EventID          string         `json:"event_id"`
	MatchID          string         `json:"match_id"`
	GrantID          string         `json:"grant_id"`
	UserID           string         `json:"user_id"`
	MatchScore       float64        `json:"match_score"` // 0..1
	PriorityLevel    model.Priority `json:"priority_level"`
	MatchingCriteria []string       `json:"matching_criteria,omitempty"`
	Explanation      string         `json:"explanation,omitempty"`
	GrantDeadline    *time.Time     `json:"grant_deadline,omitempty"`
}

// Validate checks the required envelope fields.
func (e *ComputedEnvelope) Validate() error {
	if e.MatchID == "" || e.GrantID == "" || e.UserID == "" {
		return fmt.Errorf("match_id, grant_id and user_id are required")
	}
	if e.MatchScore < 0 || e.MatchScore > 1 {
		return fmt.Errorf("match_score must be normalized to 0..1, got %v", e.MatchScore)
	}
	return nil
}

// AlertSentEnvelope is the informational payload on alerts:sent.
type AlertSentEnvelope struct {
	AlertID  string               `json:"alert_id"`
	MatchID  string               `json:"match_id"`
	UserID   string               `json:"user_id"`
	Channel  model.Channel        `json:"channel"`
	Status   model.DeliveryStatus `json:"status"`
	SentAt   time.Time            `json:"sent_at"`
	Priority model.Priority       `json:"priority"`
}

// DLQEnvelope wraps a failed message on dlq:<stream>.
type DLQEnvelope struct {
	OriginalStream    string    `json:"original_stream"`
	OriginalMessageID string    `json:"original_message_id"`
	OriginalPayload   string    `json:"original_payload"`
	ErrorMessage      string    `json:"error_message"`
	ErrorType         string    `json:"error_type"`
	FailureCount      int       `json:"failure_count"`
	FirstFailureAt    time.Time `json:"first_failure_at"`
	LastFailureAt     time.Time `json:"last_failure_at"`
}

// DecodeEnvelope parses the raw "data" payload into the given envelope type
// and validates it. Unknown keys are ignored by encoding/json.
func DecodeEnvelope[T interface{ Validate() error }](payload string, out T) error {
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	return nil
}
