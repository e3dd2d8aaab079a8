package model

import (
	"math"
	"time"
)

// Priority is the alerting priority derived from match score and deadline.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank orders priorities for monotonicity comparisons (higher is more urgent).
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}

// AtLeast reports whether p is at least as urgent as other.
func (p Priority) AtLeast(other Priority) bool {
	return p.rank() >= other.rank()
}

// DaysToDeadline returns the whole days between now and the deadline,
// or a large positive value when no deadline is known.
func DaysToDeadline(deadline *time.Time, now time.Time) int {
	if deadline == nil {
		return math.MaxInt32
	}
	return int(deadline.Sub(now).Hours() / 24)
}

// MatchPriority derives the priority level the matcher stamps on a computed
// event. Score is on the 0..100 scale.
//
//	critical: score >= 90 and deadline within 7 days
//	high:     score >= 80 or deadline within 30 days
//	medium:   score >= 70
//	low:      everything else
func MatchPriority(score float64, deadline *time.Time, now time.Time) Priority {
	days := DaysToDeadline(deadline, now)
	switch {
	case score >= 90 && days <= 7:
		return PriorityCritical
	case score >= 80 || days <= 30:
		return PriorityHigh
	case score >= 70:
		return PriorityMedium
	}
	return PriorityLow
}

// AlertPriority derives the alerter's delivery priority. Score is normalized
// to 0..1. The deadline threshold here (14 days) is deliberately independent
// of the matcher's rule; the two serve different responsibilities.
//
//	critical: score > 0.95 and deadline within 14 days
//	high:     0.85 <= score <= 0.95
//	medium:   0.70 <= score < 0.85
//	low:      no alert
func AlertPriority(score float64, deadline *time.Time, now time.Time) Priority {
	days := DaysToDeadline(deadline, now)
	switch {
	case score > 0.95 && days < 14:
		return PriorityCritical
	case score >= 0.85 && score <= 0.95:
		return PriorityHigh
	case score >= 0.70 && score < 0.85:
		return PriorityMedium
	case score > 0.95:
		// High score without an imminent deadline still warrants a high alert.
		return PriorityHigh
	}
	return PriorityLow
}

// ChannelsForPriority returns the default channel set for an alert priority,
// before intersecting with the user's enabled channels.
func ChannelsForPriority(p Priority) []Channel {
	switch p {
	case PriorityCritical:
		return []Channel{ChannelEmail, ChannelSMS, ChannelSlack}
	case PriorityHigh:
		return []Channel{ChannelEmail, ChannelSlack}
	case PriorityMedium:
		return []Channel{ChannelEmail}
	}
	return nil
}

// FinalScore combines vector similarity (0..1) and the LLM match score
// (0..100) into the final 0..100 score, rounded to the nearest integer.
func FinalScore(vectorSimilarity, llmScore float64) float64 {
	return math.Round(0.4*(100*vectorSimilarity) + 0.6*llmScore)
}
