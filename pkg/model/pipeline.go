package model

import (
	"fmt"
	"time"
)

// PipelineStage is one step of the per-grant pipeline state machine.
type PipelineStage string

const (
	StageDiscovered PipelineStage = "discovered"
	StageValidating PipelineStage = "validating"
	StageValidated  PipelineStage = "validated"
	StageMatching   PipelineStage = "matching"
	StageMatched    PipelineStage = "matched"
	StageAlerting   PipelineStage = "alerting"
	StageCompleted  PipelineStage = "completed"
	StageFailed     PipelineStage = "failed"
)

// stageOrder gives the monotonic ordering of healthy stages.
// Failed sits outside the ordering and is reachable from anywhere.
var stageOrder = map[PipelineStage]int{
	StageDiscovered: 0,
	StageValidating: 1,
	StageValidated:  2,
	StageMatching:   3,
	StageMatched:    4,
	StageAlerting:   5,
	StageCompleted:  6,
}

// Validate checks that the stage is a known member.
func (s PipelineStage) Validate() error {
	if s == StageFailed {
		return nil
	}
	if _, ok := stageOrder[s]; !ok {
		return fmt.Errorf("unknown pipeline stage: %s", string(s))
	}
	return nil
}

// CanTransitionTo reports whether a healthy transition from s to next is
// monotonic. Failed is always reachable.
func (s PipelineStage) CanTransitionTo(next PipelineStage) bool {
	if next == StageFailed {
		return true
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// Terminal reports whether the pipeline record is closed.
func (s PipelineStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// InputStream returns the stream carrying the event that moves a pipeline
// out of the given stage, used by the orchestrator when it republishes a
// stalled grant. Terminal stages have no replayable input.
func (s PipelineStage) InputStream() string {
	switch s {
	case StageDiscovered, StageValidating:
		return "grants:discovered"
	case StageValidated, StageMatching:
		return "grants:validated"
	case StageMatched, StageAlerting:
		return "matches:computed"
	}
	return ""
}

// PipelineState is the ephemeral per-grant record the orchestrator tracks.
// Stored with a TTL: one hour for healthy pipelines, 24 hours once failed.
type PipelineState struct {
	GrantID         string                      `json:"grant_id"`
	CurrentStage    PipelineStage               `json:"current_stage"`
	StageTimestamps map[PipelineStage]time.Time `json:"stage_timestamps"`
	Latencies       map[PipelineStage]float64   `json:"latencies"` // seconds spent in each completed stage
	Priority        QueueClass                  `json:"priority"`
	RetryCount      int                         `json:"retry_count"`
	Error           string                      `json:"error,omitempty"`
	StartedAt       time.Time                   `json:"started_at"`
}

// TotalLatency returns the end-to-end seconds from pipeline start to the
// latest recorded stage timestamp.
func (p *PipelineState) TotalLatency() float64 {
	latest := p.StartedAt
	for _, ts := range p.StageTimestamps {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest.Sub(p.StartedAt).Seconds()
}

// StageStartedAt returns when the current stage began, falling back to the
// pipeline start when no timestamp was recorded.
func (p *PipelineState) StageStartedAt() time.Time {
	if ts, ok := p.StageTimestamps[p.CurrentStage]; ok {
		return ts
	}
	return p.StartedAt
}

// QueueClass is the logical queue a grant is routed to by the priority-queue
// manager.
type QueueClass string

const (
	QueueCritical QueueClass = "critical"
	QueueHigh     QueueClass = "high"
	QueueNormal   QueueClass = "normal"
)

// WorkerPriority maps a queue class to the integer priority handed to the
// task router.
func (q QueueClass) WorkerPriority() int {
	switch q {
	case QueueCritical:
		return 10
	case QueueHigh:
		return 7
	}
	return 3
}
