package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/grantradar/grantradar/internal/config"
	"github.com/grantradar/grantradar/pkg/bus"
)

// stageQueue names one (stream, group) pair the queue manager watches.
type stageQueue struct {
	Stage  string
	Stream string
	Group  string
}

// stageQueues are the three worker pools behind the pipeline stages.
var stageQueues = []stageQueue{
	{Stage: "curation", Stream: bus.StreamDiscovered, Group: bus.GroupCuration},
	{Stage: "matching", Stream: bus.StreamValidated, Group: bus.GroupMatching},
	{Stage: "alerting", Stream: bus.StreamComputed, Group: bus.GroupAlerter},
}

// QueueDepth is one observation of a stage queue.
type QueueDepth struct {
	Stage   string `json:"stage"`
	Stream  string `json:"stream"`
	Length  int64  `json:"length"`
	Pending int64  `json:"pending"`
}

// QueueManager watches stage queue depths and maintains a desired worker
// count per stage. It only recommends; the process supervisor (or operator)
// applies the counts.
type QueueManager struct {
	cfg    config.OrchestratorConfig
	bus    *bus.Client
	logger *zap.Logger

	mu      sync.Mutex
	desired map[string]int
}

// NewQueueManager builds a manager with every stage at the minimum worker
// count.
func NewQueueManager(cfg config.OrchestratorConfig, b *bus.Client, logger *zap.Logger) *QueueManager {
	desired := make(map[string]int, len(stageQueues))
	for _, q := range stageQueues {
		desired[q.Stage] = cfg.MinWorkers
	}
	return &QueueManager{
		cfg:     cfg,
		bus:     b,
		logger:  logger.Named("queues"),
		desired: desired,
	}
}

// Depths samples every stage queue.
func (m *QueueManager) Depths(ctx context.Context) ([]QueueDepth, error) {
	out := make([]QueueDepth, 0, len(stageQueues))
	for _, q := range stageQueues {
		length, err := m.bus.StreamLen(ctx, q.Stream)
		if err != nil {
			return nil, err
		}
		pending, err := m.bus.Pending(ctx, q.Stream, q.Group, 1000)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueDepth{
			Stage:   q.Stage,
			Stream:  q.Stream,
			Length:  length,
			Pending: int64(len(pending)),
		})
	}
	return out, nil
}

// Evaluate adjusts the desired worker count for each stage: one step up when
// the backlog passes the scale-up depth, one step down when it falls below
// the scale-down depth, never under the minimum.
func (m *QueueManager) Evaluate(ctx context.Context) ([]QueueDepth, error) {
	depths, err := m.Depths(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range depths {
		backlog := d.Pending
		if d.Length > backlog {
			backlog = d.Length
		}
		current := m.desired[d.Stage]
		switch {
		case backlog > m.cfg.ScaleUpDepth:
			m.desired[d.Stage] = current + 1
			m.logger.Info("scaling stage up",
				zap.String("stage", d.Stage),
				zap.Int64("backlog", backlog),
				zap.Int("workers", current+1))
		case backlog < m.cfg.ScaleDownDepth && current > m.cfg.MinWorkers:
			m.desired[d.Stage] = current - 1
			m.logger.Info("scaling stage down",
				zap.String("stage", d.Stage),
				zap.Int64("backlog", backlog),
				zap.Int("workers", current-1))
		}
	}
	return depths, nil
}

// Desired returns the current desired worker count per stage.
func (m *QueueManager) Desired() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.desired))
	for k, v := range m.desired {
		out[k] = v
	}
	return out
}
