package store

import (
	"context"
	"time"

	"github.com/nidhogg/agentflow/internal/orchestrator"
	"github.com/nidhogg/agentflow/internal/stats"
)

// RunRecorder persists run lifecycles and, when a run ends, a snapshot of
// the agent stats. It is attached to one session's orchestrator.
type RunRecorder struct {
	store     *Store
	sessionID string
	stats     *stats.Aggregator
}

// NewRunRecorder creates a recorder. agg may be nil.
func NewRunRecorder(s *Store, sessionID string, agg *stats.Aggregator) *RunRecorder {
	return &RunRecorder{store: s, sessionID: sessionID, stats: agg}
}

// Observe implements orchestrator.Observer.
func (r *RunRecorder) Observe(ctx context.Context, u orchestrator.Update) error {
	switch v := u.(type) {
	case orchestrator.WorkflowStart:
		return r.store.StartRun(ctx, &RunRecord{
			ID:        v.RunID,
			SessionID: r.sessionID,
			Company:   v.Company,
			Goals:     v.Goals,
			Status:    string(orchestrator.RunRunning),
			StartedAt: v.At,
		})
	case orchestrator.WorkflowComplete:
		now := time.Now()
		if err := r.store.FinishRun(ctx, &RunRecord{
			ID:              v.RunID,
			SessionID:       r.sessionID,
			Company:         v.Summary.Company,
			Status:          string(orchestrator.RunCompleted),
			Report:          v.Summary.Report,
			AgentsSucceeded: v.Summary.AgentsSucceeded,
			AgentsFailed:    v.Summary.AgentsFailed,
			DurationMS:      v.Summary.Duration.Milliseconds(),
			CompletedAt:     &now,
		}); err != nil {
			return err
		}
		return r.snapshot(ctx)
	case orchestrator.WorkflowError:
		now := time.Now()
		if err := r.store.FinishRun(ctx, &RunRecord{
			ID:          v.RunID,
			SessionID:   r.sessionID,
			Company:     v.Company,
			Status:      string(orchestrator.RunFailed),
			FailedPhase: string(v.Phase),
			Error:       v.Error,
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		return r.snapshot(ctx)
	default:
		return nil
	}
}

func (r *RunRecorder) snapshot(ctx context.Context) error {
	if r.stats == nil {
		return nil
	}
	return r.store.SaveAgentStats(ctx, r.stats.All())
}
