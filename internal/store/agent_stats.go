package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/agentflow/internal/stats"
)

// SaveAgentStats upserts a snapshot of every given agent in one batch.
func (s *Store) SaveAgentStats(ctx context.Context, snapshot []stats.AgentStats) error {
	if len(snapshot) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now()
	for _, st := range snapshot {
		errs, err := json.Marshal(nonNil(st.Errors))
		if err != nil {
			return fmt.Errorf("marshal errors for %s: %w", st.AgentName, err)
		}
		batch.Queue(`
			INSERT INTO agent_stats (agent_name, tasks_completed, tasks_failed, avg_execution_ms,
			                         min_execution_ms, max_execution_ms, success_rate, errors,
			                         last_execution_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (agent_name) DO UPDATE SET
				tasks_completed = EXCLUDED.tasks_completed,
				tasks_failed = EXCLUDED.tasks_failed,
				avg_execution_ms = EXCLUDED.avg_execution_ms,
				min_execution_ms = EXCLUDED.min_execution_ms,
				max_execution_ms = EXCLUDED.max_execution_ms,
				success_rate = EXCLUDED.success_rate,
				errors = EXCLUDED.errors,
				last_execution_at = EXCLUDED.last_execution_at,
				updated_at = EXCLUDED.updated_at`,
			st.AgentName, st.TasksCompleted, st.TasksFailed, ms(st.AverageExecutionTime),
			ms(st.MinExecutionTime), ms(st.MaxExecutionTime), st.SuccessRate, errs,
			st.LastExecutionTime, now,
		)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save agent stats: %w", err)
	}
	return nil
}

// ListAgentStats returns the last persisted snapshot of every agent.
func (s *Store) ListAgentStats(ctx context.Context) ([]stats.AgentStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT agent_name, tasks_completed, tasks_failed, avg_execution_ms,
		       min_execution_ms, max_execution_ms, success_rate, errors, last_execution_at
		FROM agent_stats ORDER BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("list agent stats: %w", err)
	}
	defer rows.Close()

	var out []stats.AgentStats
	for rows.Next() {
		var st stats.AgentStats
		var avg, minMS, maxMS float64
		var errs []byte
		if err := rows.Scan(&st.AgentName, &st.TasksCompleted, &st.TasksFailed, &avg,
			&minMS, &maxMS, &st.SuccessRate, &errs, &st.LastExecutionTime); err != nil {
			return nil, fmt.Errorf("scan agent stats: %w", err)
		}
		st.AverageExecutionTime = fromMS(avg)
		st.MinExecutionTime = fromMS(minMS)
		st.MaxExecutionTime = fromMS(maxMS)
		if len(errs) > 0 {
			json.Unmarshal(errs, &st.Errors)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func fromMS(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
