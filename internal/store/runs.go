package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunRecord is the persisted summary of one workflow run.
type RunRecord struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Company         string     `json:"company"`
	Goals           []string   `json:"goals"`
	Status          string     `json:"status"`
	FailedPhase     string     `json:"failed_phase,omitempty"`
	Error           string     `json:"error,omitempty"`
	Report          string     `json:"report,omitempty"`
	AgentsSucceeded int        `json:"agents_succeeded"`
	AgentsFailed    int        `json:"agents_failed"`
	DurationMS      int64      `json:"duration_ms"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// StartRun inserts a run in running state.
func (s *Store) StartRun(ctx context.Context, r *RunRecord) error {
	goals, err := json.Marshal(nonNil(r.Goals))
	if err != nil {
		return fmt.Errorf("marshal goals: %w", err)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, session_id, company, goals, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.SessionID, r.Company, goals, r.Status, r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun records the terminal state of a run. A run that was never
// started is inserted.
func (s *Store) FinishRun(ctx context.Context, r *RunRecord) error {
	goals, err := json.Marshal(nonNil(r.Goals))
	if err != nil {
		return fmt.Errorf("marshal goals: %w", err)
	}
	completed := time.Now()
	if r.CompletedAt != nil {
		completed = *r.CompletedAt
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, session_id, company, goals, status, failed_phase, error, report,
		                           agents_succeeded, agents_failed, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			failed_phase = EXCLUDED.failed_phase,
			error = EXCLUDED.error,
			report = EXCLUDED.report,
			agents_succeeded = EXCLUDED.agents_succeeded,
			agents_failed = EXCLUDED.agents_failed,
			duration_ms = EXCLUDED.duration_ms,
			completed_at = EXCLUDED.completed_at`,
		r.ID, r.SessionID, r.Company, goals, r.Status, r.FailedPhase, r.Error, r.Report,
		r.AgentsSucceeded, r.AgentsFailed, r.DurationMS, completed,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	return nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, session_id, company, goals, status, failed_phase, error, report,
		       agents_succeeded, agents_failed, duration_ms, started_at, completed_at
		FROM workflow_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first. An empty sessionID
// lists every session.
func (s *Store) ListRuns(ctx context.Context, sessionID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, company, goals, status, failed_phase, error, report,
		       agents_succeeded, agents_failed, duration_ms, started_at, completed_at
		FROM workflow_runs
		WHERE $1 = '' OR session_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var goals []byte
	if err := row.Scan(&r.ID, &r.SessionID, &r.Company, &goals, &r.Status, &r.FailedPhase, &r.Error, &r.Report,
		&r.AgentsSucceeded, &r.AgentsFailed, &r.DurationMS, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	if len(goals) > 0 {
		json.Unmarshal(goals, &r.Goals)
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
