// Package stats keeps rolling per-agent execution metrics.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/agentflow/internal/metrics"
)

// maxErrors bounds the distinct error messages kept per agent.
const maxErrors = 10

// AgentStats is a snapshot of one agent's execution history.
type AgentStats struct {
	AgentName            string        `json:"agent_name"`
	TasksCompleted       int64         `json:"tasks_completed"`
	TasksFailed          int64         `json:"tasks_failed"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	MinExecutionTime     time.Duration `json:"min_execution_time"`
	MaxExecutionTime     time.Duration `json:"max_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
	LastExecutionTime    *time.Time    `json:"last_execution_time,omitempty"`
	Errors               []string      `json:"errors,omitempty"`
}

// Total is the number of recorded outcomes.
func (s AgentStats) Total() int64 { return s.TasksCompleted + s.TasksFailed }

// Aggregator records outcomes and serves snapshots. Writers and readers are
// serialized by one lock; snapshots are copies and safe to hold.
type Aggregator struct {
	mu     sync.RWMutex
	agents map[string]*AgentStats
	now    func() time.Time
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		agents: make(map[string]*AgentStats),
		now:    time.Now,
	}
}

// Record folds one outcome into the agent's running stats.
func (a *Aggregator) Record(agentName string, d time.Duration, success bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.agents[agentName]
	if !ok {
		s = &AgentStats{AgentName: agentName}
		a.agents[agentName] = s
	}

	if success {
		s.TasksCompleted++
	} else {
		s.TasksFailed++
	}
	n := s.Total()

	// avg_n = (avg_{n-1} * (n-1) + x_n) / n
	s.AverageExecutionTime = time.Duration((float64(s.AverageExecutionTime)*float64(n-1) + float64(d)) / float64(n))
	if n == 1 || d < s.MinExecutionTime {
		s.MinExecutionTime = d
	}
	if d > s.MaxExecutionTime {
		s.MaxExecutionTime = d
	}
	s.SuccessRate = clamp(float64(s.TasksCompleted) / float64(n))

	at := a.now()
	s.LastExecutionTime = &at

	if err != nil {
		s.Errors = appendDistinct(s.Errors, err.Error())
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.AgentExecutions.WithLabelValues(agentName, outcome).Inc()
	metrics.AgentExecutionDuration.WithLabelValues(agentName).Observe(float64(d.Milliseconds()))
}

// Snapshot returns a copy of one agent's stats.
func (a *Aggregator) Snapshot(agentName string) (AgentStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.agents[agentName]
	if !ok {
		return AgentStats{AgentName: agentName}, false
	}
	return copyStats(s), true
}

// All returns copies of every agent's stats, sorted by agent name.
func (a *Aggregator) All() []AgentStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AgentStats, 0, len(a.agents))
	for _, s := range a.agents {
		out = append(out, copyStats(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out
}

// Map returns copies of every agent's stats keyed by agent name.
func (a *Aggregator) Map() map[string]AgentStats {
	all := a.All()
	out := make(map[string]AgentStats, len(all))
	for _, s := range all {
		out[s.AgentName] = s
	}
	return out
}

func copyStats(s *AgentStats) AgentStats {
	c := *s
	if s.LastExecutionTime != nil {
		t := *s.LastExecutionTime
		c.LastExecutionTime = &t
	}
	c.Errors = append([]string(nil), s.Errors...)
	return c
}

func appendDistinct(list []string, msg string) []string {
	for _, m := range list {
		if m == msg {
			return list
		}
	}
	if len(list) >= maxErrors {
		return list
	}
	return append(list, msg)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
