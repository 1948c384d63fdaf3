package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/agent"
	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/tools"
)

// Scheduler runs the tasks of one phase concurrently on a bounded pool and
// joins them.
type Scheduler struct {
	agents   *agent.Registry
	runner   *agent.Runner
	mu       sync.RWMutex
	running  map[string]agent.Task
	poolSize int
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. Every phase of every run gets its own
// pool of poolSize slots, so concurrent runs do not queue behind each other.
func NewScheduler(agents *agent.Registry, runner *agent.Runner, poolSize int, logger *zap.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 5
	}
	return &Scheduler{
		agents:   agents,
		runner:   runner,
		running:  make(map[string]agent.Task),
		poolSize: poolSize,
		logger:   logger,
	}
}

// RunPhase starts one task per assigned agent and waits for all of them to
// reach a terminal status. Failures are folded into the result map; the
// returned error is non-nil only when every agent failed.
func (s *Scheduler) RunPhase(ctx context.Context, runID string, phase PhaseSpec, in agent.Input, hooks RunHooks) (map[string]AgentResult, error) {
	type outcome struct {
		result AgentResult
		err    error
	}
	results := make(chan outcome, len(phase.Agents))
	pool := make(chan struct{}, s.poolSize) // semaphore-based pool
	var wg sync.WaitGroup

	for _, name := range phase.Agents {
		a, ok := s.agents.Get(name)
		if !ok {
			err := apperr.AgentTask("dispatch", fmt.Errorf("agent %q not registered", name))
			results <- outcome{
				result: AgentResult{Agent: name, Status: agent.TaskFailedTerminal, Error: err.Error()},
				err:    err,
			}
			continue
		}

		task := &agent.Task{
			ID:        uuid.New().String(),
			RunID:     runID,
			AgentName: name,
			Phase:     string(phase.Name),
			Input:     in,
			Status:    agent.TaskQueued,
		}
		s.notify(hooks, phase.Name, *task)

		wg.Add(1)
		go func(a agent.Agent, task *agent.Task) {
			defer wg.Done()
			select {
			case pool <- struct{}{}: // acquire slot
			case <-ctx.Done():
				res, err := s.cancelled(ctx, phase.Name, task, hooks)
				results <- outcome{result: res, err: err}
				return
			}
			defer func() { <-pool }() // release slot
			if ctx.Err() != nil {
				res, err := s.cancelled(ctx, phase.Name, task, hooks)
				results <- outcome{result: res, err: err}
				return
			}

			res, err := s.execute(ctx, phase.Name, a, task, hooks)
			results <- outcome{result: res, err: err}
		}(a, task)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	folded := make(map[string]AgentResult, len(phase.Agents))
	var failures []error
	for o := range results {
		folded[o.result.Agent] = o.result
		if o.err != nil {
			failures = append(failures, o.err)
		}
	}

	if len(phase.Agents) > 0 && len(failures) == len(phase.Agents) {
		return folded, multierr.Combine(failures...)
	}
	return folded, nil
}

func (s *Scheduler) execute(ctx context.Context, phase PhaseName, a agent.Agent, task *agent.Task, hooks RunHooks) (AgentResult, error) {
	start := time.Now()
	s.mu.Lock()
	s.running[task.ID] = *task
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
	}()

	s.logger.Debug("executing task",
		zap.String("task", task.ID),
		zap.String("agent", task.AgentName),
		zap.String("phase", string(phase)))

	out, err := s.runner.ExecuteWithRetry(ctx, a, task, agent.Hooks{
		OnStatus: func(t agent.Task) {
			s.mu.Lock()
			s.running[t.ID] = t
			s.mu.Unlock()
			s.notify(hooks, phase, t)
		},
		OnToolCall: func(t agent.Task, c tools.Call) {
			if hooks.OnToolCall != nil {
				hooks.OnToolCall(ToolActivity{RunID: t.RunID, Phase: phase, Agent: t.AgentName, TaskID: t.ID, Call: c})
			}
		},
	})

	res := AgentResult{
		Agent:    task.AgentName,
		Status:   task.Status,
		Attempts: task.Attempt,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Error = err.Error()
		s.logger.Warn("agent task failed",
			zap.String("agent", task.AgentName),
			zap.String("phase", string(phase)),
			zap.Int("attempts", task.Attempt),
			zap.Error(err))
		return res, err
	}
	res.Output = out.Content
	res.Sources = out.Sources
	return res, nil
}

// cancelled folds a task that never got a slot before ctx ended.
func (s *Scheduler) cancelled(ctx context.Context, phase PhaseName, task *agent.Task, hooks RunHooks) (AgentResult, error) {
	now := time.Now()
	task.Status = agent.TaskFailedTerminal
	task.Err = ctx.Err()
	task.CompletedAt = &now
	s.notify(hooks, phase, *task)
	return AgentResult{
		Agent:  task.AgentName,
		Status: task.Status,
		Error:  task.Err.Error(),
	}, task.Err
}

func (s *Scheduler) notify(hooks RunHooks, phase PhaseName, t agent.Task) {
	if hooks.OnAgentUpdate == nil {
		return
	}
	hooks.OnAgentUpdate(AgentUpdate{
		RunID:   t.RunID,
		Phase:   phase,
		Agent:   t.AgentName,
		TaskID:  t.ID,
		Status:  t.Status,
		Attempt: t.Attempt,
		Error:   t.Error(),
	})
}

// Running returns currently executing tasks.
func (s *Scheduler) Running() []agent.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]agent.Task, 0, len(s.running))
	for _, t := range s.running {
		tasks = append(tasks, t)
	}
	return tasks
}
