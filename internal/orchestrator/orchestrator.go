// Package orchestrator drives the fixed research workflow: an ordered list
// of phases, each a concurrent set of agent tasks joined before the next
// phase starts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/agent"
	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/metrics"
	"github.com/nidhogg/agentflow/internal/stats"
	"github.com/nidhogg/agentflow/internal/stream"
)

// Observer is told about every update of every run. Errors are logged and
// never affect the run.
type Observer interface {
	Observe(ctx context.Context, u Update) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, u Update) error

func (f ObserverFunc) Observe(ctx context.Context, u Update) error { return f(ctx, u) }

// Config wires an Orchestrator.
type Config struct {
	Agents            *agent.Registry
	Runner            *agent.Runner
	Stats             *stats.Aggregator
	Phases            []PhaseSpec
	MaxParallelAgents int
	Observers         []Observer
	Logger            *zap.Logger
}

// Orchestrator runs research workflows. One instance serves one session;
// concurrent runs on the same instance are independent.
type Orchestrator struct {
	agents    *agent.Registry
	stats     *stats.Aggregator
	scheduler *Scheduler
	phases    []PhaseSpec
	observers []Observer
	logger    *zap.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Agents == nil || cfg.Runner == nil {
		return nil, errors.New("orchestrator: agents and runner are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewAggregator()
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = DefaultPhases()
	}
	return &Orchestrator{
		agents:    cfg.Agents,
		stats:     cfg.Stats,
		scheduler: NewScheduler(cfg.Agents, cfg.Runner, cfg.MaxParallelAgents, cfg.Logger),
		phases:    cfg.Phases,
		observers: cfg.Observers,
		logger:    cfg.Logger,
	}, nil
}

// Run starts a workflow and returns its update stream. The stream is single
// pass and ends after exactly one WorkflowComplete or WorkflowError.
// Cancelling ctx stops the producer.
func (o *Orchestrator) Run(ctx context.Context, company string, goals []string) <-chan Update {
	return o.RunWithHooks(ctx, company, goals, RunHooks{})
}

// RunWithHooks is Run with intermediate task activity reported to hooks.
func (o *Orchestrator) RunWithHooks(ctx context.Context, company string, goals []string, hooks RunHooks) <-chan Update {
	pipe := stream.NewPipe(stream.DefaultBuffer, IsTerminal)
	run := &WorkflowRun{
		ID:          uuid.New().String(),
		CompanyName: strings.TrimSpace(company),
		Goals:       append([]string(nil), goals...),
		Status:      RunPending,
		StartedAt:   time.Now(),
	}
	for _, p := range o.phases {
		run.Phases = append(run.Phases, &Phase{
			Name:           p.Name,
			AssignedAgents: append([]string(nil), p.Agents...),
			Status:         PhasePending,
		})
	}
	go o.drive(ctx, run, pipe, hooks)
	return pipe.C()
}

func (o *Orchestrator) drive(ctx context.Context, run *WorkflowRun, pipe *stream.Pipe[Update], hooks RunHooks) {
	defer pipe.Close()

	emit := func(u Update) {
		o.notify(ctx, u)
		if err := pipe.Send(ctx, u); err != nil {
			o.logger.Debug("update dropped", zap.String("run", run.ID), zap.Error(err))
		}
	}
	fail := func(phase PhaseName, err error) {
		now := time.Now()
		run.Status, run.CompletedAt = RunFailed, &now
		metrics.WorkflowsFinished.WithLabelValues(string(RunFailed)).Inc()
		emit(WorkflowError{
			RunID:   run.ID,
			Company: run.CompanyName,
			Phase:   phase,
			Error:   err.Error(),
			Class:   apperr.KindOf(err),
		})
	}

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("workflow aborted", zap.String("run", run.ID), zap.Any("panic", p))
			if !pipe.Closed() {
				fail("", apperr.New(apperr.KindWorkflowAbort, "run", fmt.Errorf("internal fault: %v", p)))
			}
		}
	}()

	if run.CompanyName == "" {
		fail("", apperr.Validationf("run", "company name is required"))
		return
	}

	metrics.WorkflowsStarted.Inc()
	run.Status = RunRunning
	phaseNames := make([]PhaseName, len(run.Phases))
	for i, p := range run.Phases {
		phaseNames[i] = p.Name
	}
	o.logger.Info("workflow started",
		zap.String("run", run.ID),
		zap.String("company", run.CompanyName),
		zap.Int("goals", len(run.Goals)))
	emit(WorkflowStart{RunID: run.ID, Company: run.CompanyName, Goals: run.Goals, Phases: phaseNames, At: run.StartedAt})

	prior := make(map[string]string)
	for i, phase := range run.Phases {
		if err := ctx.Err(); err != nil {
			fail(phase.Name, err)
			return
		}

		phase.Status = PhaseActive
		emit(PhaseStart{RunID: run.ID, Phase: phase.Name, Agents: phase.AssignedAgents})

		start := time.Now()
		in := agent.Input{
			Company: run.CompanyName,
			Goals:   run.Goals,
			Phase:   string(phase.Name),
			Prior:   copyPrior(prior),
		}
		results, err := o.scheduler.RunPhase(ctx, run.ID, o.phases[i], in, hooks)
		elapsed := time.Since(start)
		metrics.PhaseDuration.WithLabelValues(string(phase.Name)).Observe(elapsed.Seconds())

		phase.Results = results
		for name, r := range results {
			if r.Succeeded() {
				prior[name] = r.Output
			}
		}

		if err != nil {
			phase.Status = PhaseError
		} else {
			phase.Status = PhaseCompleted
		}
		emit(PhaseComplete{RunID: run.ID, Phase: phase.Name, Results: results, Duration: elapsed})

		if err != nil {
			o.logger.Warn("phase unrecoverable",
				zap.String("run", run.ID),
				zap.String("phase", string(phase.Name)),
				zap.Int("failures", len(multierr.Errors(err))))
			fail(phase.Name, apperr.New(apperr.KindPhaseUnrecoverable, string(phase.Name),
				fmt.Errorf("every agent failed: %w", err)))
			return
		}
	}

	now := time.Now()
	run.Status, run.CompletedAt = RunCompleted, &now
	metrics.WorkflowsFinished.WithLabelValues(string(RunCompleted)).Inc()
	summary := summarize(run)
	o.logger.Info("workflow complete",
		zap.String("run", run.ID),
		zap.Int("succeeded", summary.AgentsSucceeded),
		zap.Int("failed", summary.AgentsFailed),
		zap.Duration("duration", summary.Duration))
	emit(WorkflowComplete{RunID: run.ID, Summary: summary})
}

func (o *Orchestrator) notify(ctx context.Context, u Update) {
	if len(o.observers) == 0 {
		return
	}
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	var errs error
	for _, obs := range o.observers {
		errs = multierr.Append(errs, obs.Observe(octx, u))
	}
	if errs != nil {
		o.logger.Warn("observer failed",
			zap.String("run", u.Run()),
			zap.String("update", string(u.Kind())),
			zap.Error(errs))
	}
}

// GetAgentStats returns a snapshot of every agent's stats.
func (o *Orchestrator) GetAgentStats() map[string]stats.AgentStats {
	return o.stats.Map()
}

// GetAllAgents returns the registered agent descriptors.
func (o *Orchestrator) GetAllAgents() []agent.Descriptor {
	return o.agents.Descriptors()
}

// Running returns the tasks currently executing on this orchestrator.
func (o *Orchestrator) Running() []agent.Task {
	return o.scheduler.Running()
}

func copyPrior(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// reportAgents are consulted in order for the final report.
var reportAgents = []string{"writing", "synthesis", "strategy"}

// summarize folds a finished run into its Summary. It prefers the writing
// agent's report and falls back to concatenating whatever succeeded.
func summarize(run *WorkflowRun) Summary {
	s := Summary{
		RunID:   run.ID,
		Company: run.CompanyName,
	}
	if run.CompletedAt != nil {
		s.Duration = run.CompletedAt.Sub(run.StartedAt)
	}

	all := make(map[string]AgentResult)
	seen := make(map[string]bool)
	for _, p := range run.Phases {
		if p.Status == PhaseCompleted {
			s.PhasesCompleted++
		}
		for _, name := range p.AssignedAgents {
			r, ok := p.Results[name]
			if !ok {
				continue
			}
			all[name] = r
			if r.Succeeded() {
				s.AgentsSucceeded++
			} else {
				s.AgentsFailed++
			}
			for _, src := range r.Sources {
				if !seen[src.URL] {
					seen[src.URL] = true
					s.Sources = append(s.Sources, src)
				}
			}
		}
	}

	for _, name := range reportAgents {
		if r, ok := all[name]; ok && r.Succeeded() && r.Output != "" {
			s.Report = r.Output
			return s
		}
	}
	s.Report = fallbackReport(run)
	return s
}

func fallbackReport(run *WorkflowRun) string {
	var buf strings.Builder
	for _, p := range run.Phases {
		for _, name := range p.AssignedAgents {
			r, ok := p.Results[name]
			if !ok || !r.Succeeded() {
				continue
			}
			if buf.Len() > 0 {
				buf.WriteString("\n---\n")
			}
			fmt.Fprintf(&buf, "[%s] %s", name, r.Output)
		}
	}
	return buf.String()
}

