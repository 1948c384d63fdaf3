package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/metrics"
	"github.com/nidhogg/agentflow/internal/stats"
	"github.com/nidhogg/agentflow/internal/tools"
)

// RunnerOptions bound each task.
type RunnerOptions struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// Hooks receive a task's intermediate activity as it happens. Either may be
// nil. They are called from the task's goroutine.
type Hooks struct {
	OnStatus   func(Task)
	OnToolCall func(task Task, call tools.Call)
}

// Runner executes agent tasks.
type Runner struct {
	tools  *tools.Registry
	stats  *stats.Aggregator
	opts   RunnerOptions
	logger *zap.Logger
}

// NewRunner creates a runner. A nil tool registry gives agents no tools.
func NewRunner(reg *tools.Registry, agg *stats.Aggregator, opts RunnerOptions, logger *zap.Logger) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if reg == nil {
		reg = tools.NewRegistry(tools.Options{}, logger)
	}
	return &Runner{tools: reg, stats: agg, opts: opts, logger: logger}
}

// Options returns the effective options.
func (r *Runner) Options() RunnerOptions { return r.opts }

// ExecuteWithRetry runs task until it succeeds, fails with a non-retryable
// error, or exhausts MaxRetries retries. Every attempt gets its own timeout;
// the outcome is recorded into the stats aggregator exactly once.
func (r *Runner) ExecuteWithRetry(ctx context.Context, a Agent, task *Task, hooks Hooks) (*Output, error) {
	task.AgentName = a.Descriptor().Name
	task.StartedAt = time.Now()

	transition := func(s TaskStatus) {
		task.Status = s
		if s.Terminal() {
			now := time.Now()
			task.CompletedAt = &now
		}
		if hooks.OnStatus != nil {
			hooks.OnStatus(*task)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.BaseDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		task.Attempt = attempt
		transition(TaskRunning)
		metrics.AgentAttempts.WithLabelValues(task.AgentName).Inc()

		out, err := r.attempt(ctx, a, *task, hooks)
		if err == nil {
			if out.Agent == "" {
				out.Agent = task.AgentName
			}
			task.Err = nil
			transition(TaskSucceeded)
			r.record(task, true, nil)
			return out, nil
		}
		task.Err = err

		if !apperr.Retryable(err) || attempt > r.opts.MaxRetries {
			transition(TaskFailedTerminal)
			r.record(task, false, err)
			return nil, err
		}

		transition(TaskFailedRetrying)
		wait := b.NextBackOff()
		r.logger.Debug("retrying agent task",
			zap.String("agent", task.AgentName),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			task.Err = ctx.Err()
			transition(TaskFailedTerminal)
			r.record(task, false, ctx.Err())
			return nil, ctx.Err()
		}
	}
}

type attemptResult struct {
	out *Output
	err error
}

// attempt runs the agent in its own goroutine so an agent that ignores its
// context still cannot hold the caller past the deadline. The attempt gets
// its own invoker, closed on return: an abandoned agent can neither reach
// tools nor report calls once its attempt is over. snap is the task as it
// was when the attempt started.
func (r *Runner) attempt(ctx context.Context, a Agent, snap Task, hooks Hooks) (*Output, error) {
	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	inv := r.tools.Invoker(func(c tools.Call) {
		if hooks.OnToolCall != nil {
			hooks.OnToolCall(snap, c)
		}
	})
	defer inv.Close()
	in := snap.Input

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: apperr.AgentTask("execute", fmt.Errorf("panic: %v", p))}
			}
		}()
		out, err := a.Execute(actx, in, inv)
		if err == nil && out == nil {
			err = apperr.AgentTask("execute", errors.New("agent returned no output"))
		}
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutErr(r.opts.Timeout)
		}
		return res.out, res.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, timeoutErr(r.opts.Timeout)
	}
}

func timeoutErr(d time.Duration) error {
	return apperr.AgentTask("execute", fmt.Errorf("attempt timed out after %s: %w", d, context.DeadlineExceeded))
}

func (r *Runner) record(task *Task, success bool, err error) {
	if r.stats == nil {
		return
	}
	r.stats.Record(task.AgentName, time.Since(task.StartedAt), success, err)
}
