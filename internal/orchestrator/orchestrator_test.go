package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/agent"
	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/stats"
	"github.com/nidhogg/agentflow/internal/tools"
)

type stubAgent struct {
	name string
	fn   func(ctx context.Context, in agent.Input, inv *tools.Invoker) (*agent.Output, error)
}

func (s *stubAgent) Descriptor() agent.Descriptor {
	return agent.Descriptor{Name: s.name, Description: s.name + " agent"}
}

func (s *stubAgent) Execute(ctx context.Context, in agent.Input, inv *tools.Invoker) (*agent.Output, error) {
	if s.fn == nil {
		return &agent.Output{Content: s.name + " on " + in.Company}, nil
	}
	return s.fn(ctx, in, inv)
}

type harness struct {
	orch  *Orchestrator
	stats *stats.Aggregator
}

// newHarness registers a stub for every default agent; overrides replace
// individual agents.
func newHarness(t *testing.T, opts agent.RunnerOptions, overrides map[string]*stubAgent, observers ...Observer) *harness {
	t.Helper()
	return newHarnessWithTools(t, nil, opts, overrides, observers...)
}

func newHarnessWithTools(t *testing.T, toolReg *tools.Registry, opts agent.RunnerOptions, overrides map[string]*stubAgent, observers ...Observer) *harness {
	t.Helper()
	var agents []agent.Agent
	for _, p := range DefaultPhases() {
		for _, name := range p.Agents {
			if a, ok := overrides[name]; ok {
				a.name = name
				agents = append(agents, a)
				continue
			}
			agents = append(agents, &stubAgent{name: name})
		}
	}
	reg, err := agent.NewRegistry(agents...)
	require.NoError(t, err)

	agg := stats.NewAggregator()
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	runner := agent.NewRunner(toolReg, agg, opts, zap.NewNop())
	orch, err := New(Config{
		Agents:            reg,
		Runner:            runner,
		Stats:             agg,
		MaxParallelAgents: 5,
		Observers:         observers,
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)
	return &harness{orch: orch, stats: agg}
}

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	timeout := time.After(10 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("stream did not close")
			return out
		}
	}
}

func label(u Update) string {
	switch v := u.(type) {
	case PhaseStart:
		return "phase-start(" + string(v.Phase) + ")"
	case PhaseComplete:
		return "phase-complete(" + string(v.Phase) + ")"
	default:
		return string(u.Kind())
	}
}

func TestAcmeCorpEventOrder(t *testing.T) {
	h := newHarness(t, agent.RunnerOptions{}, nil)
	updates := collect(t, h.orch.Run(context.Background(), "Acme Corp", nil))

	var got []string
	for _, u := range updates {
		got = append(got, label(u))
	}
	assert.Equal(t, []string{
		"workflow-start",
		"phase-start(initial-research)", "phase-complete(initial-research)",
		"phase-start(deep-analysis)", "phase-complete(deep-analysis)",
		"phase-start(synthesis)", "phase-complete(synthesis)",
		"phase-start(quality-assurance)", "phase-complete(quality-assurance)",
		"workflow-complete",
	}, got)

	done := updates[len(updates)-1].(WorkflowComplete)
	assert.Equal(t, "Acme Corp", done.Summary.Company)
	assert.Equal(t, "writing on Acme Corp", done.Summary.Report)
	assert.Equal(t, 14, done.Summary.AgentsSucceeded)
	assert.Equal(t, 4, done.Summary.PhasesCompleted)

	for _, u := range updates {
		assert.Equal(t, done.RunID, u.Run())
	}
}

func TestPhaseBracketingAndSingleTerminal(t *testing.T) {
	overrides := map[string]*stubAgent{
		"news": {fn: func(context.Context, agent.Input, *tools.Invoker) (*agent.Output, error) {
			return nil, apperr.Validationf("news", "no feed")
		}},
		"risk": {fn: func(context.Context, agent.Input, *tools.Invoker) (*agent.Output, error) {
			return nil, errors.New("model refused")
		}},
	}
	h := newHarness(t, agent.RunnerOptions{MaxRetries: 1}, overrides)
	updates := collect(t, h.orch.Run(context.Background(), "Acme Corp", []string{"funding"}))

	started := map[PhaseName]int{}
	terminals := 0
	order := 0
	for i, u := range updates {
		switch v := u.(type) {
		case PhaseStart:
			started[v.Phase]++
			assert.Equal(t, DefaultPhases()[order].Name, v.Phase, "phases in declared order")
		case PhaseComplete:
			assert.Equal(t, 1, started[v.Phase], "phase-complete preceded by exactly one phase-start")
			order++
		case WorkflowComplete, WorkflowError:
			terminals++
			assert.Equal(t, len(updates)-1, i, "terminal event is last")
		}
	}
	assert.Equal(t, 1, terminals)
	assert.IsType(t, WorkflowComplete{}, updates[len(updates)-1])

	// partial failures are folded as markers
	for _, u := range updates {
		if pc, ok := u.(PhaseComplete); ok && pc.Phase == PhaseInitialResearch {
			news := pc.Results["news"]
			assert.Equal(t, agent.TaskFailedTerminal, news.Status)
			assert.Equal(t, 1, news.Attempts, "validation failures are not retried")
			assert.NotEmpty(t, news.Error)
			assert.Empty(t, news.Output)
		}
	}
	risk, _ := h.stats.Snapshot("risk")
	assert.Equal(t, int64(1), risk.TasksFailed)
}

func TestUnrecoverablePhaseHaltsWorkflow(t *testing.T) {
	var qaRan int32
	failing := func(context.Context, agent.Input, *tools.Invoker) (*agent.Output, error) {
		return nil, apperr.Validationf("analysis", "bad input")
	}
	overrides := map[string]*stubAgent{
		"financial":   {fn: failing},
		"competitive": {fn: failing},
		"risk":        {fn: failing},
		"opportunity": {fn: failing},
		"validation": {fn: func(context.Context, agent.Input, *tools.Invoker) (*agent.Output, error) {
			atomic.AddInt32(&qaRan, 1)
			return &agent.Output{Content: "ok"}, nil
		}},
	}
	h := newHarness(t, agent.RunnerOptions{}, overrides)
	updates := collect(t, h.orch.Run(context.Background(), "Acme Corp", nil))

	var got []string
	for _, u := range updates {
		got = append(got, label(u))
	}
	assert.Equal(t, []string{
		"workflow-start",
		"phase-start(initial-research)", "phase-complete(initial-research)",
		"phase-start(deep-analysis)", "phase-complete(deep-analysis)",
		"workflow-error",
	}, got)

	werr := updates[len(updates)-1].(WorkflowError)
	assert.Equal(t, PhaseDeepAnalysis, werr.Phase)
	assert.Equal(t, apperr.KindPhaseUnrecoverable, werr.Class)
	assert.Contains(t, werr.Error, "bad input")
	assert.Zero(t, atomic.LoadInt32(&qaRan))
}

func TestFailingTaskDoesNotDelaySiblings(t *testing.T) {
	const timeout = 150 * time.Millisecond
	var mu sync.Mutex
	finished := map[string]time.Time{}
	fast := func(name string) *stubAgent {
		return &stubAgent{fn: func(context.Context, agent.Input, *tools.Invoker) (*agent.Output, error) {
			mu.Lock()
			finished[name] = time.Now()
			mu.Unlock()
			return &agent.Output{Content: name}, nil
		}}
	}
	overrides := map[string]*stubAgent{
		"research": {fn: func(ctx context.Context, _ agent.Input, _ *tools.Invoker) (*agent.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		"news":    fast("news"),
		"product": fast("product"),
	}
	h := newHarness(t, agent.RunnerOptions{Timeout: timeout, MaxRetries: 1}, overrides)

	start := time.Now()
	updates := collect(t, h.orch.Run(context.Background(), "Acme Corp", nil))
	require.IsType(t, WorkflowComplete{}, updates[len(updates)-1])

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"news", "product"} {
		assert.Less(t, finished[name].Sub(start), timeout, "%s waited on a failing sibling", name)
	}
	for _, u := range updates {
		if pc, ok := u.(PhaseComplete); ok && pc.Phase == PhaseInitialResearch {
			assert.Equal(t, 2, pc.Results["research"].Attempts)
			assert.GreaterOrEqual(t, pc.Duration, 2*timeout, "join waits for the slowest task")
		}
	}
}

func TestEmptyCompanyIsRejected(t *testing.T) {
	h := newHarness(t, agent.RunnerOptions{}, nil)
	updates := collect(t, h.orch.Run(context.Background(), "  ", nil))
	require.Len(t, updates, 1)
	werr := updates[0].(WorkflowError)
	assert.Equal(t, apperr.KindValidation, werr.Class)
}

func TestObserversSeeEveryUpdateAndCannotBreakRun(t *testing.T) {
	var mu sync.Mutex
	var kinds []UpdateKind
	rec := ObserverFunc(func(_ context.Context, u Update) error {
		mu.Lock()
		kinds = append(kinds, u.Kind())
		mu.Unlock()
		return nil
	})
	broken := ObserverFunc(func(context.Context, Update) error { return errors.New("sink down") })

	h := newHarness(t, agent.RunnerOptions{}, nil, rec, broken)
	updates := collect(t, h.orch.Run(context.Background(), "Acme Corp", nil))
	require.IsType(t, WorkflowComplete{}, updates[len(updates)-1])

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, kinds, len(updates))
}

func TestHooksReportAgentAndToolActivity(t *testing.T) {
	overrides := map[string]*stubAgent{
		"research": {fn: func(ctx context.Context, in agent.Input, inv *tools.Invoker) (*agent.Output, error) {
			inv.Invoke(ctx, "c1", "doesNotExist", "{}")
			return &agent.Output{Content: "ok"}, nil
		}},
	}
	h := newHarness(t, agent.RunnerOptions{}, overrides)

	var mu sync.Mutex
	var agentUpdates []AgentUpdate
	var toolCalls []ToolActivity
	ch := h.orch.RunWithHooks(context.Background(), "Acme Corp", nil, RunHooks{
		OnAgentUpdate: func(u AgentUpdate) {
			mu.Lock()
			agentUpdates = append(agentUpdates, u)
			mu.Unlock()
		},
		OnToolCall: func(a ToolActivity) {
			mu.Lock()
			toolCalls = append(toolCalls, a)
			mu.Unlock()
		},
	})
	collect(t, ch)

	mu.Lock()
	defer mu.Unlock()
	// queued, running, succeeded for each of 14 agents
	assert.Len(t, agentUpdates, 14*3)
	require.Len(t, toolCalls, 2)
	assert.Equal(t, "research", toolCalls[0].Agent)
	assert.Equal(t, tools.StatusError, toolCalls[1].Call.Status)
}

func TestCancelStopsProducer(t *testing.T) {
	release := make(chan struct{})
	overrides := map[string]*stubAgent{
		"research": {fn: func(ctx context.Context, _ agent.Input, _ *tools.Invoker) (*agent.Output, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		}},
	}
	h := newHarness(t, agent.RunnerOptions{Timeout: 5 * time.Second}, overrides)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.orch.Run(ctx, "Acme Corp", nil)

	first := <-ch
	require.IsType(t, WorkflowStart{}, first)
	cancel()
	close(release)

	collect(t, ch)
}

func TestSnapshotsExposeAgentsAndStats(t *testing.T) {
	h := newHarness(t, agent.RunnerOptions{}, nil)
	collect(t, h.orch.Run(context.Background(), "Acme Corp", nil))

	assert.Len(t, h.orch.GetAllAgents(), 14)
	snap := h.orch.GetAgentStats()
	assert.Len(t, snap, 14)
	assert.Equal(t, int64(1), snap["writing"].TasksCompleted)
	assert.Empty(t, h.orch.Running())
}

func TestMissingAgentIsFoldedAsFailure(t *testing.T) {
	reg, err := agent.NewRegistry(&stubAgent{name: "only"})
	require.NoError(t, err)
	runner := agent.NewRunner(nil, stats.NewAggregator(), agent.RunnerOptions{Timeout: time.Second}, zap.NewNop())
	orch, err := New(Config{
		Agents: reg,
		Runner: runner,
		Phases: []PhaseSpec{{Name: PhaseInitialResearch, Agents: []string{"only", "ghost"}}},
	})
	require.NoError(t, err)

	updates := collect(t, orch.Run(context.Background(), "Acme", nil))
	require.IsType(t, WorkflowComplete{}, updates[len(updates)-1])
	pc := updates[2].(PhaseComplete)
	assert.Equal(t, agent.TaskFailedTerminal, pc.Results["ghost"].Status)
	done := updates[len(updates)-1].(WorkflowComplete)
	assert.Equal(t, "[only] only on Acme", done.Summary.Report)
}

func TestAbandonedAttemptStopsReportingToolCalls(t *testing.T) {
	var runEnded atomic.Bool
	var lateOutbound atomic.Int32
	toolReg := tools.NewRegistry(tools.Options{}, zap.NewNop())
	require.NoError(t, toolReg.Register(tools.Tool{
		Name: "echo",
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			if runEnded.Load() {
				lateOutbound.Add(1)
			}
			return params, nil
		},
	}))

	finished := make(chan struct{}, 2)
	overrides := map[string]*stubAgent{
		// ignores its context and keeps calling tools well past the deadline
		"research": {fn: func(_ context.Context, _ agent.Input, inv *tools.Invoker) (*agent.Output, error) {
			defer func() { finished <- struct{}{} }()
			for i := 0; i < 6; i++ {
				inv.Invoke(context.Background(), "c", "echo", `{}`)
				time.Sleep(10 * time.Millisecond)
			}
			return &agent.Output{Content: "too late"}, nil
		}},
	}
	h := newHarnessWithTools(t, toolReg, agent.RunnerOptions{Timeout: 10 * time.Millisecond, MaxRetries: 1}, overrides)

	var lateHooks atomic.Int32
	updates := collect(t, h.orch.RunWithHooks(context.Background(), "Acme Corp", nil, RunHooks{
		OnToolCall: func(ToolActivity) {
			if runEnded.Load() {
				lateHooks.Add(1)
			}
		},
	}))
	runEnded.Store(true)
	require.IsType(t, WorkflowComplete{}, updates[len(updates)-1])

	for i := 0; i < 2; i++ {
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("abandoned attempt never returned")
		}
	}
	assert.Zero(t, lateHooks.Load(), "tool activity reported after the terminal update")
	assert.Zero(t, lateOutbound.Load(), "abandoned attempt reached a tool after the run ended")

	pc := updates[2].(PhaseComplete)
	assert.Equal(t, agent.TaskFailedTerminal, pc.Results["research"].Status)
	assert.Equal(t, 2, pc.Results["research"].Attempts)
}

func TestCancelWhileQueuedSkipsWaitingTasks(t *testing.T) {
	started := make(chan struct{})
	var ran atomic.Int32
	blocker := &stubAgent{name: "blocker", fn: func(ctx context.Context, _ agent.Input, _ *tools.Invoker) (*agent.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	waiter := func(name string) *stubAgent {
		return &stubAgent{name: name, fn: func(context.Context, agent.Input, *tools.Invoker) (*agent.Output, error) {
			ran.Add(1)
			return &agent.Output{Content: name}, nil
		}}
	}
	reg, err := agent.NewRegistry(blocker, waiter("second"), waiter("third"))
	require.NoError(t, err)
	runner := agent.NewRunner(nil, stats.NewAggregator(), agent.RunnerOptions{Timeout: 5 * time.Second}, zap.NewNop())
	sched := NewScheduler(reg, runner, 1, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	type phaseResult struct {
		results map[string]AgentResult
		err     error
	}
	done := make(chan phaseResult, 1)
	go func() {
		// blocker is dispatched first but goroutine start order is not
		// guaranteed, so every queued agent is accounted for below.
		res, err := sched.RunPhase(ctx, "run-1", PhaseSpec{Name: PhaseInitialResearch, Agents: []string{"blocker", "second", "third"}}, agent.Input{Company: "Acme"}, RunHooks{})
		done <- phaseResult{res, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocker never started")
	}
	ranBeforeCancel := ran.Load()
	cancel()

	var got phaseResult
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("phase did not finish after cancel")
	}

	assert.Equal(t, ranBeforeCancel, ran.Load(), "queued tasks started after cancel")
	require.Len(t, got.results, 3)
	assert.Equal(t, agent.TaskFailedTerminal, got.results["blocker"].Status)
	for _, name := range []string{"second", "third"} {
		r := got.results[name]
		if r.Succeeded() {
			continue // ran before the blocker took the only slot
		}
		assert.Equal(t, agent.TaskFailedTerminal, r.Status)
		assert.Contains(t, r.Error, context.Canceled.Error())
	}
}
