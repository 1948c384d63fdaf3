// Package reasoning is the per-message conversational driver: a bounded
// think, act, observe cycle over a streaming model that can call tools and
// hand company research off to the multi-agent workflow.
package reasoning

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/metrics"
	"github.com/nidhogg/agentflow/internal/orchestrator"
	"github.com/nidhogg/agentflow/internal/provider"
	"github.com/nidhogg/agentflow/internal/stream"
	"github.com/nidhogg/agentflow/internal/tools"
)

const (
	defaultMaxIterations = 10
	defaultAgentID       = "assistant"

	apology = "Sorry, I ran into a problem while generating a response. Please try again."

	defaultSystemPrompt = `You are a business research assistant. Answer clearly and cite sources when you use tools.
Use the available tools for anything that needs current data. When a multi-agent research report is
provided, base your answer on it and summarize the key findings.`
)

// Delegator runs the multi-agent research workflow.
type Delegator interface {
	RunWithHooks(ctx context.Context, company string, goals []string, hooks orchestrator.RunHooks) <-chan orchestrator.Update
}

// Preferrer binds an agent id to a preferred provider.
type Preferrer interface {
	Prefer(agentID, providerID string) error
}

// Config wires a Loop.
type Config struct {
	LLM           provider.Streamer
	Tools         *tools.Registry
	Delegate      Delegator
	Preferences   Preferrer
	History       *History
	MaxIterations int
	Model         string
	AgentID       string
	SystemPrompt  string
	Logger        *zap.Logger
}

// Loop drives one session's conversation. Messages of a session are
// processed one at a time.
type Loop struct {
	llm       provider.Streamer
	tools     *tools.Registry
	delegate  Delegator
	prefs     Preferrer
	history   *History
	maxIter   int
	model     string
	agentID   string
	system    string
	logger    *zap.Logger
	serialize sync.Mutex

	mu        sync.Mutex
	preferred string
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("reasoning: LLM is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry(tools.Options{}, cfg.Logger)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.AgentID == "" {
		cfg.AgentID = defaultAgentID
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.History == nil {
		cfg.History = NewHistory(0, nil, cfg.Logger)
	}
	return &Loop{
		llm:      cfg.LLM,
		tools:    cfg.Tools,
		delegate: cfg.Delegate,
		prefs:    cfg.Preferences,
		history:  cfg.History,
		maxIter:  cfg.MaxIterations,
		model:    cfg.Model,
		agentID:  cfg.AgentID,
		system:   cfg.SystemPrompt,
		logger:   cfg.Logger,
	}, nil
}

// SetPreferredProvider records the provider to try first. It is applied at
// the start of every message; failures are logged, never returned.
func (l *Loop) SetPreferredProvider(providerID string) {
	l.mu.Lock()
	l.preferred = providerID
	l.mu.Unlock()
}

// History returns the loop's conversation history.
func (l *Loop) History() *History { return l.history }

// ProcessMessage answers text and returns its event stream. The stream ends
// with exactly one done event unless ctx is cancelled first.
func (l *Loop) ProcessMessage(ctx context.Context, text string) <-chan stream.Envelope {
	pipe := stream.NewPipe(stream.DefaultBuffer, isDone)
	go l.process(ctx, text, pipe)
	return pipe.C()
}

// turn is the mutable state of one ProcessMessage call.
type turn struct {
	ctx       context.Context
	pipe      *stream.Pipe[stream.Envelope]
	content   strings.Builder
	sources   []tools.Source
	seen      map[string]bool
	reasoning []string
}

func (t *turn) emit(typ stream.Type, data any) bool {
	return t.pipe.Send(t.ctx, stream.Envelope{Type: typ, Data: data}) == nil
}

func (t *turn) think(iteration int, thought string) bool {
	t.reasoning = append(t.reasoning, thought)
	return t.emit(stream.TypeReasoning, Step{Iteration: iteration, Thought: thought})
}

func (t *turn) say(chunk string) bool {
	if chunk == "" {
		return true
	}
	t.content.WriteString(chunk)
	return t.emit(stream.TypeContent, chunk)
}

func (t *turn) addSources(srcs []tools.Source) {
	for _, s := range srcs {
		key := s.URL
		if key == "" {
			key = s.Title
		}
		if t.seen[key] {
			continue
		}
		t.seen[key] = true
		t.sources = append(t.sources, s)
	}
}

func (l *Loop) process(ctx context.Context, text string, pipe *stream.Pipe[stream.Envelope]) {
	l.serialize.Lock()
	defer l.serialize.Unlock()
	defer pipe.Close()

	t := &turn{ctx: ctx, pipe: pipe, seen: make(map[string]bool)}
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("reasoning loop panicked", zap.Any("panic", p))
			t.emit(stream.TypeLog, LogEntry{Level: "error", Message: "internal error"})
			if t.content.Len() == 0 {
				t.say(apology)
			}
			l.finish(t)
		}
	}()

	l.applyPreference(t)

	messages := []provider.Message{{Role: "system", Content: l.system}}
	messages = append(messages, l.history.Messages()...)
	user := provider.Message{Role: "user", Content: text}
	messages = append(messages, user)

	if intent, ok := DetectResearch(text); ok && l.delegate != nil {
		if note, ok := l.delegateResearch(t, intent); ok {
			messages = append(messages, provider.Message{Role: "system", Content: note})
		} else if ctx.Err() != nil {
			return
		}
	}

	if !l.think(t, messages) {
		return
	}
	l.history.Append(ctx, user, provider.Message{Role: "assistant", Content: t.content.String()})
	l.finish(t)
}

func (l *Loop) finish(t *turn) {
	if len(t.sources) > 0 {
		if !t.emit(stream.TypeSources, t.sources) {
			return
		}
	}
	t.emit(stream.TypeDone, Message{
		Content:   t.content.String(),
		Sources:   t.sources,
		Reasoning: t.reasoning,
	})
}

func (l *Loop) applyPreference(t *turn) {
	l.mu.Lock()
	preferred := l.preferred
	l.mu.Unlock()
	if preferred == "" || l.prefs == nil {
		return
	}
	if err := l.prefs.Prefer(l.agentID, preferred); err != nil {
		l.logger.Warn("provider preference not applied",
			zap.String("provider", preferred), zap.Error(err))
		t.emit(stream.TypeLog, LogEntry{Level: "warn", Message: "provider preference ignored: " + err.Error()})
	}
}

// think runs the bounded model/tool cycle. It returns false when the stream
// was cut by the consumer.
func (l *Loop) think(t *turn, messages []provider.Message) bool {
	inv := l.tools.Invoker(func(c tools.Call) {
		t.emit(stream.TypeToolCall, c)
	})
	req := &provider.ChatRequest{
		Model:    l.model,
		Messages: messages,
	}
	if defs := inv.Definitions(); len(defs) > 0 {
		req.Tools = defs
		req.ToolChoice = "auto"
	}

	iterations := 0
	defer func() { metrics.ReasoningIterations.Observe(float64(iterations)) }()

	for iterations < l.maxIter {
		iterations++
		thought := "Analyzing the request"
		if iterations > 1 {
			thought = "Reviewing tool results"
		}
		if !t.think(iterations, thought) {
			return false
		}

		calls, content, err := l.generate(t, req)
		if err != nil {
			if t.ctx.Err() != nil {
				return false
			}
			l.logger.Error("model call failed", zap.String("agent", l.agentID), zap.Error(err))
			if !t.emit(stream.TypeLog, LogEntry{Level: "error", Message: err.Error()}) {
				return false
			}
			if t.content.Len() > 0 {
				return t.say("\n\n" + apology)
			}
			return t.say(apology)
		}
		if len(calls) == 0 {
			return true
		}

		req.Messages = append(req.Messages, provider.Message{Role: "assistant", Content: content, ToolCalls: calls})
		for _, tc := range calls {
			result, raw, err := inv.Invoke(t.ctx, tc.ID, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				if t.ctx.Err() != nil {
					return false
				}
				result = fmt.Sprintf(`{"error":%q}`, err.Error())
			}
			if s, ok := raw.(tools.Sourcer); ok {
				t.addSources(s.Sources())
			}
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    clip(result, maxToolResultChars),
				ToolCallID: tc.ID,
			})
		}
	}

	l.logger.Warn("iteration limit reached", zap.Int("max", l.maxIter))
	if !t.emit(stream.TypeLog, LogEntry{Level: "warn", Message: fmt.Sprintf("stopped after %d reasoning steps", l.maxIter)}) {
		return false
	}
	if t.content.Len() == 0 {
		return t.say("I could not finish within the allowed number of reasoning steps.")
	}
	return true
}

// generate streams one model turn, forwarding content as it arrives.
func (l *Loop) generate(t *turn, req *provider.ChatRequest) ([]provider.ToolCall, string, error) {
	ch, err := l.llm.RouteStream(t.ctx, l.agentID, req)
	if err != nil {
		return nil, "", err
	}
	var b strings.Builder
	var calls []provider.ToolCall
	for chunk := range ch {
		if chunk.Err != nil {
			go drain(ch)
			return nil, b.String(), chunk.Err
		}
		if chunk.Content != "" {
			b.WriteString(chunk.Content)
			if !t.say(chunk.Content) {
				go drain(ch)
				return nil, b.String(), t.ctx.Err()
			}
		}
		calls = append(calls, chunk.ToolCalls...)
	}
	return calls, b.String(), nil
}

func drain(ch <-chan *provider.StreamChunk) {
	for range ch {
	}
}

// delegateResearch runs the workflow and relays its activity. It returns the
// context note for the model and whether the run produced anything usable.
func (l *Loop) delegateResearch(t *turn, intent Intent) (string, bool) {
	if !t.think(0, "Starting multi-agent research on "+intent.Company) {
		return "", false
	}
	l.logger.Info("delegating to research workflow",
		zap.String("company", intent.Company), zap.Strings("goals", intent.Goals))

	hooks := orchestrator.RunHooks{
		OnAgentUpdate: func(u orchestrator.AgentUpdate) { t.emit(stream.TypeAgentUpdate, u) },
		OnToolCall:    func(a orchestrator.ToolActivity) { t.emit(stream.TypeToolCall, a) },
	}
	updates := l.delegate.RunWithHooks(t.ctx, intent.Company, intent.Goals, hooks)

	var note string
	ok := false
	for u := range updates {
		if !t.emit(stream.TypeWorkflowUpdate, orchestrator.ToWire(u)) {
			go stream.Drain(updates)
			return "", false
		}
		switch v := u.(type) {
		case orchestrator.WorkflowComplete:
			t.addSources(v.Summary.Sources)
			note = fmt.Sprintf("Multi-agent research report on %s:\n\n%s", intent.Company, v.Summary.Report)
			ok = true
		case orchestrator.WorkflowError:
			t.think(0, "Research workflow failed: "+v.Error)
			note = fmt.Sprintf("The multi-agent research on %s failed (%s). Answer from general knowledge and say so.",
				intent.Company, v.Error)
			ok = true
		}
	}
	return note, ok
}
