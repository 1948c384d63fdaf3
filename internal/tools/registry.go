// Package tools validates and runs the named external capabilities agents
// reach through function calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/metrics"
	"github.com/nidhogg/agentflow/internal/provider"
)

// Handler executes a tool with already validated parameters.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Tool is a registered capability.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
	// RateLimit caps invocations per second; zero means unlimited.
	RateLimit rate.Limit
	Burst     int
	// NoCache excludes the tool from result caching.
	NoCache bool

	schema *jsonschema.Schema
}

// Request is one member of a batch.
type Request struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// Result is the outcome of one batch member.
type Result struct {
	Tool     string        `json:"tool"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// ToolStats mirrors the agent stats shape for a tool.
type ToolStats struct {
	Name            string        `json:"name"`
	InvocationCount int64         `json:"invocation_count"`
	SuccessCount    int64         `json:"success_count"`
	SuccessRate     float64       `json:"success_rate"`
	AvgLatency      time.Duration `json:"avg_latency"`
}

// Options tune the registry.
type Options struct {
	EnableCache bool
	CacheSize   int
	CacheTTL    time.Duration
	// BatchLimit bounds concurrently running batch members; zero means no bound.
	BatchLimit int
}

// Registry holds tools and their handlers.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	order    []string
	limiters map[string]*rate.Limiter
	stats    map[string]*ToolStats
	cache    *resultCache
	opts     Options
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	r := &Registry{
		tools:    make(map[string]*Tool),
		limiters: make(map[string]*rate.Limiter),
		stats:    make(map[string]*ToolStats),
		opts:     opts,
		logger:   logger,
	}
	if opts.EnableCache {
		r.cache = newResultCache(opts.CacheSize, opts.CacheTTL)
	}
	return r
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("register tool: name and handler are required")
	}
	if t.Schema == nil {
		t.Schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	sch, err := CompileSchema(t.Name, t.Schema)
	if err != nil {
		return fmt.Errorf("register tool: %w", err)
	}
	t.schema = sch

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register tool: %q already registered", t.Name)
	}
	r.tools[t.Name] = &t
	r.order = append(r.order, t.Name)
	r.stats[t.Name] = &ToolStats{Name: t.Name}
	if t.RateLimit > 0 {
		burst := t.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[t.Name] = rate.NewLimiter(t.RateLimit, burst)
	}
	return nil
}

// SetRateLimit replaces the limiter of a registered tool.
func (r *Registry) SetRateLimit(name string, limit rate.Limit, burst int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("set rate limit: unknown tool %q", name)
	}
	if burst <= 0 {
		burst = 1
	}
	r.limiters[name] = rate.NewLimiter(limit, burst)
	return nil
}

func (r *Registry) lookup(name string) (*Tool, *rate.Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, r.limiters[name], ok
}

// Execute validates and runs one tool. Unknown names and invalid parameters
// fail before the handler is reached.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (any, error) {
	t, limiter, ok := r.lookup(name)
	if !ok {
		return nil, apperr.Validationf("execute", "unknown tool %q", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := validateParams(t.schema, params); err != nil {
		return nil, apperr.Validation("execute "+name, err)
	}

	var key string
	if r.cache != nil && !t.NoCache {
		key = cacheKey(name, params)
		if key != "" {
			if out, hit := r.cache.get(key); hit {
				metrics.ToolCacheHits.Inc()
				return out, nil
			}
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, apperr.ToolExecution("rate limit "+name, err)
		}
	}

	start := time.Now()
	out, err := t.Handler(ctx, params)
	r.observe(name, time.Since(start), err)
	if err != nil {
		var classified *apperr.Error
		if !errors.As(err, &classified) {
			err = apperr.ToolExecution(name, err)
		}
		r.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
		return nil, err
	}
	if key != "" {
		r.cache.put(key, out)
	}
	return out, nil
}

// ExecuteBatch runs every request concurrently and returns results in input
// order. A failing member does not cancel its siblings.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Request) []Result {
	results := make([]Result, len(calls))
	var g errgroup.Group
	if r.opts.BatchLimit > 0 {
		g.SetLimit(r.opts.BatchLimit)
	}
	for i, c := range calls {
		g.Go(func() error {
			start := time.Now()
			out, err := r.Execute(ctx, c.Tool, c.Parameters)
			res := Result{Tool: c.Tool, Output: out, Duration: time.Since(start), Err: err}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) observe(name string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ToolInvocations.WithLabelValues(name, outcome).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[name]
	s.InvocationCount++
	if err == nil {
		s.SuccessCount++
	}
	n := s.InvocationCount
	s.AvgLatency = time.Duration((float64(s.AvgLatency)*float64(n-1) + float64(d)) / float64(n))
	s.SuccessRate = float64(s.SuccessCount) / float64(n)
}

// Definitions returns the function-calling definitions for an LLM request.
func (r *Registry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return defs
}

// Stats returns per-tool statistics sorted by name.
func (r *Registry) Stats() []ToolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary is the plain listing entry.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// List renders the registry as "list", "llm" or "statistics".
func (r *Registry) List(format string) (any, error) {
	switch format {
	case "", "list":
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]Summary, 0, len(r.order))
		for _, name := range r.order {
			out = append(out, Summary{Name: name, Description: r.tools[name].Description})
		}
		return out, nil
	case "llm":
		return r.Definitions(), nil
	case "statistics":
		return r.Stats(), nil
	default:
		return nil, apperr.Validationf("list tools", "unknown format %q", format)
	}
}

// ErrInvokerClosed is returned by Invoke once the invoker was closed.
var ErrInvokerClosed = errors.New("tools: invoker closed")

// Invoker binds the registry to an observer that sees every call as it
// progresses. It is what agents hold while they run.
type Invoker struct {
	reg      *Registry
	observer func(Call)

	mu     sync.RWMutex
	closed bool
}

// Invoker returns an invoker reporting to observer. A nil observer is allowed.
func (r *Registry) Invoker(observer func(Call)) *Invoker {
	return &Invoker{reg: r, observer: observer}
}

// Close stops the invoker. Later Invoke calls fail without running the tool
// and calls still in flight are no longer reported. Once Close returns the
// observer is not running and will not be called again.
func (in *Invoker) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
}

func (in *Invoker) isClosed() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.closed
}

// Definitions proxies to the registry.
func (in *Invoker) Definitions() []provider.Tool { return in.reg.Definitions() }

// Invoke runs a tool from raw JSON arguments as produced by an LLM and
// returns the JSON encoded output.
func (in *Invoker) Invoke(ctx context.Context, id, name, args string) (string, any, error) {
	if in.isClosed() {
		return "", nil, apperr.ToolExecution(name, ErrInvokerClosed)
	}
	call := Call{ID: id, Name: name, Status: StatusPending}
	params := map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			err = apperr.Validation("decode arguments for "+name, err)
			call.Status, call.Error = StatusError, err.Error()
			in.emit(call)
			return "", nil, err
		}
	}
	call.Input = params
	call.Status = StatusInProgress
	in.emit(call)

	start := time.Now()
	out, err := in.reg.Execute(ctx, name, params)
	call.Duration = time.Since(start)
	if err != nil {
		call.Status, call.Error = StatusError, err.Error()
		in.emit(call)
		return "", nil, err
	}
	call.Status, call.Result = StatusSuccess, out
	in.emit(call)

	b, err := json.Marshal(out)
	if err != nil {
		return "", out, fmt.Errorf("encode %s result: %w", name, err)
	}
	return string(b), out, nil
}

func (in *Invoker) emit(c Call) {
	if in.observer == nil {
		return
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	if !in.closed {
		in.observer(c)
	}
}
