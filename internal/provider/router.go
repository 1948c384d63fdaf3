package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes requests per agent.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // agentID -> providerID
	fallbacks map[string][]string // agentID -> fallback provider chain
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router. The first one becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetFallbacks configures fallback providers for an agent.
func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = providerIDs
}

// Prefer binds an agent to a provider. It fails when the provider is unknown
// so callers can treat preferences as best effort.
func (r *Router) Prefer(agentID, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerID]; !ok {
		return fmt.Errorf("prefer %s: unknown provider %q", agentID, providerID)
	}
	r.bindings[agentID] = providerID
	return nil
}

// Route sends a chat request through the agent's provider, walking the
// fallback chain on failure.
func (r *Router) Route(ctx context.Context, agentID string, req *ChatRequest) (*ChatResponse, error) {
	primary, chain := r.resolve(agentID)
	if primary == nil {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("agent", agentID), zap.Error(err))

	for _, fb := range chain {
		if ctx.Err() != nil {
			break
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, err)
}

// RouteStream opens a streaming chat request on the agent's provider. Only
// the opening handshake falls back; a stream that breaks mid-way reports the
// failure on its last chunk.
func (r *Router) RouteStream(ctx context.Context, agentID string, req *ChatRequest) (<-chan *StreamChunk, error) {
	primary, chain := r.resolve(agentID)
	if primary == nil {
		return nil, fmt.Errorf("no provider available for agent %s", agentID)
	}
	ch, err := primary.ChatStream(ctx, req)
	if err == nil {
		return ch, nil
	}
	for _, fb := range chain {
		if ch, err = fb.ChatStream(ctx, req); err == nil {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("open stream for agent %s: %w", agentID, err)
}

func (r *Router) resolve(agentID string) (Provider, []Provider) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var primary Provider
	if pid, ok := r.bindings[agentID]; ok {
		primary = r.providers[pid]
	}
	if primary == nil {
		primary = r.providers[r.defaults]
	}
	var chain []Provider
	for _, id := range r.fallbacks[agentID] {
		if p, ok := r.providers[id]; ok && p != primary {
			chain = append(chain, p)
		}
	}
	return primary, chain
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
