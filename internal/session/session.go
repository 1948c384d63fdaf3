// Package session keeps per-caller orchestration state, bounded by an LRU
// eviction policy.
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/metrics"
)

// DefaultLimit bounds resident sessions when no limit is given.
const DefaultLimit = 100

// Factory builds the state for a new session.
type Factory[T any] func(id string) (T, error)

// Store maps session ids to state. Lookups refresh recency; inserting past
// the limit evicts the least recently used session.
type Store[T any] struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, T]
	factory   Factory[T]
	evictions atomic.Int64
	removing  bool // guarded by mu
	onEvict   func(id string, v T)
	logger    *zap.Logger
}

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithEvictHook registers a callback for evicted sessions.
func WithEvictHook[T any](fn func(id string, v T)) Option[T] {
	return func(s *Store[T]) { s.onEvict = fn }
}

// NewStore creates a store holding at most limit sessions.
func NewStore[T any](limit int, factory Factory[T], logger *zap.Logger, opts ...Option[T]) (*Store[T], error) {
	if factory == nil {
		return nil, errors.New("session: factory is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	s := &Store[T]{factory: factory, logger: logger}
	for _, o := range opts {
		o(s)
	}
	cache, err := lru.NewWithEvict[string, T](limit, s.evicted)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// evicted runs inside cache.Add or cache.Remove, both called with mu held.
func (s *Store[T]) evicted(id string, v T) {
	if !s.removing {
		s.evictions.Add(1)
		metrics.SessionsEvicted.Inc()
		s.logger.Debug("session evicted", zap.String("session", id))
	}
	if s.onEvict != nil {
		s.onEvict(id, v)
	}
}

// Get returns the session for id, creating it on first use.
func (s *Store[T]) Get(id string) (T, error) {
	if v, ok := s.cache.Get(id); ok {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(id); ok {
		return v, nil
	}
	v, err := s.factory(id)
	if err != nil {
		var zero T
		return zero, err
	}
	s.cache.Add(id, v)
	metrics.SessionsResident.Set(float64(s.cache.Len()))
	return v, nil
}

// Peek returns the session without creating it or refreshing its recency.
func (s *Store[T]) Peek(id string) (T, bool) {
	return s.cache.Peek(id)
}

// Remove drops a session. It does not count as an eviction.
func (s *Store[T]) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removing = true
	s.cache.Remove(id)
	s.removing = false
	metrics.SessionsResident.Set(float64(s.cache.Len()))
}

// Len returns the number of resident sessions.
func (s *Store[T]) Len() int { return s.cache.Len() }

// Evictions returns how many sessions were evicted to respect the limit.
func (s *Store[T]) Evictions() int64 { return s.evictions.Load() }

// IDs returns resident session ids from oldest to newest.
func (s *Store[T]) IDs() []string { return s.cache.Keys() }
