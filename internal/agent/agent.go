// Package agent defines the narrow-purpose research agents and the runner
// that executes one agent's work with a timeout, bounded retries and stats.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/agentflow/internal/tools"
)

// Descriptor identifies an agent. It is immutable once registered.
type Descriptor struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the agent declares c.
func (d Descriptor) HasCapability(c string) bool {
	for _, x := range d.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

func (d Descriptor) clone() Descriptor {
	d.Capabilities = append([]string(nil), d.Capabilities...)
	return d
}

// Input is what an agent receives for one task.
type Input struct {
	Company string   `json:"company"`
	Goals   []string `json:"goals,omitempty"`
	Phase   string   `json:"phase"`
	// Prior holds the outputs of earlier phases keyed by agent name.
	Prior map[string]string `json:"prior,omitempty"`
}

// Output is what an agent produces for one task.
type Output struct {
	Agent     string         `json:"agent"`
	Content   string         `json:"content"`
	Sources   []tools.Source `json:"sources,omitempty"`
	ToolCalls int            `json:"tool_calls"`
}

// Agent is a named unit of work.
type Agent interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, in Input, inv *tools.Invoker) (*Output, error)
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued         TaskStatus = "queued"
	TaskRunning        TaskStatus = "running"
	TaskSucceeded      TaskStatus = "succeeded"
	TaskFailedRetrying TaskStatus = "failed-retrying"
	TaskFailedTerminal TaskStatus = "failed-terminal"
)

// Terminal reports whether no further transitions follow.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailedTerminal
}

// Task is one agent's attempt sequence inside one phase.
type Task struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	AgentName   string     `json:"agent_name"`
	Phase       string     `json:"phase"`
	Input       Input      `json:"-"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempt     int        `json:"attempt"`
	Err         error      `json:"-"`
}

// Error returns the task's error text, if any.
func (t *Task) Error() string {
	if t.Err == nil {
		return ""
	}
	return t.Err.Error()
}

// Registry holds agents by name. Agents are registered once at startup.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates a registry holding the given agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent. Names must be unique.
func (r *Registry) Register(a Agent) error {
	name := a.Descriptor().Name
	if name == "" {
		return fmt.Errorf("register agent: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.agents[name]; dup {
		return fmt.Errorf("register agent: %q already registered", name)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Descriptors returns copies of every descriptor in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name].Descriptor().clone())
	}
	return out
}
