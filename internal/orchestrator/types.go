package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/agentflow/internal/agent"
	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/tools"
)

// PhaseName identifies one of the fixed workflow phases.
type PhaseName string

const (
	PhaseInitialResearch  PhaseName = "initial-research"
	PhaseDeepAnalysis     PhaseName = "deep-analysis"
	PhaseSynthesis        PhaseName = "synthesis"
	PhaseQualityAssurance PhaseName = "quality-assurance"
)

// PhaseSpec declares a phase and the agents assigned to it.
type PhaseSpec struct {
	Name   PhaseName
	Agents []string
}

// DefaultPhases is the fixed phase order.
func DefaultPhases() []PhaseSpec {
	return []PhaseSpec{
		{Name: PhaseInitialResearch, Agents: []string{"research", "news", "product", "market", "contact"}},
		{Name: PhaseDeepAnalysis, Agents: []string{"financial", "competitive", "risk", "opportunity"}},
		{Name: PhaseSynthesis, Agents: []string{"synthesis", "strategy", "writing"}},
		{Name: PhaseQualityAssurance, Agents: []string{"validation", "quality"}},
	}
}

// PhaseStatus tracks a phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseError     PhaseStatus = "error"
)

// RunStatus tracks a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// AgentResult is one agent's folded outcome inside a phase. A failed agent
// is kept as a marker with Error set and no Output.
type AgentResult struct {
	Agent    string           `json:"agent"`
	Status   agent.TaskStatus `json:"status"`
	Output   string           `json:"output,omitempty"`
	Sources  []tools.Source   `json:"sources,omitempty"`
	Error    string           `json:"error,omitempty"`
	Attempts int              `json:"attempts"`
	Duration time.Duration    `json:"duration"`
}

// Succeeded reports whether the agent produced output.
func (r AgentResult) Succeeded() bool { return r.Status == agent.TaskSucceeded }

// Phase is the runtime state of one phase.
type Phase struct {
	Name           PhaseName              `json:"name"`
	AssignedAgents []string               `json:"assigned_agents"`
	Status         PhaseStatus            `json:"status"`
	Results        map[string]AgentResult `json:"results,omitempty"`
}

// WorkflowRun is one end-to-end execution. It is owned by the goroutine
// driving it and discarded when the stream closes.
type WorkflowRun struct {
	ID          string     `json:"id"`
	CompanyName string     `json:"company_name"`
	Goals       []string   `json:"goals,omitempty"`
	Phases      []*Phase   `json:"phases"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary closes a successful run.
type Summary struct {
	RunID           string         `json:"run_id"`
	Company         string         `json:"company"`
	Report          string         `json:"report"`
	PhasesCompleted int            `json:"phases_completed"`
	AgentsSucceeded int            `json:"agents_succeeded"`
	AgentsFailed    int            `json:"agents_failed"`
	Sources         []tools.Source `json:"sources,omitempty"`
	Duration        time.Duration  `json:"duration"`
}

// UpdateKind is the discriminant of an Update.
type UpdateKind string

const (
	KindWorkflowStart    UpdateKind = "workflow-start"
	KindPhaseStart       UpdateKind = "phase-start"
	KindPhaseComplete    UpdateKind = "phase-complete"
	KindWorkflowError    UpdateKind = "workflow-error"
	KindWorkflowComplete UpdateKind = "workflow-complete"
)

// Update is a workflow event. The set of implementations is closed to this
// package.
type Update interface {
	Kind() UpdateKind
	Run() string
	isUpdate()
}

type WorkflowStart struct {
	RunID   string      `json:"run_id"`
	Company string      `json:"company"`
	Goals   []string    `json:"goals,omitempty"`
	Phases  []PhaseName `json:"phases"`
	At      time.Time   `json:"at"`
}

type PhaseStart struct {
	RunID  string    `json:"run_id"`
	Phase  PhaseName `json:"phase"`
	Agents []string  `json:"agents"`
}

type PhaseComplete struct {
	RunID    string                 `json:"run_id"`
	Phase    PhaseName              `json:"phase"`
	Results  map[string]AgentResult `json:"results"`
	Duration time.Duration          `json:"duration"`
}

type WorkflowError struct {
	RunID   string      `json:"run_id"`
	Company string      `json:"company"`
	Phase   PhaseName   `json:"phase,omitempty"`
	Error   string      `json:"error"`
	Class   apperr.Kind `json:"class"`
}

type WorkflowComplete struct {
	RunID   string  `json:"run_id"`
	Summary Summary `json:"summary"`
}

func (WorkflowStart) Kind() UpdateKind    { return KindWorkflowStart }
func (PhaseStart) Kind() UpdateKind       { return KindPhaseStart }
func (PhaseComplete) Kind() UpdateKind    { return KindPhaseComplete }
func (WorkflowError) Kind() UpdateKind    { return KindWorkflowError }
func (WorkflowComplete) Kind() UpdateKind { return KindWorkflowComplete }

func (u WorkflowStart) Run() string    { return u.RunID }
func (u PhaseStart) Run() string       { return u.RunID }
func (u PhaseComplete) Run() string    { return u.RunID }
func (u WorkflowError) Run() string    { return u.RunID }
func (u WorkflowComplete) Run() string { return u.RunID }

func (WorkflowStart) isUpdate()    {}
func (PhaseStart) isUpdate()       {}
func (PhaseComplete) isUpdate()    {}
func (WorkflowError) isUpdate()    {}
func (WorkflowComplete) isUpdate() {}

// IsTerminal reports whether u ends a run.
func IsTerminal(u Update) bool {
	switch u.(type) {
	case WorkflowComplete, WorkflowError:
		return true
	default:
		return false
	}
}

// Wire is the JSON form of an Update.
type Wire struct {
	Type UpdateKind `json:"type"`
	Data Update     `json:"data"`
}

// ToWire wraps u for encoding.
func ToWire(u Update) Wire { return Wire{Type: u.Kind(), Data: u} }

// Decode rebuilds an Update from its kind and JSON payload.
func Decode(kind UpdateKind, data []byte) (Update, error) {
	var (
		u   Update
		err error
	)
	switch kind {
	case KindWorkflowStart:
		var v WorkflowStart
		err = json.Unmarshal(data, &v)
		u = v
	case KindPhaseStart:
		var v PhaseStart
		err = json.Unmarshal(data, &v)
		u = v
	case KindPhaseComplete:
		var v PhaseComplete
		err = json.Unmarshal(data, &v)
		u = v
	case KindWorkflowError:
		var v WorkflowError
		err = json.Unmarshal(data, &v)
		u = v
	case KindWorkflowComplete:
		var v WorkflowComplete
		err = json.Unmarshal(data, &v)
		u = v
	default:
		return nil, fmt.Errorf("decode update: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return u, nil
}

// AgentUpdate reports a task status transition during a run.
type AgentUpdate struct {
	RunID   string           `json:"run_id"`
	Phase   PhaseName        `json:"phase"`
	Agent   string           `json:"agent"`
	TaskID  string           `json:"task_id"`
	Status  agent.TaskStatus `json:"status"`
	Attempt int              `json:"attempt"`
	Error   string           `json:"error,omitempty"`
}

// ToolActivity reports a tool call made by an agent during a run.
type ToolActivity struct {
	RunID  string     `json:"run_id"`
	Phase  PhaseName  `json:"phase"`
	Agent  string     `json:"agent"`
	TaskID string     `json:"task_id"`
	Call   tools.Call `json:"call"`
}

// RunHooks receive intermediate task activity. They are called concurrently
// from task goroutines and must not block for long.
type RunHooks struct {
	OnAgentUpdate func(AgentUpdate)
	OnToolCall    func(ToolActivity)
}
