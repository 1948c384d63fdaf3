// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_workflows_started_total",
			Help: "Total number of research workflows started",
		},
	)

	WorkflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_workflows_finished_total",
			Help: "Total number of research workflows finished, by terminal status",
		},
		[]string{"status"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_phase_duration_seconds",
			Help:    "Wall time of a workflow phase join",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_agent_executions_total",
			Help: "Terminal agent task resolutions, by outcome",
		},
		[]string{"agent", "outcome"},
	)

	AgentExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_agent_execution_duration_ms",
			Help:    "Agent task execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"agent"},
	)

	AgentAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_agent_attempts_total",
			Help: "Individual agent attempts including retries",
		},
		[]string{"agent"},
	)

	// Tool metrics
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_tool_invocations_total",
			Help: "Tool invocations, by outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_tool_cache_hits_total",
			Help: "Tool results served from the result cache",
		},
	)

	// Session metrics
	SessionsResident = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentflow_sessions_resident",
			Help: "Number of resident orchestration sessions",
		},
	)

	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_sessions_evicted_total",
			Help: "Sessions evicted to bound memory",
		},
	)

	// Reasoning loop metrics
	ReasoningIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentflow_reasoning_iterations",
			Help:    "Iterations used per reasoning loop invocation",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15},
		},
	)
)
