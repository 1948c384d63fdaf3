package reasoning

import (
	"github.com/nidhogg/agentflow/internal/stream"
	"github.com/nidhogg/agentflow/internal/tools"
)

// Step is the payload of a reasoning event.
type Step struct {
	Iteration int    `json:"iteration"`
	Thought   string `json:"thought"`
}

// LogEntry is the payload of a log event.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Message is the payload of the done event: the assembled answer.
type Message struct {
	Content   string         `json:"content"`
	Sources   []tools.Source `json:"sources,omitempty"`
	Reasoning []string       `json:"reasoning,omitempty"`
}

func isDone(e stream.Envelope) bool { return e.Type == stream.TypeDone }
