package tools

import "time"

// Status is the lifecycle state of a tool call.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Call is one tool invocation made by an agent during its task.
type Call struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input,omitempty"`
	Result   any            `json:"result,omitempty"`
	Status   Status         `json:"status"`
	Duration time.Duration  `json:"duration,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Source is a citation a tool result can contribute to an answer.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Sourcer is implemented by results that carry citations.
type Sourcer interface {
	Sources() []Source
}
