// Package apperr classifies failures raised while running agents, tools and
// workflows so that callers can decide whether to retry, fold or escalate.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the failure class of an Error.
type Kind string

const (
	// KindValidation marks bad input to a task or tool call. Never retried.
	KindValidation Kind = "validation"
	// KindToolExecution marks a network, timeout or non-success failure from
	// an external capability. Retried per policy.
	KindToolExecution Kind = "tool_execution"
	// KindAgentTask marks a failure inside an agent's own logic. Retried per
	// policy, then terminal.
	KindAgentTask Kind = "agent_task"
	// KindPhaseUnrecoverable marks a phase in which every assigned agent failed.
	KindPhaseUnrecoverable Kind = "phase_unrecoverable"
	// KindWorkflowAbort marks an unexpected internal fault.
	KindWorkflowAbort Kind = "workflow_abort"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// works as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// New wraps err with the given kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation wraps err as a validation failure.
func Validation(op string, err error) error { return New(KindValidation, op, err) }

// Validationf builds a validation failure from a format string.
func Validationf(op, format string, args ...any) error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// ToolExecution wraps err as a tool execution failure.
func ToolExecution(op string, err error) error { return New(KindToolExecution, op, err) }

// AgentTask wraps err as an agent task failure.
func AgentTask(op string, err error) error { return New(KindAgentTask, op, err) }

// KindOf reports the kind of err. Unclassified errors count as agent task
// failures; deadline and network errors count as tool execution failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindToolExecution
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindToolExecution
	}
	return KindAgentTask
}

// Retryable reports whether a failure of this class may be retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindToolExecution, KindAgentTask:
		return true
	default:
		return false
	}
}
