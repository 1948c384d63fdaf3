// Package stream carries typed events from a producer to a single consumer
// over a bounded channel and enforces that nothing follows the terminal event.
package stream

import (
	"context"
	"errors"
	"sync"
)

// Type is the discriminant of an Envelope on the wire.
type Type string

const (
	TypeReasoning      Type = "reasoning"
	TypeToolCall       Type = "tool-call"
	TypeContent        Type = "content"
	TypeSources        Type = "sources"
	TypeWorkflowUpdate Type = "workflow-update"
	TypeAgentUpdate    Type = "agent-update"
	TypeStep           Type = "step"
	TypeLog            Type = "log"
	TypeFinalAnswer    Type = "finalAnswer"
	TypeDone           Type = "done"
)

// Envelope is the transport framing of one event.
type Envelope struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// ErrClosed is returned by Send after the terminal event went out or the
// pipe was closed.
var ErrClosed = errors.New("stream: closed")

// DefaultBuffer is the channel capacity used when none is given.
const DefaultBuffer = 64

// Pipe is a bounded queue feeding one consumer. Producers call Send, which
// is safe from several goroutines, and eventually Close; the consumer ranges
// over C. Once a terminal value is
// sent, further sends fail with ErrClosed and the channel is closed.
type Pipe[T any] struct {
	ch       chan T
	terminal func(T) bool

	mu     sync.Mutex
	closed bool
}

// NewPipe creates a pipe. terminal reports whether a value ends the stream.
func NewPipe[T any](buffer int, terminal func(T) bool) *Pipe[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Pipe[T]{ch: make(chan T, buffer), terminal: terminal}
}

// C is the consumer side.
func (p *Pipe[T]) C() <-chan T { return p.ch }

// Send delivers v, blocking while the buffer is full. It fails when the
// context ends first, which is how a disconnected consumer stops the
// producer.
func (p *Pipe[T]) Send(ctx context.Context, v T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.ch <- v:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.terminal != nil && p.terminal(v) {
		p.closed = true
		close(p.ch)
	}
	return nil
}

// Closed reports whether the terminal event has been sent.
func (p *Pipe[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close ends the stream without a terminal event. It is safe to call more
// than once.
func (p *Pipe[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}

// Drain discards whatever is left so a producer blocked on Send can finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
