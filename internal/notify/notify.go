// Package notify posts run completion messages to chat platforms.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/orchestrator"
)

// Notifier delivers a rendered message to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, msg *Message) error
}

// Message is a platform-neutral notification.
type Message struct {
	RunID   string `json:"run_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Failed  bool   `json:"failed"`
}

// Text renders the message as plain text.
func (m *Message) Text() string {
	if m.Content == "" {
		return m.Title
	}
	return m.Title + "\n" + m.Content
}

// Record tracks a sent notification for history.
type Record struct {
	Message *Message  `json:"message"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

const (
	maxHistory = 100
	maxPreview = 1500
)

// Broadcaster fans terminal run updates out to every notifier. It
// implements orchestrator.Observer.
type Broadcaster struct {
	notifiers []Notifier
	mu        sync.Mutex
	history   []Record
	logger    *zap.Logger
}

// NewBroadcaster creates a broadcaster over the given notifiers.
func NewBroadcaster(logger *zap.Logger, notifiers ...Notifier) *Broadcaster {
	return &Broadcaster{notifiers: notifiers, logger: logger}
}

// Platforms returns the configured platform names.
func (b *Broadcaster) Platforms() []string {
	out := make([]string, len(b.notifiers))
	for i, n := range b.notifiers {
		out[i] = n.Platform()
	}
	return out
}

// Observe sends a notification for workflow-complete and workflow-error
// updates and ignores the rest.
func (b *Broadcaster) Observe(ctx context.Context, u orchestrator.Update) error {
	var msg *Message
	switch v := u.(type) {
	case orchestrator.WorkflowComplete:
		msg = &Message{
			RunID: v.RunID,
			Title: fmt.Sprintf("Research on %s complete (%d agents succeeded, %d failed, %s)",
				v.Summary.Company, v.Summary.AgentsSucceeded, v.Summary.AgentsFailed,
				v.Summary.Duration.Round(time.Second)),
			Content: preview(v.Summary.Report),
		}
	case orchestrator.WorkflowError:
		title := fmt.Sprintf("Research on %s failed", v.Company)
		if v.Phase != "" {
			title += " in phase " + string(v.Phase)
		}
		msg = &Message{RunID: v.RunID, Title: title, Content: v.Error, Failed: true}
	default:
		return nil
	}
	return b.Send(ctx, msg)
}

// Send delivers msg to every notifier. Failures on one platform do not stop
// the others; they are combined into the returned error.
func (b *Broadcaster) Send(ctx context.Context, msg *Message) error {
	if msg.Title == "" {
		return fmt.Errorf("notification title is required")
	}
	b.logger.Info("sending run notification",
		zap.String("run_id", msg.RunID),
		zap.Bool("failed", msg.Failed),
		zap.Int("targets", len(b.notifiers)),
	)

	var errs error
	var sent []string
	for _, n := range b.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			b.logger.Error("notify failed", zap.String("platform", n.Platform()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", n.Platform(), err))
			continue
		}
		sent = append(sent, n.Platform())
	}

	b.mu.Lock()
	b.history = append(b.history, Record{Message: msg, SentAt: time.Now(), Targets: sent})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.mu.Unlock()
	return errs
}

// History returns up to limit recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Record, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	return cut(s, maxPreview)
}

// cut shortens s to at most n bytes plus an ellipsis without splitting a
// UTF-8 sequence.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
