package reasoning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/provider"
)

const (
	defaultHistoryTokens = 8000
	maxToolResultChars   = 2000
)

// History is the conversation carried between messages of one session. When
// it grows past its token budget the older half is folded into a summary.
type History struct {
	mu         sync.Mutex
	msgs       []provider.Message
	maxTokens  int
	summarizer provider.Chatter
	logger     *zap.Logger
}

// NewHistory creates a history. summarizer may be nil, in which case old
// turns are dropped instead of summarized.
func NewHistory(maxTokens int, summarizer provider.Chatter, logger *zap.Logger) *History {
	if maxTokens <= 0 {
		maxTokens = defaultHistoryTokens
	}
	return &History{maxTokens: maxTokens, summarizer: summarizer, logger: logger}
}

// Messages returns a copy of the current history.
func (h *History) Messages() []provider.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]provider.Message(nil), h.msgs...)
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Append adds messages and compresses if the budget is exceeded.
func (h *History) Append(ctx context.Context, msgs ...provider.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
	for estimateTokens(h.msgs) > h.maxTokens && len(h.msgs) > 2 {
		before := len(h.msgs)
		h.compress(ctx)
		if len(h.msgs) >= before {
			break
		}
	}
}

// compress replaces the older half of the history with a summary. It falls
// back to plain truncation when no summarizer is set or it fails.
func (h *History) compress(ctx context.Context) {
	cut := len(h.msgs) / 2
	old := h.msgs[:cut]

	summary, err := h.summarize(ctx, old)
	if err != nil {
		h.logger.Warn("history summarization failed, truncating", zap.Error(err))
		h.msgs = append([]provider.Message(nil), h.msgs[cut:]...)
		return
	}
	rest := h.msgs[cut:]
	h.msgs = append([]provider.Message{{
		Role:    "system",
		Content: "[Conversation summary]\n" + summary,
	}}, rest...)
}

func (h *History) summarize(ctx context.Context, msgs []provider.Message) (string, error) {
	if h.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, m.Content)
	}
	resp, err := h.summarizer.Route(ctx, "_compressor", &provider.ChatRequest{
		Model: "default",
		Messages: []provider.Message{{
			Role:    "user",
			Content: "Summarize this conversation concisely, keeping names, numbers and conclusions:\n\n" + b.String(),
		}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}

func estimateTokens(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokensStr(m.Content)
	}
	return total
}

// estimateTokensStr uses the rough four characters per token heuristic.
func estimateTokensStr(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n...[truncated]"
}
