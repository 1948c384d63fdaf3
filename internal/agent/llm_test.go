package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/provider"
	"github.com/nidhogg/agentflow/internal/tools"
)

// scriptedChat replays canned responses in order.
type scriptedChat struct {
	replies []*provider.ChatResponse
	err     error
	reqs    []*provider.ChatRequest
}

func (s *scriptedChat) Route(_ context.Context, _ string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	cp := *req
	cp.Messages = append([]provider.Message(nil), req.Messages...)
	s.reqs = append(s.reqs, &cp)
	if s.err != nil {
		return nil, s.err
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r, nil
}

func TestLLMAgentToolLoopCollectsSources(t *testing.T) {
	reg := tools.NewRegistry(tools.Options{}, zap.NewNop())
	require.NoError(t, reg.Register(tools.Tool{
		Name: "web_search",
		Handler: func(context.Context, map[string]any) (any, error) {
			return tools.SearchResults{{Title: "Acme", URL: "https://acme.example"}}, nil
		},
	}))

	chat := &scriptedChat{replies: []*provider.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []provider.ToolCall{{
				ID: "call_1", Type: "function",
				Function: provider.ToolCallFunction{Name: "web_search", Arguments: `{"query":"acme"}`},
			}},
		},
		{Content: "Acme Corp makes anvils.", FinishReason: "stop"},
	}}

	a := NewLLMAgent(Descriptor{Name: "research"}, "be factual", chat, "default", true)
	out, err := a.Execute(context.Background(), Input{Company: "Acme Corp", Goals: []string{"history"}}, reg.Invoker(nil))
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp makes anvils.", out.Content)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, []tools.Source{{Title: "Acme", URL: "https://acme.example"}}, out.Sources)

	require.Len(t, chat.reqs, 2)
	assert.NotEmpty(t, chat.reqs[0].Tools)
	last := chat.reqs[1].Messages
	assert.Equal(t, "tool", last[len(last)-1].Role)
	assert.Equal(t, "call_1", last[len(last)-1].ToolCallID)
	assert.Contains(t, chat.reqs[0].Messages[1].Content, "- history")
}

func TestLLMAgentWithoutToolsSendsNoDefinitions(t *testing.T) {
	reg := tools.NewRegistry(tools.Options{}, zap.NewNop())
	require.NoError(t, reg.Register(tools.Tool{Name: "x", Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
	chat := &scriptedChat{replies: []*provider.ChatResponse{{Content: "risky", FinishReason: "stop"}}}

	a := NewLLMAgent(Descriptor{Name: "risk"}, "p", chat, "m", false)
	_, err := a.Execute(context.Background(), Input{Company: "Acme", Prior: map[string]string{"news": "layoffs"}}, reg.Invoker(nil))
	require.NoError(t, err)
	assert.Empty(t, chat.reqs[0].Tools)
	assert.True(t, strings.Contains(chat.reqs[0].Messages[1].Content, "## news"))
}

func TestLLMAgentErrorsAreClassified(t *testing.T) {
	a := NewLLMAgent(Descriptor{Name: "news"}, "p", &scriptedChat{err: errors.New("503")}, "m", false)

	_, err := a.Execute(context.Background(), Input{Company: " "}, nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = a.Execute(context.Background(), Input{Company: "Acme"}, nil)
	assert.Equal(t, apperr.KindToolExecution, apperr.KindOf(err))

	empty := NewLLMAgent(Descriptor{Name: "news"}, "p", &scriptedChat{replies: []*provider.ChatResponse{{FinishReason: "stop"}}}, "m", false)
	_, err = empty.Execute(context.Background(), Input{Company: "Acme"}, nil)
	assert.Equal(t, apperr.KindAgentTask, apperr.KindOf(err))
}

func TestDefaultAgentsAndProfileOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "writing"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "writing", "PROMPT.md"), []byte("  Write in haiku.  "), 0o644))

	agents := DefaultAgents(&scriptedChat{}, "default", dir)
	require.Len(t, agents, 14)

	names := map[string]bool{}
	for _, a := range agents {
		names[a.Descriptor().Name] = true
	}
	for _, n := range []string{"research", "news", "product", "market", "contact", "financial",
		"competitive", "risk", "opportunity", "synthesis", "strategy", "writing", "validation", "quality"} {
		assert.True(t, names[n], "missing agent %s", n)
	}

	for _, a := range agents {
		if a.Descriptor().Name == "writing" {
			assert.Equal(t, "Write in haiku.", a.(*LLMAgent).prompt)
		}
	}
	assert.Equal(t, "", LoadProfile("", "writing"))
	assert.Equal(t, "", LoadProfile(dir, "news"))
}

func TestDescriptorIsCopied(t *testing.T) {
	a := NewLLMAgent(Descriptor{Name: "n", Capabilities: []string{"web-search"}}, "p", nil, "m", false)
	d := a.Descriptor()
	d.Capabilities[0] = "mutated"
	assert.True(t, a.Descriptor().HasCapability("web-search"))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate("ab€€€", 4)
	assert.Equal(t, "ab...", got)
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("😀", 500), 1500)))
	assert.Equal(t, "short", truncate("short", 10))
}
