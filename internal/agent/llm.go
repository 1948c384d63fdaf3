package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/agentflow/internal/apperr"
	"github.com/nidhogg/agentflow/internal/provider"
	"github.com/nidhogg/agentflow/internal/tools"
)

const maxToolRounds = 5

// LLMAgent answers its task by prompting a model, letting it call tools for
// up to maxToolRounds rounds.
type LLMAgent struct {
	desc   Descriptor
	prompt string
	chat   provider.Chatter
	model  string
	// useTools is false for agents that only work on prior phase output.
	useTools bool
}

// NewLLMAgent creates an agent backed by chat.
func NewLLMAgent(desc Descriptor, prompt string, chat provider.Chatter, model string, useTools bool) *LLMAgent {
	return &LLMAgent{desc: desc.clone(), prompt: prompt, chat: chat, model: model, useTools: useTools}
}

func (a *LLMAgent) Descriptor() Descriptor { return a.desc.clone() }

// Execute runs the prompt/tool loop for one task.
func (a *LLMAgent) Execute(ctx context.Context, in Input, inv *tools.Invoker) (*Output, error) {
	if strings.TrimSpace(in.Company) == "" {
		return nil, apperr.Validationf(a.desc.Name, "company name is required")
	}

	req := &provider.ChatRequest{
		Model: a.model,
		Messages: []provider.Message{
			{Role: "system", Content: a.prompt},
			{Role: "user", Content: buildTaskPrompt(in)},
		},
		MaxTokens: 2048,
	}
	if a.useTools && inv != nil {
		if defs := inv.Definitions(); len(defs) > 0 {
			req.Tools = defs
			req.ToolChoice = "auto"
		}
	}

	out := &Output{Agent: a.desc.Name}
	seen := make(map[string]bool)
	var resp *provider.ChatResponse
	for round := 0; round < maxToolRounds; round++ {
		var err error
		resp, err = a.chat.Route(ctx, a.desc.Name, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperr.ToolExecution("llm "+a.desc.Name, err)
		}
		if len(resp.ToolCalls) == 0 || resp.FinishReason != "tool_calls" {
			break
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			out.ToolCalls++
			result, raw, err := inv.Invoke(ctx, tc.ID, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				result = fmt.Sprintf(`{"error":%q}`, err.Error())
			}
			if s, ok := raw.(tools.Sourcer); ok {
				for _, src := range s.Sources() {
					if !seen[src.URL] {
						seen[src.URL] = true
						out.Sources = append(out.Sources, src)
					}
				}
			}
			req.Messages = append(req.Messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	out.Content = strings.TrimSpace(resp.Content)
	if out.Content == "" {
		return nil, apperr.AgentTask(a.desc.Name, fmt.Errorf("empty answer"))
	}
	return out, nil
}

func buildTaskPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s\n", in.Company)
	if in.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", in.Phase)
	}
	if len(in.Goals) > 0 {
		b.WriteString("Research goals:\n")
		for _, g := range in.Goals {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	if len(in.Prior) > 0 {
		b.WriteString("\nFindings from earlier phases:\n")
		names := make([]string, 0, len(in.Prior))
		for n := range in.Prior {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "\n## %s\n%s\n", n, truncate(in.Prior[n], 1500))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
