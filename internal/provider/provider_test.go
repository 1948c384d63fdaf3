package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-test" {
			t.Errorf("model = %q, want default mapped to gpt-test", req.Model)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "resp-1",
			"model": "gpt-test",
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "hello"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL + "/", APIKey: "sk-test", Models: []string{"gpt-test"}}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Model: "default", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestOpenAIChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
}

func TestOpenAIChatStreamAssemblesToolCalls(t *testing.T) {
	frames := []string{
		`{"choices":[{"delta":{"content":"Let me "}}]}`,
		`{"choices":[{"delta":{"content":"check."}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"query\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"acme\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	ch, err := p.ChatStream(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var content strings.Builder
	var last *StreamChunk
	for c := range ch {
		content.WriteString(c.Content)
		last = c
	}
	if content.String() != "Let me check." {
		t.Errorf("content = %q", content.String())
	}
	if last == nil || !last.Done {
		t.Fatal("expected a final done chunk")
	}
	if last.FinishReason != "tool_calls" || len(last.ToolCalls) != 1 {
		t.Fatalf("final chunk = %+v", last)
	}
	tc := last.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "web_search" || tc.Function.Arguments != `{"query":"acme"}` {
		t.Errorf("assembled call = %+v", tc)
	}
}

type stubProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}
func (s *stubProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *StreamChunk, 1)
	ch <- &StreamChunk{Content: s.reply, Done: true}
	close(ch)
	return ch, nil
}

func TestRouterFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubProvider{id: "a", err: errors.New("down")}
	backup := &stubProvider{id: "b", reply: "from backup"}
	r.Register(primary)
	r.Register(backup)
	r.SetFallbacks("research", []string{"b"})

	resp, err := r.Route(context.Background(), "research", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q", resp.Content)
	}

	if _, err := r.Route(context.Background(), "news", &ChatRequest{}); err == nil {
		t.Error("expected failure without fallbacks")
	}
}

func TestRouterPrefer(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &stubProvider{id: "a", reply: "a"}
	b := &stubProvider{id: "b", reply: "b"}
	r.Register(a)
	r.Register(b)

	if err := r.Prefer("assistant", "missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if err := r.Prefer("assistant", "b"); err != nil {
		t.Fatalf("prefer: %v", err)
	}
	resp, _ := r.Route(context.Background(), "assistant", &ChatRequest{})
	if resp.Content != "b" {
		t.Errorf("preferred provider not used, got %q", resp.Content)
	}

	ch, err := r.RouteStream(context.Background(), "other", &ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if c := <-ch; c.Content != "a" {
		t.Errorf("default provider not used for stream, got %q", c.Content)
	}
}

func TestRouterNoProviders(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Route(context.Background(), "x", &ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
}
