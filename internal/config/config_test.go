package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadJSONWithEnv(t *testing.T) {
	t.Setenv("AGENTFLOW_TEST_KEY", "sk-live")
	dir := t.TempDir()
	path := filepath.Join(dir, "agentflow.json")
	body := `{
		"server": {"port": 9090},
		"providers": [{"id": "main", "type": "openai", "api_key": "${AGENTFLOW_TEST_KEY}", "endpoint": "${AGENTFLOW_MISSING:http://localhost:1234/v1}"}],
		"orchestration": {"agent_timeout_ms": 1500, "max_retries": 4, "enable_cache": true}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-live" {
		t.Errorf("api key = %q, want substituted env value", got)
	}
	if got := cfg.Providers[0].Endpoint; got != "http://localhost:1234/v1" {
		t.Errorf("endpoint = %q, want default", got)
	}

	opts := cfg.Options()
	if opts.AgentTimeout != 1500*time.Millisecond {
		t.Errorf("timeout = %v", opts.AgentTimeout)
	}
	if opts.MaxRetries != 4 || !opts.EnableCache {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.MaxIterations != 10 || opts.SessionLimit != 100 {
		t.Errorf("defaults not applied: %+v", opts)
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
server:
  port: 7000
orchestration:
  max_iterations: 3
  max_parallel_agents: 2
tools:
  rate_limits:
    web_search: "5/s"
notify:
  slack:
    enabled: true
    channel_id: C123
`)
	cfg, err := Parse(data, ".yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Orchestration.MaxIterations != 3 || cfg.Orchestration.MaxParallelAgents != 2 {
		t.Errorf("orchestration = %+v", cfg.Orchestration)
	}
	if cfg.Tools.RateLimits["web_search"] != "5/s" {
		t.Errorf("rate limits = %v", cfg.Tools.RateLimits)
	}
	if !cfg.Notify.Slack.Enabled || cfg.Notify.Slack.ChannelID != "C123" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
	if cfg.Orchestration.AgentTimeoutMS != 30_000 {
		t.Errorf("default timeout = %d", cfg.Orchestration.AgentTimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in        string
		perSecond float64
		burst     int
		wantErr   bool
	}{
		{"5/s", 5, 5, false},
		{"120/m", 2, 120, false},
		{"2/s:10", 2, 10, false},
		{"0.5/s", 0.5, 1, false},
		{"5", 0, 0, true},
		{"5/d", 0, 0, true},
		{"-1/s", 0, 0, true},
		{"5/s:x", 0, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRate(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRate(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRate(%q): %v", tt.in, err)
			continue
		}
		if got.PerSecond != tt.perSecond || got.Burst != tt.burst {
			t.Errorf("ParseRate(%q) = %+v", tt.in, got)
		}
	}
}

func TestToolRateLimits(t *testing.T) {
	cfg := Defaults()
	cfg.Tools.RateLimits = map[string]string{"web_search": "10/m"}
	limits, err := cfg.ToolRateLimits()
	if err != nil {
		t.Fatal(err)
	}
	if limits["web_search"].Burst != 10 {
		t.Errorf("burst = %d", limits["web_search"].Burst)
	}
	cfg.Tools.RateLimits["scrape_url"] = "bad"
	if _, err := cfg.ToolRateLimits(); err == nil {
		t.Error("expected error for bad rate")
	}
}

func TestParseMCPServers(t *testing.T) {
	t.Setenv("AGENTFLOW_MCP_URL", "http://filings.test/sse")
	data := []byte(`
tools:
  mcp_servers:
    - name: filings
      url: ${AGENTFLOW_MCP_URL}
    - name: crm
      url: http://localhost:3002/sse
`)
	cfg, err := Parse(data, ".yml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Tools.MCPServers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.Tools.MCPServers))
	}
	if got := cfg.Tools.MCPServers[0]; got.Name != "filings" || got.URL != "http://filings.test/sse" {
		t.Errorf("unexpected server %+v", got)
	}
}
