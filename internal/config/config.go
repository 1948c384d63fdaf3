package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Providers     []ProviderConfig    `json:"providers" yaml:"providers"`
	Orchestration OrchestrationConfig `json:"orchestration" yaml:"orchestration"`
	Tools         ToolsConfig         `json:"tools" yaml:"tools"`
	Database      DatabaseConfig      `json:"database" yaml:"database"`
	Notify        NotifyConfig        `json:"notify" yaml:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Name     string            `json:"name" yaml:"name"`
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	APIKey   string            `json:"api_key" yaml:"api_key"`
	Models   []string          `json:"models,omitempty" yaml:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// OrchestrationConfig holds the knobs consumed by the orchestration core.
// Durations are in milliseconds to keep JSON and YAML files symmetric.
type OrchestrationConfig struct {
	MaxIterations     int    `json:"max_iterations" yaml:"max_iterations"`
	AgentTimeoutMS    int    `json:"agent_timeout_ms" yaml:"agent_timeout_ms"`
	MaxRetries        *int   `json:"max_retries" yaml:"max_retries"` // nil means default (2)
	RetryBaseDelayMS  int    `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	MaxParallelAgents int    `json:"max_parallel_agents" yaml:"max_parallel_agents"`
	EnableCache       bool   `json:"enable_cache" yaml:"enable_cache"`
	SessionLimit      int    `json:"session_limit" yaml:"session_limit"`
	Model             string `json:"model" yaml:"model"`
	ProfileDir        string `json:"profile_dir" yaml:"profile_dir"`
}

// Options is the plain options structure handed to the core packages.
type Options struct {
	MaxIterations     int
	AgentTimeout      time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	MaxParallelAgents int
	EnableCache       bool
	SessionLimit      int
	Model             string
	ProfileDir        string
}

type ToolsConfig struct {
	SearchEndpoint string            `json:"search_endpoint" yaml:"search_endpoint"`
	SearchAPIKey   string            `json:"search_api_key" yaml:"search_api_key"`
	QuoteEndpoint  string            `json:"quote_endpoint" yaml:"quote_endpoint"`
	QuoteAPIKey    string            `json:"quote_api_key" yaml:"quote_api_key"`
	CacheSize      int               `json:"cache_size" yaml:"cache_size"`
	CacheTTLSec    int               `json:"cache_ttl_sec" yaml:"cache_ttl_sec"`
	RateLimits     map[string]string `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"` // tool -> "n/s"
	MCPServers     []MCPServerConfig `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`
}

// MCPServerConfig names a remote MCP server reached over SSE.
type MCPServerConfig struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack" yaml:"slack"`
	Discord DiscordNotifyConfig `json:"discord" yaml:"discord"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// Defaults returns a Config with every optional value filled in.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	o := &c.Orchestration
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.AgentTimeoutMS <= 0 {
		o.AgentTimeoutMS = 30_000
	}
	if o.MaxRetries == nil || *o.MaxRetries < 0 {
		n := 2
		o.MaxRetries = &n
	}
	if o.RetryBaseDelayMS <= 0 {
		o.RetryBaseDelayMS = 500
	}
	if o.MaxParallelAgents <= 0 {
		o.MaxParallelAgents = 5
	}
	if o.SessionLimit <= 0 {
		o.SessionLimit = 100
	}
	if o.Model == "" {
		o.Model = "default"
	}
	if c.Tools.CacheSize <= 0 {
		c.Tools.CacheSize = 256
	}
	if c.Tools.CacheTTLSec <= 0 {
		c.Tools.CacheTTLSec = 300
	}
}

// Options converts the orchestration section into the core options struct.
func (c *Config) Options() Options {
	o := c.Orchestration
	return Options{
		MaxIterations:     o.MaxIterations,
		AgentTimeout:      time.Duration(o.AgentTimeoutMS) * time.Millisecond,
		MaxRetries:        *o.MaxRetries,
		RetryBaseDelay:    time.Duration(o.RetryBaseDelayMS) * time.Millisecond,
		MaxParallelAgents: o.MaxParallelAgents,
		EnableCache:       o.EnableCache,
		SessionLimit:      o.SessionLimit,
		Model:             o.Model,
		ProfileDir:        o.ProfileDir,
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file, substitutes environment variable
// references and fills defaults. The format is picked by file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes. ext is ".json", ".yaml" or ".yml".
func Parse(data []byte, ext string) (*Config, error) {
	resolved := expandEnv(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// RateSpec is a parsed tool rate limit.
type RateSpec struct {
	PerSecond float64
	Burst     int
}

// ToolRateLimits parses the tools.rate_limits section. Values look like
// "5/s", "120/m" or "5/s:10" where the suffix after the colon is the burst.
func (c *Config) ToolRateLimits() (map[string]RateSpec, error) {
	out := make(map[string]RateSpec, len(c.Tools.RateLimits))
	for name, raw := range c.Tools.RateLimits {
		spec, err := ParseRate(raw)
		if err != nil {
			return nil, fmt.Errorf("rate limit for %s: %w", name, err)
		}
		out[name] = spec
	}
	return out, nil
}

// ParseRate parses one "n/unit[:burst]" rate expression.
func ParseRate(s string) (RateSpec, error) {
	s = strings.TrimSpace(s)
	expr, burstStr, hasBurst := strings.Cut(s, ":")
	num, unit, ok := strings.Cut(expr, "/")
	if !ok {
		return RateSpec{}, fmt.Errorf("invalid rate %q", s)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || n <= 0 {
		return RateSpec{}, fmt.Errorf("invalid rate %q", s)
	}
	var per time.Duration
	switch strings.TrimSpace(unit) {
	case "s", "sec":
		per = time.Second
	case "m", "min":
		per = time.Minute
	case "h":
		per = time.Hour
	default:
		return RateSpec{}, fmt.Errorf("invalid rate unit in %q", s)
	}
	spec := RateSpec{PerSecond: n / per.Seconds(), Burst: int(n)}
	if spec.Burst < 1 {
		spec.Burst = 1
	}
	if hasBurst {
		b, err := strconv.Atoi(strings.TrimSpace(burstStr))
		if err != nil || b < 1 {
			return RateSpec{}, fmt.Errorf("invalid burst in %q", s)
		}
		spec.Burst = b
	}
	return spec, nil
}
