package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nidhogg/agentflow/internal/agent"
	"github.com/nidhogg/agentflow/internal/api"
	"github.com/nidhogg/agentflow/internal/config"
	"github.com/nidhogg/agentflow/internal/mcp"
	"github.com/nidhogg/agentflow/internal/notify"
	"github.com/nidhogg/agentflow/internal/orchestrator"
	"github.com/nidhogg/agentflow/internal/provider"
	"github.com/nidhogg/agentflow/internal/reasoning"
	"github.com/nidhogg/agentflow/internal/session"
	"github.com/nidhogg/agentflow/internal/stats"
	"github.com/nidhogg/agentflow/internal/store"
	"github.com/nidhogg/agentflow/internal/tools"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agentflow.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("starting agentflow", zap.String("config", cfgPath))

	opts := cfg.Options()

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai", "openai-compatible":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Tools
	reg := tools.NewRegistry(tools.Options{
		EnableCache: opts.EnableCache,
		CacheSize:   cfg.Tools.CacheSize,
		CacheTTL:    time.Duration(cfg.Tools.CacheTTLSec) * time.Second,
	}, logger)
	if err := tools.RegisterBuiltins(reg, tools.BuiltinConfig{
		SearchEndpoint: cfg.Tools.SearchEndpoint,
		SearchAPIKey:   cfg.Tools.SearchAPIKey,
		QuoteEndpoint:  cfg.Tools.QuoteEndpoint,
		QuoteAPIKey:    cfg.Tools.QuoteAPIKey,
	}); err != nil {
		logger.Fatal("register builtin tools", zap.Error(err))
	}
	var mcpClients []*mcp.Client
	for _, sc := range cfg.Tools.MCPServers {
		c := mcp.NewClient(sc.Name, sc.URL, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			logger.Warn("mcp server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		names, err := mcp.Register(reg, c)
		if err != nil {
			logger.Warn("register mcp tools", zap.String("name", sc.Name), zap.Error(err))
		}
		logger.Info("mcp tools registered", zap.String("server", sc.Name), zap.Strings("tools", names))
		mcpClients = append(mcpClients, c)
	}

	limits, err := cfg.ToolRateLimits()
	if err != nil {
		logger.Fatal("invalid tool rate limits", zap.Error(err))
	}
	for name, l := range limits {
		if err := reg.SetRateLimit(name, rate.Limit(l.PerSecond), l.Burst); err != nil {
			logger.Warn("rate limit for unknown tool", zap.String("tool", name), zap.Error(err))
		}
	}

	// Agents
	agg := stats.NewAggregator()
	agents, err := agent.NewRegistry(agent.DefaultAgents(router, opts.Model, opts.ProfileDir)...)
	if err != nil {
		logger.Fatal("register agents", zap.Error(err))
	}
	runner := agent.NewRunner(reg, agg, agent.RunnerOptions{
		Timeout:    opts.AgentTimeout,
		MaxRetries: opts.MaxRetries,
		BaseDelay:  opts.RetryBaseDelay,
	}, logger)

	// PostgreSQL run history
	var pg *store.Store
	if cfg.Database.Postgres.DSN != "" {
		s, err := store.New(cfg.Database.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("postgres unavailable, running without run history", zap.Error(err))
		} else {
			if err := s.Migrate(context.Background(), "migrations"); err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
			pg = s
		}
	}

	// Observers shared by every session
	var shared []orchestrator.Observer
	var publisher *orchestrator.RedisPublisher
	if cfg.Database.Redis.URL != "" {
		p, err := orchestrator.NewRedisPublisher(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("redis unavailable, run events not published", zap.Error(err))
		} else {
			publisher = p
			shared = append(shared, p)
		}
	}
	if b := newBroadcaster(cfg.Notify, logger); b != nil {
		shared = append(shared, b)
	}

	sessions, err := session.NewStore[*api.Session](opts.SessionLimit, func(id string) (*api.Session, error) {
		observers := append([]orchestrator.Observer(nil), shared...)
		if pg != nil {
			observers = append(observers, store.NewRunRecorder(pg, id, agg))
		}
		orch, err := orchestrator.New(orchestrator.Config{
			Agents:            agents,
			Runner:            runner,
			Stats:             agg,
			MaxParallelAgents: opts.MaxParallelAgents,
			Observers:         observers,
			Logger:            logger.With(zap.String("session", id)),
		})
		if err != nil {
			return nil, err
		}
		loop, err := reasoning.New(reasoning.Config{
			LLM:           router,
			Tools:         reg,
			Delegate:      orch,
			Preferences:   router,
			History:       reasoning.NewHistory(0, router, logger),
			MaxIterations: opts.MaxIterations,
			Model:         opts.Model,
			Logger:        logger.With(zap.String("session", id)),
		})
		if err != nil {
			return nil, err
		}
		return &api.Session{ID: id, Orchestrator: orch, Loop: loop}, nil
	}, logger)
	if err != nil {
		logger.Fatal("session store", zap.Error(err))
	}

	var runs api.RunLister
	if pg != nil {
		runs = pg
	}
	handler := api.NewHandler(sessions, reg, runs, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("agentflow listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down agentflow")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if publisher != nil {
		publisher.Close()
	}
	for _, c := range mcpClients {
		c.Close()
	}
	if pg != nil {
		pg.Close()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lvl.Level() <= zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

func newBroadcaster(cfg config.NotifyConfig, logger *zap.Logger) *notify.Broadcaster {
	var notifiers []notify.Notifier
	if cfg.Slack.Enabled && cfg.Slack.BotToken != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.ChannelID))
	}
	if cfg.Discord.Enabled && cfg.Discord.BotToken != "" {
		d, err := notify.NewDiscordNotifier(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			logger.Warn("discord notifier disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, d)
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	b := notify.NewBroadcaster(logger, notifiers...)
	logger.Info("run notifications enabled", zap.Strings("platforms", b.Platforms()))
	return b
}
