// testpilot core server — executes plans and suites against a headless
// browser, self-heals selectors, maintains the knowledge store and serves
// the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/testpilot-ai/testpilot/pkg/analyzer"
	"github.com/testpilot-ai/testpilot/pkg/api"
	"github.com/testpilot-ai/testpilot/pkg/config"
	"github.com/testpilot-ai/testpilot/pkg/driver/chrome"
	"github.com/testpilot-ai/testpilot/pkg/events"
	"github.com/testpilot-ai/testpilot/pkg/executor"
	"github.com/testpilot-ai/testpilot/pkg/impact"
	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
	"github.com/testpilot-ai/testpilot/pkg/orchestrator"
	"github.com/testpilot-ai/testpilot/pkg/resolver"
	"github.com/testpilot-ai/testpilot/pkg/status"
	"github.com/testpilot-ai/testpilot/pkg/storage"
	"github.com/testpilot-ai/testpilot/pkg/trigger"
)

const scheduleScanInterval = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("TESTPILOT_CONFIG", "./testpilot.yaml"),
		"Path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	log.Info("Starting testpilot",
		"port", cfg.Server.Port,
		"llm_provider", cfg.LLM.Provider,
		"knowledge_backend", cfg.Knowledge.Backend,
		"storage_root", cfg.Storage.Root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Filesystem persistence.
	root, err := storage.Open(cfg.Storage.Root)
	if err != nil {
		log.Error("Failed to open storage root", "error", err)
		os.Exit(1)
	}
	suiteStore := root.Suites()
	runStore := root.Runs()
	triggerStore := root.Triggers()

	// Knowledge store and embedder.
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		log.Error("Failed to create embedder", "error", err)
		os.Exit(1)
	}
	store, closeStore, err := buildKnowledgeStore(ctx, cfg, embedder.Dimensions())
	if err != nil {
		log.Error("Failed to open knowledge store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// LLM client, shared across resolver, analyser and impact.
	client, err := buildLLMClient(cfg)
	if err != nil {
		log.Error("Failed to create LLM client", "error", err)
		os.Exit(1)
	}

	// Live infrastructure.
	bus := events.NewBus()
	publisher := events.NewPublisher(bus, log)
	tracker := status.NewTracker()

	// Browser backend.
	factory := chrome.NewFactory(ctx, cfg.Browser.HeadlessOrDefault())
	defer factory.Close()

	// Core components.
	res := resolver.New(store, embedder, client, log)
	ana := analyzer.New(client, store, embedder, log)
	exec := executor.New(factory,
		executor.WithResolver(res),
		executor.WithAnalyzer(ana),
		executor.WithKnowledge(store, embedder),
		executor.WithArtifacts(runStore),
		executor.WithPublisher(publisher),
		executor.WithTracker(tracker),
		executor.WithLogger(log),
	)
	orch := orchestrator.New(exec, suiteStore, tracker, publisher, log)
	launcher := orchestrator.NewLauncher(exec, orch, suiteStore, cfg.Run.QueueHighWater, log)
	defer launcher.Shutdown()

	imp := impact.New(store, embedder, client, log)
	dispatcher := trigger.New(triggerStore, launcher, publisher, log)

	// Schedule scan loop and trigger-definition hot reload.
	go runScheduleLoop(ctx, dispatcher, log)
	if err := root.WatchTriggers(ctx, log, func() {
		log.Info("Trigger definitions reloaded from disk")
	}); err != nil {
		log.Warn("Trigger hot reload unavailable", "error", err)
	}

	server := api.New(api.Deps{
		Launcher:   launcher,
		Tracker:    tracker,
		Knowledge:  store,
		Embedder:   embedder,
		LLM:        client,
		Impact:     imp,
		Dispatcher: dispatcher,
		Triggers:   triggerStore,
		Runs:       runStore,
		Suites:     suiteStore,
		Bus:        bus,
		Log:        log,
	})
	if err := server.Start(ctx, cfg.Server.Port); err != nil {
		log.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

// runScheduleLoop feeds wallclock ticks to the dispatcher's schedule scan.
func runScheduleLoop(ctx context.Context, dispatcher *trigger.Dispatcher, log *slog.Logger) {
	ticker := time.NewTicker(scheduleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if execs := dispatcher.ScheduleTick(ctx, now); len(execs) > 0 {
				log.Info("Schedule scan dispatched triggers", "count", len(execs))
			}
		}
	}
}

func buildEmbedder(cfg *config.Config) (knowledge.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "hash":
		return knowledge.NewHashEmbedder(cfg.Embedding.Dimensions), nil
	default:
		return knowledge.NewOpenAIEmbedderFromAPIKey(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	}
}

func buildKnowledgeStore(ctx context.Context, cfg *config.Config, dimensions int) (knowledge.Store, func(), error) {
	switch cfg.Knowledge.Backend {
	case "postgres":
		pg := cfg.Knowledge.Postgres
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(pg.User), url.QueryEscape(pg.Password),
			pg.Host, pg.Port, pg.Database, pg.SSLMode)
		store, err := knowledge.NewPostgresStore(ctx, knowledge.PostgresConfig{DSN: dsn}, dimensions)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				slog.Warn("Knowledge store close failed", "error", err)
			}
		}, nil
	default:
		return knowledge.NewMemoryStore(dimensions), func() {}, nil
	}
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	var client llm.Client
	var err error
	switch cfg.LLM.Provider {
	case "none":
		return nil, nil
	case "anthropic":
		client, err = llm.NewAnthropicClientFromAPIKey(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
	default:
		client, err = llm.NewOpenAIClientFromAPIKey(cfg.LLM.APIKey, cfg.LLM.Model)
	}
	if err != nil {
		return nil, err
	}
	return llm.WithRetry(client, 2), nil
}
