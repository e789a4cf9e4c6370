// Cerebro server: hosts the brain registry, run manager, and HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cerebro-sh/cerebro/pkg/agent"
	"github.com/cerebro-sh/cerebro/pkg/api"
	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/brain/builtin"
	"github.com/cerebro-sh/cerebro/pkg/config"
	"github.com/cerebro-sh/cerebro/pkg/database"
	"github.com/cerebro-sh/cerebro/pkg/eventlog"
	"github.com/cerebro-sh/cerebro/pkg/notify"
	"github.com/cerebro-sh/cerebro/pkg/provider"
	"github.com/cerebro-sh/cerebro/pkg/run"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	slog.Info("Starting cerebro",
		"http_port", cfg.HTTPPort,
		"backend", cfg.Backend())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Event store
	var store eventlog.Store
	var health api.HealthChecker
	if cfg.DatabaseURL != "" {
		db, err := database.Open(ctx, database.DefaultConfig(cfg.DatabaseURL))
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := database.Migrate(db); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		store = eventlog.NewPostgresStore(db)
		health = func(ctx context.Context) error { return database.Health(ctx, db) }
	} else {
		store = eventlog.NewMemoryStore()
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing event store", "error", err)
		}
	}()

	// 2. Brain registry
	registry := brain.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		slog.Error("Failed to register built-in brains", "error", err)
		os.Exit(1)
	}
	slog.Info("Brains registered", "count", len(registry.List()))

	// 3. LLM client
	var client agent.LLMClient
	if cfg.AnthropicAPIKey != "" {
		client, err = provider.NewAnthropicClient(provider.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			slog.Error("Failed to initialize LLM client", "error", err)
			os.Exit(1)
		}
		slog.Info("LLM client initialized", "model", cfg.AnthropicModel)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set, agent and batch blocks will fail")
	}

	// 4. Run manager and crash recovery
	manager := run.NewManager(ctx, store, registry, client)
	manager.SetNotifier(notify.NewSlackService(notify.SlackConfig{
		Token:        cfg.SlackToken,
		Channel:      cfg.SlackChannel,
		DashboardURL: cfg.DashboardURL,
	}))
	if err := manager.RecoverInterrupted(ctx); err != nil {
		slog.Error("Failed to recover interrupted runs", "error", err)
		os.Exit(1)
	}

	// 5. HTTP server
	server := api.NewServer(manager, registry, store, cfg.Backend(), health)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	}

	// 6. Graceful shutdown: stop HTTP first, then close watcher streams.
	// Executors observe the cancelled base context at their next suspension
	// point and are recovered as interrupted runs on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	manager.Shutdown()

	slog.Info("Shutdown complete")
}
