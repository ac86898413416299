// The autopoiesis server: HTTP API, WebSocket streaming, per-agent queue
// workers, and background retention.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/api"
	"github.com/autopoiesis-io/autopoiesis/pkg/cleanup"
	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/events"
	"github.com/autopoiesis-io/autopoiesis/pkg/llm"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/notify"
	"github.com/autopoiesis-io/autopoiesis/pkg/queue"
	"github.com/autopoiesis-io/autopoiesis/pkg/version"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("AUTOPOIESIS_CONFIG", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting autopoiesis",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration and workspace home
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	home, err := workspace.ResolveHome()
	if err != nil {
		slog.Error("Failed to resolve home directory", "error", err)
		os.Exit(1)
	}

	// 2. Model client
	llmClient, err := llm.NewClient(*cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client",
			"provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("LLM client initialized",
		"provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// 3. Streaming infrastructure
	hub := events.NewHub(10 * time.Second)
	publisher := events.NewPublisher(hub)

	// 4. Agent runtimes, executor, dispatcher
	registry := agent.NewRegistry(func(ctx context.Context, agentID string) (*agent.Runtime, error) {
		return agent.NewRuntime(ctx, agentID, cfg, llmClient)
	})
	defer func() {
		if err := registry.Shutdown(); err != nil {
			slog.Error("Error closing agent runtimes", "error", err)
		}
	}()

	notifier := notify.NewService(*cfg.Slack)
	if notifier != nil {
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	}

	executor := agent.NewExecutor(registry, notifier, func(item *models.WorkItem) events.StreamHandle {
		// Continuations stream on the original turn's channel.
		id := item.ID
		if item.IsContinuation() {
			id = item.Input.ApprovalContextID
		}
		return events.NewPublisherHandle(publisher, id, item.AgentID)
	})

	dispatcher := queue.NewDispatcher(cfg.Queue, executor)
	if err := dispatcher.Start(ctx); err != nil {
		slog.Error("Failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	// 5. Retention
	cleanupService := cleanup.NewService(cfg, registry, home)
	cleanupService.Start(ctx)

	// 6. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, dispatcher, registry, hub)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("autopoiesis started",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"home", home)

	// 7. Wait for a shutdown signal or a server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting requests, then drain the queues.
	// Dispatcher.Stop bounds its own wait with the configured shutdown
	// timeout and cancels what remains.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cleanupService.Stop()
	dispatcher.Stop()

	slog.Info("Shutdown complete")
}
