// DeepScope session server: runs one live research session against the
// research backend, keeps its history and serves both over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/deepscope-io/deepscope/pkg/api"
	"github.com/deepscope-io/deepscope/pkg/chat"
	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/database"
	"github.com/deepscope-io/deepscope/pkg/history"
	"github.com/deepscope-io/deepscope/pkg/logging"
	"github.com/deepscope-io/deepscope/pkg/session"
	"github.com/deepscope-io/deepscope/pkg/stream"
	"github.com/deepscope-io/deepscope/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.FromConfig(cfg.Log.Level, cfg.Log.Format), nil)
	slog.SetDefault(logger)
	logger.Info("Starting DeepScope",
		"version", version.Full(),
		"addr", cfg.Server.Addr,
		"config_dir", *configDir)

	// 2. Initialize history store
	store, closeStore, err := openHistory(ctx, cfg.History)
	if err != nil {
		logger.Error("Failed to initialize history store", "driver", cfg.History.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	cleaner := history.NewCleaner(cfg.Retention, store, logging.WithComponent(logger, "retention"))
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// 3. Wire the session
	httpClient := &http.Client{}
	machine := session.New(session.Options{
		Factory: &stream.Factory{
			Backend:    cfg.Backend,
			LangGraph:  cfg.LangGraph,
			HTTPClient: httpClient,
			Logger:     logging.WithComponent(logger, "stream"),
		},
		Chat:     chat.NewClient(cfg.Chat, httpClient, logging.WithComponent(logger, "chat")),
		History:  history.NewSynchronizer(store, logging.WithComponent(logger, "history")),
		Defaults: *cfg.Research,
		Logger:   logging.WithComponent(logger, "session"),
	})

	// 4. Start HTTP server (non-blocking)
	httpServer := api.NewServer(machine, store, logging.WithComponent(logger, "api"))
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Server.Addr); err != nil {
			errCh <- err
		}
	}()

	logger.Info("DeepScope started successfully",
		"history_driver", cfg.History.Driver,
		"backend", cfg.Backend.WSURL)

	// 5. Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Closing the session waits for its last history write.
	done := make(chan struct{})
	go func() {
		machine.Close()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Session closed")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, pending history writes dropped")
	}

	logger.Info("Shutdown complete")
}

// openHistory builds the configured history store and a func releasing it.
func openHistory(ctx context.Context, cfg *config.HistoryConfig) (history.Store, func(), error) {
	if cfg.Driver != config.HistoryDriverPostgres {
		return history.NewMemoryStore(), func() {}, nil
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Connected to PostgreSQL database", "host", dbConfig.Host, "database", dbConfig.Database)

	return history.NewPostgresStore(dbClient), func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}, nil
}
