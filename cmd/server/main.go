package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pulseboard/feedsync/internal/broadcast"
	"github.com/pulseboard/feedsync/internal/server/handlers"
	"github.com/pulseboard/feedsync/internal/server/middleware"
	"github.com/pulseboard/feedsync/internal/storage"
	"github.com/pulseboard/feedsync/internal/storage/bolt"
	"github.com/pulseboard/feedsync/internal/storage/sqlite"
	syncengine "github.com/pulseboard/feedsync/internal/sync"
	"github.com/pulseboard/feedsync/pkg/api"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := stringEnv("FEEDSYNC_ADDR", ":8080")
	backend := stringEnv("FEEDSYNC_STORE", "sqlite")
	dbPath := stringEnv("FEEDSYNC_DB_PATH", "feedsync.db")

	feedbackStore, changeLogStore, closer, err := openStorage(ctx, backend, dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	hub := broadcast.NewHub(logger)

	strategy := api.ConflictStrategy(stringEnv("FEEDSYNC_CONFLICT_STRATEGY", string(syncengine.DefaultStrategy)))
	processor := syncengine.NewProcessor(logger, feedbackStore, changeLogStore, hub, strategy)
	maintenance := syncengine.NewMaintenance(logger, changeLogStore,
		intEnv("FEEDSYNC_MAX_RETRIES", syncengine.DefaultMaxRetries),
		intEnv("FEEDSYNC_RETENTION_DAYS", syncengine.DefaultRetentionDays),
	)

	// Retention cleanup runs in the background, independent of requests
	cleanupInterval := durationEnv("FEEDSYNC_CLEANUP_INTERVAL", time.Hour)
	go maintenance.Run(ctx, cleanupInterval)

	syncHandler := handlers.NewSyncHandler(logger, processor, maintenance)
	healthHandler := handlers.NewHealthHandler(logger, Version)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.Health)
	mux.HandleFunc("/api/v1/sync", syncHandler.HandleSync)
	mux.HandleFunc("/api/v1/sync/changes", syncHandler.HandleChanges)
	mux.HandleFunc("/api/v1/sync/status", syncHandler.HandleStatus)
	mux.HandleFunc("/api/v1/sync/process", syncHandler.HandleProcess)
	mux.HandleFunc("/api/v1/sync/cleanup", syncHandler.HandleCleanup)
	mux.HandleFunc("/api/v1/sync/batch", syncHandler.HandleBatch)
	mux.HandleFunc("/ws", hub.Subscribe)

	handler := middleware.RecoveryMiddleware(logger)(
		middleware.LoggingWithSkip(logger, []string{"/health", "/ws"})(mux),
	)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", addr, "store", backend, "version", Version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}

	return nil
}

// openStorage selects the storage backend. Both implement the full
// store surface; bolt serves single-binary embedded deployments.
func openStorage(ctx context.Context, backend, dbPath string) (storage.FeedbackStore, storage.ChangeLogStore, io.Closer, error) {
	switch backend {
	case "sqlite":
		s, err := sqlite.New(ctx, dbPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s, nil
	case "bolt":
		s, err := bolt.New(ctx, dbPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend: %q", backend)
	}
}

func printVersion() {
	fmt.Printf("feedsync server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}

func stringEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
