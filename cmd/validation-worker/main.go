// AvitoScout validation worker.
//
// Spawned by the orchestrator. Claims CATALOG_PARSED articulums, runs the
// validation stages, and creates object tasks for the survivors. Exits with
// code 2 when the AI endpoint fails repeatedly; the orchestrator treats
// that exit as "do not restart".
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.avitoscout.tech/internal/ai"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/store"
	"go.avitoscout.tech/internal/validation"
)

func main() {
	setupLogging()

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	workerID := workerIDFromArgs(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var aiClient validation.AIValidator
	if cfg.Validation.EnableAIValidation && cfg.AI.EndpointURL != "" {
		aiClient = ai.NewClient(&cfg.AI)
	}

	worker := validation.NewWorker(workerID, db, cfg, aiClient)
	code := worker.Run(ctx)
	stop()
	os.Exit(code)
}

func workerIDFromArgs(cfg *config.Config) string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	return fmt.Sprintf("%s_V1", cfg.ContainerID)
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("AVITOSCOUT_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
