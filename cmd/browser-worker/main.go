// AvitoScout browser worker.
//
// Spawned by the orchestrator, one process per browser. Claims catalog and
// object tasks, drives the scraping engine through a proxy-bound session,
// and persists results. The worker id arrives as the first argument.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.avitoscout.tech/internal/browser/engine"
	"go.avitoscout.tech/internal/browserworker"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/proxypool"
	"go.avitoscout.tech/internal/store"
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

	pool := proxypool.New(db, cfg.Proxy.WaitTimeout)
	driver := engine.NewDriver(cfg)
	defer driver.Close(context.Background())

	worker := browserworker.New(workerID, db, cfg, driver, pool, os.Getenv("DISPLAY"))
	if err := worker.Run(ctx); err != nil {
		slog.Error("Browser worker failed", "worker_id", workerID, "error", err)
		os.Exit(1)
	}
}

func workerIDFromArgs(cfg *config.Config) string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	return fmt.Sprintf("%s_1", cfg.ContainerID)
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("AVITOSCOUT_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
