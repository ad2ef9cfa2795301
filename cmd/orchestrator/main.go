// AvitoScout orchestrator.
//
// The control plane of the scraping pipeline: applies migrations, seeds the
// task queues, spawns the browser and validation worker fleet, sweeps
// abandoned work, and serves health and metrics.
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"go.avitoscout.tech/internal/common/lifecycle"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/display"
	"go.avitoscout.tech/internal/heartbeat"
	"go.avitoscout.tech/internal/orchestrator"
	"go.avitoscout.tech/internal/proxypool"
	"go.avitoscout.tech/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting AvitoScout orchestrator",
		"version", version, "build_time", buildTime)

	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		slog.Error("Failed to apply migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database ready", "name", cfg.Database.Name)

	pool := proxypool.New(db, cfg.Proxy.WaitTimeout)
	displays := display.NewManager(cfg.Display)

	browserBin, validationBin, err := workerBinaries()
	if err != nil {
		slog.Error("Failed to locate worker binaries", "error", err)
		os.Exit(1)
	}

	fleet := orchestrator.NewFleet(db, cfg, displays, browserBin, validationBin)
	seeder := orchestrator.NewSeeder(db, cfg)
	sweeper := heartbeat.NewSweeper(db, cfg.Heartbeat.Timeout, cfg.Heartbeat.CheckInterval)
	stats := orchestrator.NewStatsCollector(db, pool)
	monitoring := orchestrator.NewMonitoringServer(cfg.Monitoring.Port, db, pool, fleet)

	if err := lifecycle.Run(ctx, monitoring, stats, sweeper, seeder, fleet); err != nil {
		slog.Error("Orchestrator failed", "error", err)
		os.Exit(1)
	}
}

// workerBinaries resolves the worker executables next to the orchestrator.
func workerBinaries() (string, string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Dir(exe)
	return filepath.Join(dir, "browser-worker"), filepath.Join(dir, "validation-worker"), nil
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("AVITOSCOUT_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
