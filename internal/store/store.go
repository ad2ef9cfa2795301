// Package store owns the Postgres connection and schema migrations.
// The database is the single source of truth for all pipeline state:
// queues, articulum lifecycle, proxy occupancy, and heartbeats.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/config"
)

const (
	pingRetries     = 5
	pingBaseBackoff = 2 * time.Second
)

// Open connects to Postgres and verifies the connection with a bounded
// exponential backoff. Transient connection failures at startup are common
// when the database container comes up alongside the workers.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	var lastErr error
	for attempt := 1; attempt <= pingRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = db.PingContext(pingCtx)
		cancel()

		if lastErr == nil {
			return db, nil
		}

		backoff := pingBaseBackoff * time.Duration(attempt)
		slog.Warn("Database ping failed, retrying",
			"attempt", attempt, "retries", pingRetries, "backoff", backoff, "error", lastErr)

		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	db.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", pingRetries, lastErr)
}
