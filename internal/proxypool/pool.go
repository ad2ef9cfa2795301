// Package proxypool arbitrates a fixed set of upstream proxies.
//
// Occupancy, consecutive error counts, and permanent blocks live in the
// proxies table so they survive worker restarts. Claims use row locking
// with SKIP LOCKED; the three-strikes error policy converts three
// consecutive transient errors into a permanent block. There is no unblock
// path.
package proxypool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/common/metrics"
)

// ErrNoProxyAvailable is returned by AcquireWithWait when no free proxy
// shows up before the deadline.
var ErrNoProxyAvailable = errors.New("no proxy available")

// blockThreshold is the three-strikes limit: a proxy reaching this many
// consecutive transient errors is permanently blocked.
const blockThreshold = 3

// Proxy is one upstream proxy row.
type Proxy struct {
	ID                int64          `db:"id"`
	Host              string         `db:"host"`
	Port              int            `db:"port"`
	Username          sql.NullString `db:"username"`
	Password          sql.NullString `db:"password"`
	IsBlocked         bool           `db:"is_blocked"`
	IsInUse           bool           `db:"is_in_use"`
	WorkerID          sql.NullString `db:"worker_id"`
	ConsecutiveErrors int            `db:"consecutive_errors"`
	LastErrorAt       sql.NullTime   `db:"last_error_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// URL returns the proxy endpoint in http://host:port form.
func (p *Proxy) URL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// Stats is an aggregate snapshot of the pool.
type Stats struct {
	Total     int `db:"total"`
	Blocked   int `db:"blocked"`
	InUse     int `db:"in_use"`
	Available int `db:"available"`
}

// Pool provides atomic claim/release operations over the proxies table.
type Pool struct {
	db          *sqlx.DB
	waitTimeout time.Duration
}

// New creates a proxy pool. waitTimeout is the sleep between acquire
// attempts while waiting for a free proxy.
func New(db *sqlx.DB, waitTimeout time.Duration) *Pool {
	return &Pool{db: db, waitTimeout: waitTimeout}
}

// Acquire atomically claims one free, unblocked proxy for the worker.
// Returns nil when none is available.
func (p *Pool) Acquire(ctx context.Context, workerID string) (*Proxy, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire proxy: begin: %w", err)
	}
	defer tx.Rollback()

	var proxy Proxy
	err = tx.QueryRowxContext(ctx, `
		SELECT id, host, port, username, password,
		       is_blocked, is_in_use, worker_id,
		       consecutive_errors, last_error_at, created_at, updated_at
		FROM proxies
		WHERE is_blocked = FALSE
		  AND is_in_use = FALSE
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).StructScan(&proxy)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.ProxyAcquisitions.WithLabelValues("empty").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire proxy: select: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proxies
		SET is_in_use = TRUE,
		    worker_id = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, workerID, proxy.ID); err != nil {
		return nil, fmt.Errorf("acquire proxy: claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("acquire proxy: commit: %w", err)
	}

	metrics.ProxyAcquisitions.WithLabelValues("acquired").Inc()
	proxy.IsInUse = true
	proxy.WorkerID = sql.NullString{String: workerID, Valid: true}
	return &proxy, nil
}

// AcquireWithWait claims a proxy, polling until one is free or the context
// is done. maxAttempts <= 0 means poll until the context expires.
func (p *Pool) AcquireWithWait(ctx context.Context, workerID string, maxAttempts int) (*Proxy, error) {
	attempts := 0
	for {
		proxy, err := p.Acquire(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if proxy != nil {
			return proxy, nil
		}

		attempts++
		if maxAttempts > 0 && attempts >= maxAttempts {
			return nil, fmt.Errorf("%w: worker %s gave up after %d attempts",
				ErrNoProxyAvailable, workerID, attempts)
		}

		slog.Info("No free proxy, waiting",
			"worker_id", workerID, "wait", p.waitTimeout, "attempt", attempts)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoProxyAvailable, ctx.Err())
		case <-time.After(p.waitTimeout):
		}
	}
}

// Release returns an unblocked proxy to the pool. Blocked proxies stay
// blocked and out of rotation.
func (p *Pool) Release(ctx context.Context, proxyID int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE proxies
		SET is_in_use = FALSE,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND is_blocked = FALSE
	`, proxyID)
	if err != nil {
		return fmt.Errorf("release proxy %d: %w", proxyID, err)
	}
	return nil
}

// ReleaseByWorker frees every proxy held by the worker. Used by heartbeat
// recovery and by the orchestrator when a worker process dies.
func (p *Pool) ReleaseByWorker(ctx context.Context, ext sqlx.ExtContext, workerID string) error {
	_, err := ext.ExecContext(ctx, `
		UPDATE proxies
		SET is_in_use = FALSE,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE worker_id = $1
	`, workerID)
	if err != nil {
		return fmt.Errorf("release proxies of worker %s: %w", workerID, err)
	}
	return nil
}

// Block permanently blocks a proxy. Called on 403/407 class failures.
func (p *Pool) Block(ctx context.Context, proxyID int64, reason string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE proxies
		SET is_blocked = TRUE,
		    is_in_use = FALSE,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, proxyID)
	if err != nil {
		return fmt.Errorf("block proxy %d: %w", proxyID, err)
	}
	slog.Warn("Proxy permanently blocked", "proxy_id", proxyID, "reason", reason)
	return nil
}

// IncrementError bumps the consecutive error counter in a single atomic
// statement and releases the proxy. Reaching the three-strikes threshold
// converts the proxy to permanently blocked.
func (p *Pool) IncrementError(ctx context.Context, proxyID int64, description string) error {
	var (
		errors  int
		blocked bool
	)
	err := p.db.QueryRowxContext(ctx, `
		UPDATE proxies
		SET consecutive_errors = consecutive_errors + 1,
		    is_blocked = is_blocked OR consecutive_errors + 1 >= $2,
		    is_in_use = FALSE,
		    worker_id = NULL,
		    last_error_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_errors, is_blocked
	`, proxyID, blockThreshold).Scan(&errors, &blocked)
	if err != nil {
		return fmt.Errorf("increment proxy %d error: %w", proxyID, err)
	}

	if blocked {
		slog.Warn("Proxy blocked after consecutive errors",
			"proxy_id", proxyID, "errors", errors, "description", description)
	} else {
		slog.Info("Proxy transient error",
			"proxy_id", proxyID, "errors", errors, "threshold", blockThreshold,
			"description", description)
	}
	return nil
}

// ResetErrors clears the consecutive error counter after a successful task.
func (p *Pool) ResetErrors(ctx context.Context, proxyID int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE proxies
		SET consecutive_errors = 0,
		    updated_at = NOW()
		WHERE id = $1
	`, proxyID)
	if err != nil {
		return fmt.Errorf("reset proxy %d errors: %w", proxyID, err)
	}
	return nil
}

// GetStats returns an aggregate snapshot of the pool.
func (p *Pool) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := p.db.GetContext(ctx, &s, `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE is_blocked) AS blocked,
		       COUNT(*) FILTER (WHERE is_in_use) AS in_use,
		       COUNT(*) FILTER (WHERE NOT is_blocked AND NOT is_in_use) AS available
		FROM proxies
	`)
	if err != nil {
		return nil, fmt.Errorf("proxy stats: %w", err)
	}
	return &s, nil
}
