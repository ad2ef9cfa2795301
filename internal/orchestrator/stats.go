package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/articulum"
	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/proxypool"
	"go.avitoscout.tech/internal/tasks"
)

// statsInterval is how often the backlog gauges are refreshed.
const statsInterval = 30 * time.Second

// StatsCollector refreshes the gauges that describe pipeline backlog:
// articulum population per state, pending tasks per queue, and free
// proxies. Implements lifecycle.Service.
type StatsCollector struct {
	db   *sqlx.DB
	pool *proxypool.Pool
	done chan struct{}
}

// NewStatsCollector creates a backlog stats collector.
func NewStatsCollector(db *sqlx.DB, pool *proxypool.Pool) *StatsCollector {
	return &StatsCollector{
		db:   db,
		pool: pool,
		done: make(chan struct{}),
	}
}

func (c *StatsCollector) Name() string { return "stats-collector" }

// Start collects once immediately, then keeps refreshing on a ticker.
func (c *StatsCollector) Start(ctx context.Context) error {
	defer close(c.done)

	if err := c.Collect(ctx); err != nil {
		slog.Error("Stats collection failed", "error", err)
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Collect(ctx); err != nil {
				slog.Error("Stats collection failed", "error", err)
			}
		}
	}
}

// Stop waits for the collection loop to exit.
func (c *StatsCollector) Stop(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *StatsCollector) Health() error { return nil }

// Collect refreshes every backlog gauge from the database.
func (c *StatsCollector) Collect(ctx context.Context) error {
	if err := c.collectArticulums(ctx); err != nil {
		return err
	}
	if err := c.collectQueues(ctx); err != nil {
		return err
	}
	return c.collectProxies(ctx)
}

// collectArticulums sets the per-state population gauge. States with no
// rows are reset to zero so drained states do not report stale counts.
func (c *StatsCollector) collectArticulums(ctx context.Context) error {
	type stateCount struct {
		State articulum.State `db:"state"`
		Count int             `db:"count"`
	}

	var rows []stateCount
	err := c.db.SelectContext(ctx, &rows, `
		SELECT state, COUNT(*) AS count
		FROM articulums
		GROUP BY state
	`)
	if err != nil {
		return fmt.Errorf("count articulums by state: %w", err)
	}

	counts := make(map[articulum.State]int, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	for _, s := range articulum.AllStates {
		metrics.ArticulumsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}

func (c *StatsCollector) collectQueues(ctx context.Context) error {
	queues := []struct {
		name  string
		table string
	}{
		{"catalog", "catalog_tasks"},
		{"object", "object_tasks"},
	}

	for _, q := range queues {
		var pending int
		err := c.db.GetContext(ctx, &pending,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status = $1`, q.table),
			tasks.StatusPending)
		if err != nil {
			return fmt.Errorf("count pending %s tasks: %w", q.name, err)
		}
		metrics.TasksPending.WithLabelValues(q.name).Set(float64(pending))
	}
	return nil
}

func (c *StatsCollector) collectProxies(ctx context.Context) error {
	stats, err := c.pool.GetStats(ctx)
	if err != nil {
		return err
	}
	metrics.ProxyPoolAvailable.Set(float64(stats.Available))
	return nil
}
