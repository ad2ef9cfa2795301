// Package heartbeat recovers work lost to dead or hung workers.
//
// Processing tasks whose heartbeat_at is older than the timeout are swept
// back to pending. The sweep is idempotent and every instance may run it:
// each expired task is repaired in its own transaction, proxies first so a
// recovered worker never finds its proxy still claimed.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/tasks"
)

// Sweeper periodically returns expired tasks to their queues. Implements
// lifecycle.Service.
type Sweeper struct {
	db            *sqlx.DB
	timeout       time.Duration
	checkInterval time.Duration
	done          chan struct{}
}

// NewSweeper creates a recovery sweeper. timeout is how stale a heartbeat
// must be before its task counts as abandoned.
func NewSweeper(db *sqlx.DB, timeout, checkInterval time.Duration) *Sweeper {
	return &Sweeper{
		db:            db,
		timeout:       timeout,
		checkInterval: checkInterval,
		done:          make(chan struct{}),
	}
}

func (s *Sweeper) Name() string { return "heartbeat-sweeper" }

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	defer close(s.done)

	slog.Info("Heartbeat sweeper started",
		"timeout", s.timeout, "check_interval", s.checkInterval)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Heartbeat sweeper stopping")
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("Heartbeat sweep failed", "error", err)
			}
		}
	}
}

// Stop waits for the sweep loop to exit.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) Health() error { return nil }

// Sweep runs one full recovery pass: orphan repair, expired catalog tasks,
// expired object tasks.
func (s *Sweeper) Sweep(ctx context.Context) error {
	orphaned, err := s.RepairOrphanedArticulums(ctx)
	if err != nil {
		return err
	}

	catalogReturned, err := s.CheckExpiredCatalogTasks(ctx)
	if err != nil {
		return err
	}

	objectReturned, err := s.CheckExpiredObjectTasks(ctx)
	if err != nil {
		return err
	}

	if total := orphaned + catalogReturned + objectReturned; total > 0 {
		slog.Info("Heartbeat sweep recovered work",
			"catalog_returned", catalogReturned,
			"object_returned", objectReturned,
			"orphaned_fixed", orphaned)
	}
	return nil
}

type expiredTask struct {
	ID          int64  `db:"id"`
	WorkerID    string `db:"worker_id"`
	ArticulumID int64  `db:"articulum_id"`
}

// CheckExpiredCatalogTasks returns catalog tasks with stale heartbeats to
// the queue. For each task: release the worker's proxies, return the
// articulum CATALOG_PARSING -> NEW, reset the task to pending. The
// checkpoint survives so the next attempt resumes.
func (s *Sweeper) CheckExpiredCatalogTasks(ctx context.Context) (int, error) {
	var expired []expiredTask
	err := s.db.SelectContext(ctx, &expired, `
		SELECT id, COALESCE(worker_id, '') AS worker_id, articulum_id
		FROM catalog_tasks
		WHERE status = $1
		  AND heartbeat_at < NOW() - make_interval(secs => $2)
	`, tasks.StatusProcessing, s.timeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("find expired catalog tasks: %w", err)
	}

	returned := 0
	for _, task := range expired {
		if err := s.recoverCatalogTask(ctx, task); err != nil {
			slog.Error("Failed to recover catalog task",
				"task_id", task.ID, "error", err)
			continue
		}
		slog.Warn("Catalog task returned to queue, worker heartbeat expired",
			"task_id", task.ID, "articulum_id", task.ArticulumID, "worker_id", task.WorkerID)
		metrics.TasksRecovered.WithLabelValues("catalog").Inc()
		returned++
	}
	return returned, nil
}

func (s *Sweeper) recoverCatalogTask(ctx context.Context, task expiredTask) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Proxies first: the dead worker's claim must be gone before any new
	// worker picks up the task.
	if task.WorkerID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE proxies
			SET is_in_use = FALSE,
			    worker_id = NULL,
			    updated_at = NOW()
			WHERE worker_id = $1
		`, task.WorkerID); err != nil {
			return fmt.Errorf("release proxies: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE articulums
		SET state = 'NEW',
		    state_updated_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND state = 'CATALOG_PARSING'
	`, task.ArticulumID); err != nil {
		return fmt.Errorf("return articulum to NEW: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $2
	`, tasks.StatusPending, task.ID); err != nil {
		return fmt.Errorf("return task to queue: %w", err)
	}

	return tx.Commit()
}

// CheckExpiredObjectTasks returns object tasks with stale heartbeats to
// the queue. When the recovered task was the articulum's last in-flight
// one, the articulum regresses OBJECT_PARSING -> VALIDATED so the next
// claim re-enters OBJECT_PARSING cleanly.
func (s *Sweeper) CheckExpiredObjectTasks(ctx context.Context) (int, error) {
	var expired []expiredTask
	err := s.db.SelectContext(ctx, &expired, `
		SELECT id, COALESCE(worker_id, '') AS worker_id, articulum_id
		FROM object_tasks
		WHERE status = $1
		  AND heartbeat_at < NOW() - make_interval(secs => $2)
	`, tasks.StatusProcessing, s.timeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("find expired object tasks: %w", err)
	}

	returned := 0
	for _, task := range expired {
		if err := s.recoverObjectTask(ctx, task); err != nil {
			slog.Error("Failed to recover object task",
				"task_id", task.ID, "error", err)
			continue
		}
		slog.Warn("Object task returned to queue, worker heartbeat expired",
			"task_id", task.ID, "articulum_id", task.ArticulumID, "worker_id", task.WorkerID)
		metrics.TasksRecovered.WithLabelValues("object").Inc()
		returned++
	}
	return returned, nil
}

func (s *Sweeper) recoverObjectTask(ctx context.Context, task expiredTask) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if task.WorkerID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE proxies
			SET is_in_use = FALSE,
			    worker_id = NULL,
			    updated_at = NOW()
			WHERE worker_id = $1
		`, task.WorkerID); err != nil {
			return fmt.Errorf("release proxies: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE object_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $2
	`, tasks.StatusPending, task.ID); err != nil {
		return fmt.Errorf("return task to queue: %w", err)
	}

	// Recovery-only edge: OBJECT_PARSING is terminal everywhere else, but
	// if no task for this articulum is still processing the state must
	// regress so the next claim can move it forward again.
	if _, err := tx.ExecContext(ctx, `
		UPDATE articulums
		SET state = 'VALIDATED',
		    state_updated_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND state = 'OBJECT_PARSING'
		  AND NOT EXISTS (
			SELECT 1 FROM object_tasks
			WHERE articulum_id = $1 AND status = $2
		  )
	`, task.ArticulumID, tasks.StatusProcessing); err != nil {
		return fmt.Errorf("regress articulum to VALIDATED: %w", err)
	}

	return tx.Commit()
}

// RepairOrphanedArticulums fixes articulums stuck in CATALOG_PARSING while
// their catalog task sits in pending. This happens when a claim dies
// between the state transition and the task update.
func (s *Sweeper) RepairOrphanedArticulums(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE articulums
		SET state = 'NEW',
		    state_updated_at = NOW(),
		    updated_at = NOW()
		FROM (
			SELECT DISTINCT a.id
			FROM articulums a
			JOIN catalog_tasks ct ON ct.articulum_id = a.id
			WHERE a.state = 'CATALOG_PARSING'
			  AND ct.status = $1
		) orphaned
		WHERE articulums.id = orphaned.id
	`, tasks.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("repair orphaned articulums: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repair orphaned articulums: rows affected: %w", err)
	}
	if affected > 0 {
		slog.Warn("Repaired orphaned articulums", "count", affected)
	}
	return int(affected), nil
}
