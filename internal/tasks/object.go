package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/articulum"
)

// ObjectManager owns the object_tasks queue.
type ObjectManager struct {
	db *sqlx.DB
}

// NewObjectManager creates an object task manager.
func NewObjectManager(db *sqlx.DB) *ObjectManager {
	return &ObjectManager{db: db}
}

// CreateForItems enqueues one object task per listing item ID. The partial
// unique index on live tasks makes re-seeding idempotent: an item with a
// pending or processing task is skipped. Returns the number inserted.
func (m *ObjectManager) CreateForItems(ctx context.Context, ext sqlx.ExtContext, articulumID int64, itemIDs []string) (int, error) {
	created := 0
	for _, itemID := range itemIDs {
		res, err := ext.ExecContext(ctx, `
			INSERT INTO object_tasks (articulum_id, avito_item_id, status)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, articulumID, itemID, StatusPending)
		if err != nil {
			return created, fmt.Errorf("create object task for item %s: %w", itemID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, fmt.Errorf("create object task for item %s: rows affected: %w", itemID, err)
		}
		created += int(n)
	}
	return created, nil
}

// Claim atomically takes the oldest pending object task. The first claim
// for an articulum moves it VALIDATED -> OBJECT_PARSING; later claims lose
// that race, which is expected. Returns nil when the queue is empty.
func (m *ObjectManager) Claim(ctx context.Context, workerID string) (*ObjectTask, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim object task: begin: %w", err)
	}
	defer tx.Rollback()

	var task ObjectTask
	err = tx.QueryRowxContext(ctx, `
		SELECT ot.id, ot.articulum_id, a.articulum, ot.avito_item_id, ot.status,
		       ot.worker_id, ot.heartbeat_at, ot.wrong_page_count,
		       ot.created_at, ot.updated_at
		FROM object_tasks ot
		JOIN articulums a ON a.id = ot.articulum_id
		WHERE ot.status = $1
		ORDER BY ot.created_at ASC
		LIMIT 1
		FOR UPDATE OF ot SKIP LOCKED
	`, StatusPending).StructScan(&task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim object task: select: %w", err)
	}

	if _, err := articulum.ToObjectParsing(ctx, tx, task.ArticulumID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE object_tasks
		SET status = $1,
		    worker_id = $2,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
	`, StatusProcessing, workerID, task.ID); err != nil {
		return nil, fmt.Errorf("claim object task: mark processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim object task: commit: %w", err)
	}

	task.Status = StatusProcessing
	task.WorkerID = sql.NullString{String: workerID, Valid: true}
	return &task, nil
}

// Complete marks the task completed. The articulum stays in OBJECT_PARSING.
func (m *ObjectManager) Complete(ctx context.Context, taskID int64) error {
	if _, err := m.db.ExecContext(ctx, `
		UPDATE object_tasks SET status = $1, updated_at = NOW() WHERE id = $2
	`, StatusCompleted, taskID); err != nil {
		return fmt.Errorf("complete object task %d: %w", taskID, err)
	}
	return nil
}

// Fail marks the task failed.
func (m *ObjectManager) Fail(ctx context.Context, taskID int64, reason string) error {
	if _, err := m.db.ExecContext(ctx, `
		UPDATE object_tasks SET status = $1, updated_at = NOW() WHERE id = $2
	`, StatusFailed, taskID); err != nil {
		return fmt.Errorf("fail object task %d: %w", taskID, err)
	}
	slog.Warn("Object task failed", "task_id", taskID, "reason", reason)
	return nil
}

// Invalidate retires the task. Used when the listing is removed or the
// item turns out to be in used condition.
func (m *ObjectManager) Invalidate(ctx context.Context, taskID int64, reason string) error {
	if _, err := m.db.ExecContext(ctx, `
		UPDATE object_tasks SET status = $1, updated_at = NOW() WHERE id = $2
	`, StatusInvalid, taskID); err != nil {
		return fmt.Errorf("invalidate object task %d: %w", taskID, err)
	}
	slog.Info("Object task invalidated", "task_id", taskID, "reason", reason)
	return nil
}

// ReturnToQueue puts the task back to pending.
func (m *ObjectManager) ReturnToQueue(ctx context.Context, ext sqlx.ExtContext, taskID int64) error {
	if _, err := ext.ExecContext(ctx, `
		UPDATE object_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $2
	`, StatusPending, taskID); err != nil {
		return fmt.Errorf("return object task %d to queue: %w", taskID, err)
	}
	return nil
}

// UpdateHeartbeat proves the owning worker is alive.
func (m *ObjectManager) UpdateHeartbeat(ctx context.Context, taskID int64) error {
	if _, err := m.db.ExecContext(ctx, `
		UPDATE object_tasks
		SET heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, taskID); err != nil {
		return fmt.Errorf("update object task %d heartbeat: %w", taskID, err)
	}
	return nil
}

// CountBuffered returns how many VALIDATED articulums currently have
// pending object tasks. Browser workers compare this against the buffer
// size to decide between catalog and object work.
func (m *ObjectManager) CountBuffered(ctx context.Context) (int, error) {
	var count int
	err := m.db.GetContext(ctx, &count, `
		SELECT COUNT(DISTINCT a.id)
		FROM articulums a
		WHERE a.state = $1
		  AND EXISTS (
			SELECT 1 FROM object_tasks ot
			WHERE ot.articulum_id = a.id AND ot.status = $2
		  )
	`, articulum.StateValidated, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("count buffered articulums: %w", err)
	}
	return count, nil
}
