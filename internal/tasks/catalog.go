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

// CatalogManager owns the catalog_tasks queue.
type CatalogManager struct {
	db *sqlx.DB
}

// NewCatalogManager creates a catalog task manager.
func NewCatalogManager(db *sqlx.DB) *CatalogManager {
	return &CatalogManager{db: db}
}

// Create enqueues a pending catalog task for the articulum starting at
// page 1. The articulum stays NEW until a worker claims the task.
func (m *CatalogManager) Create(ctx context.Context, ext sqlx.ExtContext, articulumID int64) (int64, error) {
	var taskID int64
	err := sqlx.GetContext(ctx, ext, &taskID, `
		INSERT INTO catalog_tasks (articulum_id, status, checkpoint_page)
		VALUES ($1, $2, 1)
		RETURNING id
	`, articulumID, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("create catalog task for articulum %d: %w", articulumID, err)
	}
	return taskID, nil
}

// Claim atomically takes the oldest pending catalog task and moves its
// articulum NEW -> CATALOG_PARSING in the same transaction. A task whose
// articulum is already CATALOG_PARSING is a resume after rotation or
// recovery and is claimed as-is. Returns nil when the queue is empty.
func (m *CatalogManager) Claim(ctx context.Context, workerID string) (*CatalogTask, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim catalog task: begin: %w", err)
	}
	defer tx.Rollback()

	var task CatalogTask
	err = tx.QueryRowxContext(ctx, `
		SELECT ct.id, ct.articulum_id, a.articulum, ct.status, ct.checkpoint_page,
		       ct.worker_id, ct.heartbeat_at, ct.wrong_page_count,
		       ct.created_at, ct.updated_at
		FROM catalog_tasks ct
		JOIN articulums a ON a.id = ct.articulum_id
		WHERE ct.status = $1
		ORDER BY ct.created_at ASC
		LIMIT 1
		FOR UPDATE OF ct SKIP LOCKED
	`, StatusPending).StructScan(&task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim catalog task: select: %w", err)
	}

	ok, err := articulum.ToCatalogParsing(ctx, tx, task.ArticulumID)
	if err != nil {
		return nil, err
	}
	if !ok {
		state, err := stateInTx(ctx, tx, task.ArticulumID)
		if err != nil {
			return nil, err
		}
		if state != articulum.StateCatalogParsing {
			// Articulum moved on without this task. Retire it.
			if _, err := tx.ExecContext(ctx, `
				UPDATE catalog_tasks SET status = $1, updated_at = NOW() WHERE id = $2
			`, StatusInvalid, task.ID); err != nil {
				return nil, fmt.Errorf("claim catalog task: invalidate %d: %w", task.ID, err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("claim catalog task: commit: %w", err)
			}
			slog.Warn("Catalog task retired, articulum no longer parseable",
				"task_id", task.ID, "articulum_id", task.ArticulumID, "state", state)
			return nil, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog_tasks
		SET status = $1,
		    worker_id = $2,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
	`, StatusProcessing, workerID, task.ID); err != nil {
		return nil, fmt.Errorf("claim catalog task: mark processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim catalog task: commit: %w", err)
	}

	task.Status = StatusProcessing
	task.WorkerID = sql.NullString{String: workerID, Valid: true}
	return &task, nil
}

// Complete marks the task completed and moves the articulum
// CATALOG_PARSING -> CATALOG_PARSED, in one transaction.
func (m *CatalogManager) Complete(ctx context.Context, taskID, articulumID int64) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete catalog task %d: begin: %w", taskID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog_tasks SET status = $1, updated_at = NOW() WHERE id = $2
	`, StatusCompleted, taskID); err != nil {
		return fmt.Errorf("complete catalog task %d: %w", taskID, err)
	}

	if _, err := articulum.ToCatalogParsed(ctx, tx, articulumID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete catalog task %d: commit: %w", taskID, err)
	}
	return nil
}

// Fail marks the task failed and returns the articulum to NEW so the
// producer can enqueue a fresh attempt.
func (m *CatalogManager) Fail(ctx context.Context, taskID, articulumID int64, reason string) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail catalog task %d: begin: %w", taskID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog_tasks SET status = $1, updated_at = NOW() WHERE id = $2
	`, StatusFailed, taskID); err != nil {
		return fmt.Errorf("fail catalog task %d: %w", taskID, err)
	}

	if _, err := articulum.Transition(ctx, tx, articulumID,
		articulum.StateCatalogParsing, articulum.StateNew); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail catalog task %d: commit: %w", taskID, err)
	}

	slog.Warn("Catalog task failed", "task_id", taskID, "articulum_id", articulumID, "reason", reason)
	return nil
}

// Invalidate retires the task without touching the articulum. Used when
// the search page itself is wrong too many times.
func (m *CatalogManager) Invalidate(ctx context.Context, taskID int64, reason string) error {
	if _, err := m.db.ExecContext(ctx, `
		UPDATE catalog_tasks SET status = $1, updated_at = NOW() WHERE id = $2
	`, StatusInvalid, taskID); err != nil {
		return fmt.Errorf("invalidate catalog task %d: %w", taskID, err)
	}
	slog.Warn("Catalog task invalidated", "task_id", taskID, "reason", reason)
	return nil
}

// ReturnToQueue puts the task back to pending and rolls the articulum
// back to NEW, keeping checkpoint_page so the next claim resumes where
// this one stopped.
func (m *CatalogManager) ReturnToQueue(ctx context.Context, taskID, articulumID int64) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("return catalog task %d to queue: begin: %w", taskID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE catalog_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $2
	`, StatusPending, taskID); err != nil {
		return fmt.Errorf("return catalog task %d to queue: %w", taskID, err)
	}

	if _, err := articulum.Transition(ctx, tx, articulumID,
		articulum.StateCatalogParsing, articulum.StateNew); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("return catalog task %d to queue: commit: %w", taskID, err)
	}
	return nil
}

// UpdateCheckpoint persists the last fully processed page number.
func (m *CatalogManager) UpdateCheckpoint(ctx context.Context, taskID int64, page int) error {
	if _, err := m.db.ExecContext(ctx, `
		UPDATE catalog_tasks
		SET checkpoint_page = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, page, taskID); err != nil {
		return fmt.Errorf("update catalog task %d checkpoint: %w", taskID, err)
	}
	return nil
}

// UpdateHeartbeat proves the owning worker is alive.
func (m *CatalogManager) UpdateHeartbeat(ctx context.Context, taskID int64) error {
	if _, err := m.db.ExecContext(ctx, `
		UPDATE catalog_tasks
		SET heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, taskID); err != nil {
		return fmt.Errorf("update catalog task %d heartbeat: %w", taskID, err)
	}
	return nil
}

// IncrementWrongPage bumps the consecutive wrong-page counter and returns
// the new value. The caller invalidates the task once it hits the limit.
func (m *CatalogManager) IncrementWrongPage(ctx context.Context, taskID int64) (int, error) {
	var count int
	err := m.db.QueryRowxContext(ctx, `
		UPDATE catalog_tasks
		SET wrong_page_count = wrong_page_count + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING wrong_page_count
	`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment catalog task %d wrong page count: %w", taskID, err)
	}
	return count, nil
}

func stateInTx(ctx context.Context, tx *sqlx.Tx, articulumID int64) (articulum.State, error) {
	var state articulum.State
	if err := tx.GetContext(ctx, &state,
		`SELECT state FROM articulums WHERE id = $1`, articulumID); err != nil {
		return "", fmt.Errorf("get articulum %d state: %w", articulumID, err)
	}
	return state, nil
}
