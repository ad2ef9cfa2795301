// Package tasks implements the catalog and object work queues.
//
// The queue is the table: workers claim rows with FOR UPDATE SKIP LOCKED
// inside a transaction, so two workers can never hold the same task.
// Task rows carry a worker_id and heartbeat_at while processing; heartbeat
// recovery returns rows whose heartbeat expired.
package tasks

import (
	"database/sql"
	"time"
)

// Status is a task queue status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusInvalid    Status = "invalid"
)

// CatalogTask is one catalog crawl assignment. checkpoint_page survives
// proxy rotation and worker death so the crawl resumes instead of
// restarting.
type CatalogTask struct {
	ID             int64          `db:"id"`
	ArticulumID    int64          `db:"articulum_id"`
	Articulum      string         `db:"articulum"`
	Status         Status         `db:"status"`
	CheckpointPage int            `db:"checkpoint_page"`
	WorkerID       sql.NullString `db:"worker_id"`
	HeartbeatAt    sql.NullTime   `db:"heartbeat_at"`
	WrongPageCount int            `db:"wrong_page_count"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// ObjectTask is one listing detail-page assignment.
type ObjectTask struct {
	ID             int64          `db:"id"`
	ArticulumID    int64          `db:"articulum_id"`
	Articulum      string         `db:"articulum"`
	AvitoItemID    string         `db:"avito_item_id"`
	Status         Status         `db:"status"`
	WorkerID       sql.NullString `db:"worker_id"`
	HeartbeatAt    sql.NullTime   `db:"heartbeat_at"`
	WrongPageCount int            `db:"wrong_page_count"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}
