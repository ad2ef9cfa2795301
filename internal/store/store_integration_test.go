//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"go.avitoscout.tech/internal/articulum"
	"go.avitoscout.tech/internal/proxypool"
	"go.avitoscout.tech/internal/tasks"
)

// startPostgres runs a throwaway Postgres container with the full schema
// applied. Tests using it exercise real locking semantics that sqlmock
// cannot reproduce.
func startPostgres(t *testing.T) *sqlx.DB {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("avitoscout_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sqlx.Open("pgx", connStr)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func articulumState(t *testing.T, db *sqlx.DB, id int64) articulum.State {
	t.Helper()
	var state articulum.State
	if err := db.Get(&state, `SELECT state FROM articulums WHERE id = $1`, id); err != nil {
		t.Fatalf("get articulum state: %v", err)
	}
	return state
}

func TestCatalogTaskFlow(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	var articulumID int64
	err := db.Get(&articulumID, `
		INSERT INTO articulums (articulum, state) VALUES ('ABC-123', 'NEW') RETURNING id
	`)
	if err != nil {
		t.Fatalf("insert articulum: %v", err)
	}

	m := tasks.NewCatalogManager(db)
	taskID, err := m.Create(ctx, db, articulumID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	task, err := m.Claim(ctx, "test_1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task == nil || task.ID != taskID {
		t.Fatalf("task = %+v, want id %d", task, taskID)
	}
	if got := articulumState(t, db, articulumID); got != articulum.StateCatalogParsing {
		t.Errorf("state after claim = %s, want CATALOG_PARSING", got)
	}

	// The queue is empty while the task is processing.
	second, err := m.Claim(ctx, "test_2")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if second != nil {
		t.Errorf("second claim got task %d, want none", second.ID)
	}

	if err := m.Complete(ctx, task.ID, articulumID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := articulumState(t, db, articulumID); got != articulum.StateCatalogParsed {
		t.Errorf("state after complete = %s, want CATALOG_PARSED", got)
	}
}

func TestProxyPoolThreeStrikes(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	if _, err := db.Exec(`
		INSERT INTO proxies (host, port, username, password)
		VALUES ('10.0.0.1', 8080, 'user', 'pass')
	`); err != nil {
		t.Fatalf("insert proxy: %v", err)
	}

	pool := proxypool.New(db, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		proxy, err := pool.Acquire(ctx, "test_1")
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if proxy == nil {
			t.Fatalf("Acquire %d: no proxy", i)
		}
		if err := pool.IncrementError(ctx, proxy.ID, "timeout"); err != nil {
			t.Fatalf("IncrementError %d: %v", i, err)
		}
	}

	// Third strike blocks permanently; nothing left to acquire.
	proxy, err := pool.Acquire(ctx, "test_2")
	if err != nil {
		t.Fatalf("Acquire after block: %v", err)
	}
	if proxy != nil {
		t.Errorf("acquired blocked proxy %d", proxy.ID)
	}

	stats, err := pool.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 1 || stats.Blocked != 1 || stats.Available != 0 {
		t.Errorf("stats = %+v, want 1 total, 1 blocked", stats)
	}
}
