// Package orchestrator is the control plane: it seeds the task queues,
// spawns and supervises worker processes, and serves health and metrics.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/tasks"
)

// seedInterval is how often the seeder looks for newly created articulums.
const seedInterval = time.Minute

// Seeder turns externally created articulums into queue work. Implements
// lifecycle.Service.
type Seeder struct {
	db       *sqlx.DB
	cfg      *config.Config
	catalogs *tasks.CatalogManager
	objects  *tasks.ObjectManager
	done     chan struct{}
}

// NewSeeder creates a task seeder.
func NewSeeder(db *sqlx.DB, cfg *config.Config) *Seeder {
	return &Seeder{
		db:       db,
		cfg:      cfg,
		catalogs: tasks.NewCatalogManager(db),
		objects:  tasks.NewObjectManager(db),
		done:     make(chan struct{}),
	}
}

func (s *Seeder) Name() string { return "task-seeder" }

// Start seeds once immediately, then keeps polling for new articulums.
// In reparse mode the only seeding is the one-shot reparse pass.
func (s *Seeder) Start(ctx context.Context) error {
	defer close(s.done)

	if s.cfg.Reparse.Enabled {
		created, err := s.SeedReparseTasks(ctx)
		if err != nil {
			return err
		}
		slog.Info("Reparse tasks seeded", "created", created)
		<-ctx.Done()
		return nil
	}

	if err := s.seedOnce(ctx); err != nil {
		slog.Error("Initial seeding failed", "error", err)
	}

	ticker := time.NewTicker(seedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.seedOnce(ctx); err != nil {
				slog.Error("Seeding pass failed", "error", err)
			}
		}
	}
}

// Stop waits for the seeding loop to exit.
func (s *Seeder) Stop(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Seeder) Health() error { return nil }

func (s *Seeder) seedOnce(ctx context.Context) error {
	if _, err := s.SeedCatalogTasks(ctx); err != nil {
		return err
	}
	_, err := s.SeedObjectTasks(ctx)
	return err
}

// SeedCatalogTasks creates one pending catalog task per NEW articulum that
// has none yet. The articulum stays NEW; the claim moves it forward.
func (s *Seeder) SeedCatalogTasks(ctx context.Context) (int, error) {
	type newArticulum struct {
		ID        int64  `db:"id"`
		Articulum string `db:"articulum"`
	}

	var fresh []newArticulum
	err := s.db.SelectContext(ctx, &fresh, `
		SELECT a.id, a.articulum
		FROM articulums a
		WHERE a.state = 'NEW'
		  AND NOT EXISTS (
			SELECT 1 FROM catalog_tasks ct
			WHERE ct.articulum_id = a.id
			  AND ct.status IN ($1, $2)
		  )
		ORDER BY a.created_at ASC
	`, tasks.StatusPending, tasks.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("find unseeded articulums: %w", err)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("seed catalog tasks: begin: %w", err)
	}
	defer tx.Rollback()

	created := 0
	for _, a := range fresh {
		if _, err := s.catalogs.Create(ctx, tx, a.ID); err != nil {
			return 0, err
		}
		created++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("seed catalog tasks: commit: %w", err)
	}

	metrics.CatalogTasksSeeded.Add(float64(created))
	slog.Info("Seeded catalog tasks", "created", created)
	return created, nil
}

// SeedObjectTasks re-creates object tasks for VALIDATED articulums that
// lost theirs, using only listings that passed every validation stage.
func (s *Seeder) SeedObjectTasks(ctx context.Context) (int, error) {
	if s.cfg.Object.SkipObjectParsing {
		return 0, nil
	}

	var validated []int64
	err := s.db.SelectContext(ctx, &validated, `
		SELECT id
		FROM articulums
		WHERE state = 'VALIDATED'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("find validated articulums: %w", err)
	}

	total := 0
	for _, articulumID := range validated {
		itemIDs, err := s.passedItems(ctx, articulumID)
		if err != nil {
			return total, err
		}
		if len(itemIDs) == 0 {
			continue
		}

		created, err := s.objects.CreateForItems(ctx, s.db, articulumID, itemIDs)
		if err != nil {
			return total, err
		}
		if created > 0 {
			slog.Info("Seeded object tasks for validated articulum",
				"articulum_id", articulumID, "created", created)
			total += created
		}
	}
	return total, nil
}

// passedItems returns listing item IDs with no failing validation result.
func (s *Seeder) passedItems(ctx context.Context, articulumID int64) ([]string, error) {
	var itemIDs []string
	err := s.db.SelectContext(ctx, &itemIDs, `
		SELECT DISTINCT cl.avito_item_id
		FROM catalog_listings cl
		WHERE cl.articulum_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM validation_results vr
			WHERE vr.articulum_id = cl.articulum_id
			  AND vr.avito_item_id = cl.avito_item_id
			  AND vr.passed = FALSE
		  )
	`, articulumID)
	if err != nil {
		return nil, fmt.Errorf("find passed items for articulum %d: %w", articulumID, err)
	}
	return itemIDs, nil
}

// SeedReparseTasks enqueues object tasks for previously parsed listings
// whose last parse is older than the reparse interval. When the filter
// tables hold rows, only matching items are considered; otherwise every
// parsed item is a candidate. An item with a live task is skipped.
func (s *Seeder) SeedReparseTasks(ctx context.Context) (int, error) {
	if s.cfg.Object.SkipObjectParsing {
		return 0, nil
	}

	var filtersExist bool
	err := s.db.GetContext(ctx, &filtersExist, `
		SELECT EXISTS (
			SELECT 1 FROM reparse_filter_items
			UNION ALL
			SELECT 1 FROM reparse_filter_articulums
			LIMIT 1
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("check reparse filters: %w", err)
	}

	targetItems := `
		SELECT DISTINCT avito_item_id
		FROM object_data
	`
	if filtersExist {
		targetItems = `
			WITH filter_items AS (
				SELECT avito_item_id FROM reparse_filter_items
				UNION
				SELECT DISTINCT cl.avito_item_id
				FROM catalog_listings cl
				JOIN articulums a ON a.id = cl.articulum_id
				JOIN reparse_filter_articulums rfa ON rfa.articulum = a.articulum
			)
			SELECT fi.avito_item_id
			FROM filter_items fi
			WHERE EXISTS (
				SELECT 1 FROM object_data od
				WHERE od.avito_item_id = fi.avito_item_id
			)
		`
	}

	var created int
	err = s.db.GetContext(ctx, &created, fmt.Sprintf(`
		WITH target_items AS (
			%s
		),
		latest_parses AS (
			SELECT od.avito_item_id,
			       od.articulum_id,
			       MAX(od.parsed_at) AS last_parsed_at
			FROM object_data od
			JOIN target_items ti ON ti.avito_item_id = od.avito_item_id
			GROUP BY od.avito_item_id, od.articulum_id
			HAVING EXTRACT(EPOCH FROM (NOW() - MAX(od.parsed_at))) / 3600 >= $1
		),
		new_tasks AS (
			INSERT INTO object_tasks (articulum_id, avito_item_id, status)
			SELECT DISTINCT ON (lp.avito_item_id)
				lp.articulum_id,
				lp.avito_item_id,
				$2
			FROM latest_parses lp
			WHERE NOT EXISTS (
				SELECT 1 FROM object_tasks ot
				WHERE ot.avito_item_id = lp.avito_item_id
				  AND ot.status IN ($2, $3)
			)
			ORDER BY lp.avito_item_id, lp.last_parsed_at ASC
			RETURNING 1
		)
		SELECT COUNT(*) FROM new_tasks
	`, targetItems), s.cfg.Reparse.MinIntervalHours, tasks.StatusPending, tasks.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("seed reparse tasks: %w", err)
	}

	slog.Info("Reparse seeding finished",
		"created", created,
		"filters_active", filtersExist,
		"min_interval_hours", s.cfg.Reparse.MinIntervalHours)
	return created, nil
}
