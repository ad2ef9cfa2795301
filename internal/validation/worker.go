package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/ai"
	"go.avitoscout.tech/internal/articulum"
	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/listings"
	"go.avitoscout.tech/internal/tasks"
)

// ExitCodeAIFailure is returned by Run when three consecutive AI failures
// force the worker down. The orchestrator does not restart on this code.
const ExitCodeAIFailure = 2

// idleWait is the sleep when no articulum is ready for validation.
const idleWait = 10 * time.Second

// AIValidator is the articulum-level relevance check.
type AIValidator interface {
	Validate(ctx context.Context, articulum string, items []ai.Item) (*ai.Decision, error)
}

// Worker validates articulums one at a time.
type Worker struct {
	id        string
	db        *sqlx.DB
	cfg       *config.Config
	recorder  *Recorder
	stopwords *StopwordMatcher
	listings  *listings.Repository
	objects   *tasks.ObjectManager
	aiClient  AIValidator

	aiErrorCount int
}

// NewWorker creates a validation worker. aiClient may be nil when AI
// validation is disabled.
func NewWorker(id string, db *sqlx.DB, cfg *config.Config, aiClient AIValidator) *Worker {
	return &Worker{
		id:        id,
		db:        db,
		cfg:       cfg,
		recorder:  NewRecorder(db),
		stopwords: NewStopwordMatcher(cfg.Validation.Stopwords),
		listings:  listings.NewRepository(db),
		objects:   tasks.NewObjectManager(db),
		aiClient:  aiClient,
	}
}

// Run is the worker main loop. Returns the process exit code.
func (w *Worker) Run(ctx context.Context) int {
	slog.Info("Validation worker started", "worker_id", w.id)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Validation worker stopping", "worker_id", w.id)
			return 0
		default:
		}

		claimed, err := articulum.ClaimForValidation(ctx, w.db)
		if err != nil {
			slog.Error("Failed to claim articulum", "worker_id", w.id, "error", err)
			sleepCtx(ctx, 5*time.Second)
			continue
		}
		if claimed == nil {
			sleepCtx(ctx, idleWait)
			continue
		}

		if err := w.ValidateArticulum(ctx, claimed); err != nil {
			slog.Error("Validation pass failed",
				"worker_id", w.id, "articulum_id", claimed.ID, "error", err)
		}

		if w.aiErrorCount >= 3 {
			slog.Error("Three consecutive AI failures, worker shutting down",
				"worker_id", w.id)
			return ExitCodeAIFailure
		}
	}
}

// ValidateArticulum runs every enabled stage for one claimed articulum and
// settles its fate: VALIDATED with object tasks, REJECTED_BY_MIN_COUNT, or
// rolled back to CATALOG_PARSED on AI unavailability.
func (w *Worker) ValidateArticulum(ctx context.Context, a *articulum.Articulum) error {
	start := time.Now()
	defer func() {
		metrics.ValidationDuration.Observe(time.Since(start).Seconds())
	}()

	slog.Info("Validating articulum",
		"worker_id", w.id, "articulum_id", a.ID, "articulum", a.Articulum)

	items, err := w.listings.GetByArticulum(ctx, a.ID)
	if err != nil {
		return err
	}

	minItems := w.cfg.Validation.MinValidatedItems

	// Pre-check: not enough raw catalog output means no stage can save it.
	if len(items) < minItems {
		return w.reject(ctx, a.ID,
			fmt.Sprintf("fewer than %d listings after catalog parsing", minItems))
	}

	items, err = PriceFilter(ctx, w.recorder, &w.cfg.Validation, a.ID, items)
	if err != nil {
		return err
	}
	if len(items) < minItems {
		return w.reject(ctx, a.ID,
			fmt.Sprintf("fewer than %d listings after price filter", minItems))
	}

	items, err = Mechanical(ctx, w.recorder, &w.cfg.Validation, w.stopwords, a.ID, a.Articulum, items)
	if err != nil {
		return err
	}
	if len(items) < minItems {
		return w.reject(ctx, a.ID,
			fmt.Sprintf("fewer than %d listings after mechanical validation", minItems))
	}

	if w.cfg.Validation.EnableAIValidation && w.aiClient != nil {
		items, err = w.runAI(ctx, a, items)
		if err != nil {
			if errors.Is(err, ai.ErrUnavailable) {
				// Not an item-level verdict. Re-enter validation later.
				w.aiErrorCount++
				slog.Warn("AI unavailable, rolling articulum back",
					"articulum_id", a.ID, "consecutive_failures", w.aiErrorCount)
				metrics.ValidationArticulums.WithLabelValues("rolled_back").Inc()
				_, rbErr := articulum.RollbackToCatalogParsed(ctx, w.db, a.ID, "ai unavailable")
				return errors.Join(err, rbErr)
			}
			return err
		}
		w.aiErrorCount = 0

		if len(items) < minItems {
			return w.reject(ctx, a.ID,
				fmt.Sprintf("fewer than %d listings after ai validation", minItems))
		}
	}

	return w.accept(ctx, a.ID, items)
}

// runAI sends the surviving items to the relevance endpoint and records a
// verdict for each one. Items the endpoint did not mention are rejected
// with "no decision".
func (w *Worker) runAI(ctx context.Context, a *articulum.Articulum, items []listings.Listing) ([]listings.Listing, error) {
	payload := make([]ai.Item, len(items))
	for i, item := range items {
		var price *float64
		if item.Price.Valid {
			p := item.Price.Float64
			price = &p
		}
		payload[i] = ai.Item{
			ID:      item.AvitoItemID,
			Title:   item.Title.String,
			Snippet: item.SnippetText.String,
			Price:   price,
		}
	}

	decision, err := w.aiClient.Validate(ctx, a.Articulum, payload)
	if err != nil {
		return nil, err
	}

	passedIDs := make(map[string]struct{}, len(decision.Passed))
	for _, id := range decision.Passed {
		passedIDs[id] = struct{}{}
	}
	rejectedReasons := make(map[string]string, len(decision.Rejected))
	for _, r := range decision.Rejected {
		rejectedReasons[r.ID] = r.Reason
	}

	var passed []listings.Listing
	for _, item := range items {
		if _, ok := passedIDs[item.AvitoItemID]; ok {
			if err := w.recorder.Record(ctx, a.ID, item.AvitoItemID, StageAI, true, ""); err != nil {
				return nil, err
			}
			passed = append(passed, item)
			continue
		}
		reason, mentioned := rejectedReasons[item.AvitoItemID]
		if !mentioned {
			reason = "no decision"
		}
		if err := w.recorder.Record(ctx, a.ID, item.AvitoItemID, StageAI, false, reason); err != nil {
			return nil, err
		}
	}

	slog.Info("AI validation done",
		"articulum_id", a.ID, "passed", len(passed), "total", len(items))
	return passed, nil
}

func (w *Worker) reject(ctx context.Context, articulumID int64, reason string) error {
	metrics.ValidationArticulums.WithLabelValues("rejected").Inc()
	_, err := articulum.Reject(ctx, w.db, articulumID, reason)
	return err
}

// accept moves the articulum to VALIDATED and seeds object tasks for the
// survivors, in one transaction.
func (w *Worker) accept(ctx context.Context, articulumID int64, survivors []listings.Listing) error {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accept articulum %d: begin: %w", articulumID, err)
	}
	defer tx.Rollback()

	ok, err := articulum.ToValidated(ctx, tx, articulumID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("Articulum left VALIDATING underneath us", "articulum_id", articulumID)
		return nil
	}

	if !w.cfg.Object.SkipObjectParsing {
		itemIDs := make([]string, len(survivors))
		for i, s := range survivors {
			itemIDs[i] = s.AvitoItemID
		}
		created, err := w.objects.CreateForItems(ctx, tx, articulumID, itemIDs)
		if err != nil {
			return err
		}
		slog.Info("Object tasks created",
			"articulum_id", articulumID, "created", created)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("accept articulum %d: commit: %w", articulumID, err)
	}

	metrics.ValidationArticulums.WithLabelValues("validated").Inc()
	slog.Info("Articulum validated",
		"articulum_id", articulumID, "surviving_items", len(survivors))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
