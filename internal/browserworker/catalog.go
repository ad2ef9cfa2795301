package browserworker

import (
	"context"
	"fmt"
	"log/slog"

	"go.avitoscout.tech/internal/browser"
	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/tasks"
)

// processCatalogTask crawls catalog pages for the task's articulum,
// rotating proxies within a bounded budget. Any exit path that did not
// settle the task hands it back to the queue with its checkpoint intact.
func (w *Worker) processCatalogTask(ctx context.Context, task *tasks.CatalogTask) {
	stop := w.startHeartbeat(ctx, func(hbCtx context.Context) error {
		return w.catalogs.UpdateHeartbeat(hbCtx, task.ID)
	})
	defer stop()

	settled := false
	defer func() {
		if settled {
			return
		}
		if err := w.catalogs.ReturnToQueue(ctx, task.ID, task.ArticulumID); err != nil {
			slog.Error("Failed to return catalog task to queue",
				"task_id", task.ID, "error", err)
		}
	}()

	slog.Info("Processing catalog task",
		"worker_id", w.id, "task_id", task.ID,
		"articulum", task.Articulum, "start_page", task.CheckpointPage)

	startPage := task.CheckpointPage
	if startPage < 1 {
		startPage = 1
	}
	rotations := 0

	for {
		result, err := w.session.ParseCatalog(ctx, task.Articulum, startPage, w.cfg.Catalog.MaxPages)
		if err != nil {
			w.handleSessionError(ctx, err)
			return
		}

		metrics.CatalogPagesParsed.WithLabelValues(string(result.Status)).Add(float64(result.ProcessedPages))
		if result.ResumePage > startPage {
			if err := w.catalogs.UpdateCheckpoint(ctx, task.ID, result.ResumePage); err != nil {
				slog.Error("Failed to persist checkpoint",
					"task_id", task.ID, "page", result.ResumePage, "error", err)
			}
			startPage = result.ResumePage
		}

		switch result.Status {
		case browser.CatalogSuccess, browser.CatalogEmpty:
			settled = w.finishCatalogTask(ctx, task, result)
			return

		case browser.CatalogProxyBlocked, browser.CatalogProxyAuthRequired:
			w.blockCurrentProxy(ctx, string(result.Status), result.Details)
			rotations++
			metrics.ProxyRotations.WithLabelValues(string(result.Status)).Inc()
			if rotations >= w.cfg.Catalog.ProxyRotationLimit {
				slog.Warn("Proxy rotation budget exhausted, returning task",
					"task_id", task.ID, "rotations", rotations)
				return
			}
			if err := w.rotateSession(ctx); err != nil {
				slog.Error("Proxy rotation failed", "task_id", task.ID, "error", err)
				return
			}
			slog.Info("Rotated proxy, resuming catalog task",
				"task_id", task.ID, "page", startPage, "rotation", rotations)

		case browser.CatalogCaptchaFailed:
			// Proxy is fine, the session is burnt.
			w.releaseCurrentProxy(ctx)
			w.dropSession(ctx)
			return

		case browser.CatalogLoadTimeout:
			w.penalizeCurrentProxy(ctx, result.Details)
			w.dropSession(ctx)
			return

		case browser.CatalogServerUnavailable:
			// Avito's problem, not the proxy's.
			return

		case browser.CatalogWrongPage, browser.CatalogPageNotDetected:
			settled = w.handleWrongPage(ctx, task, result)
			return

		default:
			slog.Error("Unknown catalog status",
				"task_id", task.ID, "status", result.Status)
			return
		}
	}
}

// finishCatalogTask saves the page results and completes the task. Reports
// whether the task was settled.
func (w *Worker) finishCatalogTask(ctx context.Context, task *tasks.CatalogTask, result *browser.CatalogResult) bool {
	saved, err := w.store.SaveListings(ctx, w.db, task.ArticulumID, result.Listings)
	if err != nil {
		slog.Error("Failed to save listings", "task_id", task.ID, "error", err)
		return false
	}
	metrics.CatalogListingsSaved.Add(float64(saved))

	if err := w.catalogs.Complete(ctx, task.ID, task.ArticulumID); err != nil {
		slog.Error("Failed to complete catalog task", "task_id", task.ID, "error", err)
		return false
	}
	metrics.TasksCompleted.WithLabelValues("catalog", "completed").Inc()

	if w.proxy != nil {
		if err := w.proxies.ResetErrors(ctx, w.proxy.ID); err != nil {
			slog.Error("Failed to reset proxy errors", "proxy_id", w.proxy.ID, "error", err)
		}
	}

	slog.Info("Catalog task completed",
		"worker_id", w.id, "task_id", task.ID, "articulum", task.Articulum,
		"listings_found", len(result.Listings), "listings_saved", saved,
		"pages", result.ProcessedPages, "status", result.Status)
	return true
}

// handleWrongPage counts consecutive unrecognized pages and fails the task
// once the limit is hit. Below the limit the task goes back to the queue
// for another try. Reports whether the task was settled.
func (w *Worker) handleWrongPage(ctx context.Context, task *tasks.CatalogTask, result *browser.CatalogResult) bool {
	count, err := w.catalogs.IncrementWrongPage(ctx, task.ID)
	if err != nil {
		slog.Error("Failed to increment wrong page count", "task_id", task.ID, "error", err)
		return false
	}

	if count < w.cfg.Catalog.WrongPageMaxCount {
		slog.Warn("Unrecognized catalog page, returning task",
			"task_id", task.ID, "status", result.Status,
			"count", count, "max", w.cfg.Catalog.WrongPageMaxCount)
		return false
	}

	reason := fmt.Sprintf("unrecognized page %d times: %s", count, result.Status)
	if err := w.catalogs.Fail(ctx, task.ID, task.ArticulumID, reason); err != nil {
		slog.Error("Failed to fail catalog task", "task_id", task.ID, "error", err)
		return false
	}
	return true
}

func (w *Worker) blockCurrentProxy(ctx context.Context, status, details string) {
	if w.proxy == nil {
		return
	}
	reason := status
	if details != "" {
		reason = fmt.Sprintf("%s: %s", status, details)
	}
	if err := w.proxies.Block(ctx, w.proxy.ID, reason); err != nil {
		slog.Error("Failed to block proxy", "proxy_id", w.proxy.ID, "error", err)
	}
	metrics.ProxiesBlocked.WithLabelValues("avito_block").Inc()
}

func (w *Worker) releaseCurrentProxy(ctx context.Context) {
	if w.proxy == nil {
		return
	}
	if err := w.proxies.Release(ctx, w.proxy.ID); err != nil {
		slog.Error("Failed to release proxy", "proxy_id", w.proxy.ID, "error", err)
	}
}

func (w *Worker) penalizeCurrentProxy(ctx context.Context, details string) {
	if w.proxy == nil {
		return
	}
	if err := w.proxies.IncrementError(ctx, w.proxy.ID, details); err != nil {
		slog.Error("Failed to increment proxy error", "proxy_id", w.proxy.ID, "error", err)
	}
}
