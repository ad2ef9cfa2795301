package browserworker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.avitoscout.tech/internal/browser"
	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/tasks"
)

// conditionKeys are characteristic names that carry the item's condition.
var conditionKeys = []string{"состояние", "condition", "статус", "status"}

// usedConditionValues mark a listing as second-hand. Sellers write the
// abbreviation a dozen ways.
var usedConditionValues = []string{
	"б/у", "бу", "б у", "б.у.", "б.у", "б/у.", "б./у.", "б./у", "б /у",
}

// processObjectTask fetches one detail page, retries upstream 5xx a bounded
// number of times, and persists the card. Used-condition items are retired
// without saving.
func (w *Worker) processObjectTask(ctx context.Context, task *tasks.ObjectTask) {
	stop := w.startHeartbeat(ctx, func(hbCtx context.Context) error {
		return w.objects.UpdateHeartbeat(hbCtx, task.ID)
	})
	defer stop()

	settled := false
	defer func() {
		if settled {
			return
		}
		if err := w.objects.ReturnToQueue(ctx, w.db, task.ID); err != nil {
			slog.Error("Failed to return object task to queue",
				"task_id", task.ID, "error", err)
		}
	}()

	slog.Info("Processing object task",
		"worker_id", w.id, "task_id", task.ID, "avito_item_id", task.AvitoItemID)

	result, err := w.session.FetchCard(ctx, task.AvitoItemID)
	if err != nil {
		w.handleSessionError(ctx, err)
		return
	}

	for attempt := 1; result.Status.ServerError() && attempt <= w.cfg.Object.ServerErrorRetryAttempts; attempt++ {
		slog.Warn("Server error on detail page, retrying",
			"task_id", task.ID, "attempt", attempt,
			"max", w.cfg.Object.ServerErrorRetryAttempts)
		sleepCtx(ctx, w.cfg.Object.ServerErrorRetryDelay)
		if ctx.Err() != nil {
			return
		}
		result, err = w.session.Reload(ctx)
		if err != nil {
			w.handleSessionError(ctx, err)
			return
		}
	}

	switch result.Status {
	case browser.CardSuccess:
		settled = w.finishObjectTask(ctx, task, result.Card)

	case browser.CardNotFound:
		if err := w.objects.Invalidate(ctx, task.ID, "listing removed"); err != nil {
			slog.Error("Failed to invalidate object task", "task_id", task.ID, "error", err)
			return
		}
		settled = true

	case browser.CardProxyBlocked, browser.CardProxyAuthRequired:
		w.blockCurrentProxy(ctx, string(result.Status), result.Details)
		w.dropSession(ctx)

	case browser.CardCaptchaFailed:
		w.releaseCurrentProxy(ctx)
		w.dropSession(ctx)

	case browser.CardLoadTimeout:
		w.penalizeCurrentProxy(ctx, result.Details)
		w.dropSession(ctx)

	case browser.CardServerUnavailable:
		// Retries exhausted; nothing wrong with the proxy.
		slog.Warn("Server still unavailable after retries, returning task",
			"task_id", task.ID)

	case browser.CardPageNotDetected:
		if err := w.objects.Fail(ctx, task.ID,
			fmt.Sprintf("page not detected: %s", result.Details)); err != nil {
			slog.Error("Failed to fail object task", "task_id", task.ID, "error", err)
			return
		}
		settled = true

	default:
		slog.Error("Unknown card status", "task_id", task.ID, "status", result.Status)
	}
}

// finishObjectTask persists the card and completes the task, unless the
// item turns out to be second-hand. Reports whether the task was settled.
func (w *Worker) finishObjectTask(ctx context.Context, task *tasks.ObjectTask, card *browser.CardData) bool {
	if card == nil {
		slog.Error("Success status with no card data", "task_id", task.ID)
		return false
	}

	if IsUsedCondition(card.Characteristics) {
		if err := w.objects.Invalidate(ctx, task.ID, "used condition"); err != nil {
			slog.Error("Failed to invalidate object task", "task_id", task.ID, "error", err)
			return false
		}
		return true
	}

	if err := w.store.SaveObjectData(ctx, task.ArticulumID, card); err != nil {
		slog.Error("Failed to save object data", "task_id", task.ID, "error", err)
		return false
	}
	metrics.ObjectPagesParsed.WithLabelValues(string(browser.CardSuccess)).Inc()

	if err := w.objects.Complete(ctx, task.ID); err != nil {
		slog.Error("Failed to complete object task", "task_id", task.ID, "error", err)
		return false
	}
	metrics.TasksCompleted.WithLabelValues("object", "completed").Inc()

	if w.proxy != nil {
		if err := w.proxies.ResetErrors(ctx, w.proxy.ID); err != nil {
			slog.Error("Failed to reset proxy errors", "proxy_id", w.proxy.ID, "error", err)
		}
	}

	slog.Info("Object task completed",
		"worker_id", w.id, "task_id", task.ID, "avito_item_id", task.AvitoItemID)
	return true
}

// IsUsedCondition reports whether a condition-like characteristic says the
// item is second-hand.
func IsUsedCondition(characteristics map[string]string) bool {
	for key, value := range characteristics {
		if !isConditionKey(key) {
			continue
		}
		v := strings.ToLower(strings.TrimSpace(value))
		for _, used := range usedConditionValues {
			if v == used {
				return true
			}
		}
	}
	return false
}

func isConditionKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, want := range conditionKeys {
		if strings.Contains(k, want) {
			return true
		}
	}
	return false
}
