// Package browserworker runs the scraping side of the pipeline: one
// worker, one browser, one proxy, one task at a time.
package browserworker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"go.avitoscout.tech/internal/browser"
	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/listings"
	"go.avitoscout.tech/internal/proxypool"
	"go.avitoscout.tech/internal/tasks"
)

// idleWait is the sleep when both queues are empty.
const idleWait = 5 * time.Second

// Worker drives one browser session against the task queues.
type Worker struct {
	id       string
	db       *sqlx.DB
	cfg      *config.Config
	driver   browser.Driver
	proxies  *proxypool.Pool
	catalogs *tasks.CatalogManager
	objects  *tasks.ObjectManager
	store    *listings.Repository
	display  string
	limiter  *rate.Limiter

	session browser.Session
	proxy   *proxypool.Proxy
}

// New creates a browser worker. display is the X display the browser
// renders to (empty for headless environments).
func New(id string, db *sqlx.DB, cfg *config.Config, driver browser.Driver, proxies *proxypool.Pool, display string) *Worker {
	return &Worker{
		id:       id,
		db:       db,
		cfg:      cfg,
		driver:   driver,
		proxies:  proxies,
		catalogs: tasks.NewCatalogManager(db),
		objects:  tasks.NewObjectManager(db),
		store:    listings.NewRepository(db),
		display:  display,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Run is the worker main loop: buffer-driven task selection until ctx is
// cancelled. All held resources are released on exit.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Browser worker started", "worker_id", w.id)
	defer w.cleanup()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Browser worker stopping", "worker_id", w.id)
			return nil
		default:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		worked, err := w.runOnce(ctx)
		if err != nil {
			slog.Error("Worker iteration failed", "worker_id", w.id, "error", err)
			sleepCtx(ctx, idleWait)
			continue
		}
		if !worked {
			sleepCtx(ctx, idleWait)
		}
	}
}

// runOnce claims and processes at most one task. The catalog buffer (the
// number of VALIDATED articulums with pending object tasks) decides which
// queue is preferred: below CatalogBufferSize the worker refills the
// buffer, at or above it the worker drains it.
func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	buffer, err := w.objects.CountBuffered(ctx)
	if err != nil {
		return false, err
	}

	preferCatalog := buffer < w.cfg.Workers.CatalogBufferSize
	if preferCatalog {
		if worked, err := w.tryCatalogTask(ctx); worked || err != nil {
			return worked, err
		}
		return w.tryObjectTask(ctx)
	}
	if worked, err := w.tryObjectTask(ctx); worked || err != nil {
		return worked, err
	}
	return w.tryCatalogTask(ctx)
}

func (w *Worker) tryCatalogTask(ctx context.Context) (bool, error) {
	if w.cfg.Reparse.Enabled {
		return false, nil
	}
	task, err := w.catalogs.Claim(ctx, w.id)
	if err != nil || task == nil {
		return false, err
	}
	metrics.TasksClaimed.WithLabelValues("catalog").Inc()

	if err := w.ensureSession(ctx); err != nil {
		// No session means no work: hand the task straight back.
		if rqErr := w.catalogs.ReturnToQueue(ctx, task.ID, task.ArticulumID); rqErr != nil {
			slog.Error("Failed to return catalog task", "task_id", task.ID, "error", rqErr)
		}
		return false, err
	}

	w.processCatalogTask(ctx, task)
	return true, nil
}

func (w *Worker) tryObjectTask(ctx context.Context) (bool, error) {
	if w.cfg.Object.SkipObjectParsing {
		return false, nil
	}
	task, err := w.objects.Claim(ctx, w.id)
	if err != nil || task == nil {
		return false, err
	}
	metrics.TasksClaimed.WithLabelValues("object").Inc()

	if err := w.ensureSession(ctx); err != nil {
		if rqErr := w.objects.ReturnToQueue(ctx, w.db, task.ID); rqErr != nil {
			slog.Error("Failed to return object task", "task_id", task.ID, "error", rqErr)
		}
		return false, err
	}

	w.processObjectTask(ctx, task)
	return true, nil
}

// ensureSession makes sure a browser bound to a live proxy exists.
func (w *Worker) ensureSession(ctx context.Context) error {
	if w.session != nil {
		return nil
	}

	proxy, err := w.proxies.AcquireWithWait(ctx, w.id, 0)
	if err != nil {
		return err
	}

	session, err := w.driver.NewSession(ctx, proxyConfig(proxy), w.display)
	if err != nil {
		if relErr := w.proxies.Release(ctx, proxy.ID); relErr != nil {
			slog.Error("Failed to release proxy after session failure",
				"proxy_id", proxy.ID, "error", relErr)
		}
		return fmt.Errorf("create browser session: %w", err)
	}

	w.session = session
	w.proxy = proxy
	slog.Info("Browser session created",
		"worker_id", w.id, "proxy_id", proxy.ID, "proxy", proxy.URL())
	return nil
}

// rotateSession swaps the current proxy for a fresh one. The old proxy's
// fate (block, error count, release) was already settled by the caller.
func (w *Worker) rotateSession(ctx context.Context) error {
	w.dropSession(ctx)
	return w.ensureSession(ctx)
}

// dropSession closes the browser without touching the proxy row.
func (w *Worker) dropSession(ctx context.Context) {
	if w.session == nil {
		return
	}
	if err := w.session.Close(ctx); err != nil {
		slog.Warn("Browser session close failed", "worker_id", w.id, "error", err)
	}
	w.session = nil
	w.proxy = nil
}

// handleSessionError settles the proxy after a thrown (not status-mapped)
// error and drops the session. The task itself goes back to the queue via
// the caller's requeue path.
func (w *Worker) handleSessionError(ctx context.Context, err error) {
	proxyID := int64(0)
	if w.proxy != nil {
		proxyID = w.proxy.ID
	}

	switch {
	case proxypool.IsPermanentProxyError(err):
		slog.Error("Permanent proxy error",
			"worker_id", w.id, "proxy_id", proxyID, "error", proxypool.ErrorDescription(err))
		if proxyID != 0 {
			if bErr := w.proxies.Block(ctx, proxyID, proxypool.ErrorDescription(err)); bErr != nil {
				slog.Error("Failed to block proxy", "proxy_id", proxyID, "error", bErr)
			}
			metrics.ProxiesBlocked.WithLabelValues("permanent_error").Inc()
		}
	case proxypool.IsTransientNetworkError(err):
		slog.Warn("Transient network error",
			"worker_id", w.id, "proxy_id", proxyID, "error", proxypool.ErrorDescription(err))
		if proxyID != 0 {
			if iErr := w.proxies.IncrementError(ctx, proxyID, proxypool.ErrorDescription(err)); iErr != nil {
				slog.Error("Failed to increment proxy error", "proxy_id", proxyID, "error", iErr)
			}
		}
	default:
		// Not the proxy's fault as far as we can tell. Hand it back so
		// another worker can use it.
		slog.Error("Unknown browser error", "worker_id", w.id, "proxy_id", proxyID, "error", err)
		if proxyID != 0 {
			if relErr := w.proxies.Release(ctx, proxyID); relErr != nil {
				slog.Error("Failed to release proxy", "proxy_id", proxyID, "error", relErr)
			}
		}
	}

	w.dropSession(ctx)
}

// startHeartbeat refreshes the task heartbeat until the returned stop
// function is called.
func (w *Worker) startHeartbeat(ctx context.Context, update func(context.Context) error) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Heartbeat.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := update(hbCtx); err != nil {
					slog.Error("Heartbeat update failed", "worker_id", w.id, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w.dropSession(ctx)
	if err := w.proxies.ReleaseByWorker(ctx, w.db, w.id); err != nil {
		slog.Error("Failed to release proxies on shutdown", "worker_id", w.id, "error", err)
	}
}

func proxyConfig(p *proxypool.Proxy) browser.ProxyConfig {
	cfg := browser.ProxyConfig{Server: p.URL()}
	if p.Username.Valid {
		cfg.Username = p.Username.String
		cfg.Password = p.Password.String
	}
	return cfg
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
