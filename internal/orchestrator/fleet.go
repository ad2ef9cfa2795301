package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"go.avitoscout.tech/internal/common/metrics"
	"go.avitoscout.tech/internal/config"
	"go.avitoscout.tech/internal/display"
	"go.avitoscout.tech/internal/tasks"
)

// monitorInterval is how often the fleet checks worker processes.
const monitorInterval = 10 * time.Second

// aiFailureExitCode is the validation worker's "AI endpoint is down" exit.
// Workers exiting with it are not restarted.
const aiFailureExitCode = 2

type workerProc struct {
	cmd      *exec.Cmd
	index    int
	exited   chan struct{}
	exitCode int
}

// Fleet spawns browser and validation workers as child processes and
// restarts the ones that die. Implements lifecycle.Service.
type Fleet struct {
	db       *sqlx.DB
	cfg      *config.Config
	displays *display.Manager

	browserBin    string
	validationBin string

	mu                 sync.Mutex
	browsers           map[string]*workerProc
	validators         map[string]*workerProc
	validationDisabled bool
	done               chan struct{}
}

// NewFleet creates a worker fleet. browserBin and validationBin are the
// worker executables, usually siblings of the orchestrator binary.
func NewFleet(db *sqlx.DB, cfg *config.Config, displays *display.Manager, browserBin, validationBin string) *Fleet {
	return &Fleet{
		db:            db,
		cfg:           cfg,
		displays:      displays,
		browserBin:    browserBin,
		validationBin: validationBin,
		browsers:      make(map[string]*workerProc),
		validators:    make(map[string]*workerProc),
		done:          make(chan struct{}),
	}
}

func (f *Fleet) Name() string { return "worker-fleet" }

// Start spawns the configured workers and monitors them until ctx is
// cancelled.
func (f *Fleet) Start(ctx context.Context) error {
	defer close(f.done)

	for i := 1; i <= f.cfg.Workers.TotalBrowserWorkers; i++ {
		if err := f.spawnBrowser(ctx, i); err != nil {
			return err
		}
	}
	for i := 1; i <= f.cfg.Workers.TotalValidationWorkers; i++ {
		if err := f.spawnValidation(i); err != nil {
			return err
		}
	}

	slog.Info("Worker fleet started",
		"browser_workers", f.cfg.Workers.TotalBrowserWorkers,
		"validation_workers", f.cfg.Workers.TotalValidationWorkers)

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.checkBrowsers(ctx)
			f.checkValidators(ctx)
		}
	}
}

// Stop terminates every worker process and tears down the displays.
func (f *Fleet) Stop(ctx context.Context) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.mu.Lock()
	procs := make([]*workerProc, 0, len(f.browsers)+len(f.validators))
	for _, p := range f.browsers {
		procs = append(procs, p)
	}
	for _, p := range f.validators {
		procs = append(procs, p)
	}
	f.mu.Unlock()

	for _, p := range procs {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	for _, p := range procs {
		select {
		case <-p.exited:
		case <-ctx.Done():
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
	}

	f.displays.StopAll()
	return nil
}

func (f *Fleet) Health() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validationDisabled {
		return errors.New("validation workers disabled after AI failures")
	}
	return nil
}

func (f *Fleet) browserWorkerID(index int) string {
	return fmt.Sprintf("%s_%d", f.cfg.ContainerID, index)
}

func (f *Fleet) validationWorkerID(index int) string {
	return fmt.Sprintf("%s_V%d", f.cfg.ContainerID, index)
}

func (f *Fleet) spawnBrowser(ctx context.Context, index int) error {
	workerID := f.browserWorkerID(index)

	disp, err := f.displays.DisplayFor(ctx, index)
	if err != nil {
		return fmt.Errorf("allocate display for %s: %w", workerID, err)
	}

	proc, err := startProc(f.browserBin, workerID, disp)
	if err != nil {
		return err
	}
	proc.index = index

	f.mu.Lock()
	f.browsers[workerID] = proc
	f.mu.Unlock()

	metrics.WorkersAlive.WithLabelValues("browser").Inc()
	slog.Info("Browser worker spawned",
		"worker_id", workerID, "pid", proc.cmd.Process.Pid, "display", disp)
	return nil
}

func (f *Fleet) spawnValidation(index int) error {
	workerID := f.validationWorkerID(index)

	proc, err := startProc(f.validationBin, workerID, "")
	if err != nil {
		return err
	}
	proc.index = index

	f.mu.Lock()
	f.validators[workerID] = proc
	f.mu.Unlock()

	metrics.WorkersAlive.WithLabelValues("validation").Inc()
	slog.Info("Validation worker spawned",
		"worker_id", workerID, "pid", proc.cmd.Process.Pid)
	return nil
}

func startProc(bin, workerID, disp string) (*workerProc, error) {
	cmd := exec.Command(bin, workerID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if disp != "" {
		cmd.Env = append(cmd.Env, "DISPLAY="+disp)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", workerID, err)
	}

	proc := &workerProc{cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		proc.exitCode = exitCode(err)
		close(proc.exited)
	}()
	return proc, nil
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (f *Fleet) checkBrowsers(ctx context.Context) {
	f.mu.Lock()
	dead := make(map[string]*workerProc)
	for id, p := range f.browsers {
		select {
		case <-p.exited:
			dead[id] = p
			delete(f.browsers, id)
		default:
		}
	}
	f.mu.Unlock()

	for workerID, proc := range dead {
		metrics.WorkersAlive.WithLabelValues("browser").Dec()
		slog.Warn("Browser worker died",
			"worker_id", workerID, "exit_code", proc.exitCode)

		if err := f.releaseWorkerResources(ctx, workerID); err != nil {
			slog.Error("Failed to release dead worker resources",
				"worker_id", workerID, "error", err)
		}

		if err := f.spawnBrowser(ctx, proc.index); err != nil {
			slog.Error("Failed to respawn browser worker",
				"worker_id", workerID, "error", err)
			continue
		}
		metrics.WorkerRestarts.WithLabelValues("browser").Inc()
	}
}

func (f *Fleet) checkValidators(ctx context.Context) {
	f.mu.Lock()
	if f.validationDisabled {
		f.mu.Unlock()
		return
	}
	dead := make(map[string]*workerProc)
	for id, p := range f.validators {
		select {
		case <-p.exited:
			dead[id] = p
			delete(f.validators, id)
		default:
		}
	}
	remaining := len(f.validators)
	f.mu.Unlock()

	aiFailures := 0
	for workerID, proc := range dead {
		metrics.WorkersAlive.WithLabelValues("validation").Dec()
		slog.Warn("Validation worker died",
			"worker_id", workerID, "exit_code", proc.exitCode)

		if proc.exitCode == aiFailureExitCode {
			// The AI endpoint is down; a restart would just die again.
			slog.Error("Validation worker hit the AI failure exit, not restarting",
				"worker_id", workerID)
			aiFailures++
			continue
		}

		if err := f.spawnValidation(proc.index); err != nil {
			slog.Error("Failed to respawn validation worker",
				"worker_id", workerID, "error", err)
			continue
		}
		metrics.WorkerRestarts.WithLabelValues("validation").Inc()
	}

	if aiFailures > 0 && remaining == 0 && aiFailures == len(dead) {
		f.mu.Lock()
		f.validationDisabled = true
		f.mu.Unlock()
		slog.Error("All validation workers hit AI failures, validation disabled until restart")
	}
}

// releaseWorkerResources frees everything a dead worker held: its proxies
// and its in-flight tasks, in one transaction.
func (f *Fleet) releaseWorkerResources(ctx context.Context, workerID string) error {
	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("release resources of %s: begin: %w", workerID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE proxies
		SET is_in_use = FALSE,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE worker_id = $1
	`, workerID); err != nil {
		return fmt.Errorf("release proxies of %s: %w", workerID, err)
	}

	var catalogIDs []int64
	if err := tx.SelectContext(ctx, &catalogIDs, `
		UPDATE catalog_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE worker_id = $2 AND status = $3
		RETURNING id
	`, tasks.StatusPending, workerID, tasks.StatusProcessing); err != nil {
		return fmt.Errorf("return catalog tasks of %s: %w", workerID, err)
	}

	var objectIDs []int64
	if err := tx.SelectContext(ctx, &objectIDs, `
		UPDATE object_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE worker_id = $2 AND status = $3
		RETURNING id
	`, tasks.StatusPending, workerID, tasks.StatusProcessing); err != nil {
		return fmt.Errorf("return object tasks of %s: %w", workerID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("release resources of %s: commit: %w", workerID, err)
	}

	if len(catalogIDs) > 0 || len(objectIDs) > 0 {
		slog.Info("Released dead worker resources",
			"worker_id", workerID,
			"catalog_tasks", len(catalogIDs),
			"object_tasks", len(objectIDs))
	}
	return nil
}
