// Package display manages Xvfb virtual framebuffers for browser workers.
// Each worker gets its own display so crashes stay isolated.
package display

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"go.avitoscout.tech/internal/config"
)

// Manager starts one Xvfb per browser worker and tears them down on stop.
type Manager struct {
	cfg config.DisplayConfig

	mu      sync.Mutex
	servers map[int]*exec.Cmd
}

// NewManager creates a display manager.
func NewManager(cfg config.DisplayConfig) *Manager {
	return &Manager{cfg: cfg, servers: make(map[int]*exec.Cmd)}
}

// DisplayFor returns the DISPLAY value for the given worker index, starting
// the backing Xvfb if needed. Returns "" when displays are disabled.
func (m *Manager) DisplayFor(ctx context.Context, workerIndex int) (string, error) {
	if !m.cfg.Enabled {
		return "", nil
	}

	num := m.cfg.DisplayStart + workerIndex
	display := fmt.Sprintf(":%d", num)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.servers[num]; running {
		return display, nil
	}

	cmd := exec.CommandContext(ctx, "Xvfb", display,
		"-screen", "0", m.cfg.Resolution,
		"-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start Xvfb on %s: %w", display, err)
	}

	// Reap the process when it exits so it never zombies.
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("Xvfb exited", "display", display, "error", err)
		}
		m.mu.Lock()
		delete(m.servers, num)
		m.mu.Unlock()
	}()

	m.servers[num] = cmd

	// Xvfb needs a moment before clients can connect.
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}

	slog.Info("Xvfb started", "display", display, "resolution", m.cfg.Resolution)
	return display, nil
}

// StopAll terminates every running Xvfb.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for num, cmd := range m.servers {
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				slog.Warn("Failed to kill Xvfb", "display", num, "error", err)
			}
		}
		delete(m.servers, num)
	}
}
