// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

// DownFunc brings a stack down.
type DownFunc func(ctx context.Context) error

// ShutdownGuard tears a stack down when the process dies from a panic.
//
// # Description
//
// The guard is registered on a TerminationRegistry as a HandlerFunc. When
// triggered it calls its DownFunc once, bounded by its timeout. A failing
// teardown is logged and swallowed: the original panic must stay the
// reported cause of death.
//
// # Thread Safety
//
// ShutdownGuard is safe for concurrent use. Trigger runs the teardown at
// most once regardless of the number of callers.
type ShutdownGuard struct {
	name    string
	down    DownFunc
	timeout time.Duration
	logger  *slog.Logger

	once  sync.Once
	mu    sync.Mutex
	fired bool
	err   error
}

// NewShutdownGuard creates a guard around down.
//
// # Inputs
//
//   - name: Label used in logs and the crash report
//   - down: Teardown to run
//   - timeout: Upper bound for the teardown; values below
//     util.MinGuardTimeout are raised to it, zero selects
//     util.DefaultGuardTimeout
//   - logger: Logger; nil selects slog.Default()
func NewShutdownGuard(name string, down DownFunc, timeout time.Duration, logger *slog.Logger) *ShutdownGuard {
	if logger == nil {
		logger = slog.Default()
	}
	timeout = util.EnforceDefaultTimeout(timeout, util.DefaultGuardTimeout)
	timeout = util.EnforceMinTimeout(timeout, util.MinGuardTimeout)
	return &ShutdownGuard{
		name:    name,
		down:    down,
		timeout: timeout,
		logger:  logger,
	}
}

// Name returns the guard label.
func (g *ShutdownGuard) Name() string {
	return g.name
}

// Timeout returns the effective teardown bound.
func (g *ShutdownGuard) Timeout() time.Duration {
	return g.timeout
}

// Handler adapts the guard for TerminationRegistry.Register.
func (g *ShutdownGuard) Handler() HandlerFunc {
	return func(t Termination) {
		g.logger.Error("Panic detected, bringing stack down",
			"guard", g.name,
			"panic", t.Value,
		)
		g.Trigger()
	}
}

// Trigger runs the teardown if it has not run yet.
//
// # Outputs
//
//   - error: The teardown error of the first run, also on later calls
func (g *ShutdownGuard) Trigger() error {
	g.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		err := g.down(ctx)
		if err != nil {
			g.logger.Error("Crash teardown failed",
				"guard", g.name,
				"error", err,
				"stderr", util.ExtractStderr(err),
			)
		} else {
			g.logger.Info("Crash teardown completed", "guard", g.name)
		}

		g.mu.Lock()
		g.fired = true
		g.err = err
		g.mu.Unlock()
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Fired reports whether the teardown has run.
func (g *ShutdownGuard) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}
