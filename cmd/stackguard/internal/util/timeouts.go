// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"context"
	"time"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultCommandTimeout bounds a single compose invocation.
	// Zero means unbounded: compose up may legitimately pull images for a
	// long time, so no deadline is imposed unless configured.
	DefaultCommandTimeout time.Duration = 0

	// MinGuardTimeout is the shortest teardown budget the crash hook accepts.
	MinGuardTimeout = 5 * time.Second

	// DefaultGuardTimeout bounds the Down call issued from the crash hook.
	DefaultGuardTimeout = 2 * time.Minute

	// DefaultFollowerGrace is how long followers get to exit on their own
	// before they are killed by an explicit stop.
	DefaultFollowerGrace = 5 * time.Second
)

// =============================================================================
// Utility Functions
// =============================================================================

// WithOptionalTimeout derives a context bounded by d when d is positive.
//
// # Description
//
// External commands accept a deadline but default to none. For d <= 0 the
// parent context is returned unchanged together with a no-op cancel, so the
// call site can always defer cancel().
//
// # Inputs
//
//   - ctx: Parent context
//   - d: Timeout; zero or negative means no deadline
//
// # Outputs
//
//   - context.Context: Derived (or parent) context
//   - context.CancelFunc: Always non-nil
//
// # Example
//
//	execCtx, cancel := util.WithOptionalTimeout(ctx, r.config.CommandTimeout)
//	defer cancel()
func WithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// EnforceMinTimeout returns at least minimum.
//
// # Description
//
// Zero, negative and too-small values are raised to minimum.
//
// # Example
//
//	timeout := util.EnforceMinTimeout(cfg.Timeouts.Guard, util.MinGuardTimeout)
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns defaultVal if requested is zero or negative.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
