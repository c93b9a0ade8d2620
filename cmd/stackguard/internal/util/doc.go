// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util provides leaf utilities shared by the stackguard packages.
//
// Everything here depends only on the Go standard library so that every
// other internal package may import it without cycles.
//
// # Overview
//
//   - Goroutine Safety: SafeGo and RecoverPanic keep a panic in one
//     background goroutine from taking the process down
//   - Command Errors: CommandError carries the command line, exit code and
//     stderr of a failed external command
//   - Timeouts: optional deadlines for external commands, plus the
//     minimum/default enforcement helpers
//
// # Key Types
//
// Command errors:
//
//	err := util.NewCommandError("docker-compose -f app.yml up -d", 1, stderr, nil)
//	var cmdErr *util.CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.Stderr)
//	}
//
// Safe goroutines:
//
//	util.SafeGo(func() {
//	    dispatchFollower()
//	}, func(r util.SafeGoResult) {
//	    slog.Error("follower panicked", "panic", r.PanicValue)
//	})
//
// Optional deadlines:
//
//	ctx, cancel := util.WithOptionalTimeout(ctx, cfg.Timeouts.Command)
//	defer cancel()
//
// # Thread Safety
//
// All types in this package are immutable after creation and safe for
// concurrent reads.
package util
