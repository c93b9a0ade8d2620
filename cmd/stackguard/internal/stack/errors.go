// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stack

import (
	"errors"
	"fmt"
)

var (
	// ErrStartFailed means compose "up -d" could not be spawned or exited
	// non-zero. Nothing was reset and no follower was started.
	ErrStartFailed = errors.New("stack start failed")

	// ErrDirectoryFailed means the log directory could not be reset.
	ErrDirectoryFailed = errors.New("log directory reset failed")

	// ErrDiscoveryFailed means the service listing could not be obtained or
	// parsed.
	ErrDiscoveryFailed = errors.New("service discovery failed")

	// ErrStopFailed means compose "down" could not be spawned or exited
	// non-zero.
	ErrStopFailed = errors.New("stack stop failed")

	// ErrInvalidHandle is returned by NewController for an unusable Handle.
	ErrInvalidHandle = errors.New("invalid stack handle")
)

// classify joins a failure class with its cause so that both errors.Is on
// the class and errors.As on the cause (util.CommandError) work.
func classify(class, cause error) error {
	return fmt.Errorf("%w: %w", class, cause)
}
