// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command stackguard brings a docker-compose stack up with one log file per
// service and brings it down again on exit, on signal, or on panic.
package main

import (
	"os"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/diagnostics"
)

func main() {
	registry := diagnostics.NewTerminationRegistry()
	// Runs the crash guard of every controller before the process dies.
	defer registry.Wrap()()

	app := newCLIApp(registry)
	if err := newRootCmd(app).Execute(); err != nil {
		os.Exit(1)
	}
}
