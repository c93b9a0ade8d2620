// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides abstractions for external process execution and
inter-process synchronization.

# Overview

This package contains two main components:

  - Manager: runs external commands, either to completion with captured
    output or spawned in the background with output redirected
  - DirLock: file-based locking so that two stackguard instances never
    reset the same log directory at once

# Manager

All exec.Command calls go through Manager so that compose interactions can
be mocked in unit tests.

	pm := process.NewDefaultProcessManager()
	stdout, stderr, code, err := pm.RunInDir(ctx, "", nil, "docker-compose", "-f", "app.yml", "ps", "--services")

Spawned processes are deliberately not bound to the caller's context: a log
follower must outlive the call that started it.

	f, _ := os.Create("logs/web.log")
	proc, err := pm.Spawn(ctx, process.SpawnOptions{
	    Name:   "docker-compose",
	    Args:   []string{"-f", "app.yml", "logs", "--follow", "--no-log-prefix", "web"},
	    Stdout: f,
	    Stderr: f,
	})

For testing, use MockProcessManager and MockProcess.

# DirLock

	lock := process.NewDirLock("./logs")
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Thread Safety

  - Manager implementations are safe for concurrent use
  - DirLock is NOT safe for concurrent use from multiple goroutines

# Limitations

  - DirLock uses advisory flock(2) locks; other tools can ignore them
*/
package process
