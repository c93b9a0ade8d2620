// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package follower streams the logs of one compose service into one file.
//
// A follower creates {logDir}/{service}.log, spawns the compose log-follow
// subprocess with its stdout bound to that file, and returns as
// soon as the spawn has completed. The copy from the container log stream
// into the file is done entirely by the child process.
//
// Spawned subprocesses are retained in a Set so that a long-running caller
// can wait for them or stop them explicitly.
package follower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/compose"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/process"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/logsink"
)

// ErrFollowerFailed is the class of every follower failure.
var ErrFollowerFailed = errors.New("log follower failed")

// Follower operations reported in Error.Op.
const (
	OpCreate = "create"
	OpSpawn  = "spawn"
	OpPanic  = "panic"
)

// Error describes one failed follower.
//
// errors.Is(err, ErrFollowerFailed) holds for every Error, and the
// underlying cause stays reachable through errors.Is / errors.As.
type Error struct {
	Service string
	Path    string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("follower %s (%s) %s: %v", e.Service, e.Path, e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrFollowerFailed, e.Err}
}

// Handle is a dispatched follower whose subprocess has been spawned.
type Handle struct {
	Service string
	Path    string
	Pid     int

	proc process.Process
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func newHandle(service, path string, proc process.Process) *Handle {
	return &Handle{
		Service: service,
		Path:    path,
		Pid:     proc.Pid(),
		proc:    proc,
		done:    make(chan struct{}),
	}
}

// Done is closed once the subprocess has exited and been reaped.
//
// Reaping only happens for handles added to a Set.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the subprocess exit error after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) markExited(err error) {
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// Follow starts streaming the logs of service into its file in sink.
//
// # Description
//
// Creates (truncating) the service's log file, spawns the log-follow
// subprocess with stdout redirected to it, then closes the
// parent's copy of the descriptor. Follow returns once the spawn has
// completed; it never waits for the stream to end.
//
// # Inputs
//
//   - ctx: Checked before spawning; the subprocess is not bound to it
//   - runner: Compose runner for the stack
//   - sink: Log directory of the stack, already reset
//   - service: Service name as listed by compose
//   - logger: Receives the start line; nil means slog.Default()
//
// # Outputs
//
//   - *Handle: The spawned follower
//   - error: *Error wrapping ErrFollowerFailed
//
// # Limitations
//
//   - A service that is listed but never produces logs still gets an empty file
//   - Follow does not retry; a failed spawn leaves the empty file behind
func Follow(ctx context.Context, runner compose.Runner, sink *logsink.Sink, service string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := sink.Path(service)

	f, err := sink.Create(service)
	if err != nil {
		return nil, &Error{Service: service, Path: path, Op: OpCreate, Err: err}
	}
	// The child holds its own copy of the descriptor after spawn.
	defer f.Close()

	proc, err := runner.FollowLogs(ctx, service, f)
	if err != nil {
		return nil, &Error{Service: service, Path: path, Op: OpSpawn, Err: err}
	}

	logger.Debug("Log follower started", "service", service, "path", path, "pid", proc.Pid())
	return newHandle(service, path, proc), nil
}
