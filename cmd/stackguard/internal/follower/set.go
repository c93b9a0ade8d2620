// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package follower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"vawter.tech/stopper"
)

// Set retains the followers of a stack and reaps their subprocesses.
//
// # Description
//
// Every handle added to the Set gets a reaper goroutine that waits for the
// subprocess to exit. Log-follow subprocesses end on their own once the
// stack is brought down, so Wait is the normal way to drain a Set. Stop is
// the explicit teardown: SIGTERM first, then SIGKILL once the grace period
// has run out.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Set struct {
	sctx   *stopper.Context
	logger *slog.Logger

	mu      sync.Mutex
	handles []*Handle
	killErr []error
	grace   time.Duration
	running sync.WaitGroup
}

// NewSet creates an empty Set whose reapers live under ctx.
//
// Cancelling ctx terminates the remaining subprocesses without a grace
// period.
func NewSet(ctx context.Context, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		sctx:   stopper.WithContext(ctx),
		logger: logger,
	}
}

// Add retains h and starts reaping its subprocess.
//
// A handle added after Stop has begun is killed immediately.
func (s *Set) Add(h *Handle) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	s.running.Add(1)
	accepted := s.sctx.Go(func(sctx *stopper.Context) error {
		defer s.running.Done()
		s.reap(sctx, h)
		return nil
	})
	if !accepted {
		go func() {
			defer s.running.Done()
			s.terminate(h, 0)
		}()
	}
}

// Handles returns a snapshot of the retained handles in insertion order.
func (s *Set) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Len returns the number of retained handles.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Wait blocks until every retained subprocess has exited or ctx is done.
func (s *Set) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d log followers: %w", s.Len(), ctx.Err())
	}
}

// Stop terminates every subprocess that is still running.
//
// # Description
//
// Sends SIGTERM to each remaining subprocess, gives them grace to exit,
// then kills the stragglers. Blocks until all reapers are done.
//
// # Outputs
//
//   - error: errors.Join of the signal/kill failures, nil if none
func (s *Set) Stop(grace time.Duration) error {
	s.mu.Lock()
	s.grace = grace
	s.mu.Unlock()

	s.sctx.Stop(grace)
	if err := s.sctx.Wait(); err != nil {
		s.logger.Debug("Follower reapers stopped", "error", err)
	}
	s.running.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.killErr...)
}

// reap waits for the subprocess, terminating it if the Set stops first.
func (s *Set) reap(sctx *stopper.Context, h *Handle) {
	exited := make(chan error, 1)
	go func() { exited <- h.proc.Wait() }()

	select {
	case err := <-exited:
		s.finish(h, err)
		return
	case <-sctx.Stopping():
	case <-sctx.Done():
	}

	s.recordKillErr(h, "signal", h.proc.Signal(syscall.SIGTERM))
	timer := time.NewTimer(s.stopGrace())
	defer timer.Stop()
	select {
	case err := <-exited:
		s.finish(h, err)
	case <-timer.C:
		s.recordKillErr(h, "kill", h.proc.Kill())
		s.finish(h, <-exited)
	case <-sctx.Done():
		s.recordKillErr(h, "kill", h.proc.Kill())
		s.finish(h, <-exited)
	}
}

// terminate kills h after an optional grace period.
func (s *Set) terminate(h *Handle, grace time.Duration) {
	exited := make(chan error, 1)
	go func() { exited <- h.proc.Wait() }()

	s.recordKillErr(h, "signal", h.proc.Signal(syscall.SIGTERM))
	select {
	case err := <-exited:
		s.finish(h, err)
	case <-time.After(grace):
		s.recordKillErr(h, "kill", h.proc.Kill())
		s.finish(h, <-exited)
	}
}

func (s *Set) stopGrace() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grace
}

func (s *Set) finish(h *Handle, err error) {
	h.markExited(err)
	if err != nil {
		s.logger.Debug("Log follower exited", "service", h.Service, "pid", h.Pid, "error", err)
		return
	}
	s.logger.Debug("Log follower exited", "service", h.Service, "pid", h.Pid)
}

// recordKillErr ignores processes that exited before the signal landed.
func (s *Set) recordKillErr(h *Handle, op string, err error) {
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return
	}
	s.mu.Lock()
	s.killErr = append(s.killErr, fmt.Errorf("%s follower %s (pid %d): %w", op, h.Service, h.Pid, err))
	s.mu.Unlock()
}
