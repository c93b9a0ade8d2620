// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// ErrLockHeld is returned when another process holds the directory lock.
var ErrLockHeld = errors.New("log directory is locked by another stackguard instance")

// DirLock guards a log directory against concurrent stackguard instances.
//
// # Description
//
// The log directory is wiped and recreated on every up, so two instances
// pointed at the same directory would delete each other's follower files.
// DirLock takes a non-blocking flock(2) on a sibling file:
//
//  1. Lock file at {parent}/.{base}.stackguard.lock
//  2. PID of the holder at {parent}/.{base}.stackguard.pid
//
// Both live next to the directory, never inside it, so a reset never
// removes them.
//
// # Limitations
//
//   - The lock covers the lifetime of the holder only. Log-follow children
//     that outlive it (up without --wait) are not protected
//
// # Thread Safety
//
// DirLock is NOT safe for concurrent use from multiple goroutines.
//
// # Example
//
//	lock := NewDirLock(cfg.Logs.Dir)
//	if err := lock.Acquire(); err != nil {
//	    return err
//	}
//	defer lock.Release()
type DirLock struct {
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewDirLock creates a lock for dir. Does not acquire it.
func NewDirLock(dir string) *DirLock {
	clean := filepath.Clean(dir)
	parent := filepath.Dir(clean)
	name := "." + filepath.Base(clean) + ".stackguard"

	return &DirLock{
		lockPath: filepath.Join(parent, name+".lock"),
		pidPath:  filepath.Join(parent, name+".pid"),
	}
}

// Acquire attempts to take the lock without blocking.
//
// # Outputs
//
//   - error: ErrLockHeld (wrapped, with the holder PID when known) if another
//     process has it; other errors if the lock file cannot be created
func (l *DirLock) Acquire() error {
	if l.held {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", l.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := l.HolderPID(); pid > 0 {
				return fmt.Errorf("%w (PID %d); if this is stale, remove %s", ErrLockHeld, pid, l.pidPath)
			}
			return fmt.Errorf("%w; check: lsof %s", ErrLockHeld, l.lockPath)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.lockFile = f
	l.held = true

	// Non-fatal: the flock is what matters, the PID is for error messages
	_ = renameio.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)

	return nil
}

// Release releases the lock if held. Safe to call multiple times.
func (l *DirLock) Release() error {
	if !l.held || l.lockFile == nil {
		return nil
	}

	os.Remove(l.pidPath)

	err := unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
	l.lockFile.Close()
	l.lockFile = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (l *DirLock) IsHeld() bool {
	return l.held
}

// HolderPID returns the PID recorded by the current holder, or 0.
func (l *DirLock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// LockPath returns the path to the lock file.
func (l *DirLock) LockPath() string {
	return l.lockPath
}
