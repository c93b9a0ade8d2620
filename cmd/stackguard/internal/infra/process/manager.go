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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Manager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// RunInDir honors ctx for cancellation and deadlines. Spawn only uses ctx
// for the launch itself; the spawned process is not killed when ctx ends.
type Manager interface {
	// RunInDir executes a command synchronously and captures its output.
	//
	// # Description
	//
	// Runs name with args in dir (empty means the current directory), with
	// env appended to the parent environment. Waits for completion.
	//
	// # Outputs
	//
	//   - stdout, stderr: Captured output
	//   - exitCode: Process exit code; -1 if the process did not run to exit
	//   - err: Non-nil only if the process could not be started or was
	//     interrupted by ctx. A non-zero exit is NOT an error here; callers
	//     inspect exitCode.
	//
	// # Examples
	//
	//   stdout, stderr, code, err := pm.RunInDir(ctx, "", nil, "docker-compose", "-f", "app.yml", "up", "-d")
	//   if err != nil {
	//       return fmt.Errorf("compose did not run: %w", err)
	//   }
	//   if code != 0 {
	//       return fmt.Errorf("compose exited %d: %s", code, stderr)
	//   }
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// Spawn launches a background process and returns immediately.
	//
	// # Description
	//
	// Starts the process with its stdout/stderr attached to the given
	// writers. When a writer is an *os.File the child inherits the file
	// descriptor directly and this process never touches the data.
	//
	// # Outputs
	//
	//   - Process: Handle to the running process
	//   - error: Non-nil if the process fails to start
	//
	// # Limitations
	//
	//   - Context cancellation does not kill the spawned process
	//   - The caller owns the handle and should eventually Wait on it
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is appended to the parent environment.
	Env []string

	// Name is the executable name or path.
	Name string

	// Args are the command arguments.
	Args []string

	// Stdout receives standard output. Nil discards it.
	Stdout io.Writer

	// Stderr receives standard error. Nil discards it.
	Stderr io.Writer
}

// Process is a handle to a spawned process.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int

	// Wait blocks until the process exits. Must be called at most once.
	Wait() error

	// Signal sends sig to the process.
	Signal(sig os.Signal) error

	// Kill terminates the process immediately.
	Kill() error
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessManager implements Manager using os/exec.
type DefaultProcessManager struct{}

// NewDefaultProcessManager creates a Manager that executes real processes.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{}
}

// RunInDir executes a command synchronously and captures its output.
func (pm *DefaultProcessManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}

	// A context kill surfaces as an ExitError too; report the context instead
	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.String(), stderr.String(), -1, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}

	return stdout.String(), stderr.String(), -1, err
}

// Spawn launches a background process and returns immediately.
func (pm *DefaultProcessManager) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the child must outlive ctx
	cmd := exec.Command(opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Name, err)
	}

	return &execProcess{cmd: cmd}, nil
}

// execProcess adapts *exec.Cmd to Process.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for Manager.
//
// Configure the mock by setting function fields before use. If RunInDirFunc
// is nil, RunInDir succeeds with empty output. If SpawnFunc is nil, Spawn
// returns a fresh MockProcess.
//
// # Examples
//
//	mock := &MockProcessManager{
//	    RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
//	        return "web\ndb\n", "", 0, nil
//	    },
//	}
type MockProcessManager struct {
	// RunInDirFunc is called when RunInDir is invoked
	RunInDirFunc func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)

	// SpawnFunc is called when Spawn is invoked
	SpawnFunc func(ctx context.Context, opts SpawnOptions) (Process, error)

	// Calls records all method invocations for verification
	Calls []ProcessManagerCall

	// mu protects Calls for concurrent access
	mu sync.Mutex
}

// ProcessManagerCall records a single method invocation.
type ProcessManagerCall struct {
	Method string
	Dir    string
	Name   string
	Args   []string
}

// RunInDir delegates to RunInDirFunc and records the call.
func (m *MockProcessManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	m.record(ProcessManagerCall{Method: "RunInDir", Dir: dir, Name: name, Args: args})
	if m.RunInDirFunc == nil {
		return "", "", 0, nil
	}
	return m.RunInDirFunc(ctx, dir, env, name, args...)
}

// Spawn delegates to SpawnFunc and records the call.
func (m *MockProcessManager) Spawn(ctx context.Context, opts SpawnOptions) (Process, error) {
	m.record(ProcessManagerCall{Method: "Spawn", Dir: opts.Dir, Name: opts.Name, Args: opts.Args})
	if m.SpawnFunc == nil {
		return NewMockProcess(0), nil
	}
	return m.SpawnFunc(ctx, opts)
}

func (m *MockProcessManager) record(call ProcessManagerCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProcessManager) GetCalls() []ProcessManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ProcessManagerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// MockProcess is a Process whose lifetime is controlled by the test.
//
// Wait blocks until Exit or Kill is called.
type MockProcess struct {
	pid  int
	done chan struct{}
	once sync.Once
	err  error

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

// NewMockProcess creates a running MockProcess with the given pid.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{pid: pid, done: make(chan struct{})}
}

// Exit makes Wait return err.
func (p *MockProcess) Exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *MockProcess) Pid() int { return p.pid }

func (p *MockProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *MockProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	return nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(errors.New("signal: killed"))
	return nil
}

// Killed reports whether Kill was called.
func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Signals returns the signals delivered via Signal.
func (p *MockProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// Compile-time interface compliance check.
var (
	_ Manager = (*DefaultProcessManager)(nil)
	_ Manager = (*MockProcessManager)(nil)
	_ Process = (*execProcess)(nil)
	_ Process = (*MockProcess)(nil)
)
