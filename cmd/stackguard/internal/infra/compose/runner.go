// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/process"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrInvalidConfig is returned when Config is invalid.
	ErrInvalidConfig = errors.New("invalid compose configuration")

	// ErrInvalidEnvVar is returned when an environment variable key is invalid.
	ErrInvalidEnvVar = errors.New("invalid environment variable")

	// ErrNonZeroExit is wrapped by the CommandError of a command that ran
	// but exited non-zero.
	ErrNonZeroExit = errors.New("compose exited with non-zero status")

	// ErrUnparseableOutput is returned when the service listing is not
	// valid UTF-8 text.
	ErrUnparseableOutput = errors.New("unparseable compose output")
)

// envVarKeyRegex validates environment variable key names.
var envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// =============================================================================
// Interface Definition
// =============================================================================

// Runner invokes the external compose tool for one manifest.
//
// # Description
//
// Runner is the only place that knows compose command lines. Every call is
// scoped to the manifest (and optional project name) given at construction.
// Callers treat the tool as opaque: they get exit status and text back.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Stop in particular may
// run at the same time as Start, ListServices and any number of
// FollowLogs calls.
type Runner interface {
	// Start starts all services in the background.
	//
	// # Description
	//
	// Executes `<compose> -f <manifest> up -d` and waits for it to finish.
	//
	// # Outputs
	//
	//   - *Result: stdout/stderr/exit code; returned even on failure when
	//     the command ran
	//   - error: *util.CommandError if the command could not run or exited
	//     non-zero
	Start(ctx context.Context) (*Result, error)

	// ListServices returns the services of the stack.
	//
	// # Description
	//
	// Executes `<compose> -f <manifest> ps --services` and parses the
	// newline-delimited output. Blank lines are dropped, surrounding
	// whitespace trimmed and duplicates removed, keeping first-seen order.
	//
	// # Outputs
	//
	//   - []string: Service names (may be empty)
	//   - error: *util.CommandError on command failure, ErrUnparseableOutput
	//     if the output is not valid UTF-8
	ListServices(ctx context.Context) ([]string, error)

	// FollowLogs spawns a long-running log follower for one service.
	//
	// # Description
	//
	// Spawns `<compose> -f <manifest> logs --follow --no-log-prefix <service>`
	// with stdout attached to out. The copy is done by the child process
	// through the inherited descriptor; nothing is buffered here. The
	// child's stderr stays on our stderr, so compose's own errors reach the
	// operator instead of the service log.
	// Returns as soon as the process is started.
	//
	// # Limitations
	//
	//   - The follower is not bound to ctx and keeps running until the
	//     service stops or the process is killed
	FollowLogs(ctx context.Context, service string, out *os.File) (process.Process, error)

	// Stop stops and removes all services.
	//
	// # Description
	//
	// Executes `<compose> -f <manifest> down`. Compose treats an already
	// stopped stack as success, so repeated calls are harmless.
	Stop(ctx context.Context) (*Result, error)

	// CommandLine renders the command line for the given subcommand args.
	CommandLine(args ...string) string
}

// =============================================================================
// Supporting Types
// =============================================================================

// Config configures a Runner.
type Config struct {
	// Binary is the compose executable.
	// Default: "docker-compose"
	Binary string

	// BaseArgs are inserted before the manifest flags, e.g. ["compose"]
	// when Binary is "docker".
	BaseArgs []string

	// File is the compose manifest path. Required.
	File string

	// ProjectName is passed as -p when set.
	ProjectName string

	// Dir is the working directory for compose commands.
	// Empty means the current directory.
	Dir string

	// Env contains extra environment variables for every command.
	Env map[string]string

	// CommandTimeout bounds Start, ListServices and Stop.
	// Zero means unbounded.
	CommandTimeout time.Duration

	// Logger receives command tracing.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Result contains the result of a compose command.
type Result struct {
	// Success indicates the command ran and exited zero.
	Success bool

	// ExitCode is the exit code of the command (-1 if it did not run).
	ExitCode int

	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error.
	Stderr string

	// Duration is how long the command took.
	Duration time.Duration

	// Command is the full command line, for diagnostics.
	Command string
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultRunner implements Runner on top of a process.Manager.
type DefaultRunner struct {
	config Config
	proc   process.Manager
	env    []string
	logger *slog.Logger
}

// NewDefaultRunner creates a Runner for the manifest in cfg.
//
// # Description
//
// Validates cfg, applies defaults and precomputes the command environment.
//
// # Inputs
//
//   - cfg: Runner configuration (File required)
//   - proc: Manager used for every command
//
// # Outputs
//
//   - *DefaultRunner: Configured runner
//   - error: ErrInvalidConfig or ErrInvalidEnvVar
//
// # Example
//
//	runner, err := compose.NewDefaultRunner(compose.Config{
//	    File:    "docker-compose.yml",
//	    Binary:  "docker",
//	    BaseArgs: []string{"compose"},
//	}, process.NewDefaultProcessManager())
func NewDefaultRunner(cfg Config, proc process.Manager) (*DefaultRunner, error) {
	if strings.TrimSpace(cfg.File) == "" {
		return nil, fmt.Errorf("%w: File is required", ErrInvalidConfig)
	}
	if proc == nil {
		return nil, fmt.Errorf("%w: process manager is required", ErrInvalidConfig)
	}
	if err := validateEnvVars(cfg.Env); err != nil {
		return nil, err
	}

	if cfg.Binary == "" {
		cfg.Binary = "docker-compose"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &DefaultRunner{
		config: cfg,
		proc:   proc,
		env:    buildCommandEnvironment(cfg.Env),
		logger: cfg.Logger.With(slog.String("component", "compose")),
	}, nil
}

// Start implements Runner.
func (r *DefaultRunner) Start(ctx context.Context) (*Result, error) {
	return r.run(ctx, "up", "-d")
}

// ListServices implements Runner.
func (r *DefaultRunner) ListServices(ctx context.Context) ([]string, error) {
	result, err := r.run(ctx, "ps", "--services")
	if err != nil {
		return nil, err
	}
	return ParseServices(result.Stdout)
}

// FollowLogs implements Runner.
func (r *DefaultRunner) FollowLogs(ctx context.Context, service string, out *os.File) (process.Process, error) {
	args := r.buildArgs("logs", "--follow", "--no-log-prefix", service)
	r.logCommand(args)

	return r.proc.Spawn(ctx, process.SpawnOptions{
		Dir:    r.config.Dir,
		Env:    r.env,
		Name:   r.config.Binary,
		Args:   args,
		Stdout: out,
		Stderr: os.Stderr,
	})
}

// Stop implements Runner.
func (r *DefaultRunner) Stop(ctx context.Context) (*Result, error) {
	return r.run(ctx, "down")
}

// CommandLine implements Runner.
func (r *DefaultRunner) CommandLine(args ...string) string {
	return strings.Join(append([]string{r.config.Binary}, r.buildArgs(args...)...), " ")
}

// =============================================================================
// Private Methods
// =============================================================================

// buildArgs prepends base args, the manifest and the project to args.
func (r *DefaultRunner) buildArgs(args ...string) []string {
	all := make([]string, 0, len(r.config.BaseArgs)+4+len(args))
	all = append(all, r.config.BaseArgs...)
	all = append(all, "-f", r.config.File)
	if r.config.ProjectName != "" {
		all = append(all, "-p", r.config.ProjectName)
	}
	return append(all, args...)
}

// run executes a compose subcommand to completion.
//
// # Description
//
// Applies the optional command timeout, runs the command and maps the
// outcome: a command that could not run yields a CommandError wrapping the
// cause; a non-zero exit yields a CommandError wrapping ErrNonZeroExit.
// The Result is returned in both cases so callers can show the output.
func (r *DefaultRunner) run(ctx context.Context, args ...string) (*Result, error) {
	start := time.Now()
	full := r.buildArgs(args...)
	cmdStr := r.CommandLine(args...)
	r.logCommand(full)

	execCtx, cancel := util.WithOptionalTimeout(ctx, r.config.CommandTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := r.proc.RunInDir(execCtx, r.config.Dir, r.env, r.config.Binary, full...)

	result := &Result{
		Success:  exitCode == 0 && err == nil,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
		Command:  cmdStr,
	}

	if err != nil {
		return result, util.NewCommandError(cmdStr, -1, stderr, err)
	}
	if exitCode != 0 {
		return result, util.NewCommandError(cmdStr, exitCode, stderr, ErrNonZeroExit)
	}

	r.logger.Debug("compose command finished",
		slog.String("command", cmdStr),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// logCommand logs the command being executed, redacting sensitive values.
func (r *DefaultRunner) logCommand(args []string) {
	attrs := []any{
		slog.String("binary", r.config.Binary),
		slog.Any("args", args),
	}
	if len(r.config.Env) > 0 {
		keys := make([]string, 0, len(r.config.Env))
		for k := range r.config.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			if isSensitiveEnvVar(k) {
				env = append(env, k+"=[REDACTED]")
			} else {
				env = append(env, k+"="+r.config.Env[k])
			}
		}
		attrs = append(attrs, slog.Any("env", env))
	}
	r.logger.Debug("executing compose", attrs...)
}

// =============================================================================
// Helpers
// =============================================================================

// ParseServices parses newline-delimited service names.
//
// # Description
//
// Trims each line, drops blank lines and removes duplicates while keeping
// the first-seen order. Output that is not valid UTF-8 is rejected with
// ErrUnparseableOutput.
//
// # Example
//
//	names, err := ParseServices("web\n\n db \nweb\n")
//	// names == []string{"web", "db"}
func ParseServices(output string) ([]string, error) {
	if !utf8.ValidString(output) {
		return nil, fmt.Errorf("%w: service listing is not valid UTF-8", ErrUnparseableOutput)
	}

	services := []string{}
	seen := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		services = append(services, name)
	}
	return services, nil
}

// buildCommandEnvironment renders env as KEY=VALUE pairs in stable order.
func buildCommandEnvironment(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// isSensitiveEnvVar checks if an environment variable name is sensitive.
func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	return strings.Contains(upper, "TOKEN") ||
		strings.Contains(upper, "SECRET") ||
		strings.Contains(upper, "KEY") ||
		strings.Contains(upper, "PASSWORD") ||
		strings.Contains(upper, "CREDENTIAL")
}

// validateEnvVars rejects keys outside [a-zA-Z_][a-zA-Z0-9_]*.
func validateEnvVars(env map[string]string) error {
	for key := range env {
		if !envVarKeyRegex.MatchString(key) {
			return fmt.Errorf("%w: key %q contains invalid characters (must match [a-zA-Z_][a-zA-Z0-9_]*)", ErrInvalidEnvVar, key)
		}
	}
	return nil
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockRunner is a test double for Runner.
//
// # Description
//
// Each method can be configured with a function; unset functions succeed.
// All calls are recorded for verification.
//
// # Example
//
//	mock := &MockRunner{
//	    ListServicesFunc: func(ctx context.Context) ([]string, error) {
//	        return []string{"web", "db"}, nil
//	    },
//	}
type MockRunner struct {
	StartFunc        func(context.Context) (*Result, error)
	ListServicesFunc func(context.Context) ([]string, error)
	FollowLogsFunc   func(context.Context, string, *os.File) (process.Process, error)
	StopFunc         func(context.Context) (*Result, error)

	StartCalls        int
	ListServicesCalls int
	FollowLogsCalls   []string
	StopCalls         int

	// Order records method names in call order.
	Order []string

	mu sync.Mutex
}

// Start implements Runner.
func (m *MockRunner) Start(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	m.StartCalls++
	m.Order = append(m.Order, "Start")
	m.mu.Unlock()

	if m.StartFunc != nil {
		return m.StartFunc(ctx)
	}
	return &Result{Success: true}, nil
}

// ListServices implements Runner.
func (m *MockRunner) ListServices(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	m.ListServicesCalls++
	m.Order = append(m.Order, "ListServices")
	m.mu.Unlock()

	if m.ListServicesFunc != nil {
		return m.ListServicesFunc(ctx)
	}
	return []string{}, nil
}

// FollowLogs implements Runner.
func (m *MockRunner) FollowLogs(ctx context.Context, service string, out *os.File) (process.Process, error) {
	m.mu.Lock()
	m.FollowLogsCalls = append(m.FollowLogsCalls, service)
	m.Order = append(m.Order, "FollowLogs")
	m.mu.Unlock()

	if m.FollowLogsFunc != nil {
		return m.FollowLogsFunc(ctx, service, out)
	}
	return process.NewMockProcess(0), nil
}

// Stop implements Runner.
func (m *MockRunner) Stop(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	m.StopCalls++
	m.Order = append(m.Order, "Stop")
	m.mu.Unlock()

	if m.StopFunc != nil {
		return m.StopFunc(ctx)
	}
	return &Result{Success: true}, nil
}

// CommandLine implements Runner.
func (m *MockRunner) CommandLine(args ...string) string {
	return "mock-compose " + strings.Join(args, " ")
}

// Snapshot returns a copy of the recorded counters under the lock.
func (m *MockRunner) Snapshot() (starts, lists, stops int, follows []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.StartCalls, m.ListServicesCalls, m.StopCalls, append([]string(nil), m.FollowLogsCalls...)
}

// Compile-time interface compliance check.
var (
	_ Runner = (*DefaultRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
