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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/process"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestRunner(t *testing.T, cfg Config, proc process.Manager) *DefaultRunner {
	t.Helper()
	if cfg.File == "" {
		cfg.File = "app.yml"
	}
	r, err := NewDefaultRunner(cfg, proc)
	require.NoError(t, err)
	return r
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewDefaultRunner_RequiresFile(t *testing.T) {
	_, err := NewDefaultRunner(Config{}, &process.MockProcessManager{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewDefaultRunner_RequiresProcessManager(t *testing.T) {
	_, err := NewDefaultRunner(Config{File: "app.yml"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewDefaultRunner_RejectsBadEnvKey(t *testing.T) {
	_, err := NewDefaultRunner(Config{
		File: "app.yml",
		Env:  map[string]string{"BAD;KEY": "x"},
	}, &process.MockProcessManager{})
	assert.ErrorIs(t, err, ErrInvalidEnvVar)
}

func TestNewDefaultRunner_DefaultsBinary(t *testing.T) {
	r := newTestRunner(t, Config{}, &process.MockProcessManager{})
	assert.Equal(t, "docker-compose -f app.yml down", r.CommandLine("down"))
}

// =============================================================================
// Argument Construction Tests
// =============================================================================

func TestDefaultRunner_CommandLines(t *testing.T) {
	mock := &process.MockProcessManager{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "", "", 0, nil
		},
	}
	r := newTestRunner(t, Config{
		Binary:      "docker",
		BaseArgs:    []string{"compose"},
		File:        "stack/app.yml",
		ProjectName: "demo",
		Dir:         "/work",
	}, mock)

	ctx := context.Background()
	_, err := r.Start(ctx)
	require.NoError(t, err)
	_, err = r.ListServices(ctx)
	require.NoError(t, err)
	_, err = r.Stop(ctx)
	require.NoError(t, err)
	f, err := os.Create(filepath.Join(t.TempDir(), "web.log"))
	require.NoError(t, err)
	defer f.Close()
	_, err = r.FollowLogs(ctx, "web", f)
	require.NoError(t, err)

	calls := mock.GetCalls()
	require.Len(t, calls, 4)

	prefix := []string{"compose", "-f", "stack/app.yml", "-p", "demo"}
	assert.Equal(t, append(append([]string{}, prefix...), "up", "-d"), calls[0].Args)
	assert.Equal(t, append(append([]string{}, prefix...), "ps", "--services"), calls[1].Args)
	assert.Equal(t, append(append([]string{}, prefix...), "down"), calls[2].Args)
	assert.Equal(t, "Spawn", calls[3].Method)
	assert.Equal(t, append(append([]string{}, prefix...), "logs", "--follow", "--no-log-prefix", "web"), calls[3].Args)
	for _, c := range calls {
		assert.Equal(t, "docker", c.Name)
		assert.Equal(t, "/work", c.Dir)
	}
}

func TestDefaultRunner_FollowLogsAttachesFile(t *testing.T) {
	var got process.SpawnOptions
	mock := &process.MockProcessManager{
		SpawnFunc: func(ctx context.Context, opts process.SpawnOptions) (process.Process, error) {
			got = opts
			return process.NewMockProcess(7), nil
		},
	}
	r := newTestRunner(t, Config{Env: map[string]string{"COMPOSE_PROFILES": "dev"}}, mock)
	f, err := os.Create(filepath.Join(t.TempDir(), "db.log"))
	require.NoError(t, err)
	defer f.Close()

	proc, err := r.FollowLogs(context.Background(), "db", f)
	require.NoError(t, err)

	assert.Equal(t, 7, proc.Pid())
	assert.Same(t, f, got.Stdout)
	assert.Same(t, os.Stderr, got.Stderr, "compose errors stay on the terminal")
	assert.Equal(t, []string{"COMPOSE_PROFILES=dev"}, got.Env)
}

// =============================================================================
// Failure Mapping Tests
// =============================================================================

func TestDefaultRunner_Start_NonZeroExit(t *testing.T) {
	mock := &process.MockProcessManager{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "Creating network", "image not found\n", 1, nil
		},
	}
	r := newTestRunner(t, Config{}, mock)

	result, err := r.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonZeroExit)
	var cmdErr *util.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Equal(t, "image not found", cmdErr.Stderr)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "Creating network", result.Stdout)
	assert.Equal(t, "docker-compose -f app.yml up -d", result.Command)
}

func TestDefaultRunner_Start_SpawnFailure(t *testing.T) {
	mock := &process.MockProcessManager{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "", "", -1, os.ErrNotExist
		},
	}
	r := newTestRunner(t, Config{}, mock)

	_, err := r.Start(context.Background())

	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrNonZeroExit)
}

func TestDefaultRunner_CommandTimeoutApplied(t *testing.T) {
	var hadDeadline bool
	mock := &process.MockProcessManager{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			_, hadDeadline = ctx.Deadline()
			return "", "", 0, nil
		},
	}

	r := newTestRunner(t, Config{}, mock)
	_, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, hadDeadline, "no deadline by default")

	r = newTestRunner(t, Config{CommandTimeout: time.Minute}, mock)
	_, err = r.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, hadDeadline, "deadline when configured")
}

func TestDefaultRunner_ListServices(t *testing.T) {
	mock := &process.MockProcessManager{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "web\n\ndb\n", "", 0, nil
		},
	}
	r := newTestRunner(t, Config{}, mock)

	services, err := r.ListServices(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"web", "db"}, services)
}

func TestDefaultRunner_ListServices_CommandFailure(t *testing.T) {
	mock := &process.MockProcessManager{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "", "no configuration file provided", 14, nil
		},
	}
	r := newTestRunner(t, Config{}, mock)

	services, err := r.ListServices(context.Background())

	assert.Nil(t, services)
	assert.ErrorIs(t, err, ErrNonZeroExit)
}

// =============================================================================
// ParseServices Tests
// =============================================================================

func TestParseServices(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{"empty", "", []string{}},
		{"blank lines only", "\n\n  \n", []string{}},
		{"simple", "web\ndb\n", []string{"web", "db"}},
		{"crlf and padding", " web\r\n db \r\n", []string{"web", "db"}},
		{"duplicates keep first order", "db\nweb\ndb\n", []string{"db", "web"}},
		{"no trailing newline", "cache", []string{"cache"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseServices(tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseServices_InvalidUTF8(t *testing.T) {
	_, err := ParseServices("web\n\xff\xfe\n")
	assert.ErrorIs(t, err, ErrUnparseableOutput)
}

func TestIsSensitiveEnvVar(t *testing.T) {
	assert.True(t, isSensitiveEnvVar("REGISTRY_TOKEN"))
	assert.True(t, isSensitiveEnvVar("db_password"))
	assert.False(t, isSensitiveEnvVar("COMPOSE_PROFILES"))
}

// =============================================================================
// Mock Tests
// =============================================================================

func TestMockRunner_Defaults(t *testing.T) {
	m := &MockRunner{}
	ctx := context.Background()

	res, err := m.Start(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	services, err := m.ListServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)
	_, err = m.Stop(ctx)
	require.NoError(t, err)

	starts, lists, stops, follows := m.Snapshot()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, lists)
	assert.Equal(t, 1, stops)
	assert.Empty(t, follows)
	assert.Equal(t, []string{"Start", "ListServices", "Stop"}, m.Order)
}
