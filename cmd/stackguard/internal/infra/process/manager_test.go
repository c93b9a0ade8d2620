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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DefaultProcessManager Tests
// =============================================================================

func TestDefaultProcessManager_RunInDir_CapturesOutput(t *testing.T) {
	pm := NewDefaultProcessManager()

	stdout, stderr, code, err := pm.RunInDir(context.Background(), "", nil,
		"/bin/sh", "-c", "echo web; echo db; echo oops >&2")

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "web\ndb\n", stdout)
	assert.Equal(t, "oops\n", stderr)
}

func TestDefaultProcessManager_RunInDir_NonZeroExitIsNotAnError(t *testing.T) {
	pm := NewDefaultProcessManager()

	_, stderr, code, err := pm.RunInDir(context.Background(), "", nil,
		"/bin/sh", "-c", "echo broken >&2; exit 3")

	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "broken\n", stderr)
}

func TestDefaultProcessManager_RunInDir_MissingBinary(t *testing.T) {
	pm := NewDefaultProcessManager()

	_, _, code, err := pm.RunInDir(context.Background(), "", nil, "/nonexistent/docker-compose")

	require.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestDefaultProcessManager_RunInDir_DeadlineReported(t *testing.T) {
	pm := NewDefaultProcessManager()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, code, err := pm.RunInDir(ctx, "", nil, "/bin/sh", "-c", "sleep 5")

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, -1, code)
}

func TestDefaultProcessManager_RunInDir_EnvAndDir(t *testing.T) {
	pm := NewDefaultProcessManager()
	dir := t.TempDir()

	stdout, _, code, err := pm.RunInDir(context.Background(), dir, []string{"STACKGUARD_TEST=yes"},
		"/bin/sh", "-c", "echo $STACKGUARD_TEST; pwd")

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, stdout, "yes\n")
	assert.Contains(t, stdout, resolved)
}

func TestDefaultProcessManager_Spawn_WritesToFile(t *testing.T) {
	pm := NewDefaultProcessManager()
	path := filepath.Join(t.TempDir(), "web.log")
	f, err := os.Create(path)
	require.NoError(t, err)

	proc, err := pm.Spawn(context.Background(), SpawnOptions{
		Name:   "/bin/sh",
		Args:   []string{"-c", "echo line1; echo line2"},
		Stdout: f,
		Stderr: f,
	})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Greater(t, proc.Pid(), 0)

	require.NoError(t, proc.Wait())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(data))
}

func TestDefaultProcessManager_Spawn_OutlivesContext(t *testing.T) {
	pm := NewDefaultProcessManager()
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := pm.Spawn(ctx, SpawnOptions{Name: "/bin/sh", Args: []string{"-c", "sleep 0.2"}})
	require.NoError(t, err)
	cancel()

	// Exits cleanly on its own instead of being killed by the cancel
	require.NoError(t, proc.Wait())
}

func TestDefaultProcessManager_Spawn_Kill(t *testing.T) {
	pm := NewDefaultProcessManager()

	proc, err := pm.Spawn(context.Background(), SpawnOptions{Name: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)

	require.NoError(t, proc.Kill())
	assert.Error(t, proc.Wait())
}

func TestDefaultProcessManager_Spawn_CancelledBeforeStart(t *testing.T) {
	pm := NewDefaultProcessManager()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pm.Spawn(ctx, SpawnOptions{Name: "/bin/sh", Args: []string{"-c", "true"}})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Mock Tests
// =============================================================================

func TestMockProcessManager_RecordsCalls(t *testing.T) {
	mock := &MockProcessManager{}

	_, _, _, _ = mock.RunInDir(context.Background(), "/stack", nil, "docker-compose", "ps")
	_, err := mock.Spawn(context.Background(), SpawnOptions{Name: "docker-compose", Args: []string{"logs"}})
	require.NoError(t, err)

	calls := mock.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "RunInDir", calls[0].Method)
	assert.Equal(t, "/stack", calls[0].Dir)
	assert.Equal(t, "Spawn", calls[1].Method)
	assert.Equal(t, []string{"logs"}, calls[1].Args)
}

func TestMockProcess_KillReleasesWait(t *testing.T) {
	proc := NewMockProcess(42)
	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	require.NoError(t, proc.Kill())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Kill")
	}
	assert.True(t, proc.Killed())
	assert.Equal(t, 42, proc.Pid())
}
