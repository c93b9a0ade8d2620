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
Tests for TerminationRegistry and ShutdownGuard.

These tests validate:

  - Handler chaining order
  - At-most-once execution across Wrap and Fire
  - Re-panic with the original value
  - Crash report written before any handler runs
  - Containment of panicking handlers
  - Teardown bounds and error swallowing in ShutdownGuard

# Test Strategy

SetRePanic(false) keeps most tests from crashing; the re-panic tests
recover the value themselves. Output is captured to verify the report.
*/
package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

// -----------------------------------------------------------------------------
// Test Helpers
// -----------------------------------------------------------------------------

func newTestRegistry() (*TerminationRegistry, *bytes.Buffer) {
	var buf bytes.Buffer
	r := NewTerminationRegistry()
	r.SetOutput(&buf)
	r.SetRePanic(false)
	return r, &buf
}

// panicUnder runs fn under registry.Wrap() and returns the value that
// escaped, if any.
func panicUnder(r *TerminationRegistry, fn func()) (escaped interface{}) {
	defer func() { escaped = recover() }()
	func() {
		defer r.Wrap()()
		fn()
	}()
	return nil
}

// -----------------------------------------------------------------------------
// TerminationRegistry Tests
// -----------------------------------------------------------------------------

func TestTerminationRegistry_NoPanicRunsNothing(t *testing.T) {
	r, buf := newTestRegistry()
	called := false
	r.Register("guard", func(Termination) { called = true })

	escaped := panicUnder(r, func() {})

	assert.Nil(t, escaped)
	assert.False(t, called)
	assert.Empty(t, buf.String())
	assert.Nil(t, r.LastTermination())
}

func TestTerminationRegistry_ChainRunsPreviousFirst(t *testing.T) {
	r, _ := newTestRegistry()
	var order []string
	r.Register("host-hook", func(Termination) { order = append(order, "host-hook") })
	r.Register("stack-guard", func(Termination) { order = append(order, "stack-guard") })
	r.Register("nil", nil)

	panicUnder(r, func() { panic("boom") })

	assert.Equal(t, []string{"host-hook", "stack-guard"}, order)
	assert.Equal(t, []string{"host-hook", "stack-guard"}, r.Registered())
}

func TestTerminationRegistry_WrapRePanicsWithOriginalValue(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminationRegistry()
	r.SetOutput(&buf)
	var seen interface{}
	r.Register("guard", func(term Termination) { seen = term.Value })

	original := errors.New("original failure")
	escaped := panicUnder(r, func() { panic(original) })

	assert.Same(t, original, escaped)
	assert.Same(t, original, seen)
	assert.Contains(t, buf.String(), "STACKGUARD CRASH REPORT")
	assert.Contains(t, buf.String(), "original failure")
	assert.Contains(t, buf.String(), "- guard")
}

func TestTerminationRegistry_TerminationDetails(t *testing.T) {
	r, _ := newTestRegistry()

	panicUnder(r, func() { panic("details") })

	last := r.LastTermination()
	require.NotNil(t, last)
	assert.Equal(t, "details", last.Value)
	assert.Contains(t, last.Stack, "goroutine")
	assert.Positive(t, last.Goroutines)
	assert.False(t, last.At.IsZero())
}

func TestTerminationRegistry_RunsAtMostOnce(t *testing.T) {
	r, _ := newTestRegistry()
	var calls int32
	r.Register("guard", func(Termination) { atomic.AddInt32(&calls, 1) })

	panicUnder(r, func() { panic("first") })
	panicUnder(r, func() { panic("second") })
	assert.False(t, r.Fire("third", ""))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "first", r.LastTermination().Value)
}

func TestTerminationRegistry_FireConcurrent(t *testing.T) {
	r, _ := newTestRegistry()
	var calls int32
	r.Register("guard", func(Termination) { atomic.AddInt32(&calls, 1) })

	var wg sync.WaitGroup
	var winners int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Fire("follower panic", "stack") {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&winners))
}

func TestTerminationRegistry_FireFromSafeGo(t *testing.T) {
	r, _ := newTestRegistry()
	fired := make(chan Termination, 1)
	r.Register("guard", func(term Termination) { fired <- term })

	util.SafeGo(func() {
		panic("follower exploded")
	}, func(res util.SafeGoResult) {
		r.Fire(res.PanicValue, res.Stack)
	})

	select {
	case term := <-fired:
		assert.Equal(t, "follower exploded", term.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestTerminationRegistry_PanickingHandlerDoesNotStopChain(t *testing.T) {
	r, buf := newTestRegistry()
	var ranLast bool
	r.Register("broken", func(Termination) { panic("handler bug") })
	r.Register("guard", func(Termination) { ranLast = true })

	escaped := panicUnder(r, func() { panic("boom") })

	assert.Nil(t, escaped)
	assert.True(t, ranLast)
	require.Len(t, r.Failures(), 1)
	assert.Equal(t, "broken", r.Failures()[0].Name)
	assert.Contains(t, buf.String(), "Handler broken panicked: handler bug")
}

func TestTerminationRegistry_ReportPrecedesHandlers(t *testing.T) {
	r, buf := newTestRegistry()
	r.Register("previous", func(Termination) { buf.WriteString("PREVIOUS\n") })
	r.Register("stack guard", func(Termination) { buf.WriteString("DOWN\n") })

	panicUnder(r, func() { panic("boom") })

	out := buf.String()
	report := strings.Index(out, "STACKGUARD CRASH REPORT")
	panicLine := strings.Index(out, "Panic: boom")
	previous := strings.Index(out, "PREVIOUS")
	down := strings.Index(out, "DOWN")
	require.GreaterOrEqual(t, report, 0)
	require.GreaterOrEqual(t, down, 0)
	assert.Less(t, report, previous)
	assert.Less(t, panicLine, previous)
	assert.Less(t, previous, down)
}

func TestTerminationRegistry_HandlerFailuresTrailReport(t *testing.T) {
	r, buf := newTestRegistry()
	r.Register("broken", func(Termination) { panic("handler bug") })
	r.Register("guard", func(Termination) { buf.WriteString("GUARD\n") })

	panicUnder(r, func() { panic("boom") })

	out := buf.String()
	assert.Less(t, strings.Index(out, "GUARD"), strings.Index(out, "Handler broken panicked"))
}

func TestTerminationRegistry_ReportWithoutHandlers(t *testing.T) {
	r, buf := newTestRegistry()

	panicUnder(r, func() { panic("lonely") })

	assert.Contains(t, buf.String(), "No termination handlers registered.")
}

// -----------------------------------------------------------------------------
// ShutdownGuard Tests
// -----------------------------------------------------------------------------

func TestShutdownGuard_TimeoutBounds(t *testing.T) {
	down := func(context.Context) error { return nil }

	assert.Equal(t, util.DefaultGuardTimeout, NewShutdownGuard("g", down, 0, nil).Timeout())
	assert.Equal(t, util.MinGuardTimeout, NewShutdownGuard("g", down, time.Millisecond, nil).Timeout())
	assert.Equal(t, time.Minute, NewShutdownGuard("g", down, time.Minute, nil).Timeout())
}

func TestShutdownGuard_TriggerRunsDownOnceWithDeadline(t *testing.T) {
	var calls int32
	var hadDeadline bool
	g := NewShutdownGuard("stack", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		_, hadDeadline = ctx.Deadline()
		return nil
	}, time.Minute, nil)

	assert.False(t, g.Fired())
	require.NoError(t, g.Trigger())
	require.NoError(t, g.Trigger())

	assert.True(t, g.Fired())
	assert.True(t, hadDeadline)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "stack", g.Name())
}

func TestShutdownGuard_DownErrorSwallowedByHandler(t *testing.T) {
	stopErr := util.NewCommandError("docker-compose -f app.yml down", 1, "network in use", nil)
	g := NewShutdownGuard("stack", func(context.Context) error { return stopErr }, 0, nil)

	r := NewTerminationRegistry()
	r.SetOutput(&bytes.Buffer{})
	r.Register(g.Name(), g.Handler())

	original := "the real problem"
	escaped := panicUnder(r, func() { panic(original) })

	assert.Equal(t, original, escaped, "teardown failure must not mask the panic")
	assert.True(t, g.Fired())
	assert.Equal(t, stopErr, g.Trigger())
	assert.Empty(t, r.Failures())
}
