// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// SafeGo Tests
// =============================================================================

// TestSafeGo_NoPanic verifies SafeGo executes function without panic.
func TestSafeGo_NoPanic(t *testing.T) {
	var wg sync.WaitGroup
	executed := false
	panicCalled := false

	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		executed = true
	}, func(r SafeGoResult) {
		panicCalled = true
	})

	wg.Wait()

	if !executed {
		t.Error("function was not executed")
	}
	if panicCalled {
		t.Error("panic callback should not be called when no panic occurs")
	}
}

// TestSafeGo_WithPanic verifies SafeGo recovers from panic.
//
// # Description
//
// The panic value and a stack trace must reach the callback.
func TestSafeGo_WithPanic(t *testing.T) {
	var wg sync.WaitGroup
	var result SafeGoResult

	wg.Add(1)
	SafeGo(func() {
		panic("follower exploded")
	}, func(r SafeGoResult) {
		defer wg.Done()
		result = r
	})

	wg.Wait()

	if result.PanicValue != "follower exploded" {
		t.Errorf("PanicValue = %v, want 'follower exploded'", result.PanicValue)
	}
	if !strings.Contains(result.Stack, "goroutine") {
		t.Error("Stack should contain goroutine information")
	}
}

// TestSafeGo_SiblingsUnaffected verifies one panicking goroutine does not
// stop others launched alongside it.
func TestSafeGo_SiblingsUnaffected(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	panics := 0

	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		SafeGo(func() {
			defer wg.Done()
			if i == 2 {
				panic("boom")
			}
			mu.Lock()
			completed++
			mu.Unlock()
		}, func(r SafeGoResult) {
			mu.Lock()
			panics++
			mu.Unlock()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if completed != 4 {
		t.Errorf("completed = %d, want 4", completed)
	}
	if panics != 1 {
		t.Errorf("panics = %d, want 1", panics)
	}
}

// TestRecoverPanic_SetsNamedResult verifies the deferred form can convert
// a panic into a returned error.
func TestRecoverPanic_SetsNamedResult(t *testing.T) {
	run := func() (recovered interface{}) {
		defer RecoverPanic(func(r SafeGoResult) {
			recovered = r.PanicValue
		})()
		panic(42)
	}

	if got := run(); got != 42 {
		t.Errorf("recovered = %v, want 42", got)
	}
}

// TestRecoverPanic_NilCallback verifies a nil callback still recovers.
func TestRecoverPanic_NilCallback(t *testing.T) {
	func() {
		defer RecoverPanic(nil)()
		panic("ignored")
	}()
}
