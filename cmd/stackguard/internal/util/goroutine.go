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
	"runtime/debug"
)

// =============================================================================
// Result Types
// =============================================================================

// SafeGoResult captures a panic recovered from a goroutine.
//
// # Description
//
// Carries the panic value and the stack trace taken at recovery time. It is
// handed to the onPanic callback of SafeGo and RecoverPanic.
//
// # Thread Safety
//
// SafeGoResult is immutable after creation and safe for concurrent reads.
type SafeGoResult struct {
	// PanicValue is the value passed to panic().
	PanicValue interface{}

	// Stack is the stack trace at recovery time, from runtime/debug.Stack().
	Stack string
}

// =============================================================================
// Goroutine Safety Functions
// =============================================================================

// SafeGo runs fn in a new goroutine with panic recovery.
//
// # Description
//
// A panic inside fn is recovered and passed to onPanic instead of
// terminating the process. Log followers are dispatched through SafeGo so
// that one follower blowing up cannot take its siblings, or the controller,
// down with it.
//
// # Inputs
//
//   - fn: The function to execute in the goroutine
//   - onPanic: Callback invoked if fn panics (may be nil to silently recover)
//
// # Example
//
//	var wg sync.WaitGroup
//	wg.Add(1)
//	SafeGo(func() {
//	    defer wg.Done()
//	    spawnFollower()
//	}, func(r SafeGoResult) {
//	    defer wg.Done()
//	    logger.Error("follower panicked", "panic", r.PanicValue)
//	})
//	wg.Wait()
//
// # Limitations
//
//   - onPanic runs in the recovered goroutine; a panic inside it is fatal
//   - Deferred calls inside fn run before onPanic
func SafeGo(fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a function to defer that recovers a panic.
//
// # Description
//
// The returned closure calls recover() and, if a panic was in flight,
// passes it to onPanic. The enclosing function then returns normally.
//
// # Example
//
//	func dispatch() (err error) {
//	    defer RecoverPanic(func(r SafeGoResult) {
//	        err = fmt.Errorf("dispatch panicked: %v", r.PanicValue)
//	    })()
//	    ...
//	}
//
// # Limitations
//
//   - Must be called with () after defer: defer RecoverPanic(handler)()
func RecoverPanic(onPanic func(SafeGoResult)) func() {
	return func() {
		if r := recover(); r != nil {
			result := SafeGoResult{
				PanicValue: r,
				Stack:      string(debug.Stack()),
			}
			if onPanic != nil {
				onPanic(result)
			}
		}
	}
}
