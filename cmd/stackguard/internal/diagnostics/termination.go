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
Package diagnostics runs cleanup when the process is about to die from a
panic.

Go has no process-wide panic hook, so the hook is explicit: main owns a
TerminationRegistry and defers its Wrap() closure. Components register
handlers on it. When a panic unwinds through Wrap, a crash report is printed
first, then every registered handler runs exactly once and the panic
continues, so the process still terminates with the original value and stack.

# Chaining

Registrations never replace each other. Each new handler is chained after
the ones already registered, so a handler installed earlier (for example by
another library) always runs first.

# Goroutines

A panic in a goroutine other than main never reaches main's deferred Wrap.
Goroutines either defer Wrap themselves or recover and call Fire.

# Usage

	func main() {
	    registry := diagnostics.NewTerminationRegistry()
	    defer registry.Wrap()()

	    controller := stack.NewController(handle, runner, stack.Options{Registry: registry})
	    ...
	}
*/
package diagnostics

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

// Termination describes the panic that triggered the handlers.
type Termination struct {
	// Value is the value passed to panic(), or to Fire.
	Value interface{}

	// Stack is the stack trace of the panicking goroutine.
	Stack string

	// Goroutines is runtime.NumGoroutine() at trigger time.
	Goroutines int

	// At is when the handlers were triggered.
	At time.Time
}

// HandlerFunc is a termination handler.
//
// Handlers run on the panicking goroutine while it unwinds. They must not
// block indefinitely; bound any external call with a timeout.
type HandlerFunc func(Termination)

// HandlerFailure records a handler that panicked itself.
type HandlerFailure struct {
	Name  string
	Value interface{}
}

// TerminationHandler is the contract used by components that install
// crash-time cleanup.
type TerminationHandler interface {
	// Register chains h after every handler registered so far.
	Register(name string, h HandlerFunc)

	// Wrap returns a closure to defer that runs the chain on panic.
	Wrap() func()

	// Fire runs the chain for a panic recovered elsewhere.
	Fire(value interface{}, stack string) bool
}

// link is one registered handler.
type link struct {
	name string
	fn   HandlerFunc
}

// TerminationRegistry is the default TerminationHandler.
//
// # Description
//
// Holds the chain of registered handlers and guarantees that the chain runs
// at most once per registry, whether it is triggered by Wrap or Fire and
// from however many goroutines.
//
// # Thread Safety
//
// TerminationRegistry is safe for concurrent use.
type TerminationRegistry struct {
	mu      sync.RWMutex
	chain   []link
	output  io.Writer
	rePanic bool

	once     sync.Once
	last     *Termination
	failures []HandlerFailure
}

// NewTerminationRegistry creates an empty registry that reports to stderr
// and re-panics after running its handlers.
func NewTerminationRegistry() *TerminationRegistry {
	return &TerminationRegistry{
		output:  os.Stderr,
		rePanic: true,
	}
}

// Register chains h after every previously registered handler.
//
// # Description
//
// The effective handler after Register is "previous chain, then h". The
// name shows up in the crash report.
//
// # Inputs
//
//   - name: Label for the crash report
//   - h: Handler; nil is ignored
func (r *TerminationRegistry) Register(name string, h HandlerFunc) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chain = append(r.chain, link{name: name, fn: h})
}

// Registered returns the handler names in execution order.
func (r *TerminationRegistry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.chain))
	for i, l := range r.chain {
		names[i] = l.name
	}
	return names
}

// Wrap returns a function suitable for defer that runs the chain on panic.
//
// # Description
//
// On panic the closure recovers, prints a crash report, runs the handler
// chain (once per registry) and re-panics with the original value.
//
// # Outputs
//
//   - func(): Closure to defer; call with () to execute
//
// # Example
//
//	defer registry.Wrap()()
//
// # Limitations
//
//   - Only covers panics unwinding through the goroutine that deferred it
//   - os.Exit and fatal runtime errors (concurrent map writes, OOM) bypass it
func (r *TerminationRegistry) Wrap() func() {
	return func() {
		if v := recover(); v != nil {
			r.handle(v, string(debug.Stack()))
		}
	}
}

// Fire runs the chain for a panic that was recovered elsewhere.
//
// # Description
//
// Used by goroutines that recover their own panics (util.SafeGo) but still
// need crash-time cleanup to happen. Fire never re-panics.
//
// # Outputs
//
//   - bool: True if this call ran the chain, false if it had already run
func (r *TerminationRegistry) Fire(value interface{}, stack string) bool {
	return r.run(value, stack)
}

// SetOutput sets where crash reports are written.
func (r *TerminationRegistry) SetOutput(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = w
}

// SetRePanic controls whether Wrap re-panics after the chain ran.
//
// Only tests turn this off.
func (r *TerminationRegistry) SetRePanic(rePanic bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rePanic = rePanic
}

// LastTermination returns the termination that ran the chain, or nil.
func (r *TerminationRegistry) LastTermination() *Termination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Failures returns the handlers that panicked while running.
func (r *TerminationRegistry) Failures() []HandlerFailure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HandlerFailure(nil), r.failures...)
}

func (r *TerminationRegistry) handle(value interface{}, stack string) {
	r.run(value, stack)

	r.mu.RLock()
	rePanic := r.rePanic
	r.mu.RUnlock()
	if rePanic {
		panic(value)
	}
}

// run prints the report, then executes the chain, at most once.
//
// The report is written before any handler runs, since a teardown handler
// may block for its full timeout.
func (r *TerminationRegistry) run(value interface{}, stack string) bool {
	ran := false
	r.once.Do(func() {
		ran = true
		t := Termination{
			Value:      value,
			Stack:      stack,
			Goroutines: runtime.NumGoroutine(),
			At:         time.Now(),
		}

		r.mu.Lock()
		r.last = &t
		chain := append([]link(nil), r.chain...)
		output := r.output
		r.mu.Unlock()

		printCrashReport(output, t, chain)

		var failures []HandlerFailure
		for _, l := range chain {
			if f := runLink(l, t); f != nil {
				failures = append(failures, *f)
			}
		}

		r.mu.Lock()
		r.failures = failures
		r.mu.Unlock()

		printHandlerFailures(output, failures)
	})
	return ran
}

// runLink runs one handler; a panicking handler does not stop the chain.
func runLink(l link, t Termination) (failure *HandlerFailure) {
	defer util.RecoverPanic(func(res util.SafeGoResult) {
		failure = &HandlerFailure{Name: l.name, Value: res.PanicValue}
	})()
	l.fn(t)
	return nil
}

func printCrashReport(w io.Writer, t Termination, chain []link) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "================================================================================\n")
	fmt.Fprintf(w, "STACKGUARD CRASH REPORT\n")
	fmt.Fprintf(w, "================================================================================\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Panic: %v\n", t.Value)
	fmt.Fprintf(w, "Goroutines: %d\n", t.Goroutines)
	if t.Stack != "" {
		fmt.Fprintf(w, "\nStack:\n%s\n", t.Stack)
	}
	fmt.Fprintf(w, "\n")

	if len(chain) == 0 {
		fmt.Fprintf(w, "No termination handlers registered.\n")
	} else {
		fmt.Fprintf(w, "Running termination handlers: %d\n", len(chain))
		for _, l := range chain {
			fmt.Fprintf(w, "  - %s\n", l.name)
		}
	}

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "================================================================================\n")
	fmt.Fprintf(w, "\n")
}

// printHandlerFailures trails the report once the chain has finished.
func printHandlerFailures(w io.Writer, failures []HandlerFailure) {
	if w == nil || len(failures) == 0 {
		return
	}
	for _, f := range failures {
		fmt.Fprintf(w, "Handler %s panicked: %v\n", f.Name, f.Value)
	}
	fmt.Fprintf(w, "\n")
}

// Compile-time interface compliance check.
var _ TerminationHandler = (*TerminationRegistry)(nil)
