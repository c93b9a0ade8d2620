// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stack brings a compose stack up with per-service log capture and
// makes sure it comes down again, including when the process panics.
package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/diagnostics"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/follower"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/compose"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/process"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/logsink"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/telemetry"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

var tracer = otel.Tracer("stackguard.stack")

// Handle identifies one stack: its compose manifest and its log directory.
//
// Handle is a value type. The controller, the crash guard and every
// follower hold their own copy.
type Handle struct {
	// ManifestPath is the compose file passed with -f.
	ManifestPath string

	// LogDir receives one {service}.log per discovered service.
	LogDir string

	// ProjectName is passed with -p when set.
	ProjectName string
}

func (h Handle) validate() error {
	if strings.TrimSpace(h.ManifestPath) == "" {
		return fmt.Errorf("%w: manifest path is required", ErrInvalidHandle)
	}
	if strings.TrimSpace(h.LogDir) == "" {
		return fmt.Errorf("%w: log directory is required", ErrInvalidHandle)
	}
	return nil
}

// Options configures a Controller.
type Options struct {
	// Runner overrides the compose runner. When nil, a DefaultRunner is
	// built from Compose with File and ProjectName taken from the Handle.
	Runner compose.Runner

	// Compose is the runner template used when Runner is nil.
	Compose compose.Config

	// Process overrides the process manager of the default runner.
	Process process.Manager

	// Registry receives the crash guard on the first Up. Nil disables the
	// guard.
	Registry diagnostics.TerminationHandler

	// GuardTimeout bounds the crash-time Down. Zero selects
	// util.DefaultGuardTimeout.
	GuardTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// UpResult describes a successful Up.
type UpResult struct {
	// RunID identifies this Up in logs and spans.
	RunID string

	// Services as listed by compose, de-duplicated, in listing order.
	Services []string

	// StartStdout and StartStderr are the output of "up -d".
	StartStdout string
	StartStderr string

	// Followers holds the spawned followers in service order.
	Followers []*follower.Handle

	// Failures holds the followers that could not be started.
	Failures []*follower.Error
}

// Controller drives the lifecycle of one stack.
//
// # Thread Safety
//
// Up is meant to be driven by one goroutine. Down, Services, Followers and
// Status are safe to call concurrently with anything, including from the
// crash guard while Up is still running.
type Controller struct {
	handle   Handle
	runner   compose.Runner
	sink     *logsink.Sink
	registry diagnostics.TerminationHandler
	logger   *slog.Logger

	guardTimeout time.Duration
	guardOnce    sync.Once
	guard        *diagnostics.ShutdownGuard

	followers *follower.Set

	mu   sync.RWMutex
	last *UpResult
}

// NewController creates a controller for handle.
//
// # Description
//
// Validates the handle and builds the compose runner. Nothing is executed.
//
// # Inputs
//
//   - handle: Stack to control
//   - opts: Runner, registry and logging options
//
// # Outputs
//
//   - *Controller: Ready controller
//   - error: ErrInvalidHandle, or a runner configuration error
//
// # Example
//
//	registry := diagnostics.NewTerminationRegistry()
//	defer registry.Wrap()()
//
//	ctrl, err := stack.NewController(stack.Handle{
//	    ManifestPath: "docker-compose.yml",
//	    LogDir:       "./logs",
//	}, stack.Options{Registry: registry})
func NewController(handle Handle, opts Options) (*Controller, error) {
	if err := handle.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runner := opts.Runner
	if runner == nil {
		cfg := opts.Compose
		cfg.File = handle.ManifestPath
		cfg.ProjectName = handle.ProjectName
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		proc := opts.Process
		if proc == nil {
			proc = process.NewDefaultProcessManager()
		}
		r, err := compose.NewDefaultRunner(cfg, proc)
		if err != nil {
			return nil, err
		}
		runner = r
	}

	return &Controller{
		handle:       handle,
		runner:       runner,
		sink:         logsink.New(handle.LogDir),
		registry:     opts.Registry,
		logger:       logger.With("manifest", handle.ManifestPath),
		guardTimeout: opts.GuardTimeout,
		followers:    follower.NewSet(context.Background(), logger),
	}, nil
}

// Handle returns the controller's stack handle.
func (c *Controller) Handle() Handle {
	return c.handle
}

// Up starts the stack in the background and attaches one log follower per
// service.
//
// Description:
//
//	Steps, in order: install the crash guard (first call only), compose
//	"up -d", reset the log directory, compose "ps --services", then dispatch
//	one follower per listed service. Up returns once every follower has
//	been dispatched, not when the log streams end.
//
// Inputs:
//
//	ctx - Bounds the compose calls and the dispatch. Follow subprocesses
//	      outlive it.
//
// Outputs:
//
//	*UpResult - Services, followers and follower failures. Nil on error.
//	error - ErrStartFailed, ErrDirectoryFailed or ErrDiscoveryFailed. A
//	        follower failure is never returned here; it lands in
//	        UpResult.Failures.
//
// Example:
//
//	res, err := ctrl.Up(ctx)
//	if err != nil {
//	    return err
//	}
//	for _, f := range res.Failures {
//	    slog.Warn("no logs for service", "service", f.Service, "error", f.Err)
//	}
func (c *Controller) Up(ctx context.Context) (*UpResult, error) {
	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "stack.Controller.Up",
		trace.WithAttributes(
			attribute.String("stack.run_id", runID),
			attribute.String("stack.manifest", c.handle.ManifestPath),
			attribute.String("stack.log_dir", c.handle.LogDir),
		),
	)
	defer span.End()
	logger := c.logger.With("run_id", runID)

	c.installGuard()

	started := time.Now()
	startRes, err := c.runner.Start(ctx)
	telemetry.RecordComposeCommand("up", err, time.Since(started))
	if startRes != nil {
		logOutput(logger, "up", startRes)
	}
	if err != nil {
		return nil, c.failUp(span, "start_failed", classify(ErrStartFailed, err))
	}

	if err := c.sink.Reset(); err != nil {
		return nil, c.failUp(span, "directory_failed", classify(ErrDirectoryFailed, err))
	}

	services, err := c.listServices(ctx)
	if err != nil {
		return nil, c.failUp(span, "discovery_failed", err)
	}
	span.SetAttributes(attribute.Int("stack.service_count", len(services)))
	logger.Info("Services discovered", "count", len(services), "services", services)

	handles, failures := c.dispatch(ctx, services)

	result := &UpResult{
		RunID:     runID,
		Services:  services,
		Followers: handles,
		Failures:  failures,
	}
	if startRes != nil {
		result.StartStdout = startRes.Stdout
		result.StartStderr = startRes.Stderr
	}

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()

	telemetry.RecordUp(telemetry.StatusSuccess, len(services))
	span.SetAttributes(attribute.Int("stack.follower_failures", len(failures)))
	span.SetStatus(codes.Ok, "")
	logger.Info("Stack is up",
		"services", len(services),
		"followers", len(handles),
		"follower_failures", len(failures),
	)
	return result, nil
}

// Down stops the stack.
//
// Description:
//
//	Always issues compose "down" for the controller's manifest, whether or
//	not Up ran or succeeded. Running followers are not touched: their
//	streams end when the containers go away. Safe to call repeatedly and
//	concurrently.
//
// Outputs:
//
//	*compose.Result - Output of "down", nil if it could not be spawned.
//	error - ErrStopFailed wrapping a util.CommandError.
func (c *Controller) Down(ctx context.Context) (*compose.Result, error) {
	return c.down(ctx, telemetry.TriggerCaller)
}

// DownOnSignal is Down, recorded as a signal-triggered teardown.
func (c *Controller) DownOnSignal(ctx context.Context) (*compose.Result, error) {
	return c.down(ctx, telemetry.TriggerSignal)
}

// Services lists the services of the stack without starting anything.
func (c *Controller) Services(ctx context.Context) ([]string, error) {
	return c.listServices(ctx)
}

// Followers returns a snapshot of every follower spawned by this
// controller, across all Up calls.
func (c *Controller) Followers() []*follower.Handle {
	return c.followers.Handles()
}

// FollowerSet exposes the retained followers for explicit waiting and
// teardown.
func (c *Controller) FollowerSet() *follower.Set {
	return c.followers
}

// GuardInstalled reports whether the crash guard has been registered.
func (c *Controller) GuardInstalled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guard != nil
}

// installGuard registers the crash guard on the first call only.
func (c *Controller) installGuard() {
	if c.registry == nil {
		return
	}
	c.guardOnce.Do(func() {
		guard := diagnostics.NewShutdownGuard(
			"stack "+c.handle.ManifestPath,
			func(ctx context.Context) error {
				_, err := c.down(ctx, telemetry.TriggerCrash)
				return err
			},
			c.guardTimeout,
			c.logger,
		)
		c.registry.Register(guard.Name(), guard.Handler())

		c.mu.Lock()
		c.guard = guard
		c.mu.Unlock()
		c.logger.Debug("Crash guard installed", "timeout", guard.Timeout())
	})
}

func (c *Controller) down(ctx context.Context, trigger string) (*compose.Result, error) {
	ctx, span := tracer.Start(ctx, "stack.Controller.Down",
		trace.WithAttributes(
			attribute.String("stack.manifest", c.handle.ManifestPath),
			attribute.String("stack.trigger", trigger),
		),
	)
	defer span.End()

	started := time.Now()
	res, err := c.runner.Stop(ctx)
	telemetry.RecordComposeCommand("down", err, time.Since(started))
	telemetry.RecordDown(trigger, err)
	if res != nil {
		logOutput(c.logger, "down", res)
	}
	if err != nil {
		err = classify(ErrStopFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetStatus(codes.Ok, "")
	c.logger.Info("Stack is down", "trigger", trigger)
	return res, nil
}

func (c *Controller) listServices(ctx context.Context) ([]string, error) {
	started := time.Now()
	services, err := c.runner.ListServices(ctx)
	telemetry.RecordComposeCommand("ps", err, time.Since(started))
	if err != nil {
		return nil, classify(ErrDiscoveryFailed, err)
	}
	return services, nil
}

// dispatch starts one follower per service and waits until every follower
// has either spawned its subprocess or failed.
func (c *Controller) dispatch(ctx context.Context, services []string) ([]*follower.Handle, []*follower.Error) {
	ctx, span := tracer.Start(ctx, "stack.Controller.dispatch",
		trace.WithAttributes(attribute.StringSlice("stack.services", services)),
	)
	defer span.End()

	handles := make([]*follower.Handle, len(services))
	failures := make([]*follower.Error, len(services))

	// No cancellation: one follower failing must not stop its siblings.
	var g errgroup.Group
	for i, service := range services {
		g.Go(func() error {
			defer util.RecoverPanic(func(r util.SafeGoResult) {
				failures[i] = &follower.Error{
					Service: service,
					Path:    c.sink.Path(service),
					Op:      follower.OpPanic,
					Err:     fmt.Errorf("panic: %v", r.PanicValue),
				}
				c.logger.Error("Log follower panicked",
					"service", service,
					"panic", r.PanicValue,
					"stack", r.Stack,
				)
			})()

			h, err := follower.Follow(ctx, c.runner, c.sink, service, c.logger)
			if err != nil {
				var ferr *follower.Error
				if !errors.As(err, &ferr) {
					ferr = &follower.Error{Service: service, Path: c.sink.Path(service), Op: follower.OpSpawn, Err: err}
				}
				failures[i] = ferr
				return nil
			}
			handles[i] = h
			return nil
		})
	}
	_ = g.Wait()

	var started []*follower.Handle
	var failed []*follower.Error
	for i := range services {
		switch {
		case handles[i] != nil:
			c.followers.Add(handles[i])
			started = append(started, handles[i])
			telemetry.RecordFollowerStarted()
		case failures[i] != nil:
			failed = append(failed, failures[i])
			telemetry.RecordFollowerFailure(failures[i].Op)
			c.logger.Warn("Log follower failed",
				"service", failures[i].Service,
				"path", failures[i].Path,
				"op", failures[i].Op,
				"error", failures[i].Err,
			)
		}
	}
	span.SetAttributes(
		attribute.Int("stack.followers_started", len(started)),
		attribute.Int("stack.followers_failed", len(failed)),
	)
	return started, failed
}

func (c *Controller) failUp(span trace.Span, status string, err error) error {
	telemetry.RecordUp(status, 0)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("Stack up failed", "error", err, "stderr", util.ExtractStderr(err))
	return err
}

// logOutput logs the captured output of a compose command.
func logOutput(logger *slog.Logger, command string, res *compose.Result) {
	if out := strings.TrimSpace(res.Stdout); out != "" {
		logger.Info("compose output", "command", command, "stdout", out)
	}
	if out := strings.TrimSpace(res.Stderr); out != "" {
		logger.Info("compose output", "command", command, "stderr", out)
	}
}
