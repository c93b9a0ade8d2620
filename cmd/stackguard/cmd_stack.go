// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackguard/cmd/stackguard/config"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/process"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/stack"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/telemetry"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

// runUp brings the stack up and, with --wait, holds it until a signal.
func (a *cliApp) runUp(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// Held only while this command runs. Without --wait the detached
	// followers keep writing after the lock is released, so a later up on
	// the same directory still resets their files.
	lock := process.NewDirLock(a.cfg.Logs.Dir)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	ctrl, err := a.newController(a.cfg, a.registry)
	if err != nil {
		return err
	}

	res, err := ctrl.Up(ctx)
	if err != nil {
		printStderr(a.stderr, err)
		return err
	}
	printUpResult(out, ctrl, res)

	if !a.opts.wait {
		return nil
	}
	return a.holdStack(ctx, out, ctrl)
}

// holdStack blocks until SIGINT/SIGTERM, then brings the stack down and
// drains the log followers.
func (a *cliApp) holdStack(ctx context.Context, out io.Writer, ctrl *stack.Controller) error {
	if a.cfg.MetricsAddr != "" {
		srv := telemetry.NewServer(a.cfg.MetricsAddr, func() interface{} { return ctrl.Status() }, nil)
		if _, err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		defer srv.Shutdown(context.Background())
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	followers := ctrl.FollowerSet()
	util.SafeGo(func() {
		if err := followers.Wait(sigCtx); err == nil {
			slog.Info("All log followers have exited")
		}
	}, func(r util.SafeGoResult) {
		a.registry.Fire(r.PanicValue, r.Stack)
	})

	fmt.Fprintln(out, "Stack is up. Press Ctrl+C to bring it down.")
	<-sigCtx.Done()
	stop()
	fmt.Fprintln(out, "\nBringing the stack down...")

	downCtx, cancel := util.WithOptionalTimeout(context.Background(), a.cfg.Timeouts.Guard)
	defer cancel()
	_, downErr := ctrl.DownOnSignal(downCtx)
	if downErr != nil {
		printStderr(a.stderr, downErr)
	}

	grace := util.EnforceDefaultTimeout(a.cfg.Timeouts.FollowerGrace, util.DefaultFollowerGrace)
	waitCtx, cancelWait := context.WithTimeout(context.Background(), grace)
	defer cancelWait()
	if err := followers.Wait(waitCtx); err != nil {
		slog.Warn("Log followers still running after down, stopping them", "error", err)
	}
	if err := followers.Stop(grace); err != nil {
		slog.Warn("Failed to stop log followers", "error", err)
	}
	return downErr
}

func (a *cliApp) runDown(cmd *cobra.Command, args []string) error {
	ctrl, err := a.newController(a.cfg, nil)
	if err != nil {
		return err
	}
	res, err := ctrl.Down(cmd.Context())
	if err != nil {
		printStderr(a.stderr, err)
		return err
	}
	if res != nil && res.Stdout != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Stdout)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stack is down.")
	return nil
}

func (a *cliApp) runServices(cmd *cobra.Command, args []string) error {
	ctrl, err := a.newController(a.cfg, nil)
	if err != nil {
		return err
	}
	services, err := ctrl.Services(cmd.Context())
	if err != nil {
		printStderr(a.stderr, err)
		return err
	}
	for _, s := range services {
		fmt.Fprintln(cmd.OutOrStdout(), s)
	}
	return nil
}

func (a *cliApp) runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.WriteDefault(a.opts.configPath, a.opts.force); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", a.opts.configPath)
	return nil
}

func printUpResult(w io.Writer, ctrl *stack.Controller, res *stack.UpResult) {
	fmt.Fprintf(w, "Stack %s is up (run %s)\n", ctrl.Handle().ManifestPath, res.RunID)
	for _, f := range res.Followers {
		fmt.Fprintf(w, "  %-20s -> %s\n", f.Service, f.Path)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  %-20s !! no logs: %v\n", f.Service, f.Err)
	}
}

// printStderr shows what compose said, if the error carries it.
func printStderr(w io.Writer, err error) {
	if stderr := util.ExtractStderr(err); stderr != "" {
		fmt.Fprintf(w, "compose said:\n%s\n", stderr)
	}
}
