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
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackguard/cmd/stackguard/config"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/diagnostics"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/infra/compose"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/stack"
	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/telemetry"
)

// cliOptions holds the raw flag values.
type cliOptions struct {
	configPath  string
	composeFile string
	logsDir     string
	project     string
	logLevel    string
	metricsAddr string
	traceStdout bool

	// up
	wait bool

	// config init
	force bool
}

// cliApp is the state shared by all commands of one invocation.
type cliApp struct {
	opts     cliOptions
	cfg      config.StackguardConfig
	registry *diagnostics.TerminationRegistry
	stderr   io.Writer

	// newController is replaced in tests.
	newController func(cfg config.StackguardConfig, registry diagnostics.TerminationHandler) (*stack.Controller, error)

	traceShutdown func(context.Context) error
}

func newCLIApp(registry *diagnostics.TerminationRegistry) *cliApp {
	return &cliApp{
		registry:      registry,
		stderr:        os.Stderr,
		newController: controllerFromConfig,
	}
}

func newRootCmd(app *cliApp) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackguard",
		Short: "Run a compose stack with per-service log files and guaranteed teardown",
		Long: `stackguard starts a docker-compose stack in the background, writes the
logs of every service to <logs>/<service>.log and brings the stack down
again when asked, when interrupted, or when the process panics.`,
		SilenceUsage:      true,
		PersistentPreRunE: app.prepare,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.traceShutdown != nil {
				return app.traceShutdown(context.Background())
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&app.opts.configPath, "config", config.DefaultPath, "Path to the stackguard config file")
	pf.StringVarP(&app.opts.composeFile, "file", "f", "", "Compose file (overrides compose.file)")
	pf.StringVar(&app.opts.logsDir, "logs", "", "Log directory (overrides logs.dir)")
	pf.StringVarP(&app.opts.project, "project", "p", "", "Compose project name (overrides compose.project)")
	pf.StringVar(&app.opts.logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
	pf.StringVar(&app.opts.metricsAddr, "metrics-addr", "", "Serve /metrics on this address during up --wait")
	pf.BoolVar(&app.opts.traceStdout, "trace-stdout", false, "Pretty-print trace spans to stderr")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Start the stack and attach one log follower per service",
		RunE:  app.runUp,
	}
	upCmd.Flags().BoolVar(&app.opts.wait, "wait", false, "Hold the stack until SIGINT/SIGTERM, then bring it down")

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the stack",
		RunE:  app.runDown,
	}

	servicesCmd := &cobra.Command{
		Use:   "services",
		Short: "List the services of the stack",
		RunE:  app.runServices,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the stackguard config file",
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE:  app.runConfigInit,
	}
	configInitCmd.Flags().BoolVar(&app.opts.force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(upCmd, downCmd, servicesCmd, configCmd)
	return rootCmd
}

// prepare loads the config, applies flag overrides and sets up logging and
// tracing.
func (a *cliApp) prepare(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	a.applyOverrides(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	slog.SetDefault(newLogger(a.stderr, cfg.SlogLevel()))

	tcfg := telemetry.DefaultConfig()
	tcfg.Output = a.stderr
	if a.opts.traceStdout {
		tcfg.TraceExporter = telemetry.ExporterStdout
	}
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return err
	}
	a.traceShutdown = shutdown
	return nil
}

// applyOverrides copies explicitly set flags over the file values.
func (a *cliApp) applyOverrides(cmd *cobra.Command, cfg *config.StackguardConfig) {
	flags := cmd.Flags()
	if flags.Changed("file") {
		cfg.Compose.File = a.opts.composeFile
	}
	if flags.Changed("logs") {
		cfg.Logs.Dir = a.opts.logsDir
	}
	if flags.Changed("project") {
		cfg.Compose.Project = a.opts.project
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.opts.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = a.opts.metricsAddr
	}
}

// newLogger picks a text handler for terminals and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// controllerFromConfig builds a controller running the real compose binary.
func controllerFromConfig(cfg config.StackguardConfig, registry diagnostics.TerminationHandler) (*stack.Controller, error) {
	return stack.NewController(stack.Handle{
		ManifestPath: cfg.Compose.File,
		LogDir:       cfg.Logs.Dir,
		ProjectName:  cfg.Compose.Project,
	}, stack.Options{
		Compose: compose.Config{
			Binary:         cfg.Compose.Binary,
			BaseArgs:       cfg.Compose.Args,
			Env:            cfg.Compose.Env,
			CommandTimeout: cfg.Timeouts.Command,
		},
		Registry:     registry,
		GuardTimeout: cfg.Timeouts.Guard,
	})
}
