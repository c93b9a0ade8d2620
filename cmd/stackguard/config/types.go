// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/stackguard/cmd/stackguard/internal/util"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "stackguard.yaml"

type StackguardConfig struct {
	// Compose: which compose binary to run and against which manifest
	Compose ComposeConfig `yaml:"compose"`

	// Logs: where per-service log files go
	Logs LogsConfig `yaml:"logs"`

	// Timeouts: bounds for compose calls, crash teardown and follower stop
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// MetricsAddr enables the metrics endpoint during `up --wait`
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

type ComposeConfig struct {
	Binary  string            `yaml:"binary" validate:"required"` // e.g. docker-compose, or docker with args [compose]
	Args    []string          `yaml:"args,omitempty"`             // leading args, e.g. ["compose"]
	File    string            `yaml:"file" validate:"required"`   // e.g. docker-compose.yml
	Project string            `yaml:"project,omitempty"`          // passed as -p
	Env     map[string]string `yaml:"env,omitempty"`              // extra environment for compose
}

type LogsConfig struct {
	Dir string `yaml:"dir" validate:"required"` // e.g. ./logs
}

type TimeoutsConfig struct {
	Command       time.Duration `yaml:"command" validate:"gte=0"`        // 0 = unbounded
	Guard         time.Duration `yaml:"guard" validate:"gte=0"`          // crash-time down
	FollowerGrace time.Duration `yaml:"follower_grace" validate:"gte=0"` // SIGTERM -> SIGKILL
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() StackguardConfig {
	return StackguardConfig{
		Compose: ComposeConfig{
			Binary: "docker-compose",
			File:   "docker-compose.yml",
		},
		Logs: LogsConfig{
			Dir: "logs",
		},
		Timeouts: TimeoutsConfig{
			Command:       util.DefaultCommandTimeout,
			Guard:         util.DefaultGuardTimeout,
			FollowerGrace: util.DefaultFollowerGrace,
		},
		LogLevel: "info",
	}
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c StackguardConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
