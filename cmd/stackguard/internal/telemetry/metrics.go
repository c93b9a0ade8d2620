// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Stack Lifecycle
// =============================================================================

const namespace = "stackguard"

// Outcome label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Teardown triggers.
const (
	TriggerCaller = "caller"
	TriggerCrash  = "crash"
	TriggerSignal = "signal"
)

var (
	// composeCommands counts compose invocations.
	// Labels: command (up, ps, down), status (success, error)
	composeCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "compose",
		Name:      "commands_total",
		Help:      "Compose invocations by command and outcome",
	}, []string{"command", "status"})

	// composeDuration measures compose invocation latency.
	// Labels: command
	composeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "compose",
		Name:      "command_duration_seconds",
		Help:      "Compose invocation latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"command"})

	// stackUps counts Up calls.
	// Labels: status (success, start_failed, directory_failed, discovery_failed)
	stackUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stack",
		Name:      "up_total",
		Help:      "Stack up attempts by outcome",
	}, []string{"status"})

	// stackDowns counts Down calls.
	// Labels: trigger (caller, crash, signal), status (success, error)
	stackDowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stack",
		Name:      "down_total",
		Help:      "Stack teardowns by trigger and outcome",
	}, []string{"trigger", "status"})

	// servicesDiscovered tracks the number of services found by the last Up.
	servicesDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stack",
		Name:      "services_discovered",
		Help:      "Services discovered by the most recent up",
	})

	// followersStarted counts successfully spawned log followers.
	followersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "follower",
		Name:      "started_total",
		Help:      "Log followers spawned",
	})

	// followerFailures counts followers that failed to start.
	// Labels: op (create, spawn, panic)
	followerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "follower",
		Name:      "failures_total",
		Help:      "Log followers that failed to start, by failed operation",
	}, []string{"op"})
)

// =============================================================================
// Metrics Recording Functions
// =============================================================================

// RecordComposeCommand records one compose invocation.
//
// Inputs:
//
//	command - Compose subcommand ("up", "ps", "down").
//	err - Invocation error, nil on success.
//	duration - Wall time of the invocation.
func RecordComposeCommand(command string, err error, duration time.Duration) {
	composeCommands.WithLabelValues(command, statusOf(err)).Inc()
	composeDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordUp records the outcome of an Up call and the discovered service count.
func RecordUp(status string, services int) {
	stackUps.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		servicesDiscovered.Set(float64(services))
	}
}

// RecordDown records a teardown.
func RecordDown(trigger string, err error) {
	stackDowns.WithLabelValues(trigger, statusOf(err)).Inc()
}

// RecordFollowerStarted records a spawned follower.
func RecordFollowerStarted() {
	followersStarted.Inc()
}

// RecordFollowerFailure records a follower that failed at op.
func RecordFollowerFailure(op string) {
	followerFailures.WithLabelValues(op).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
