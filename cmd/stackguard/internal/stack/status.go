// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stack

// Status is a JSON snapshot of the controller, served by the metrics
// endpoint while `up --wait` holds the stack.
type Status struct {
	Manifest     string           `json:"manifest"`
	LogDir       string           `json:"log_dir"`
	Project      string           `json:"project,omitempty"`
	RunID        string           `json:"run_id,omitempty"`
	Services     []string         `json:"services"`
	Followers    []FollowerStatus `json:"followers"`
	Failures     []FailureStatus  `json:"failures"`
	GuardEnabled bool             `json:"guard_installed"`
}

// FollowerStatus describes one spawned follower.
type FollowerStatus struct {
	Service string `json:"service"`
	Path    string `json:"path"`
	Pid     int    `json:"pid"`
	Running bool   `json:"running"`
	Exit    string `json:"exit,omitempty"`
}

// FailureStatus describes one follower that failed to start.
type FailureStatus struct {
	Service string `json:"service"`
	Op      string `json:"op"`
	Error   string `json:"error"`
}

// Status returns the current snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	last := c.last
	guard := c.guard != nil
	c.mu.RUnlock()

	st := Status{
		Manifest:     c.handle.ManifestPath,
		LogDir:       c.handle.LogDir,
		Project:      c.handle.ProjectName,
		Services:     []string{},
		Followers:    []FollowerStatus{},
		Failures:     []FailureStatus{},
		GuardEnabled: guard,
	}
	if last == nil {
		return st
	}

	st.RunID = last.RunID
	st.Services = append(st.Services, last.Services...)
	for _, h := range last.Followers {
		fs := FollowerStatus{Service: h.Service, Path: h.Path, Pid: h.Pid, Running: true}
		select {
		case <-h.Done():
			fs.Running = false
			if err := h.Err(); err != nil {
				fs.Exit = err.Error()
			}
		default:
		}
		st.Followers = append(st.Followers, fs)
	}
	for _, f := range last.Failures {
		st.Failures = append(st.Failures, FailureStatus{Service: f.Service, Op: f.Op, Error: f.Err.Error()})
	}
	return st
}
