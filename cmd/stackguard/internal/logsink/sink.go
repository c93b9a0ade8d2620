// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logsink owns the log output directory of a stack.
//
// The directory is reset on every up, then holds exactly one file per
// discovered service, named {dir}/{service}.log.
package logsink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSuffix is appended to the service name to form its log file name.
const FileSuffix = ".log"

// ErrInvalidServiceName is returned for names that cannot be a file name
// inside the log directory.
var ErrInvalidServiceName = errors.New("invalid service name for log file")

// Sink manages one log directory.
//
// # Thread Safety
//
// Reset must not run concurrently with Create. Create is safe for
// concurrent use with distinct service names.
type Sink struct {
	dir string
}

// New returns a Sink for dir. Nothing is touched on disk.
func New(dir string) *Sink {
	return &Sink{dir: dir}
}

// Dir returns the log directory.
func (s *Sink) Dir() string {
	return s.dir
}

// Reset deletes the directory if it exists and creates it empty.
//
// # Description
//
// Any stale file from a previous run is gone when Reset returns nil.
// Parent directories are created as needed.
func (s *Sink) Reset() error {
	if strings.TrimSpace(s.dir) == "" {
		return errors.New("log directory is not set")
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove log directory %s: %w", s.dir, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", s.dir, err)
	}
	return nil
}

// Path returns {dir}/{service}.log.
func (s *Sink) Path(service string) string {
	return s.dir + string(os.PathSeparator) + service + FileSuffix
}

// Create creates (truncating) the log file for service.
//
// # Description
//
// The service name must be a plain file name: path separators, "." and ".."
// are rejected with ErrInvalidServiceName so that a hostile listing cannot
// write outside the directory.
//
// # Outputs
//
//   - *os.File: Open file; the caller owns it
//   - error: ErrInvalidServiceName or the os.Create error
func (s *Sink) Create(service string) (*os.File, error) {
	if err := validateServiceName(service); err != nil {
		return nil, err
	}
	path := s.Path(service)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}
	return f, nil
}

// Files returns the names of the log files currently in the directory.
func (s *Sink) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func validateServiceName(service string) error {
	switch {
	case service == "", service == ".", service == "..":
		return fmt.Errorf("%w: %q", ErrInvalidServiceName, service)
	case strings.ContainsAny(service, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidServiceName, service)
	case filepath.Base(service) != service:
		return fmt.Errorf("%w: %q", ErrInvalidServiceName, service)
	}
	return nil
}
