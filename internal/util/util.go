// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package util provides small filesystem and path helpers shared across
// the hearthd server packages.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath expands a leading "~" to the user's home directory and
// returns an absolute, cleaned path.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, path[2:])
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	return filepath.Clean(abs), nil
}

// WritablePath returns the base directory for hearthd state files.
// It honours HEARTHD_STATE_DIR when set, otherwise falls back to
// ~/.hearthd. An empty string means the current working directory.
func WritablePath() string {
	if dir := os.Getenv("HEARTHD_STATE_DIR"); dir != "" {
		if expanded, err := ExpandPath(dir); err == nil {
			return expanded
		}
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".hearthd")
}

// EnsureDir creates the directory (and parents) if it does not exist.
func EnsureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
