// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package xdg locates the XDG Base Directory paths nexus reads from.
// See https://specifications.freedesktop.org/basedir-spec/latest/
package xdg

import (
	"os"
	"path/filepath"
)

// ConfigHome returns the base directory for user-specific nexus
// configuration files: $NEXUS_CONFIG_HOME when set, otherwise
// $XDG_CONFIG_HOME/nexus, otherwise ~/.config/nexus. Empty when the home
// directory cannot be resolved either.
func ConfigHome() string {
	if dir := os.Getenv("NEXUS_CONFIG_HOME"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "nexus")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "nexus")
}

// DefaultConfigPath returns {ConfigHome}/config.yaml, the configuration file
// `nexus run` falls back to when no path is given. Empty when no config home
// could be resolved; existence is the caller's concern.
func DefaultConfigPath() string {
	home := ConfigHome()
	if home == "" {
		return ""
	}
	return filepath.Join(home, "config.yaml")
}
