// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package xdg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigHomePrecedence(t *testing.T) {
	t.Setenv("NEXUS_CONFIG_HOME", "/etc/nexus")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	require.Equal(t, "/etc/nexus", ConfigHome())

	t.Setenv("NEXUS_CONFIG_HOME", "")
	require.Equal(t, filepath.Join("/xdg", "nexus"), ConfigHome())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/operator")
	require.Equal(t, filepath.Join("/home/operator", ".config", "nexus"), ConfigHome())
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("NEXUS_CONFIG_HOME", "/etc/nexus")
	require.Equal(t, filepath.Join("/etc/nexus", "config.yaml"), DefaultConfigPath())
}

func TestDefaultConfigPathUnresolvableHome(t *testing.T) {
	t.Setenv("NEXUS_CONFIG_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "")
	require.Empty(t, DefaultConfigPath())
}
