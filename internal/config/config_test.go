// Copyright (c) The spallocd Authors
// SPDX-License-Identifier: MPL-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spalloc-project/spallocd/internal/config"
)

func TestDefaultConvertsToEveryComponent(t *testing.T) {
	cfg := config.Default()

	_, err := cfg.ToAllocatorConfig()
	require.NoError(t, err)
	_, err = cfg.ToBMPConfig()
	require.NoError(t, err)
	_, err = cfg.ToJobSMConfig()
	require.NoError(t, err)
	_, err = cfg.ToSchedulerConfig()
	require.NoError(t, err)
	_, err = cfg.ToStoreConfig()
	require.NoError(t, err)
}

func TestLoadWithNoFilesReturnsDefault(t *testing.T) {
	cfg, err := config.Load("", "")
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadOverridesFromHCL(t *testing.T) {
	dir := t.TempDir()
	hclPath := filepath.Join(dir, "spallocd.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(`
bind_addr = "0.0.0.0:22244"
allocator {
  period = "10s"
}
`), 0o600))

	cfg, err := config.Load(hclPath, "")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:22244", cfg.BindAddr)
	require.Equal(t, "10s", cfg.Allocator.Period)
	// Unset fields keep their Default() value.
	require.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadAppliesEnvOverrideOverHCL(t *testing.T) {
	dir := t.TempDir()
	hclPath := filepath.Join(dir, "spallocd.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(`
transceiver {
  period = "1s"
  dummy  = true
}
`), 0o600))

	envPath := filepath.Join(dir, "spallocd.env")
	require.NoError(t, os.WriteFile(envPath, []byte("SPALLOCD_TRANSCEIVER_PERIOD=2s\n"), 0o600))

	cfg, err := config.Load(hclPath, envPath)
	require.NoError(t, err)
	require.Equal(t, "2s", cfg.Transceiver.Period)
	require.True(t, cfg.Transceiver.Dummy)
}

func TestDBPath(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/var/lib/spallocd"
	require.Equal(t, "/var/lib/spallocd/spalloc.sqlite3", cfg.DBPath())
}
