package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetReloadFlags(t *testing.T) {
	t.Helper()

	oldConfig, oldUsername := flagConfigPath, flagUsername

	t.Cleanup(func() {
		flagConfigPath, flagUsername = oldConfig, oldUsername
	})
}

func TestRunReload_NoAccountsConfigured(t *testing.T) {
	resetReloadFlags(t)
	flagConfigPath = filepath.Join(t.TempDir(), "config.toml")
	flagUsername = ""

	cmd := newReloadCmd()

	err := runReload(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no accounts configured")
}

func TestRunReload_UnknownAccount(t *testing.T) {
	resetReloadFlags(t)
	flagConfigPath = filepath.Join(t.TempDir(), "config.toml")
	flagUsername = "nobody@example.com"

	cmd := newReloadCmd()

	err := runReload(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configured account")
}
