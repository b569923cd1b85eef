package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_ShowsAllSections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = map[string]Account{
		"jane@example.com": {ClientID: "abc-123", Directory: "/photos"},
	}

	rr, err := ResolveRun(cfg, "jane@example.com", EnvOverrides{}, CLIOverrides{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(rr, &buf))

	output := buf.String()
	assert.Contains(t, output, "jane@example.com")
	assert.Contains(t, output, "[account]")
	assert.Contains(t, output, "[download]")
	assert.Contains(t, output, "[logging]")
	assert.Contains(t, output, "[network]")
	assert.Contains(t, output, `client_id   = "abc-123"`)
}

func TestRenderEffective_SizesJoinedQuoted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = map[string]Account{"jane@example.com": {Directory: "/photos"}}
	cfg.Download.Sizes = []string{"original", "medium"}

	rr, err := ResolveRun(cfg, "jane@example.com", EnvOverrides{}, CLIOverrides{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(rr, &buf))

	assert.Contains(t, buf.String(), `sizes                     = ["original", "medium"]`)
}

// failWriter always errors, verifying RenderEffective propagates the first
// write failure instead of panicking on subsequent writes.
type failWriter struct{}

func (failWriter) Write(_ []byte) (int, error) {
	return 0, errors.New("boom")
}

func TestRenderEffective_WriteError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts = map[string]Account{"jane@example.com": {Directory: "/photos"}}

	rr, err := ResolveRun(cfg, "jane@example.com", EnvOverrides{}, CLIOverrides{})
	require.NoError(t, err)

	err = RenderEffective(rr, failWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
