package config

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func configWithAccount() *Config {
	cfg := DefaultConfig()
	cfg.Accounts["jane@example.com"] = Account{
		ClientID:  "persisted-client-id",
		Directory: "/photos",
	}

	return cfg
}

func TestResolveRun_DefaultsApply(t *testing.T) {
	rr, err := ResolveRun(configWithAccount(), "jane@example.com", EnvOverrides{}, CLIOverrides{})
	require.NoError(t, err)

	assert.Equal(t, "jane@example.com", rr.Username)
	assert.Equal(t, "persisted-client-id", rr.ClientID)
	assert.Equal(t, "/photos", rr.Directory)
	assert.Equal(t, []string{"original"}, rr.Download.Sizes)
	assert.Equal(t, "All Photos", rr.Download.Album)
	assert.Equal(t, defaultThreadsNum, rr.Download.ThreadsNum)
}

func TestResolveRun_CLIWinsOverFileWinsOverDefault(t *testing.T) {
	cfg := configWithAccount()
	cfg.Download.Album = "From File"
	cfg.Download.Recent = 10

	cli := CLIOverrides{
		Album:      "From CLI",
		Recent:     intPtr(25),
		SkipVideos: boolPtr(true),
		ThreadsNum: intPtr(4),
	}

	rr, err := ResolveRun(cfg, "jane@example.com", EnvOverrides{}, cli)
	require.NoError(t, err)

	assert.Equal(t, "From CLI", rr.Download.Album)
	assert.Equal(t, 25, rr.Download.Recent)
	assert.True(t, rr.Download.SkipVideos)
	assert.Equal(t, 4, rr.Download.ThreadsNum)
}

func TestResolveRun_ExplicitFalseOverridesFileTrue(t *testing.T) {
	cfg := configWithAccount()
	cfg.Download.SetExifDatetime = true

	rr, err := ResolveRun(cfg, "jane@example.com", EnvOverrides{}, CLIOverrides{SetExifDatetime: boolPtr(false)})
	require.NoError(t, err)

	assert.False(t, rr.Download.SetExifDatetime)
}

func TestResolveRun_ClientIDEnvOverride(t *testing.T) {
	rr, err := ResolveRun(configWithAccount(), "jane@example.com",
		EnvOverrides{ClientID: "11111111-2222-3333-4444-555555555555"}, CLIOverrides{})
	require.NoError(t, err)

	assert.Equal(t, "11111111-2222-3333-4444-555555555555", rr.ClientID)
}

func TestResolveRun_SingleAccountAutoSelected(t *testing.T) {
	rr, err := ResolveRun(configWithAccount(), "", EnvOverrides{}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", rr.Username)
}

func TestResolveRun_MultipleAccountsNeedUsername(t *testing.T) {
	cfg := configWithAccount()
	cfg.Accounts["john@example.com"] = Account{Directory: "/other"}

	_, err := ResolveRun(cfg, "", EnvOverrides{}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple accounts")
}

func TestResolveRun_UnknownAccount(t *testing.T) {
	_, err := ResolveRun(configWithAccount(), "nobody@example.com", EnvOverrides{}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configured account")
}

func TestResolveRun_NoDirectoryIsAnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Accounts["jane@example.com"] = Account{}

	_, err := ResolveRun(cfg, "jane@example.com", EnvOverrides{}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no download directory")
}

func TestSaveAccount_LoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, SaveAccount(path, "jane@example.com", Account{Directory: "/photos"}, discardLogger()))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)

	acct, ok := cfg.Accounts["jane@example.com"]
	require.True(t, ok)
	assert.Equal(t, "/photos", acct.Directory)
	assert.NotEmpty(t, acct.ClientID, "a client ID is generated on first save")

	// Saving again must keep the generated client ID stable.
	require.NoError(t, SaveAccount(path, "jane@example.com", Account{Directory: "/photos2"}, discardLogger()))

	cfg2, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, acct.ClientID, cfg2.Accounts["jane@example.com"].ClientID)
	assert.Equal(t, "/photos2", cfg2.Accounts["jane@example.com"].Directory)
}

func TestRemoveAccount_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, SaveAccount(path, "jane@example.com", Account{Directory: "/photos"}, discardLogger()))
	require.NoError(t, RemoveAccount(path, "jane@example.com", discardLogger()))
	require.NoError(t, RemoveAccount(path, "jane@example.com", discardLogger()))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, cfg.Accounts)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Download.Sizes = []string{"original", "gigantic"}
	cfg.Download.LivePhotoSize = "thumb"
	cfg.Download.ThreadsNum = 99

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown size tag")
	assert.Contains(t, err.Error(), "live_photo_size")
	assert.Contains(t, err.Error(), "threads_num")
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}
