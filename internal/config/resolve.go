package config

import (
	"fmt"
	"os"
)

// ResolvedRun is the fully merged configuration for a single invocation:
// defaults, overridden by the config file, overridden by CLI flags. The Run
// Orchestrator and Download Engine consume only this type, never Config or
// CLIOverrides directly.
type ResolvedRun struct {
	Username  string
	ClientID  string
	CookieDir string
	Directory string

	Download DownloadConfig

	LogLevel       string
	ConnectTimeout string
	DataTimeout    string
	BandwidthLimit string
}

// CLIOverrides carries values explicitly set on the command line. Pointer
// fields distinguish "flag not passed" (nil) from "flag passed as
// false/0".
type CLIOverrides struct {
	ConfigPath string
	Username   string

	Directory     string
	CookieDir     string
	Sizes         []string
	LivePhotoSize string
	Album         string
	Recent        *int
	UntilFound    *int

	SkipVideos          *bool
	SkipLivePhotos      *bool
	OnlyPhotos          *bool
	ForceSize           *bool
	AutoDelete          *bool
	DeleteAfterDownload *bool
	DryRun              *bool
	SetExifDatetime     *bool
	KeepUnicode         *bool

	ThreadsNum        *int
	WatchIntervalSecs *int
}

// EnvOverrides carries values read from environment variables. CLIENT_ID
// overrides the persisted installation UUID, primarily for deterministic
// testing.
type EnvOverrides struct {
	ConfigPath string
	ClientID   string
}

// ReadEnvOverrides reads the recognized environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv("ICLOUDSYNC_CONFIG"),
		ClientID:   os.Getenv("CLIENT_ID"),
	}
}

// ResolveConfigPath determines the config file path using the three-layer
// priority: CLI flag > environment variable > platform default.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// ResolveRun merges defaults, the on-disk Config, and CLI overrides for the
// account identified by username. If username is empty and exactly one
// account is configured, that account is selected automatically (the common
// single-account case); otherwise an explicit --username is required.
func ResolveRun(cfg *Config, username string, env EnvOverrides, cli CLIOverrides) (*ResolvedRun, error) {
	acct, resolvedUsername, err := selectAccount(cfg, username)
	if err != nil {
		return nil, err
	}

	rr := &ResolvedRun{
		Username:       resolvedUsername,
		ClientID:       acct.ClientID,
		CookieDir:      firstNonEmpty(cli.CookieDir, acct.CookieDir, DefaultCookieDir()),
		Directory:      firstNonEmpty(cli.Directory, acct.Directory),
		Download:       cfg.Download,
		LogLevel:       cfg.Logging.LogLevel,
		ConnectTimeout: cfg.Network.ConnectTimeout,
		DataTimeout:    cfg.Network.DataTimeout,
		BandwidthLimit: cfg.Network.BandwidthLimit,
	}

	if env.ClientID != "" {
		rr.ClientID = env.ClientID
	}

	applyDownloadOverrides(&rr.Download, cli)

	if rr.Directory == "" {
		return nil, fmt.Errorf("no download directory configured for %q — pass --directory or set it in the config file", resolvedUsername)
	}

	return rr, nil
}

func selectAccount(cfg *Config, username string) (Account, string, error) {
	if username != "" {
		acct, ok := cfg.Accounts[username]
		if !ok {
			return Account{}, "", fmt.Errorf("no configured account %q — run 'icloudsync login --username %s' first", username, username)
		}

		return acct, username, nil
	}

	switch len(cfg.Accounts) {
	case 0:
		return Account{}, "", fmt.Errorf("no accounts configured — run 'icloudsync login' first")
	case 1:
		for name, acct := range cfg.Accounts {
			return acct, name, nil
		}
	}

	return Account{}, "", fmt.Errorf("multiple accounts configured — pass --username to select one")
}

func applyDownloadOverrides(d *DownloadConfig, cli CLIOverrides) {
	if len(cli.Sizes) > 0 {
		d.Sizes = cli.Sizes
	}

	if cli.LivePhotoSize != "" {
		d.LivePhotoSize = cli.LivePhotoSize
	}

	if cli.Album != "" {
		d.Album = cli.Album
	}

	if cli.Recent != nil {
		d.Recent = *cli.Recent
	}

	if cli.UntilFound != nil {
		d.UntilFound = *cli.UntilFound
	}

	applyBoolOverrides(d, cli)

	if cli.ThreadsNum != nil {
		d.ThreadsNum = *cli.ThreadsNum
	}

	if cli.WatchIntervalSecs != nil {
		d.WatchWithIntervalSecs = *cli.WatchIntervalSecs
	}
}

func applyBoolOverrides(d *DownloadConfig, cli CLIOverrides) {
	assign := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	assign(&d.SkipVideos, cli.SkipVideos)
	assign(&d.SkipLivePhotos, cli.SkipLivePhotos)
	assign(&d.OnlyPhotos, cli.OnlyPhotos)
	assign(&d.ForceSize, cli.ForceSize)
	assign(&d.AutoDelete, cli.AutoDelete)
	assign(&d.DeleteAfterDownload, cli.DeleteAfterDownload)
	assign(&d.DryRun, cli.DryRun)
	assign(&d.SetExifDatetime, cli.SetExifDatetime)
	assign(&d.KeepUnicodeInFilenames, cli.KeepUnicode)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
