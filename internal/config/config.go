// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for icloudsync.
package config

// Config is the top-level configuration structure. Accounts holds one entry
// per iCloud username that has ever been logged in; Download, Logging and
// Network hold global defaults that apply to any account unless overridden
// on the command line.
type Config struct {
	Accounts map[string]Account `toml:"account"`
	Download DownloadConfig     `toml:"download"`
	Logging  LoggingConfig      `toml:"logging"`
	Network  NetworkConfig      `toml:"network"`
}

// Account is the persisted, per-username configuration created by `login`.
// A username is always a valid bare TOML table key, so Accounts
// round-trips through a single plain TOML map.
type Account struct {
	// ClientID is a stable UUID generated once per installation and sent
	// as X-Apple-OAuth-Client-Id on every auth request.
	ClientID  string `toml:"client_id"`
	CookieDir string `toml:"cookie_dir"`
	Directory string `toml:"directory"`
}

// DownloadConfig controls what gets downloaded and how. Every field here
// has a corresponding CLI flag; CLI values always win over the config
// file, which always wins over DefaultDownloadConfig.
type DownloadConfig struct {
	Sizes                  []string `toml:"sizes"`
	LivePhotoSize          string   `toml:"live_photo_size"`
	Album                  string   `toml:"album"`
	Recent                 int      `toml:"recent"`
	UntilFound             int      `toml:"until_found"`
	SkipVideos             bool     `toml:"skip_videos"`
	SkipLivePhotos         bool     `toml:"skip_live_photos"`
	OnlyPhotos             bool     `toml:"only_photos"`
	ForceSize              bool     `toml:"force_size"`
	AutoDelete             bool     `toml:"auto_delete"`
	DeleteAfterDownload    bool     `toml:"delete_after_download"`
	DryRun                 bool     `toml:"dry_run"`
	SetExifDatetime        bool     `toml:"set_exif_datetime"`
	KeepUnicodeInFilenames bool     `toml:"keep_unicode_in_filenames"`
	ThreadsNum             int      `toml:"threads_num"`
	WatchWithIntervalSecs  int      `toml:"watch_with_interval_secs"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// NetworkConfig holds the network settings. ConnectTimeout and DataTimeout
// are validated and shown by `config show`, but no HTTP client reads them:
// metadata calls use a fixed 30s whole-request timeout and media streams
// have none.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`

	// BandwidthLimit throttles download throughput (e.g. "5MB/s"). Empty or
	// "0" means unlimited. Not exposed as a dedicated spec-named CLI flag;
	// available as config-file infrastructure only.
	BandwidthLimit string `toml:"bandwidth_limit"`
}
