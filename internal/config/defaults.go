package config

// Default values for configuration options. These are the baseline of the
// CLI > config-file > default override chain.
const (
	defaultSize                   = "original"
	defaultLivePhotoSize          = "original"
	defaultAlbum                  = "All Photos"
	defaultThreadsNum             = 8
	maxThreadsNum                 = 16
	defaultLogLevel               = "warn"
	defaultConnectTimeout         = "30s"
	defaultDataTimeout            = "30s"
	defaultKeepUnicodeInFilenames = false

	// reAuthMaxAttempts is the fixed cap on re-authentication attempts
	// after the provider invalidates a session.
	reAuthMaxAttempts = 5

	// reAuthWaitSeconds is the default sleep between re-auth attempts (the
	// first attempt never sleeps).
	reAuthWaitSeconds = 30

	// downloadMaxRetries bounds the per-asset retry loop for transport and
	// internal-server errors.
	downloadMaxRetries = 5

	// downloadWaitSeconds is the sleep between per-asset download retries.
	downloadWaitSeconds = 30
)

// DefaultConfig returns a Config populated with all default values. This is
// used both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Accounts: make(map[string]Account),
		Download: DefaultDownloadConfig(),
		Logging:  defaultLoggingConfig(),
		Network:  defaultNetworkConfig(),
	}
}

// DefaultDownloadConfig returns the built-in defaults for every download
// option, matching the original tool's implementation-defined defaults.
func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		Sizes:                  []string{defaultSize},
		LivePhotoSize:          defaultLivePhotoSize,
		Album:                  defaultAlbum,
		ThreadsNum:             defaultThreadsNum,
		KeepUnicodeInFilenames: defaultKeepUnicodeInFilenames,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel: defaultLogLevel,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
	}
}
