package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minThreadsNum     = 1
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 1 * time.Second
)

var validSizeTags = map[string]bool{
	"original":    true,
	"medium":      true,
	"thumb":       true,
	"adjusted":    true,
	"alternative": true,
}

var validLivePhotoSizes = map[string]bool{
	"original": true,
	"medium":   true,
}

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateDownload(&cfg.Download)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateDownload(d *DownloadConfig) []error {
	var errs []error

	for _, s := range d.Sizes {
		if !validSizeTags[s] {
			errs = append(errs, fmt.Errorf("download.sizes: unknown size tag %q", s))
		}
	}

	if d.LivePhotoSize != "" && !validLivePhotoSizes[d.LivePhotoSize] {
		errs = append(errs, fmt.Errorf("download.live_photo_size: must be \"original\" or \"medium\", got %q", d.LivePhotoSize))
	}

	if d.ThreadsNum != 0 && (d.ThreadsNum < minThreadsNum || d.ThreadsNum > maxThreadsNum) {
		errs = append(errs, fmt.Errorf("download.threads_num: must be between %d and %d, got %d",
			minThreadsNum, maxThreadsNum, d.ThreadsNum))
	}

	if d.Recent < 0 {
		errs = append(errs, fmt.Errorf("download.recent: must be >= 0, got %d", d.Recent))
	}

	if d.UntilFound < 0 {
		errs = append(errs, fmt.Errorf("download.until_found: must be >= 0, got %d", d.UntilFound))
	}

	if d.WatchWithIntervalSecs < 0 {
		errs = append(errs, fmt.Errorf("download.watch_with_interval_secs: must be >= 0, got %d", d.WatchWithIntervalSecs))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogging(l *LoggingConfig) []error {
	if l.LogLevel != "" && !validLogLevels[l.LogLevel] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if value == "" {
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
