package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// configFilePermissions is the standard permission mode for config files.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o700

// SaveAccount loads the config file at path (or starts from defaults if
// it does not exist yet), sets or replaces the account entry for username,
// and writes the whole file back atomically. An Apple ID never needs TOML
// key-escaping, so a plain encode round-trip is sufficient.
func SaveAccount(path, username string, acct Account, logger *slog.Logger) error {
	cfg, err := LoadOrDefault(path, logger)
	if err != nil {
		return fmt.Errorf("loading existing config: %w", err)
	}

	if cfg.Accounts == nil {
		cfg.Accounts = make(map[string]Account)
	}

	if acct.ClientID == "" {
		if existing, ok := cfg.Accounts[username]; ok && existing.ClientID != "" {
			acct.ClientID = existing.ClientID
		} else {
			acct.ClientID = uuid.NewString()
		}
	}

	cfg.Accounts[username] = acct

	logger.Info("saving account to config", "path", path, "username", username)

	return writeConfig(path, cfg)
}

// RemoveAccount deletes the account entry for username and writes the
// file back. Returns nil if the account was not present (idempotent).
func RemoveAccount(path, username string, logger *slog.Logger) error {
	cfg, err := LoadOrDefault(path, logger)
	if err != nil {
		return fmt.Errorf("loading existing config: %w", err)
	}

	delete(cfg.Accounts, username)

	logger.Info("removing account from config", "path", path, "username", username)

	return writeConfig(path, cfg)
}

func writeConfig(path string, cfg *Config) error {
	var buf bytes.Buffer

	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return atomicWriteFile(path, buf.Bytes())
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash, matching the pattern used by
// internal/icloud for cookie jar persistence.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
