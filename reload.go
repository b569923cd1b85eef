package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloudsync/internal/config"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Tell a running watch-mode daemon to re-read its configuration",
		Long: `Send SIGHUP to the --watch-with-interval daemon for the selected account.
The daemon re-reads the config file between runs and applies the
runtime-mutable download settings (size selection, worker count) without
restarting.`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runReload,
	}
}

func runReload(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(nil)

	username := flagUsername
	cfgPath := config.ResolveConfigPath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: flagConfigPath})

	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if username == "" {
		switch len(cfg.Accounts) {
		case 0:
			return fmt.Errorf("no accounts configured — nothing to reload")
		case 1:
			for name := range cfg.Accounts {
				username = name
			}
		default:
			return fmt.Errorf("multiple accounts configured — pass --username to select one")
		}
	}

	if _, ok := cfg.Accounts[username]; !ok {
		return fmt.Errorf("no configured account %q", username)
	}

	pidPath := config.DefaultPidFilePath(username)
	if pidPath == "" {
		return fmt.Errorf("cannot determine the PID file path for %q", username)
	}

	if err := sendSIGHUP(pidPath); err != nil {
		return err
	}

	fmt.Printf("Sent reload signal to the watch daemon for %s.\n", username)

	return nil
}
