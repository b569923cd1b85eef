package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloudsync/internal/config"
	"github.com/tonimelisma/icloudsync/internal/icloud"
)

// newStatusCmd reports, for every configured account (or just --username),
// its download directory, session validity, and local mirror size on disk.
// There is no index or database file, so "status" walks the directory
// tree rather than reading cached state.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured accounts, session validity, and local mirror size",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	usernames := make([]string, 0, len(cc.Cfg.Accounts))
	if flagUsername != "" {
		if _, ok := cc.Cfg.Accounts[flagUsername]; !ok {
			return fmt.Errorf("no configured account %q", flagUsername)
		}

		usernames = append(usernames, flagUsername)
	} else {
		for name := range cc.Cfg.Accounts {
			usernames = append(usernames, name)
		}
	}

	if len(usernames) == 0 {
		cc.Statusf("No accounts configured. Run 'icloudsync login' to add one.\n")
		return nil
	}

	headers := []string{"ACCOUNT", "SESSION", "DIRECTORY", "LOCAL SIZE"}
	rows := make([][]string, 0, len(usernames))

	for _, username := range usernames {
		acct := cc.Cfg.Accounts[username]
		rows = append(rows, []string{username, sessionState(cmd, acct, username), acct.Directory, localMirrorSize(acct.Directory)})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}

func sessionState(cmd *cobra.Command, acct config.Account, username string) string {
	cookieDir := acct.CookieDir
	if cookieDir == "" {
		cookieDir = config.DefaultCookieDir()
	}

	sess, err := icloud.LoadSession(cookieDir, username)
	if err != nil {
		return "not logged in"
	}

	logger := buildLogger(nil)
	client := icloud.NewClient(newMetadataHTTPClient(), logger)
	auth := icloud.NewController(client, cookieDir, false, nil, logger)

	if err := auth.ValidateSession(cmd.Context(), sess); err != nil {
		return "invalid"
	}

	return "valid"
}

// localMirrorSize walks dir and sums regular-file sizes. Directories that do
// not exist yet (no sync has run) report "0 B" rather than erroring.
func localMirrorSize(dir string) string {
	if dir == "" {
		return "-"
	}

	var total int64

	err := walkSize(dir, &total)
	if err != nil {
		return "unknown"
	}

	return formatSize(total)
}

func walkSize(dir string, total *int64) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if err := walkSize(path, total); err != nil {
				return err
			}

			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		*total += info.Size()
	}

	return nil
}
