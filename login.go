package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloudsync/internal/config"
	"github.com/tonimelisma/icloudsync/internal/icloud"
)

// metadataHTTPTimeout bounds every non-streaming auth/listing call.
// Streaming downloads get their own client without this ceiling; see
// newTransferHTTPClient in sync.go.
const metadataHTTPTimeout = 30 * time.Second

func newMetadataHTTPClient() *http.Client {
	return &http.Client{Timeout: metadataHTTPTimeout}
}

func newLoginCmd() *cobra.Command {
	var (
		flagPassword  string
		flagCookieDir string
		flagDirectory string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with iCloud and save the account",
		Long: `Authenticate with iCloud, performing the 2FA/trusted-device challenge if the
provider requires one, and persist the resulting session cookie jar plus the
account's config entry (client ID, cookie directory, download directory).

Subsequent commands probe the persisted session before falling back to a
full login, so this only needs to run again after the session is explicitly
invalidated (logout) or the provider rejects it.`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, flagPassword, flagCookieDir, flagDirectory)
		},
	}

	cmd.Flags().StringVar(&flagPassword, "password", "", "iCloud password (prompted if omitted and stdin is a terminal)")
	cmd.Flags().StringVar(&flagCookieDir, "cookie-directory", "", "directory to store the session cookie jar (default: XDG data dir)")
	cmd.Flags().StringVarP(&flagDirectory, "directory", "d", "", "local directory to mirror the library into")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "logout",
		Short:       "Invalidate the saved session and remove the account from config",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "whoami",
		Short:       "Display the currently configured account and session status",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runWhoami,
	}
}

// stdinPrompt implements icloud.PromptFunc by writing the prompt to stderr
// (so it is never suppressed by output redirection) and reading a line from
// stdin. Input is echoed like any other line; non-interactive callers pass
// --password directly.
func stdinPrompt(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	reader := bufio.NewReader(os.Stdin)

	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func runLogin(cmd *cobra.Command, password, cookieDirFlag, directoryFlag string) error {
	logger := buildLogger(nil)
	ctx := cmd.Context()

	username := flagUsername
	if username == "" {
		var err error

		username, err = stdinPrompt("Apple ID: ")
		if err != nil {
			return err
		}
	}

	cfgPath := config.ResolveConfigPath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: flagConfigPath})

	cookieDir := cookieDirFlag
	if cookieDir == "" {
		cookieDir = config.DefaultCookieDir()
	}

	clientID, err := resolveClientID(cfgPath, username, logger)
	if err != nil {
		return err
	}

	client := icloud.NewClient(newMetadataHTTPClient(), logger)
	interactive := icloud.IsInteractiveTerminal()
	auth := icloud.NewController(client, cookieDir, interactive, stdinPrompt, logger)

	creds := icloud.Credentials{Username: username, Password: password, ClientID: clientID}

	if _, err := auth.Authenticate(ctx, creds, true); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	acct := config.Account{ClientID: clientID, CookieDir: cookieDir, Directory: directoryFlag}

	if err := config.SaveAccount(cfgPath, username, acct, logger); err != nil {
		return fmt.Errorf("saving account: %w", err)
	}

	fmt.Printf("Signed in as %s.\n", username)

	if directoryFlag == "" {
		fmt.Println("No --directory given — set directory under this account's [account] entry in the config file, or pass --directory to every sync run.")
	}

	return nil
}

// resolveClientID picks the stable per-installation client ID for username:
// the CLIENT_ID environment variable wins, then any previously persisted ID,
// and otherwise a fresh UUID is generated here so the login request and the
// saved account carry the same value.
func resolveClientID(cfgPath, username string, logger *slog.Logger) (string, error) {
	if env := os.Getenv("CLIENT_ID"); env != "" {
		return env, nil
	}

	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}

	if acct, ok := cfg.Accounts[username]; ok && acct.ClientID != "" {
		return acct.ClientID, nil
	}

	return uuid.NewString(), nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
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
			return fmt.Errorf("no accounts configured — nothing to log out")
		case 1:
			for name := range cfg.Accounts {
				username = name
			}
		default:
			return fmt.Errorf("multiple accounts configured — pass --username to select one")
		}
	}

	acct, ok := cfg.Accounts[username]
	if !ok {
		return fmt.Errorf("no configured account %q", username)
	}

	cookieDir := acct.CookieDir
	if cookieDir == "" {
		cookieDir = config.DefaultCookieDir()
	}

	if err := removeSessionJar(cookieDir, username); err != nil {
		logger.Warn("failed to remove session jar", "error", err)
	}

	if err := config.RemoveAccount(cfgPath, username, logger); err != nil {
		return fmt.Errorf("removing account from config: %w", err)
	}

	fmt.Printf("Logged out %s. Local files under %q are left untouched.\n", username, acct.Directory)

	return nil
}

// removeSessionJar deletes the persisted cookie jar for username. The path
// construction mirrors internal/icloud's unexported jarPath — logout is the
// only cmd-layer code that needs to name the jar file directly.
func removeSessionJar(dir, username string) error {
	path := filepath.Join(dir, username+".json")

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(nil)
	ctx := cmd.Context()

	username := flagUsername
	cfgPath := config.ResolveConfigPath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: flagConfigPath})

	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if username == "" {
		switch len(cfg.Accounts) {
		case 0:
			return fmt.Errorf("no accounts configured — run 'icloudsync login' first")
		case 1:
			for name := range cfg.Accounts {
				username = name
			}
		default:
			return fmt.Errorf("multiple accounts configured — pass --username to select one")
		}
	}

	acct, ok := cfg.Accounts[username]
	if !ok {
		return fmt.Errorf("no configured account %q — run 'icloudsync login --username %s' first", username, username)
	}

	cookieDir := acct.CookieDir
	if cookieDir == "" {
		cookieDir = config.DefaultCookieDir()
	}

	sess, err := icloud.LoadSession(cookieDir, username)
	if err != nil {
		fmt.Printf("%s: not logged in (%v)\n", username, err)
		return nil
	}

	client := icloud.NewClient(newMetadataHTTPClient(), logger)
	auth := icloud.NewController(client, cookieDir, false, nil, logger)

	if err := auth.ValidateSession(ctx, sess); err != nil {
		fmt.Printf("%s: session present but invalid (%v)\n", username, err)
		return nil
	}

	fmt.Printf("%s: session valid\n", username)
	fmt.Printf("  directory:   %s\n", acct.Directory)
	fmt.Printf("  cookie dir:  %s\n", cookieDir)

	return nil
}
