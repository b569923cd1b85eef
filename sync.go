package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloudsync/internal/config"
	"github.com/tonimelisma/icloudsync/internal/exif"
	"github.com/tonimelisma/icloudsync/internal/icloud"
	syncpkg "github.com/tonimelisma/icloudsync/internal/sync"
)

// syncFlags holds every per-run CLI flag, bound once and turned into
// config.CLIOverrides by asCLIOverrides.
type syncFlags struct {
	directory           string
	cookieDir           string
	sizes               []string
	livePhotoSize       string
	recent              int
	untilFound          int
	album               string
	skipVideos          bool
	skipLivePhotos      bool
	onlyPhotos          bool
	forceSize           bool
	autoDelete          bool
	deleteAfterDownload bool
	dryRun              bool
	setExifDatetime     bool
	noProgressBar       bool
	threadsNum          int
	watchIntervalSecs   int
	keepUnicode         bool
}

func addSyncFlags(cmd *cobra.Command, f *syncFlags) {
	cmd.Flags().StringVarP(&f.directory, "directory", "d", "", "local directory to mirror the library into")
	cmd.Flags().StringVar(&f.cookieDir, "cookie-directory", "", "directory holding the session cookie jar")
	cmd.Flags().StringArrayVar(&f.sizes, "size", nil, "asset size to download (repeatable): original|medium|thumb|adjusted|alternative")
	cmd.Flags().StringVar(&f.livePhotoSize, "live-photo-size", "", "live-photo video companion size: original|medium")
	cmd.Flags().IntVar(&f.recent, "recent", 0, "only download the N most recent assets")
	cmd.Flags().IntVar(&f.untilFound, "until-found", 0, "stop after N consecutive already-downloaded assets")
	cmd.Flags().StringVar(&f.album, "album", "", "album to sync (default \"All Photos\")")
	cmd.Flags().BoolVar(&f.skipVideos, "skip-videos", false, "do not download standalone video assets")
	cmd.Flags().BoolVar(&f.skipLivePhotos, "skip-live-photos", false, "do not download live-photo video companions")
	cmd.Flags().BoolVar(&f.onlyPhotos, "only-photos", false, "download only photo assets")
	cmd.Flags().BoolVar(&f.forceSize, "force-size", false, "skip the asset instead of falling back to \"original\" when the requested size is absent")
	cmd.Flags().BoolVar(&f.autoDelete, "auto-delete", false, "delete originals from iCloud after successful local storage")
	cmd.Flags().BoolVar(&f.deleteAfterDownload, "delete-after-download", false, "alias for --auto-delete")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "log mutating actions (delete) without performing them")
	cmd.Flags().BoolVar(&f.setExifDatetime, "set-exif-datetime", false, "stamp the asset's created timestamp into JPEG EXIF tags")
	cmd.Flags().BoolVar(&f.noProgressBar, "no-progress-bar", false, "suppress the progress bar (progress bars are out of scope; accepted for CLI compatibility)")
	cmd.Flags().IntVar(&f.threadsNum, "threads-num", 0, "number of concurrent download workers (1-16)")
	cmd.Flags().IntVar(&f.watchIntervalSecs, "watch-with-interval", 0, "repeat the run every N seconds instead of exiting")
	cmd.Flags().BoolVar(&f.keepUnicode, "keep-unicode-in-filenames", false, "preserve non-ASCII characters in filenames instead of transliterating them")
}

func boolOverride(cmd *cobra.Command, name string, v bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}

	return &v
}

func intOverride(cmd *cobra.Command, name string, v int) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}

	return &v
}

// asCLIOverrides converts parsed flags into config.CLIOverrides, leaving
// pointer fields nil for flags the user did not pass so the config-file
// value (or built-in default) is used instead.
func (f *syncFlags) asCLIOverrides(cmd *cobra.Command) config.CLIOverrides {
	deleteAfter := boolOverride(cmd, "delete-after-download", f.deleteAfterDownload)
	if deleteAfter == nil {
		deleteAfter = boolOverride(cmd, "auto-delete", f.autoDelete)
	}

	return config.CLIOverrides{
		ConfigPath:          flagConfigPath,
		Username:            flagUsername,
		Directory:           f.directory,
		CookieDir:           f.cookieDir,
		Sizes:               f.sizes,
		LivePhotoSize:       f.livePhotoSize,
		Album:               f.album,
		Recent:              intOverride(cmd, "recent", f.recent),
		UntilFound:          intOverride(cmd, "until-found", f.untilFound),
		SkipVideos:          boolOverride(cmd, "skip-videos", f.skipVideos),
		SkipLivePhotos:      boolOverride(cmd, "skip-live-photos", f.skipLivePhotos),
		OnlyPhotos:          boolOverride(cmd, "only-photos", f.onlyPhotos),
		ForceSize:           boolOverride(cmd, "force-size", f.forceSize),
		AutoDelete:          boolOverride(cmd, "auto-delete", f.autoDelete),
		DeleteAfterDownload: deleteAfter,
		DryRun:              boolOverride(cmd, "dry-run", f.dryRun),
		SetExifDatetime:     boolOverride(cmd, "set-exif-datetime", f.setExifDatetime),
		KeepUnicode:         boolOverride(cmd, "keep-unicode-in-filenames", f.keepUnicode),
		ThreadsNum:          intOverride(cmd, "threads-num", f.threadsNum),
		WatchIntervalSecs:   intOverride(cmd, "watch-with-interval", f.watchIntervalSecs),
	}
}

func newSyncCmd() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download new assets from iCloud Photos into the local mirror",
		Long: `Authenticate, enumerate the configured album in reverse chronological order,
and download each asset's chosen size (and, for live photos, the paired
video) into a date-based directory layout. Already-downloaded files are
skipped or deduplicated by comparing on-disk size against the provider's
reported size.

With --watch-with-interval, the run repeats on that interval, reusing the
existing authenticated session, until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, &f)
		},
	}

	addSyncFlags(cmd, &f)

	return cmd
}

// newDownloadCmd is a one-shot alias for sync: it accepts the same flags
// but always runs exactly once, ignoring --watch-with-interval.
func newDownloadCmd() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "download",
		Short: "One-shot alias for 'sync' (ignores --watch-with-interval)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Marking the flag as set makes the zero override win over any
			// watch interval from the config file.
			if err := cmd.Flags().Set("watch-with-interval", "0"); err != nil {
				return err
			}

			return runSync(cmd, &f)
		},
	}

	addSyncFlags(cmd, &f)
	cmd.Flags().MarkHidden("watch-with-interval") //nolint:errcheck // cosmetic only

	return cmd
}

func runSync(cmd *cobra.Command, f *syncFlags) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	env := config.ReadEnvOverrides()
	cli := f.asCLIOverrides(cmd)

	rr, err := config.ResolveRun(cc.Cfg, flagUsername, env, cli)
	if err != nil {
		return err
	}

	creds := icloud.Credentials{Username: rr.Username, ClientID: rr.ClientID}

	client := icloud.NewClient(newMetadataHTTPClient(), logger)
	auth := icloud.NewController(client, rr.CookieDir, icloud.IsInteractiveTerminal(), stdinPrompt, logger)
	transferClient := icloud.NewClient(newTransferHTTPClient(), logger)

	orch := syncpkg.NewOrchestrator(auth, client, transferClient, exif.GoexifReader{}, exif.InPlaceWriter{}, icloud.SystemClock{}, logger)

	ctx := shutdownContext(cmd.Context(), logger)

	if rr.Download.WatchWithIntervalSecs > 0 {
		orch.ConfigPath = cc.CfgPath

		return runWatch(ctx, orch, creds, rr)
	}

	return orch.Run(ctx, creds, rr)
}

// runWatch guards --watch-with-interval runs with a pidfile so two
// concurrent watch invocations for the same account can't race each other,
// and listens for SIGHUP so `icloudsync reload` (or a bare kill -HUP) makes
// the daemon re-read its configuration between runs.
func runWatch(ctx context.Context, orch *syncpkg.Orchestrator, creds icloud.Credentials, rr *config.ResolvedRun) error {
	pidPath := config.DefaultPidFilePath(rr.Username)

	var cleanup func()

	if pidPath != "" {
		c, err := writePIDFile(pidPath)
		if err != nil {
			return err
		}

		cleanup = c
		defer cleanup()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	defer signal.Stop(hup)

	orch.SIGHUPChan = hup

	return orch.RunWatch(ctx, creds, rr, rr.Download.WatchWithIntervalSecs)
}

// newMetadataHTTPClient and newTransferHTTPClient split the timeout
// policy: metadata and auth calls get a bounded timeout; the streaming
// download client has no blanket timeout so a large asset on a slow
// connection isn't cut off mid-stream. The stream is bounded by ctx
// cancellation and the engine's chunked-copy loop instead.
func newTransferHTTPClient() *http.Client {
	return &http.Client{Timeout: 0}
}
