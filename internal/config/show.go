package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes rr as a human-readable annotated summary to w. This
// powers the "config show" command, giving users visibility into the
// effective values after all three override layers (defaults -> file ->
// CLI) have been applied.
func RenderEffective(rr *ResolvedRun, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration for %s\n\n", rr.Username)

	renderAccountSection(ew, rr)
	renderDownloadSection(ew, &rr.Download)
	renderLoggingSection(ew, rr)
	renderNetworkSection(ew, rr)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain printf
// calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderAccountSection(ew *errWriter, rr *ResolvedRun) {
	ew.printf("[account]\n")
	ew.printf("  username    = %q\n", rr.Username)
	ew.printf("  client_id   = %q\n", rr.ClientID)
	ew.printf("  cookie_dir  = %q\n", rr.CookieDir)
	ew.printf("  directory   = %q\n", rr.Directory)
	ew.printf("\n")
}

func renderDownloadSection(ew *errWriter, d *DownloadConfig) {
	ew.printf("[download]\n")
	ew.printf("  sizes                     = [%s]\n", joinQuoted(d.Sizes))
	ew.printf("  live_photo_size           = %q\n", d.LivePhotoSize)
	ew.printf("  album                     = %q\n", d.Album)
	ew.printf("  recent                    = %d\n", d.Recent)
	ew.printf("  until_found               = %d\n", d.UntilFound)
	ew.printf("  skip_videos               = %t\n", d.SkipVideos)
	ew.printf("  skip_live_photos          = %t\n", d.SkipLivePhotos)
	ew.printf("  only_photos               = %t\n", d.OnlyPhotos)
	ew.printf("  force_size                = %t\n", d.ForceSize)
	ew.printf("  auto_delete               = %t\n", d.AutoDelete)
	ew.printf("  delete_after_download     = %t\n", d.DeleteAfterDownload)
	ew.printf("  dry_run                   = %t\n", d.DryRun)
	ew.printf("  set_exif_datetime         = %t\n", d.SetExifDatetime)
	ew.printf("  keep_unicode_in_filenames = %t\n", d.KeepUnicodeInFilenames)
	ew.printf("  threads_num               = %d\n", d.ThreadsNum)
	ew.printf("  watch_with_interval_secs  = %d\n", d.WatchWithIntervalSecs)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, rr *ResolvedRun) {
	ew.printf("[logging]\n")
	ew.printf("  log_level = %q\n", rr.LogLevel)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, rr *ResolvedRun) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", rr.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", rr.DataTimeout)
	ew.printf("  bandwidth_limit = %q\n", rr.BandwidthLimit)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
