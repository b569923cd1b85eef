package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/icloudsync/internal/exif"
	"github.com/tonimelisma/icloudsync/internal/filenames"
	"github.com/tonimelisma/icloudsync/internal/icloud"
)

// Engine runs the per-asset download algorithm against a shared Session,
// using its collaborators for the actual network I/O and EXIF access so the
// algorithm itself stays free of transport concerns.
type Engine struct {
	Downloader Downloader
	Sessions   SessionProvider
	ExifReader ExifReader
	ExifWriter ExifWriter
	Clock      Clock
	Logger     *slog.Logger
	Options    Options

	// Bandwidth is nil-safe: a nil *BandwidthLimiter applies no throttling.
	Bandwidth *BandwidthLimiter

	// warnedMissing suppresses repeat "could not find url" log lines for
	// the same (filename, size) pair within a run.
	warnedMissing map[string]bool
}

// chunkSize is the streaming copy buffer size.
const chunkSize = 64 * 1024

// ErrReauthExhausted signals that the capped re-authentication subroutine
// failed, which ends the whole run — as distinct from a per-asset
// transport/internal-server exhaustion, which only fails that asset.
var ErrReauthExhausted = errors.New("download: re-authentication exhausted")

// Run processes item and, when item.WithLivePhotoVideo is set, its video
// companion, each through the full retry state machine. The video only runs
// after the still has finished, and the delete hook only fires once every
// rendition of the asset is stored locally — a half-stored pair never
// deletes the original.
func (e *Engine) Run(ctx context.Context, item WorkItem) []Result {
	results := []Result{e.runOne(ctx, item)}

	if last := results[len(results)-1]; errors.Is(last.Err, ErrReauthExhausted) {
		return results
	}

	if videoItem, ok := e.videoCompanion(item); ok && results[0].Outcome.Stored() {
		results = append(results, e.runOne(ctx, videoItem))
	}

	if e.Options.DeleteAfterDownload && allStored(results) {
		e.runDeleteHook(ctx, item.Asset)
	}

	return results
}

func allStored(results []Result) bool {
	for _, r := range results {
		if !r.Outcome.Stored() {
			return false
		}
	}

	return true
}

// videoCompanion returns the WorkItem for item's live-photo video
// rendition, if item is responsible for one and the asset has it.
func (e *Engine) videoCompanion(item WorkItem) (WorkItem, bool) {
	if !item.WithLivePhotoVideo || e.Options.SkipLivePhotos {
		return WorkItem{}, false
	}

	videoTag, ok := icloud.VideoSizeTag(e.Options.LivePhotoSize)
	if !ok {
		return WorkItem{}, false
	}

	if _, ok := item.Asset.Versions[videoTag]; !ok {
		return WorkItem{}, false
	}

	return WorkItem{Asset: item.Asset, Size: videoTag, Dir: item.Dir}, true
}

// runOne executes the retry state machine for a single rendition.
func (e *Engine) runOne(ctx context.Context, item WorkItem) Result {
	attempts := 0

	for {
		outcome, err := e.attempt(ctx, item)

		switch {
		case err == nil:
			return Result{Item: item, Outcome: outcome}

		case errors.Is(err, icloud.ErrSessionInvalid):
			e.Logger.Warn("session error, re-authenticating", "filename", item.Asset.Filename)

			if reauthErr := e.Sessions.Reauthenticate(ctx); reauthErr != nil {
				e.Logger.Error("icloud re-authentication failed. please try again later.",
					"error", reauthErr)

				return Result{Item: item, Outcome: Failed, Err: fmt.Errorf("%w: %v", ErrReauthExhausted, reauthErr)}
			}
			// Retry the same download without incrementing attempts.
			continue

		case isTransient(err):
			attempts++
			if attempts >= e.Options.MaxRetries {
				e.Logger.Error("could not download. please try again later.",
					"filename", item.Asset.Filename)

				return Result{Item: item, Outcome: Failed, Err: err}
			}

			e.Logger.Warn("error downloading, retrying",
				"filename", item.Asset.Filename, "wait_seconds", e.Options.WaitSeconds)

			if sleepErr := e.Clock.Sleep(ctx, time.Duration(e.Options.WaitSeconds)*time.Second); sleepErr != nil {
				return Result{Item: item, Outcome: Failed, Err: sleepErr}
			}

			continue

		default:
			return Result{Item: item, Outcome: Failed, Err: err}
		}
	}
}

func isTransient(err error) bool {
	var transport *icloud.TransportError
	if errors.As(err, &transport) {
		return true
	}

	return errors.Is(err, icloud.ErrInternalServer)
}

// attempt runs the per-rendition algorithm a single time: path resolution,
// version selection, dedup/skip, fetch, mtime, EXIF.
func (e *Engine) attempt(ctx context.Context, item WorkItem) (Outcome, error) {
	asset := item.Asset

	localCreated, createdOK := toLocal(asset.Created)
	if !createdOK {
		e.Logger.Error("could not convert photo created date to local timezone",
			"created", asset.Created.Format("2006-01-02 15:04:05"))

		var ok bool
		if localCreated, ok = toLocal(asset.AssetDate); !ok {
			// Both timestamps are garbage; keep the raw created date so the
			// asset still lands somewhere deterministic.
			localCreated = asset.Created
		}
	}

	dir, filename := e.resolvePath(item, localCreated)
	target := filepath.Join(dir, filename)

	version, ok := asset.Versions[item.Size]
	if !ok {
		if e.Options.ForceSize {
			e.Logger.Error("size does not exist for asset, skipping",
				"size", item.Size, "filename", asset.Filename)

			return MissingURL, nil
		}

		version, ok = asset.Versions[icloud.SizeOriginal]
		if !ok {
			e.warnMissingOnce(asset.Filename, item.Size)
			return MissingURL, nil
		}
	}

	finalTarget, outcome, done := e.resolveExistingFile(target, version.Size)
	if done {
		return outcome, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalTarget), 0o755); err != nil {
		e.Logger.Error("could not create folder", "dir", filepath.Dir(finalTarget), "error", err)
		return Failed, err
	}

	if err := e.fetch(ctx, finalTarget, version); err != nil {
		return Failed, err
	}

	// Conversion failure leaves the mtime at write time.
	if createdOK {
		if err := os.Chtimes(finalTarget, e.Clock.Now(), localCreated); err != nil {
			e.Logger.Debug("could not set file mtime", "path", finalTarget, "error", err)
		}
	}

	if e.Options.SetExifDatetime && exif.IsJPEG(finalTarget) {
		e.applyExif(finalTarget, localCreated)
	}

	if finalTarget != target {
		return WrittenElsewhere, nil
	}

	return Downloaded, nil
}

func (e *Engine) warnMissingOnce(filename string, size icloud.SizeTag) {
	key := filename + "|" + string(size)

	if e.warnedMissing == nil {
		e.warnedMissing = make(map[string]bool)
	}

	if e.warnedMissing[key] {
		return
	}

	e.warnedMissing[key] = true
	e.Logger.Error("could not find url to download", "filename", filename, "size", size)
}

func (e *Engine) runDeleteHook(ctx context.Context, asset icloud.Asset) {
	if e.Options.DryRun {
		e.Logger.Info("[DRY RUN] would delete in icloud", "filename", asset.Filename)
		return
	}

	sess := e.Sessions.Session()
	if err := e.Downloader.Delete(ctx, sess, asset); err != nil {
		e.Logger.Error("could not delete asset", "filename", asset.Filename, "error", err)
	}
}

// resolvePath applies the filename policy to build the final directory and
// filename for item. Layout is <dir>/<year>/<month>/<day>/<filename>,
// following the asset's created date.
func (e *Engine) resolvePath(item WorkItem, localCreated time.Time) (dir string, filename string) {
	dir = filepath.Join(item.Dir,
		fmt.Sprintf("%d", localCreated.Year()),
		fmt.Sprintf("%02d", localCreated.Month()),
		fmt.Sprintf("%02d", localCreated.Day()),
	)

	filename = filenames.Resolve(item.Asset.Filename, item.Size, filenames.Options{
		KeepUnicode: e.Options.KeepUnicodeInFilenames,
	})

	return dir, filename
}

// resolveExistingFile decides what to do when target already exists: a
// matching size is a skip, a mismatched size redirects the write to the
// dedup-suffixed path, which may itself already hold the right bytes.
func (e *Engine) resolveExistingFile(target string, size int64) (finalTarget string, outcome Outcome, done bool) {
	info, err := os.Stat(target)
	if err != nil {
		return target, 0, false
	}

	if info.Size() == size {
		e.Logger.Debug("already exists", "path", target)
		return target, Skipped, true
	}

	dedupTarget := filenames.WithDedupSuffix(target, size)

	dedupInfo, err := os.Stat(dedupTarget)
	if err == nil && dedupInfo.Size() == size {
		e.Logger.Debug("deduplicated", "path", dedupTarget)
		return dedupTarget, Deduped, true
	}

	return dedupTarget, 0, false
}

// fetch streams version's byte stream to target in 64 KiB chunks.
func (e *Engine) fetch(ctx context.Context, target string, version icloud.AssetVersion) error {
	sess := e.Sessions.Session()

	body, err := e.Downloader.Download(ctx, sess, version)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(target)
	if err != nil {
		e.Logger.Error("could not create file", "path", target, "error", err)
		return err
	}

	buf := make([]byte, chunkSize)
	_, copyErr := io.CopyBuffer(f, e.Bandwidth.WrapReader(ctx, body), buf)

	closeErr := f.Close()

	if copyErr != nil {
		e.Logger.Error("ioerror while writing file, you might have run out of disk space",
			"path", target, "error", copyErr)
		return copyErr
	}

	if closeErr != nil {
		e.Logger.Error("ioerror while writing file, you might have run out of disk space",
			"path", target, "error", closeErr)
		return closeErr
	}

	return nil
}

func (e *Engine) applyExif(path string, created time.Time) {
	if existing, err := e.ExifReader.Get(path); err == nil && existing != "" {
		return
	}

	e.Logger.Debug("setting exif timestamp", "path", path, "datetime", created.Format("2006:01:02 15:04:05"))

	if err := e.ExifWriter.Set(path, created); err != nil {
		e.Logger.Debug("error fetching/setting exif data", "path", path, "error", err)
	}
}

// minPlausibleYear rejects provider-returned garbage timestamps (observed
// in the wild as single-digit years); no real capture date predates it.
const minPlausibleYear = 1000

func toLocal(t time.Time) (time.Time, bool) {
	if t.IsZero() || t.Year() < minPlausibleYear {
		return t, false
	}

	return t.Local(), true
}
