// Package download implements the per-asset fetch/dedup/EXIF/mtime
// algorithm and the bounded worker pool that drives it.
package download

import (
	"context"
	"io"
	"time"

	"github.com/tonimelisma/icloudsync/internal/icloud"
)

// Outcome classifies the result of a single download attempt.
type Outcome int

const (
	Downloaded Outcome = iota
	Skipped
	Deduped
	MissingURL
	WrittenElsewhere
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Downloaded:
		return "downloaded"
	case Skipped:
		return "skipped"
	case Deduped:
		return "deduped"
	case MissingURL:
		return "missing-url"
	case WrittenElsewhere:
		return "written-elsewhere"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stored reports whether the outcome left the rendition present on disk:
// freshly written, already there, or written under a dedup name.
func (o Outcome) Stored() bool {
	switch o {
	case Downloaded, Skipped, Deduped, WrittenElsewhere:
		return true
	default:
		return false
	}
}

// AlreadyPresent reports whether the outcome required no network write at
// all, which is what feeds the consecutive-already-present counter.
func (o Outcome) AlreadyPresent() bool {
	return o == Skipped || o == Deduped
}

// WorkItem is a single (asset, size) pair queued for download.
// WithLivePhotoVideo marks the one still item per asset that also carries
// responsibility for the live-photo video companion: the engine runs the
// video fetch inline after the still completes, which keeps the
// photo-before-video ordering without a second trip through the queue.
type WorkItem struct {
	Asset              icloud.Asset
	Size               icloud.SizeTag
	Dir                string
	WithLivePhotoVideo bool
}

// Result pairs a WorkItem (or its inline video companion) with its outcome.
type Result struct {
	Item    WorkItem
	Outcome Outcome
	Err     error
}

// Options configures the per-asset algorithm.
type Options struct {
	ForceSize              bool
	SkipLivePhotos         bool
	LivePhotoSize          icloud.SizeTag
	SetExifDatetime        bool
	KeepUnicodeInFilenames bool
	DeleteAfterDownload    bool
	DryRun                 bool
	MaxRetries             int
	WaitSeconds            int
}

// Downloader fetches and deletes asset renditions. Implemented by
// internal/icloud against a live Session; tests supply fakes.
type Downloader interface {
	Download(ctx context.Context, sess *icloud.Session, version icloud.AssetVersion) (io.ReadCloser, error)
	Delete(ctx context.Context, sess *icloud.Session, asset icloud.Asset) error
}

// SessionProvider supplies the single live Session shared by all workers
// and performs the re-authentication subroutine when the provider rejects
// it mid-run. Implemented by internal/sync's SessionHolder.
type SessionProvider interface {
	Session() *icloud.Session
	Reauthenticate(ctx context.Context) error
}

// ExifReader and ExifWriter mirror internal/exif's collaborator interfaces,
// redeclared here so this package depends only on the interface shape, not
// the concrete package.
type ExifReader interface {
	Get(path string) (string, error)
}

type ExifWriter interface {
	Set(path string, t time.Time) error
}

// Clock abstracts time.Now and sleeping for deterministic retry tests
// (mirrors icloud.Clock).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}
