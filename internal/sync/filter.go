package sync

import (
	"log/slog"

	"github.com/tonimelisma/icloudsync/internal/icloud"
)

// FilterResult reports whether an asset should be queued, and why not when
// it is excluded.
type FilterResult struct {
	Included bool
	Reason   string
}

// AssetFilter decides which WorkItems an asset produces. Nothing here
// touches the filesystem: every decision is made from Asset.ItemType and
// the configured flags.
type AssetFilter struct {
	SkipVideos     bool
	SkipLivePhotos bool
	OnlyPhotos     bool
	Logger         *slog.Logger
}

// NewAssetFilter builds an AssetFilter from the resolved run options.
func NewAssetFilter(skipVideos, skipLivePhotos, onlyPhotos bool, logger *slog.Logger) *AssetFilter {
	return &AssetFilter{
		SkipVideos:     skipVideos,
		SkipLivePhotos: skipLivePhotos,
		OnlyPhotos:     onlyPhotos,
		Logger:         logger,
	}
}

// ShouldQueue evaluates whether asset should be queued at all. Unknown
// item types are skipped with a debug log; --skip-videos and --only-photos
// both exclude standalone videos.
func (f *AssetFilter) ShouldQueue(asset icloud.Asset) FilterResult {
	switch asset.ItemType {
	case icloud.ItemTypePhoto:
		return FilterResult{Included: true}

	case icloud.ItemTypeVideo:
		if f.SkipVideos || f.OnlyPhotos {
			f.Logger.Debug("skipping video asset", "filename", asset.Filename, "reason", "skip_videos/only_photos")
			return FilterResult{Included: false, Reason: "video excluded by skip_videos/only_photos"}
		}

		return FilterResult{Included: true}

	default:
		f.Logger.Debug("skipping asset of unknown item type", "filename", asset.Filename, "id", asset.ID)
		return FilterResult{Included: false, Reason: "unknown item type"}
	}
}

// IncludeLivePhotoVideo reports whether a live photo's paired video
// rendition should be scheduled alongside its still.
func (f *AssetFilter) IncludeLivePhotoVideo() bool {
	return !f.SkipLivePhotos
}
