// Package sync ties authentication, album listing, asset filtering and the
// download pool together into a single run, applies the stop conditions
// (--recent, --until-found), and drives the --watch-with-interval outer
// loop.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/icloudsync/internal/config"
	"github.com/tonimelisma/icloudsync/internal/download"
	"github.com/tonimelisma/icloudsync/internal/icloud"
)

// Fixed retry parameters. None of them is exposed as a CLI flag.
const (
	listMaxRetries      = 5
	listWaitSeconds     = 30
	reauthMaxAttempts   = 5
	reauthWaitSeconds   = 30
	downloadMaxRetries  = 5
	downloadWaitSeconds = 30
)

// SessionHolder hands out the single authenticated *icloud.Session shared
// by the listing producer and every download worker, and swaps in a fresh
// one when the provider invalidates it mid-run.
type SessionHolder struct {
	mu   sync.RWMutex
	sess *icloud.Session

	auth        *icloud.Controller
	creds       icloud.Credentials
	clock       icloud.Clock
	maxAttempts int
	waitSeconds int
}

// NewSessionHolder builds a SessionHolder. Call set (via an initial
// Authenticate) before any worker observes it.
func NewSessionHolder(auth *icloud.Controller, creds icloud.Credentials, clock icloud.Clock, maxAttempts, waitSeconds int) *SessionHolder {
	return &SessionHolder{auth: auth, creds: creds, clock: clock, maxAttempts: maxAttempts, waitSeconds: waitSeconds}
}

func (h *SessionHolder) set(sess *icloud.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sess = sess
}

// Session implements download.SessionProvider and icloud.SessionSource.
func (h *SessionHolder) Session() *icloud.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.sess
}

// Reauthenticate implements download.SessionProvider, invoking the auth
// controller's fixed-cap re-authentication subroutine and installing the
// fresh Session on success.
func (h *SessionHolder) Reauthenticate(ctx context.Context) error {
	sess, err := h.auth.Reauthenticate(ctx, h.creds, h.clock, h.maxAttempts, func() int { return h.waitSeconds })
	if err != nil {
		return err
	}

	h.set(sess)

	return nil
}

// icloudDownloader adapts the package-level Download/Delete functions to
// download.Downloader.
type icloudDownloader struct {
	client *icloud.Client
}

func (d icloudDownloader) Download(ctx context.Context, sess *icloud.Session, version icloud.AssetVersion) (io.ReadCloser, error) {
	return icloud.Download(ctx, d.client, sess, version)
}

func (d icloudDownloader) Delete(ctx context.Context, sess *icloud.Session, asset icloud.Asset) error {
	return icloud.Delete(ctx, d.client, sess, asset)
}

// Orchestrator holds the long-lived collaborators for a run; every per-run
// parameter comes from the *config.ResolvedRun passed to Run/RunWatch.
// Client carries the bounded-timeout HTTP client for auth/listing calls;
// Transfer carries the unbounded one used for media streaming.
type Orchestrator struct {
	Auth       *icloud.Controller
	Client     *icloud.Client
	Transfer   *icloud.Client
	ExifReader download.ExifReader
	ExifWriter download.ExifWriter
	Clock      icloud.Clock
	Logger     *slog.Logger

	// ConfigPath and SIGHUPChan enable the watch-mode config reload: a
	// SIGHUP received between runs re-reads the file at ConfigPath and
	// applies the runtime-mutable download fields. Both are optional; a
	// nil channel never fires.
	ConfigPath string
	SIGHUPChan <-chan os.Signal
}

// NewOrchestrator builds an Orchestrator from its collaborators.
func NewOrchestrator(auth *icloud.Controller, client, transfer *icloud.Client, reader download.ExifReader, writer download.ExifWriter, clock icloud.Clock, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{Auth: auth, Client: client, Transfer: transfer, ExifReader: reader, ExifWriter: writer, Clock: clock, Logger: logger}
}

// Run executes one full pass: authenticate, resolve the album, drive the
// listing/download pipeline to exhaustion or an early stop condition, then
// return.
func (o *Orchestrator) Run(ctx context.Context, creds icloud.Credentials, rr *config.ResolvedRun) error {
	sess, err := o.Auth.Authenticate(ctx, creds, false)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	holder := NewSessionHolder(o.Auth, creds, o.Clock, reauthMaxAttempts, reauthWaitSeconds)
	holder.set(sess)

	return o.runWithSession(ctx, holder, rr)
}

// RunWatch repeats Run every intervalSecs, reusing the same authenticated
// Session across iterations instead of logging in again from scratch. It
// returns when ctx is canceled or a run fails.
func (o *Orchestrator) RunWatch(ctx context.Context, creds icloud.Credentials, rr *config.ResolvedRun, intervalSecs int) error {
	sess, err := o.Auth.Authenticate(ctx, creds, false)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	holder := NewSessionHolder(o.Auth, creds, o.Clock, reauthMaxAttempts, reauthWaitSeconds)
	holder.set(sess)

	sighup := o.SIGHUPChan
	if sighup == nil {
		sighup = make(<-chan os.Signal)
	}

	for {
		if err := o.runWithSession(ctx, holder, rr); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if sleepErr := o.sleepOrReload(ctx, rr, sighup, intervalSecs); sleepErr != nil {
			return sleepErr
		}
	}
}

// sleepOrReload waits out the watch interval. A SIGHUP arriving while
// waiting (or buffered from the run that just finished) reloads the config
// immediately; the wait then continues so the next run starts on schedule.
func (o *Orchestrator) sleepOrReload(ctx context.Context, rr *config.ResolvedRun, sighup <-chan os.Signal, intervalSecs int) error {
	done := make(chan error, 1)

	go func() {
		done <- o.Clock.Sleep(ctx, time.Duration(intervalSecs)*time.Second)
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-sighup:
			o.Logger.Info("SIGHUP received, reloading config")
			o.reload(rr)
		}
	}
}

// reload re-reads the config file and applies the runtime-mutable download
// fields (size selection and worker count) to the current run. Load or
// validation failures keep the current state; everything else in rr — the
// account, directory, and every CLI-overridden flag — is deliberately left
// untouched.
func (o *Orchestrator) reload(rr *config.ResolvedRun) {
	if o.ConfigPath == "" {
		return
	}

	cfg, err := config.LoadOrDefault(o.ConfigPath, o.Logger)
	if err != nil {
		o.Logger.Warn("config reload failed, keeping current state", "error", err)
		return
	}

	if len(cfg.Download.Sizes) > 0 {
		rr.Download.Sizes = cfg.Download.Sizes
	}

	if cfg.Download.ThreadsNum > 0 {
		rr.Download.ThreadsNum = cfg.Download.ThreadsNum
	}

	o.Logger.Info("config reloaded",
		"sizes", strings.Join(rr.Download.Sizes, ","),
		"threads_num", rr.Download.ThreadsNum)
}

// runWithSession drives one pass against an already authenticated holder.
func (o *Orchestrator) runWithSession(ctx context.Context, holder *SessionHolder, rr *config.ResolvedRun) error {
	albums, err := icloud.ListAlbums(ctx, o.Client, holder.Session())
	if err != nil {
		return fmt.Errorf("listing albums: %w", err)
	}

	album, ok := findAlbum(albums, rr.Download.Album)
	if !ok {
		return fmt.Errorf("album %q not found", rr.Download.Album)
	}

	sizes := sizeTags(rr.Download.Sizes)

	o.Logger.Info(summaryLine(rr))

	bandwidth, err := download.NewBandwidthLimiter(rr.BandwidthLimit, o.Logger)
	if err != nil {
		return fmt.Errorf("bandwidth limit: %w", err)
	}

	engine := &download.Engine{
		Downloader: icloudDownloader{client: o.Transfer},
		Sessions:   holder,
		ExifReader: o.ExifReader,
		ExifWriter: o.ExifWriter,
		Clock:      o.Clock,
		Logger:     o.Logger,
		Bandwidth:  bandwidth,
		Options: download.Options{
			ForceSize:              rr.Download.ForceSize,
			SkipLivePhotos:         rr.Download.SkipLivePhotos,
			LivePhotoSize:          icloud.SizeTag(rr.Download.LivePhotoSize),
			SetExifDatetime:        rr.Download.SetExifDatetime,
			KeepUnicodeInFilenames: rr.Download.KeepUnicodeInFilenames,
			DeleteAfterDownload:    rr.Download.DeleteAfterDownload || rr.Download.AutoDelete,
			DryRun:                 rr.Download.DryRun,
			MaxRetries:             downloadMaxRetries,
			WaitSeconds:            downloadWaitSeconds,
		},
	}

	pool := download.NewPool(engine, rr.Download.ThreadsNum, o.Logger)
	filter := NewAssetFilter(rr.Download.SkipVideos, rr.Download.SkipLivePhotos, rr.Download.OnlyPhotos, o.Logger)
	seq := icloud.OpenAlbum(o.Client, holder, album)
	tracker := newPairTracker()
	stop := newStopFlag()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.produce(gctx, seq, pool, filter, holder, rr, sizes, tracker, stop)
	})

	g.Go(func() error {
		return o.consume(pool, rr, tracker, stop)
	})

	g.Go(func() error {
		return pool.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	o.Logger.Info("all photos have been downloaded")

	return nil
}

// produce is the listing loop: pull pages from seq, filter each asset, and
// enqueue WorkItems for the requested sizes. A session invalidation
// re-authenticates and re-seeks to the pre-failure offset; transport and
// internal-server errors retry the same offset with sleep up to
// listMaxRetries and are fatal on exhaustion.
func (o *Orchestrator) produce(
	ctx context.Context,
	seq *icloud.AssetSequence,
	pool *download.Pool,
	filter *AssetFilter,
	holder *SessionHolder,
	rr *config.ResolvedRun,
	sizes []icloud.SizeTag,
	tracker *pairTracker,
	stop *stopFlag,
) error {
	defer pool.CloseQueue()

	videoTag, videoTagOK := icloud.VideoSizeTag(icloud.SizeTag(rr.Download.LivePhotoSize))
	listAttempts := 0
	produced := 0

	for {
		if stop.stopped() {
			return nil
		}

		offset := seq.Offset()

		assets, err := seq.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, icloud.ErrSessionInvalid):
				o.Logger.Warn("session error, re-authenticating")

				if reauthErr := holder.Reauthenticate(ctx); reauthErr != nil {
					o.Logger.Error("icloud re-authentication failed. please try again later.", "error", reauthErr)
					return fmt.Errorf("%w: %v", download.ErrReauthExhausted, reauthErr)
				}

				seq.SeekTo(offset)

				continue

			case isListingTransient(err):
				listAttempts++
				if listAttempts >= listMaxRetries {
					o.Logger.Error("internal error at apple.")
					return err
				}

				o.Logger.Warn("internal error at apple, retrying...")

				if sleepErr := o.Clock.Sleep(ctx, time.Duration(listWaitSeconds)*time.Second); sleepErr != nil {
					return sleepErr
				}

				seq.SeekTo(offset)

				continue

			default:
				return err
			}
		}

		listAttempts = 0

		if len(assets) == 0 {
			return nil
		}

		for _, asset := range assets {
			if stop.stopped() {
				return nil
			}

			if rr.Download.Recent > 0 && produced >= rr.Download.Recent {
				return nil
			}

			result := filter.ShouldQueue(asset)
			if !result.Included {
				continue
			}

			wantVideo := videoTagOK && filter.IncludeLivePhotoVideo() && asset.HasVersion(videoTag)

			expected := len(sizes)
			if wantVideo {
				expected++
			}

			tracker.register(asset.ID, expected)

			for i, size := range sizes {
				item := download.WorkItem{Asset: asset, Size: size, Dir: rr.Directory}
				if i == 0 && wantVideo {
					item.WithLivePhotoVideo = true
				}

				if err := pool.Enqueue(ctx, item); err != nil {
					return err
				}
			}

			produced++
		}
	}
}

// consume drains pool results, tracking the until-found consecutive
// counter. An asset counts toward the counter only once every rendition it
// was expected to produce (including any live-photo video) has completed,
// and only if every one of them was already present on disk; any real
// download resets the counter.
func (o *Orchestrator) consume(pool *download.Pool, rr *config.ResolvedRun, tracker *pairTracker, stop *stopFlag) error {
	consecutive := 0

	for result := range pool.Results() {
		done, allPresent := tracker.record(result.Item.Asset.ID, result.Outcome)
		if !done {
			continue
		}

		if !allPresent {
			consecutive = 0
			continue
		}

		consecutive++

		if rr.Download.UntilFound > 0 && consecutive >= rr.Download.UntilFound {
			o.Logger.Info(fmt.Sprintf("Found %d consecutive previously downloaded photos. Exiting", rr.Download.UntilFound))
			stop.trigger()
		}
	}

	return nil
}

// stopFlag is the shared early-stop signal: set once by the consumer when
// the until-found threshold is reached, read by the producer between
// enqueues.
type stopFlag struct {
	once sync.Once
	ch   chan struct{}
}

func newStopFlag() *stopFlag {
	return &stopFlag{ch: make(chan struct{})}
}

func (s *stopFlag) trigger() {
	s.once.Do(func() { close(s.ch) })
}

func (s *stopFlag) stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// assetState tracks how many of an asset's expected renditions have yet to
// complete, and whether every completed one so far was already on disk.
type assetState struct {
	remaining  int
	allPresent bool
}

// pairTracker decides when an asset counts as "already present" for the
// until-found counter: only once every rendition it produced (its
// requested still sizes plus any live-photo video) has completed as
// skipped or deduplicated. A half-present pair (photo on disk, video
// absent) therefore counts as a real download.
type pairTracker struct {
	mu     sync.Mutex
	states map[string]*assetState
}

func newPairTracker() *pairTracker {
	return &pairTracker{states: make(map[string]*assetState)}
}

func (t *pairTracker) register(id string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[id]; ok {
		st.remaining += n
		return
	}

	t.states[id] = &assetState{remaining: n, allPresent: true}
}

func (t *pairTracker) record(id string, outcome download.Outcome) (done bool, allPresent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok {
		return false, false
	}

	if !outcome.AlreadyPresent() {
		st.allPresent = false
	}

	st.remaining--

	if st.remaining > 0 {
		return false, false
	}

	delete(t.states, id)

	return true, st.allPresent
}

func findAlbum(albums []icloud.Album, name string) (icloud.Album, bool) {
	for _, a := range albums {
		if a.Name == name {
			return a, true
		}
	}

	return icloud.Album{}, false
}

func sizeTags(sizes []string) []icloud.SizeTag {
	tags := make([]icloud.SizeTag, 0, len(sizes))
	for _, s := range sizes {
		tags = append(tags, icloud.SizeTag(s))
	}

	return tags
}

// summaryLine builds the run's opening INFO summary. The "???" literal
// appears when --until-found is active and the eventual count cannot be
// known in advance.
func summaryLine(rr *config.ResolvedRun) string {
	count := "the first"

	switch {
	case rr.Download.Recent > 0:
		count = strconv.Itoa(rr.Download.Recent)
	case rr.Download.UntilFound > 0:
		count = "???"
	}

	kind := "photos and videos"
	if rr.Download.OnlyPhotos || rr.Download.SkipVideos {
		kind = "photos"
	}

	return fmt.Sprintf("Downloading %s %s %s to %s", count, strings.Join(rr.Download.Sizes, ","), kind, rr.Directory)
}

func isListingTransient(err error) bool {
	var transport *icloud.TransportError
	if errors.As(err, &transport) {
		return true
	}

	return errors.Is(err, icloud.ErrInternalServer)
}
