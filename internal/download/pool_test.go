package download

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloudsync/internal/icloud"
)

func assetWithID(id, filename string) icloud.Asset {
	a := newTestAsset()
	a.ID = id
	a.Filename = filename
	return a
}

func collectResults(t *testing.T, pool *Pool, ctx context.Context) ([]Result, error) {
	t.Helper()

	done := make(chan error, 1)

	go func() {
		done <- pool.Run(ctx)
	}()

	var results []Result
	for r := range pool.Results() {
		results = append(results, r)
	}

	return results, <-done
}

func TestPool_Run_ProcessesAllItems(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{body: "hello"}
	engine := newTestEngine(dl, Options{MaxRetries: 5})

	pool := NewPool(engine, 2, testLogger())

	items := []WorkItem{
		{Asset: assetWithID("rec1", "IMG_0001.JPG"), Size: icloud.SizeOriginal, Dir: dir},
		{Asset: assetWithID("rec2", "IMG_0002.JPG"), Size: icloud.SizeOriginal, Dir: dir},
		{Asset: assetWithID("rec3", "IMG_0003.JPG"), Size: icloud.SizeOriginal, Dir: dir},
	}

	ctx := context.Background()

	go func() {
		for _, item := range items {
			require.NoError(t, pool.Enqueue(ctx, item))
		}
		pool.CloseQueue()
	}()

	results, err := collectResults(t, pool, ctx)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	for _, r := range results {
		assert.Equal(t, Downloaded, r.Outcome)
	}
}

func TestPool_Run_LivePairEmitsTwoResults(t *testing.T) {
	dir := t.TempDir()
	dl := &fakeDownloader{body: "hello"}
	engine := newTestEngine(dl, Options{MaxRetries: 5, LivePhotoSize: icloud.SizeOriginal})

	pool := NewPool(engine, 1, testLogger())

	asset := newLiveAsset()
	ctx := context.Background()

	go func() {
		require.NoError(t, pool.Enqueue(ctx, WorkItem{
			Asset: asset, Size: icloud.SizeOriginal, Dir: dir, WithLivePhotoVideo: true,
		}))
		pool.CloseQueue()
	}()

	results, err := collectResults(t, pool, ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, icloud.SizeOriginal, results[0].Item.Size)
	assert.Equal(t, icloud.SizeOriginalVideo, results[1].Item.Size)
}

func TestPool_NewPool_ClampsWorkerCount(t *testing.T) {
	engine := &Engine{}

	p := NewPool(engine, 0, testLogger())
	assert.Equal(t, 1, p.Workers)

	p = NewPool(engine, 100, testLogger())
	assert.Equal(t, maxWorkers, p.Workers)
}

func TestPool_Run_FatalReauthExhaustionCancelsPool(t *testing.T) {
	dir := t.TempDir()
	dl := &sessionInvalidDownloader{inner: &fakeDownloader{}, failFirst: true}
	sessions := &fakeSessions{sess: icloud.NewSession("user", "client"), reauthErr: errors.New("exhausted")}

	engine := newTestEngine(dl, Options{MaxRetries: 5})
	engine.Sessions = sessions

	pool := NewPool(engine, 1, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, pool.Enqueue(ctx, WorkItem{Asset: newTestAsset(), Size: icloud.SizeOriginal, Dir: dir}))
	pool.CloseQueue()

	results, err := collectResults(t, pool, ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReauthExhausted))

	require.Len(t, results, 1)
	assert.Equal(t, Failed, results[0].Outcome)
}
