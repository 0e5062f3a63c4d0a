package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bogem/id3v2"
	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/db"
	"github.com/liuran001/PlaybackResolver-Go/player/download"
	logpkg "github.com/liuran001/PlaybackResolver-Go/player/logger"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
	"github.com/liuran001/PlaybackResolver-Go/player/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type staticSettings struct {
	cacheSize int
}

func (s staticSettings) PrefetchTrack() bool { return true }
func (s staticSettings) CacheSize() int      { return s.cacheSize }

type fakeDownloader struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	urls  sync.Map
}

func (f *fakeDownloader) Download(_ context.Context, info *platform.StreamInfo, destPath string, _ download.ProgressFunc) (int64, error) {
	f.calls.Add(1)
	f.urls.Store(destPath, info.URL)
	time.Sleep(f.delay)
	if f.err != nil {
		return 0, f.err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}
	data := []byte("audio:" + info.URL)
	return int64(len(data)), os.WriteFile(destPath, data, 0o644)
}

func newTestCache(t *testing.T, size int, dl Downloader) (*MediaCache, *db.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	base := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := db.NewSQLiteRepository(filepath.Join(dir, "cache.db"), logpkg.NewGormLogger(base, logger.Silent))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cacheDir := filepath.Join(dir, "media")
	return New(repo, dl, cacheDir, staticSettings{cacheSize: size}, logpkg.Discard()), repo, cacheDir
}

func stream(url string) *player.ResolvedMedia {
	return &player.ResolvedMedia{URL: url, URLRefreshTimestamp: 1000, Format: "mp3"}
}

func TestSaveCacheMediaStoresFile(t *testing.T) {
	dl := &fakeDownloader{}
	c, repo, dir := newTestCache(t, 10, dl)
	ctx := context.Background()
	song := &player.Song{ID: "a", Source: "netease"}

	media, err := c.SaveCacheMedia(ctx, song, stream("https://x/a.mp3"))
	require.NoError(t, err)
	assert.True(t, media.Cached)
	assert.Equal(t, int64(1000), media.URLRefreshTimestamp)

	want := filepath.Join(dir, "netease", "a.mp3")
	assert.Equal(t, resolver.FileURL(want), media.URL)

	entry, err := repo.FindBySongID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, want, entry.Path)
	assert.Equal(t, "mp3", entry.Format)

	cached, ok := c.CachedPath(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, want, cached)
}

func TestSaveCacheMediaPassThrough(t *testing.T) {
	dl := &fakeDownloader{}
	ctx := context.Background()
	song := &player.Song{ID: "a", Source: "netease"}

	disabled, _, _ := newTestCache(t, 0, dl)
	in := stream("https://x/a.mp3")
	out, err := disabled.SaveCacheMedia(ctx, song, in)
	require.NoError(t, err)
	assert.Same(t, in, out)

	enabled, _, _ := newTestCache(t, 5, dl)
	local := &player.ResolvedMedia{URL: "file:///tmp/a.mp3", Cached: true}
	out, err = enabled.SaveCacheMedia(ctx, song, local)
	require.NoError(t, err)
	assert.Same(t, local, out)
	assert.Equal(t, int32(0), dl.calls.Load())
}

func TestSaveCacheMediaDownloadFailure(t *testing.T) {
	boom := errors.New("boom")
	c, repo, _ := newTestCache(t, 5, &fakeDownloader{err: boom})
	ctx := context.Background()
	in := stream("https://x/a.mp3")

	out, err := c.SaveCacheMedia(ctx, &player.Song{ID: "a", Source: "netease"}, in)
	require.Error(t, err)
	assert.Same(t, in, out)

	var cacheErr *player.CacheWriteError
	require.True(t, errors.As(err, &cacheErr))
	assert.Equal(t, "a", cacheErr.SongID)
	assert.ErrorIs(t, err, boom)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSaveCacheMediaEvictsLeastRecentlyUsed(t *testing.T) {
	c, repo, dir := newTestCache(t, 2, &fakeDownloader{})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := c.SaveCacheMedia(ctx, &player.Song{ID: id, Source: "netease"}, stream("https://x/"+id))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	// a becomes the most recently used entry.
	_, ok := c.CachedPath(ctx, "a")
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	_, err := c.SaveCacheMedia(ctx, &player.Song{ID: "c", Source: "netease"}, stream("https://x/c"))
	require.NoError(t, err)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, ok = c.CachedPath(ctx, "b")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "netease", "b.mp3"))
	assert.True(t, os.IsNotExist(err))

	_, ok = c.CachedPath(ctx, "a")
	assert.True(t, ok)
	_, ok = c.CachedPath(ctx, "c")
	assert.True(t, ok)
}

func TestSaveCacheMediaSharesConcurrentSaves(t *testing.T) {
	dl := &fakeDownloader{delay: 50 * time.Millisecond}
	c, _, _ := newTestCache(t, 5, dl)
	ctx := context.Background()
	song := &player.Song{ID: "a", Source: "bilibili"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			media, err := c.SaveCacheMedia(ctx, song, stream("https://x/a"))
			assert.NoError(t, err)
			assert.True(t, media.Cached)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), dl.calls.Load())
}

func TestCachedPathDropsStaleEntries(t *testing.T) {
	c, repo, _ := newTestCache(t, 5, &fakeDownloader{})
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &player.CacheEntry{SongID: "gone", Path: filepath.Join(t.TempDir(), "gone.mp3")}))
	_, ok := c.CachedPath(ctx, "gone")
	assert.False(t, ok)

	_, err := repo.FindBySongID(ctx, "gone")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, ok = c.CachedPath(ctx, "never")
	assert.False(t, ok)
}

func TestCachedGainReadsAndPersistsTag(t *testing.T) {
	c, repo, _ := newTestCache(t, 5, &fakeDownloader{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfb, 0x90, 0x00}, 0o644))
	tag, err := id3v2.Open(path, id3v2.Options{Parse: false})
	require.NoError(t, err)
	tag.AddUserDefinedTextFrame(id3v2.UserDefinedTextFrame{
		Encoding:    id3v2.EncodingUTF8,
		Description: "REPLAYGAIN_TRACK_GAIN",
		Value:       "-6.50 dB",
	})
	require.NoError(t, tag.Save())
	require.NoError(t, tag.Close())

	require.NoError(t, repo.Upsert(ctx, &player.CacheEntry{SongID: "a", Path: path, Format: "mp3"}))

	gain, ok, err := c.CachedGain(ctx, &player.Song{ID: "a"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, -6.5, gain, 0.001)

	entry, err := repo.FindBySongID(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, entry.LoudnessGain)
	assert.InDelta(t, -6.5, *entry.LoudnessGain, 0.001)

	require.NoError(t, os.Remove(path))
	gain, ok, err = c.CachedGain(ctx, &player.Song{ID: "a"})
	require.NoError(t, err)
	assert.True(t, ok, "stored gain is served without reading the file")
	assert.InDelta(t, -6.5, gain, 0.001)

	_, ok, err = c.CachedGain(ctx, &player.Song{ID: "missing"})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMediaFormat(t *testing.T) {
	assert.Equal(t, "flac", mediaFormat(&player.ResolvedMedia{Format: ".FLAC"}))
	assert.Equal(t, "m4a", mediaFormat(&player.ResolvedMedia{URL: "https://cdn/x/audio.m4a?sign=1"}))
	assert.Equal(t, defaultFormat, mediaFormat(&player.ResolvedMedia{URL: "https://cdn/x/audio"}))
}
