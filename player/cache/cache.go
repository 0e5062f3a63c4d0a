// Package cache stores resolved media on local disk and indexes it in sqlite.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/db"
	"github.com/liuran001/PlaybackResolver-Go/player/download"
	"github.com/liuran001/PlaybackResolver-Go/player/loudness"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
	"github.com/liuran001/PlaybackResolver-Go/player/resolver"
	"golang.org/x/sync/singleflight"
)

const defaultFormat = "mp3"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Index is the persistent part of the cache. *db.Repository implements it.
type Index interface {
	FindBySongID(ctx context.Context, songID string) (*player.CacheEntry, error)
	Upsert(ctx context.Context, entry *player.CacheEntry) error
	Touch(ctx context.Context, songID string) error
	SetGain(ctx context.Context, songID string, gain float64) error
	Delete(ctx context.Context, songID string) error
	Count(ctx context.Context) (int64, error)
	LeastRecentlyUsed(ctx context.Context, limit int) ([]*player.CacheEntry, error)
}

// Downloader fetches a stream to a local file. *download.DownloadService implements it.
type Downloader interface {
	Download(ctx context.Context, info *platform.StreamInfo, destPath string, progress download.ProgressFunc) (int64, error)
}

// MediaCache keeps up to Settings.CacheSize songs on disk, evicting the least recently
// used ones.
type MediaCache struct {
	index      Index
	downloader Downloader
	dir        string
	settings   player.Settings
	logger     player.Logger

	saves singleflight.Group
}

// New creates a MediaCache rooted at dir.
func New(index Index, downloader Downloader, dir string, settings player.Settings, logger player.Logger) *MediaCache {
	return &MediaCache{
		index:      index,
		downloader: downloader,
		dir:        dir,
		settings:   settings,
		logger:     logger,
	}
}

// SaveCacheMedia stores media for song and returns the media to play from now on.
// Media that is already local is returned unchanged. With caching disabled the stream
// media is returned as-is. Errors are *player.CacheWriteError.
func (c *MediaCache) SaveCacheMedia(ctx context.Context, song *player.Song, media *player.ResolvedMedia) (*player.ResolvedMedia, error) {
	if song == nil || media == nil {
		return media, &player.CacheWriteError{Err: errors.New("song and media required")}
	}
	if media.Cached {
		if err := c.index.Touch(ctx, song.ID); err != nil {
			return media, &player.CacheWriteError{SongID: song.ID, Err: err}
		}
		return media, nil
	}
	limit := c.settings.CacheSize()
	if limit <= 0 {
		return media, nil
	}
	if media.URL == player.NullURL {
		return media, &player.CacheWriteError{SongID: song.ID, Err: errors.New("media has no url")}
	}

	dest := c.pathFor(song, media)
	v, err, _ := c.saves.Do(song.ID, func() (interface{}, error) {
		return c.save(ctx, song, media, dest)
	})
	if err != nil {
		return media, &player.CacheWriteError{SongID: song.ID, Path: dest, Err: err}
	}
	entry := v.(*player.CacheEntry)

	if err := c.evict(ctx, limit, song.ID); err != nil && c.logger != nil {
		c.logger.Warn("cache eviction failed", "error", err)
	}

	return &player.ResolvedMedia{
		URL:                 resolver.FileURL(entry.Path),
		URLRefreshTimestamp: media.URLRefreshTimestamp,
		LoudnessGain:        entry.LoudnessGain,
		Cached:              true,
		Format:              entry.Format,
		Size:                entry.Size,
		MD5:                 media.MD5,
	}, nil
}

func (c *MediaCache) save(ctx context.Context, song *player.Song, media *player.ResolvedMedia, dest string) (*player.CacheEntry, error) {
	start := time.Now()
	info := &platform.StreamInfo{
		URL:     media.URL,
		Headers: media.Headers,
		Size:    media.Size,
		Format:  media.Format,
		MD5:     media.MD5,
	}
	size, err := c.downloader.Download(ctx, info, dest, nil)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}

	entry := &player.CacheEntry{
		SongID:         song.ID,
		Source:         song.Source,
		Path:           dest,
		Format:         strings.TrimPrefix(filepath.Ext(dest), "."),
		Size:           size,
		LastAccessedAt: time.Now(),
	}
	if gain, ok, err := loudness.ReadGain(dest); err != nil {
		if c.logger != nil {
			c.logger.Debug("read loudness gain failed", "song_id", song.ID, "error", err)
		}
	} else if ok {
		entry.LoudnessGain = &gain
	}

	if err := c.index.Upsert(ctx, entry); err != nil {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("index: %w", err)
	}
	if c.logger != nil {
		c.logger.Info("cached song", "song_id", song.ID, "source", song.Source, "path", dest, "size", size, "elapsed", time.Since(start))
	}
	return entry, nil
}

// evict drops the least recently used entries until at most limit remain. keep is
// never evicted.
func (c *MediaCache) evict(ctx context.Context, limit int, keep string) error {
	count, err := c.index.Count(ctx)
	if err != nil {
		return err
	}
	excess := int(count) - limit
	if excess <= 0 {
		return nil
	}
	entries, err := c.index.LeastRecentlyUsed(ctx, excess+1)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if excess == 0 {
			break
		}
		if entry.SongID == keep {
			continue
		}
		if err := c.remove(ctx, entry); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func (c *MediaCache) remove(ctx context.Context, entry *player.CacheEntry) error {
	if err := os.Remove(entry.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", entry.Path, err)
	}
	if err := c.index.Delete(ctx, entry.SongID); err != nil {
		return err
	}
	if c.logger != nil {
		c.logger.Debug("evicted cached song", "song_id", entry.SongID, "path", entry.Path)
	}
	return nil
}

// CachedPath returns the local file of songID. Entries whose file disappeared are
// dropped from the index.
func (c *MediaCache) CachedPath(ctx context.Context, songID string) (string, bool) {
	if c == nil || songID == "" {
		return "", false
	}
	entry, err := c.index.FindBySongID(ctx, songID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) && c.logger != nil {
			c.logger.Warn("cache lookup failed", "song_id", songID, "error", err)
		}
		return "", false
	}
	if _, err := os.Stat(entry.Path); err != nil {
		if c.logger != nil {
			c.logger.Info("dropping stale cache entry", "song_id", songID, "path", entry.Path)
		}
		_ = c.index.Delete(ctx, songID)
		return "", false
	}
	_ = c.index.Touch(ctx, songID)
	return entry.Path, true
}

// CachedGain returns the loudness gain of a cached song. The gain is read from the file
// on first use and then stored in the index. It never touches the network.
func (c *MediaCache) CachedGain(ctx context.Context, song *player.Song) (float64, bool, error) {
	if song == nil {
		return 0, false, nil
	}
	entry, err := c.index.FindBySongID(ctx, song.ID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if entry.LoudnessGain != nil {
		return *entry.LoudnessGain, true, nil
	}

	gain, ok, err := loudness.ReadGain(entry.Path)
	if loudness.IsNotExist(err) {
		_ = c.index.Delete(ctx, song.ID)
		return 0, false, nil
	}
	if err != nil || !ok {
		return 0, false, err
	}
	if err := c.index.SetGain(ctx, song.ID, gain); err != nil {
		return gain, true, fmt.Errorf("store gain: %w", err)
	}
	return gain, true, nil
}

func (c *MediaCache) pathFor(song *player.Song, media *player.ResolvedMedia) string {
	source := song.Source
	if source == "" {
		source = "unknown"
	}
	name := unsafeName.ReplaceAllString(song.ID, "_")
	return filepath.Join(c.dir, unsafeName.ReplaceAllString(source, "_"), name+"."+mediaFormat(media))
}

func mediaFormat(media *player.ResolvedMedia) string {
	if f := strings.Trim(strings.ToLower(media.Format), ". "); f != "" {
		return unsafeName.ReplaceAllString(f, "")
	}
	if u, err := url.Parse(media.URL); err == nil {
		if ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), "."); ext != "" && len(ext) <= 5 {
			return unsafeName.ReplaceAllString(ext, "")
		}
	}
	return defaultFormat
}
