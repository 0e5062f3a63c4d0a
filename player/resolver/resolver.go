// Package resolver turns queued songs into playable URLs.
package resolver

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
)

// ErrNoStream is wrapped in a ResolutionError when a source answers without a URL.
var ErrNoStream = errors.New("resolver: no playable stream")

// CacheLookup reports where a song's media is stored locally.
type CacheLookup interface {
	CachedPath(ctx context.Context, songID string) (string, bool)
}

// StreamSource resolves live stream URLs. platform.Manager implements it.
type StreamSource interface {
	ResolveStream(ctx context.Context, song *player.Song) (*platform.StreamInfo, error)
}

// Resolver produces ResolvedMedia for songs. It has no side effects: callers persist
// the results.
type Resolver struct {
	cache   CacheLookup
	sources StreamSource
	logger  player.Logger
	now     func() time.Time
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New creates a Resolver. cache may be nil when caching is disabled.
func New(cache CacheLookup, sources StreamSource, logger player.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		cache:   cache,
		sources: sources,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a cached file URL when the song is on disk, otherwise a freshly
// resolved stream stamped with the current time. Failures are *player.ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, song *player.Song) (*player.ResolvedMedia, error) {
	if song == nil {
		return nil, &player.ResolutionError{Err: errors.New("song required")}
	}

	if r.cache != nil {
		if path, ok := r.cache.CachedPath(ctx, song.ID); ok {
			if r.logger != nil {
				r.logger.Debug("resolved from cache", "song_id", song.ID, "path", path)
			}
			return &player.ResolvedMedia{
				URL:                 FileURL(path),
				URLRefreshTimestamp: r.now().UnixMilli(),
				Cached:              true,
				Format:              strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
			}, nil
		}
	}

	if r.sources == nil {
		return nil, &player.ResolutionError{SongID: song.ID, Source: song.Source, Err: platform.ErrUnsupported}
	}

	info, err := r.sources.ResolveStream(ctx, song)
	if err != nil {
		return nil, &player.ResolutionError{SongID: song.ID, Source: song.Source, Err: err}
	}
	if info == nil || strings.TrimSpace(info.URL) == "" {
		return nil, &player.ResolutionError{SongID: song.ID, Source: song.Source, Err: ErrNoStream}
	}

	if r.logger != nil {
		r.logger.Debug("resolved stream", "song_id", song.ID, "source", song.Source, "format", info.Format, "quality", info.Quality.String())
	}

	return &player.ResolvedMedia{
		URL:                 info.URL,
		URLRefreshTimestamp: r.now().UnixMilli(),
		Headers:             info.Headers,
		Format:              info.Format,
		Size:                info.Size,
		MD5:                 info.MD5,
		ExpiresAt:           info.ExpiresAt,
	}, nil
}

// FileURL converts a local path to a file:// URL.
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
