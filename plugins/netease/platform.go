package netease

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
)

// NeteaseSource resolves NetEase Cloud Music tracks. Song.ID is the numeric song id.
type NeteaseSource struct {
	client  *Client
	quality platform.Quality
}

// NewSource creates a new NeteaseSource.
func NewSource(client *Client, quality platform.Quality) *NeteaseSource {
	return &NeteaseSource{client: client, quality: quality}
}

// Name returns the platform identifier.
func (n *NeteaseSource) Name() string {
	return "netease"
}

func (n *NeteaseSource) Metadata() platform.Meta {
	return platform.Meta{
		Name:        "netease",
		DisplayName: "网易云音乐",
		Aliases:     []string{"netease", "163", "wy", "网易云", "网易云音乐"},
	}
}

// ResolveStream returns a signed CDN URL for song.
func (n *NeteaseSource) ResolveStream(ctx context.Context, song *player.Song) (*platform.StreamInfo, error) {
	if song == nil {
		return nil, platform.NewNotFoundError("netease", "track", "")
	}
	musicID, err := strconv.Atoi(strings.TrimSpace(song.ID))
	if err != nil {
		return nil, platform.NewNotFoundError("netease", "track", song.ID)
	}

	songURL, err := n.client.GetSongURL(ctx, musicID, qualityLevel(n.quality))
	if err != nil {
		return nil, fmt.Errorf("netease: failed to get song URL: %w", err)
	}
	if songURL == nil || songURL.URL == "" {
		return nil, platform.NewUnavailableError("netease", "track", song.ID)
	}

	format := "mp3"
	if songURL.Format != "" {
		format = strings.ToLower(songURL.Format)
	}

	expiresAt := time.Now().Add(time.Duration(songURL.Expi) * time.Second)
	return &platform.StreamInfo{
		URL:       songURL.URL,
		Size:      songURL.Size,
		Format:    format,
		Bitrate:   songURL.Br / 1000,
		MD5:       songURL.MD5,
		Quality:   bitrateToQuality(songURL.Br),
		ExpiresAt: &expiresAt,
	}, nil
}

func qualityLevel(quality platform.Quality) string {
	switch quality {
	case platform.QualityHigh:
		return "higher" // 320kbps
	case platform.QualityLossless:
		return "lossless" // FLAC
	case platform.QualityHiRes:
		return "hires"
	default:
		return "standard" // 128kbps
	}
}

// bitrateToQuality maps a bitrate in bps to a platform Quality.
func bitrateToQuality(bitrate int) platform.Quality {
	kbps := bitrate / 1000
	switch {
	case kbps >= 1500:
		return platform.QualityHiRes
	case kbps >= 1000:
		return platform.QualityLossless
	case kbps >= 320:
		return platform.QualityHigh
	default:
		return platform.QualityStandard
	}
}
