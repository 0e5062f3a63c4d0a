package bilibili

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
)

// dashURLLifetime is how long a DASH stream URL stays valid. Bilibili signs them for
// roughly two hours.
const dashURLLifetime = 110 * time.Minute

// BilibiliSource resolves bilibili videos and audio tracks into audio streams.
//
// Video songs carry the bvid in Song.BVID and the page cid in Song.ID. When the cid is
// not numeric it is looked up from the video's page list. Songs without a bvid are
// treated as audio (au) tracks whose ID is the sid.
type BilibiliSource struct {
	client  *Client
	quality platform.Quality
}

// NewSource creates a new BilibiliSource.
func NewSource(client *Client, quality platform.Quality) *BilibiliSource {
	return &BilibiliSource{client: client, quality: quality}
}

// Name returns the platform identifier.
func (b *BilibiliSource) Name() string {
	return "bilibili"
}

func (b *BilibiliSource) Metadata() platform.Meta {
	return platform.Meta{
		Name:        "bilibili",
		DisplayName: "哔哩哔哩",
		Aliases:     []string{"bilibili", "b站", "bili"},
	}
}

// ResolveStream returns the audio stream of song.
func (b *BilibiliSource) ResolveStream(ctx context.Context, song *player.Song) (*platform.StreamInfo, error) {
	if song == nil {
		return nil, platform.NewNotFoundError("bilibili", "track", "")
	}
	if strings.TrimSpace(song.BVID) != "" {
		return b.resolveVideo(ctx, song)
	}
	return b.resolveAudio(ctx, song.ID)
}

// SendHeartbeat reports song as now playing.
func (b *BilibiliSource) SendHeartbeat(ctx context.Context, song *player.Song) error {
	if song == nil || strings.TrimSpace(song.BVID) == "" {
		return platform.NewUnsupportedError("bilibili", "heartbeat")
	}
	cid, err := b.cid(ctx, song)
	if err != nil {
		return err
	}
	return b.client.SendHeartbeat(ctx, song.BVID, cid)
}

func (b *BilibiliSource) cid(ctx context.Context, song *player.Song) (int, error) {
	if cid, err := strconv.Atoi(strings.TrimSpace(song.ID)); err == nil && cid > 0 {
		return cid, nil
	}
	return b.client.VideoPageCid(ctx, song.BVID, song.Page)
}

func (b *BilibiliSource) resolveVideo(ctx context.Context, song *player.Song) (*platform.StreamInfo, error) {
	cid, err := b.cid(ctx, song)
	if err != nil {
		return nil, fmt.Errorf("bilibili: failed to resolve cid: %w", err)
	}

	audioStreams, err := b.client.GetVideoPlayUrl(ctx, song.BVID, cid)
	if err != nil {
		return nil, fmt.Errorf("bilibili: failed to fetch dash play stream: %w", err)
	}

	selected := selectStream(audioStreams, b.quality)
	if selected == nil || selected.BaseURL == "" {
		return nil, platform.NewUnavailableError("bilibili", "video", song.BVID)
	}

	expiresAt := time.Now().Add(dashURLLifetime)
	return &platform.StreamInfo{
		URL:       selected.BaseURL,
		Format:    dashFormat(selected),
		Bitrate:   selected.Bandwidth / 1000,
		Quality:   platform.QualityFromBandwidth(selected.Bandwidth),
		ExpiresAt: &expiresAt,
		Headers:   streamHeaders(),
	}, nil
}

func (b *BilibiliSource) resolveAudio(ctx context.Context, trackID string) (*platform.StreamInfo, error) {
	sid, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(trackID)), "au"))
	if err != nil {
		return nil, platform.NewNotFoundError("bilibili", "audio", trackID)
	}

	qualityCode := 0
	switch b.quality {
	case platform.QualityLossless, platform.QualityHiRes:
		qualityCode = 3
	case platform.QualityHigh:
		qualityCode = 2
	}

	streamData, err := b.client.GetAudioStreamUrl(ctx, sid, qualityCode)
	if err != nil {
		return nil, fmt.Errorf("bilibili: failed to get stream url: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(streamData.Timeout) * time.Second)
	info := &platform.StreamInfo{
		URL:       streamData.Cdns[0],
		Size:      int64(streamData.Size),
		Format:    "mp3",
		Quality:   audioQuality(streamData.Type),
		ExpiresAt: &expiresAt,
		Headers:   streamHeaders(),
	}
	if streamData.Type == 3 {
		info.Format = "flac"
	}
	return info, nil
}

// selectStream sorts streams by bandwidth and picks one for quality. Anything above
// standard takes the best stream available.
func selectStream(streams []VideoDashAudio, quality platform.Quality) *VideoDashAudio {
	if len(streams) == 0 {
		return nil
	}
	sorted := append([]VideoDashAudio{}, streams...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth < sorted[j].Bandwidth
	})
	if quality == platform.QualityStandard {
		return &sorted[0]
	}
	return &sorted[len(sorted)-1]
}

func dashFormat(stream *VideoDashAudio) string {
	codecs := strings.ToLower(stream.Codecs)
	switch {
	case strings.Contains(codecs, "flac"):
		return "flac"
	case strings.Contains(codecs, "ec-3"):
		return "eac3"
	default:
		return "m4a"
	}
}

func audioQuality(typeID int) platform.Quality {
	switch typeID {
	case 3:
		return platform.QualityLossless // FLAC
	case 2:
		return platform.QualityHigh // 320K
	default:
		return platform.QualityStandard
	}
}
