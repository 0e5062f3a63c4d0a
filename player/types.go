package player

import "time"

// NullURL marks a track that has never been resolved.
const NullURL = ""

// Song is a queued piece of media from a source platform.
// ID is stable across resolutions; a resolution only replaces URL and URLRefreshedAt.
type Song struct {
	ID     string // cid for bilibili videos, track id elsewhere
	Source string // platform tag, e.g. "bilibili", "netease"
	BVID   string
	Name   string
	Singer string
	Album  string
	Cover  string
	Page   int
	IsLive bool

	Duration time.Duration

	URL            string
	URLRefreshedAt int64 // epoch ms

	LoudnessGain *float64 // dB, nil until known
}

// Clone returns a copy that does not share the gain pointer.
func (s *Song) Clone() *Song {
	if s == nil {
		return nil
	}
	c := *s
	if s.LoudnessGain != nil {
		gain := *s.LoudnessGain
		c.LoudnessGain = &gain
	}
	return &c
}

// ResolvedMedia is a playable URL for a song, either streamed or cached on disk.
type ResolvedMedia struct {
	URL                 string
	URLRefreshTimestamp int64 // epoch ms
	LoudnessGain        *float64

	// Cached is true when URL points at a local file.
	Cached bool

	Headers   map[string]string
	Format    string
	Size      int64
	MD5       string
	ExpiresAt *time.Time
}

// Track is the engine-side representation of a queued song.
type Track struct {
	URL                 string
	URLRefreshTimestamp int64
	Title               string
	Artist              string
	Album               string
	Artwork             string
	Duration            time.Duration
	Headers             map[string]string
	Song                *Song
}

// Merge returns a copy of t carrying the resolved URL fields of media.
// Every other field is preserved.
func (t Track) Merge(media *ResolvedMedia) Track {
	if media == nil {
		return t
	}
	merged := t
	merged.URL = media.URL
	merged.URLRefreshTimestamp = media.URLRefreshTimestamp
	if len(media.Headers) > 0 {
		merged.Headers = media.Headers
	}
	return merged
}

// TrackFromSong builds an engine track for song.
func TrackFromSong(song *Song) Track {
	if song == nil {
		return Track{}
	}
	return Track{
		URL:                 song.URL,
		URLRefreshTimestamp: song.URLRefreshedAt,
		Title:               song.Name,
		Artist:              song.Singer,
		Album:               song.Album,
		Artwork:             song.Cover,
		Duration:            song.Duration,
		Song:                song,
	}
}

// RepeatMode is the engine-level repeat setting.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatTrack
	RepeatQueue
)

func (m RepeatMode) String() string {
	switch m {
	case RepeatTrack:
		return "track"
	case RepeatQueue:
		return "queue"
	default:
		return "off"
	}
}

// PlayMode is the queue-level play order.
type PlayMode int

const (
	PlayModeSequential PlayMode = iota
	PlayModeRepeatList
	PlayModeRepeatTrack
	PlayModeShuffle
)

func (m PlayMode) String() string {
	switch m {
	case PlayModeRepeatList:
		return "repeat_list"
	case PlayModeRepeatTrack:
		return "repeat_track"
	case PlayModeShuffle:
		return "shuffle"
	default:
		return "sequential"
	}
}

// ParsePlayMode maps a config value to a PlayMode, defaulting to sequential.
func ParsePlayMode(value string) PlayMode {
	switch value {
	case "repeat_list":
		return PlayModeRepeatList
	case "repeat_track":
		return PlayModeRepeatTrack
	case "shuffle":
		return PlayModeShuffle
	default:
		return PlayModeSequential
	}
}

// State is the engine playback state.
type State int

const (
	StateNone State = iota
	StateReady
	StatePlaying
	StatePaused
	StateStopped
	StateBuffering
	StateLoading
	StateError
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateBuffering:
		return "buffering"
	case StateLoading:
		return "loading"
	case StateError:
		return "error"
	case StateEnded:
		return "ended"
	default:
		return "none"
	}
}

// Event is emitted by the engine to its subscribers.
type Event interface {
	eventName() string
}

// ActiveTrackChanged fires when the engine switches to another queued track.
// Index is negative when the engine cannot tell the queue position.
type ActiveTrackChanged struct {
	Track     *Track
	Index     int
	LastTrack *Track
}

// PlaybackStateChanged fires on every engine state transition.
type PlaybackStateChanged struct {
	State State
}

// ProgressUpdated fires periodically while a track plays.
type ProgressUpdated struct {
	Position time.Duration
	Duration time.Duration
}

func (ActiveTrackChanged) eventName() string   { return "active-track-changed" }
func (PlaybackStateChanged) eventName() string { return "playback-state-changed" }
func (ProgressUpdated) eventName() string      { return "progress-updated" }

// EventName returns a stable name for logging.
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}

// CacheEntry is a song whose media has been stored on local disk.
type CacheEntry struct {
	SongID         string
	Source         string
	Path           string
	Format         string
	Size           int64
	LoudnessGain   *float64
	LastAccessedAt time.Time
	CreatedAt      time.Time
}

// ABRepeat is a per-song repeat range expressed as fractions of the track duration.
type ABRepeat struct {
	Start float64
	End   float64
}
