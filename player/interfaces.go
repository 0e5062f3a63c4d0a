package player

import (
	"context"
	"time"
)

// Logger is the minimal logging abstraction used across modules.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Config provides typed access to configuration values.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetIntSlice(key string) []int
}

// Settings exposes the player settings read on every track change.
type Settings interface {
	PrefetchTrack() bool
	CacheSize() int
}

// WorkerPool limits concurrency for background tasks.
type WorkerPool interface {
	Submit(task func()) error
	SubmitWait(task func() error) error
	Shutdown(ctx context.Context) error
	Size() int
}

// Engine is the native track-playback engine the orchestrator drives.
type Engine interface {
	ActiveTrack(ctx context.Context) (*Track, error)
	Load(ctx context.Context, track Track) error
	SetRepeatMode(ctx context.Context, mode RepeatMode) error
	Play(ctx context.Context) error
	PlaybackState(ctx context.Context) (State, error)
	SeekTo(ctx context.Context, position time.Duration) error
	Progress(ctx context.Context) (position, duration time.Duration, err error)

	// SetLoudnessGain adjusts the output volume of the active track by gain dB.
	SetLoudnessGain(ctx context.Context, gain float64) error

	// Subscribe registers handler for every engine event and returns a disposer.
	Subscribe(handler func(Event)) (unsubscribe func())
}

// Queue is the playing list the engine is fed from.
type Queue interface {
	// Next returns the song that follows song, wrapping around the list.
	Next(song *Song) (*Song, bool)
	PlayMode() PlayMode
}

// ProgressStore persists per-song A-B repeat ranges and the last played position.
type ProgressStore interface {
	ABRepeat(ctx context.Context, songID string) (start, end float64, err error)
	SaveLastPosition(ctx context.Context, position time.Duration) error
	LastPosition(ctx context.Context) (time.Duration, error)
}
