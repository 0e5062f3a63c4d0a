package platform

import (
	"context"

	"github.com/liuran001/PlaybackResolver-Go/player"
)

// Source resolves playable streams for songs of one platform.
//
// Sources must be safe for concurrent use by multiple goroutines.
type Source interface {
	// Name returns the platform tag songs carry in player.Song.Source.
	Name() string

	// ResolveStream returns a time-limited stream for song.
	//
	// Returns ErrNotFound if the content is gone, ErrUnavailable if it exists but has
	// no playable stream.
	ResolveStream(ctx context.Context, song *player.Song) (*StreamInfo, error)
}

// HeartbeatSender is implemented by sources that accept now-playing notifications.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, song *player.Song) error
}

// Manager provides a registry for multiple source implementations.
type Manager interface {
	// Register adds a source. Sources sharing a name are tried in registration order.
	Register(source Source)

	// Get retrieves a source by name or alias. Returns nil when unknown.
	Get(name string) Source

	// List returns all registered source names.
	List() []string

	// ResolveStream resolves song through the source named by song.Source.
	ResolveStream(ctx context.Context, song *player.Song) (*StreamInfo, error)

	// SendHeartbeat notifies song's source that it is playing.
	// Returns ErrUnsupported if the source does not accept heartbeats.
	SendHeartbeat(ctx context.Context, song *player.Song) error
}
