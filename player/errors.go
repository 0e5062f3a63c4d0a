package player

import "fmt"

// ResolutionError is returned when no playable URL could be produced for a song.
type ResolutionError struct {
	SongID string
	Source string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("resolve %s song %s: %v", e.Source, e.SongID, e.Err)
	}
	return fmt.Sprintf("resolve song %s: %v", e.SongID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// CacheWriteError is returned when resolved media could not be persisted.
// It is never fatal to playback.
type CacheWriteError struct {
	SongID string
	Path   string
	Err    error
}

func (e *CacheWriteError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("cache song %s to %s: %v", e.SongID, e.Path, e.Err)
	}
	return fmt.Sprintf("cache song %s: %v", e.SongID, e.Err)
}

func (e *CacheWriteError) Unwrap() error {
	return e.Err
}

// HeartbeatError wraps a failed now-playing notification.
type HeartbeatError struct {
	BVID string
	CID  string
	Err  error
}

func (e *HeartbeatError) Error() string {
	return fmt.Sprintf("heartbeat bvid=%s cid=%s: %v", e.BVID, e.CID, e.Err)
}

func (e *HeartbeatError) Unwrap() error {
	return e.Err
}
