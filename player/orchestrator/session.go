package orchestrator

import (
	"sync"

	"github.com/google/uuid"
	"github.com/liuran001/PlaybackResolver-Go/player/registry"
)

// Session is the state shared by every handler of one playback session.
type Session struct {
	ID        string
	Registry  *registry.Registry
	Heartbeat *HeartbeatState
}

// NewSession creates a session with an empty registry.
func NewSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		Registry:  registry.New(),
		Heartbeat: &HeartbeatState{},
	}
}

// HeartbeatState remembers the last (bvid, cid) pair reported as playing.
type HeartbeatState struct {
	mu   sync.Mutex
	bvid string
	cid  string
}

// Swap records (bvid, cid) and reports whether it differs from the previous pair.
func (h *HeartbeatState) Swap(bvid, cid string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bvid == bvid && h.cid == cid {
		return false
	}
	h.bvid, h.cid = bvid, cid
	return true
}
