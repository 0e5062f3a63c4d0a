// Package registry tracks the most recent media resolution of every song so that
// concurrent requests for one song share a single network call.
package registry

import (
	"sync"

	"github.com/liuran001/PlaybackResolver-Go/player"
)

// Registry maps song ids to their most recent resolution promise.
// Entries are replaced, never removed.
type Registry struct {
	mu       sync.Mutex
	promises map[string]*Promise
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{promises: make(map[string]*Promise)}
}

// Get returns the promise registered for songID.
func (r *Registry) Get(songID string) (*Promise, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.promises[songID]
	return p, ok
}

// Set installs p for song, replacing any previous promise.
func (r *Registry) Set(song *player.Song, p *Promise) {
	if song == nil || p == nil {
		return
	}
	r.mu.Lock()
	r.promises[song.ID] = p
	r.mu.Unlock()
}

// Begin installs a new pending promise for song and returns it together with the
// promise it replaced. The caller must settle next.
func (r *Registry) Begin(song *player.Song) (next, prev *Promise) {
	next = NewPromise()
	if song == nil {
		return next, nil
	}
	r.mu.Lock()
	prev = r.promises[song.ID]
	r.promises[song.ID] = next
	r.mu.Unlock()
	return next, prev
}

// Len returns the number of songs with a registered promise.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.promises)
}
