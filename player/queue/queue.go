// Package queue holds the playing list and decides which song follows another.
package queue

import (
	"math/rand/v2"
	"sync"

	"github.com/liuran001/PlaybackResolver-Go/player"
)

// List is an ordered playing list with a play mode. It is safe for concurrent use.
type List struct {
	mu    sync.RWMutex
	songs []*player.Song
	mode  player.PlayMode
	order []int // shuffled positions, only used in shuffle mode
	rng   *rand.Rand
}

// New creates a list over songs. The slice is copied.
func New(songs []*player.Song, mode player.PlayMode) *List {
	return NewWithRand(songs, mode, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// NewWithRand is New with a caller supplied random source for shuffle mode.
func NewWithRand(songs []*player.Song, mode player.PlayMode, rng *rand.Rand) *List {
	l := &List{
		songs: append([]*player.Song(nil), songs...),
		mode:  mode,
		rng:   rng,
	}
	l.reshuffle()
	return l
}

// Len returns the number of songs.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.songs)
}

// Songs returns a copy of the list.
func (l *List) Songs() []*player.Song {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*player.Song(nil), l.songs...)
}

// At returns the song at index.
func (l *List) At(index int) (*player.Song, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.songs) {
		return nil, false
	}
	return l.songs[index], true
}

// IndexOf returns the position of the song with songID, or -1.
func (l *List) IndexOf(songID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexOf(songID)
}

func (l *List) indexOf(songID string) int {
	for i, s := range l.songs {
		if s.ID == songID {
			return i
		}
	}
	return -1
}

// Append adds songs to the end of the list.
func (l *List) Append(songs ...*player.Song) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range songs {
		if s != nil {
			l.songs = append(l.songs, s)
		}
	}
	l.reshuffle()
}

// PlayMode returns the current play mode.
func (l *List) PlayMode() player.PlayMode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode
}

// SetPlayMode changes the play mode. Entering shuffle draws a new order.
func (l *List) SetPlayMode(mode player.PlayMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = mode
	l.reshuffle()
}

// Next returns the song that plays after song. The list wraps around, and in shuffle
// mode the shuffled order is followed. A song that is not in the list is followed by
// the first song.
func (l *List) Next(song *player.Song) (*player.Song, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.songs) == 0 {
		return nil, false
	}
	if song == nil {
		return l.songs[l.first()], true
	}
	index := l.indexOf(song.ID)
	if index < 0 {
		return l.songs[l.first()], true
	}
	if l.mode != player.PlayModeShuffle {
		return l.songs[(index+1)%len(l.songs)], true
	}
	for pos, i := range l.order {
		if i == index {
			return l.songs[l.order[(pos+1)%len(l.order)]], true
		}
	}
	return l.songs[l.first()], true
}

func (l *List) first() int {
	if l.mode == player.PlayModeShuffle && len(l.order) > 0 {
		return l.order[0]
	}
	return 0
}

// reshuffle must be called with mu held.
func (l *List) reshuffle() {
	if l.mode != player.PlayModeShuffle {
		l.order = nil
		return
	}
	l.order = l.rng.Perm(len(l.songs))
}
