// Package engine is an in-memory playback engine. It keeps the queue, the active track
// and the playback clock, and emits the same events a native player would. It produces
// no audio.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/queue"
)

var (
	ErrNoActiveTrack = errors.New("engine: no active track")
	ErrOutOfRange    = errors.New("engine: track index out of range")
)

// Engine implements player.Engine.
type Engine struct {
	mu       sync.Mutex
	queue    *queue.List
	tracks   []player.Track
	index    int
	state    player.State
	position time.Duration
	repeat   player.RepeatMode
	gain     float64

	subMu  sync.Mutex
	subs   map[uint64]func(player.Event)
	nextID uint64

	logger player.Logger
}

var _ player.Engine = (*Engine)(nil)

// New creates an engine over the songs of q. Nothing is active until Skip is called.
func New(q *queue.List, logger player.Logger) *Engine {
	songs := q.Songs()
	tracks := make([]player.Track, 0, len(songs))
	for _, s := range songs {
		tracks = append(tracks, player.TrackFromSong(s))
	}
	return &Engine{
		queue:  q,
		tracks: tracks,
		index:  -1,
		subs:   make(map[uint64]func(player.Event)),
		logger: logger,
	}
}

// Subscribe registers handler for every event. Handlers run on the emitting goroutine
// and must not block.
func (e *Engine) Subscribe(handler func(player.Event)) func() {
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = handler
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) emit(events ...player.Event) {
	e.subMu.Lock()
	handlers := make([]func(player.Event), 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.subMu.Unlock()

	for _, ev := range events {
		if e.logger != nil {
			e.logger.Debug("engine event", "event", player.EventName(ev))
		}
		for _, h := range handlers {
			h(ev)
		}
	}
}

// ActiveTrack returns a copy of the active track, or nil when nothing is active.
func (e *Engine) ActiveTrack(_ context.Context) (*player.Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index < 0 {
		return nil, nil
	}
	track := e.tracks[e.index]
	return &track, nil
}

// ActiveIndex returns the queue position of the active track, or -1.
func (e *Engine) ActiveIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// Tracks returns a copy of the engine queue.
func (e *Engine) Tracks() []player.Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]player.Track(nil), e.tracks...)
}

// Load replaces the active track. Reloading the same song keeps the position.
func (e *Engine) Load(_ context.Context, track player.Track) error {
	e.mu.Lock()
	if e.index < 0 {
		e.mu.Unlock()
		return ErrNoActiveTrack
	}
	prev := e.tracks[e.index]
	e.tracks[e.index] = track
	if prev.Song == nil || track.Song == nil || prev.Song.ID != track.Song.ID {
		e.position = 0
	}
	events := e.settleLocked(e.state == player.StatePlaying)
	e.mu.Unlock()

	e.emit(events...)
	return nil
}

// Skip makes the track at index active.
func (e *Engine) Skip(_ context.Context, index int) error {
	e.mu.Lock()
	if index < 0 || index >= len(e.tracks) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	events := e.skipLocked(index)
	e.mu.Unlock()

	e.emit(events...)
	return nil
}

// SkipToNext moves to the song the queue names after the active one.
func (e *Engine) SkipToNext(ctx context.Context) error {
	e.mu.Lock()
	var current *player.Song
	if e.index >= 0 {
		current = e.tracks[e.index].Song
	}
	e.mu.Unlock()

	next, ok := e.queue.Next(current)
	if !ok {
		return ErrNoActiveTrack
	}
	return e.Skip(ctx, e.queue.IndexOf(next.ID))
}

func (e *Engine) skipLocked(index int) []player.Event {
	var last *player.Track
	if e.index >= 0 {
		t := e.tracks[e.index]
		last = &t
	}
	wasPlaying := e.state == player.StatePlaying
	e.index = index
	e.position = 0
	track := e.tracks[index]

	events := []player.Event{player.ActiveTrackChanged{Track: &track, Index: index, LastTrack: last}}
	return append(events, e.settleLocked(wasPlaying)...)
}

// settleLocked moves to ready, or to error when the active track has no URL.
func (e *Engine) settleLocked(play bool) []player.Event {
	if e.tracks[e.index].URL == player.NullURL {
		e.state = player.StateError
		return []player.Event{player.PlaybackStateChanged{State: player.StateError}}
	}
	e.state = player.StateReady
	events := []player.Event{player.PlaybackStateChanged{State: player.StateReady}}
	if play {
		e.state = player.StatePlaying
		events = append(events, player.PlaybackStateChanged{State: player.StatePlaying})
	}
	return events
}

// Play starts playback of the active track.
func (e *Engine) Play(_ context.Context) error {
	e.mu.Lock()
	if e.index < 0 {
		e.mu.Unlock()
		return ErrNoActiveTrack
	}
	next := player.StatePlaying
	if e.tracks[e.index].URL == player.NullURL {
		next = player.StateError
	}
	changed := e.state != next
	e.state = next
	e.mu.Unlock()

	if changed {
		e.emit(player.PlaybackStateChanged{State: next})
	}
	return nil
}

// Pause pauses playback.
func (e *Engine) Pause(_ context.Context) error {
	return e.setState(player.StatePaused)
}

// Stop stops playback and rewinds the active track.
func (e *Engine) Stop(_ context.Context) error {
	e.mu.Lock()
	e.position = 0
	e.mu.Unlock()
	return e.setState(player.StateStopped)
}

func (e *Engine) setState(state player.State) error {
	e.mu.Lock()
	if e.index < 0 {
		e.mu.Unlock()
		return ErrNoActiveTrack
	}
	changed := e.state != state
	e.state = state
	e.mu.Unlock()

	if changed {
		e.emit(player.PlaybackStateChanged{State: state})
	}
	return nil
}

// PlaybackState returns the current state.
func (e *Engine) PlaybackState(_ context.Context) (player.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// SetRepeatMode sets the repeat mode applied when a track ends.
func (e *Engine) SetRepeatMode(_ context.Context, mode player.RepeatMode) error {
	e.mu.Lock()
	e.repeat = mode
	e.mu.Unlock()
	return nil
}

// RepeatMode returns the repeat mode.
func (e *Engine) RepeatMode() player.RepeatMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repeat
}

// SeekTo moves the playback position. Seeking to the end of the track ends it.
func (e *Engine) SeekTo(ctx context.Context, position time.Duration) error {
	e.mu.Lock()
	if e.index < 0 {
		e.mu.Unlock()
		return ErrNoActiveTrack
	}
	if position < 0 {
		position = 0
	}
	duration := e.tracks[e.index].Duration
	if duration > 0 && position > duration {
		position = duration
	}
	e.position = position
	ended := duration > 0 && position >= duration
	e.mu.Unlock()

	if ended {
		return e.trackEnded(ctx)
	}
	return nil
}

// Progress returns the position and duration of the active track.
func (e *Engine) Progress(_ context.Context) (time.Duration, time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index < 0 {
		return 0, 0, nil
	}
	return e.position, e.tracks[e.index].Duration, nil
}

// SetLoudnessGain scales the output volume by gain dB.
func (e *Engine) SetLoudnessGain(_ context.Context, gain float64) error {
	e.mu.Lock()
	e.gain = gain
	e.mu.Unlock()
	return nil
}

// Volume returns the linear output volume after the loudness gain, capped at 1.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return math.Min(1, math.Pow(10, e.gain/20))
}

// Advance moves the playback clock forward by d while playing and emits progress.
func (e *Engine) Advance(ctx context.Context, d time.Duration) error {
	e.mu.Lock()
	if e.index < 0 || e.state != player.StatePlaying {
		e.mu.Unlock()
		return nil
	}
	duration := e.tracks[e.index].Duration
	e.position += d
	if duration > 0 && e.position > duration {
		e.position = duration
	}
	progress := player.ProgressUpdated{Position: e.position, Duration: duration}
	ended := duration > 0 && e.position >= duration
	e.mu.Unlock()

	e.emit(progress)
	if ended {
		return e.trackEnded(ctx)
	}
	return nil
}

func (e *Engine) trackEnded(ctx context.Context) error {
	e.mu.Lock()
	if e.index < 0 {
		e.mu.Unlock()
		return nil
	}
	if e.repeat == player.RepeatTrack {
		e.position = 0
		e.mu.Unlock()
		return nil
	}
	current := e.tracks[e.index].Song
	last := e.index
	repeat := e.repeat
	e.mu.Unlock()

	next, ok := e.queue.Next(current)
	index := -1
	if ok {
		index = e.queue.IndexOf(next.ID)
	}
	if index < 0 || (repeat == player.RepeatOff && index <= last && e.queue.PlayMode() == player.PlayModeSequential) {
		return e.setState(player.StateEnded)
	}
	return e.Skip(ctx, index)
}
