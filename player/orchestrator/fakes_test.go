package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
)

type fakeEngine struct {
	mu       sync.Mutex
	handler  func(player.Event)
	active   *player.Track
	state    player.State
	duration time.Duration
	loads    []player.Track
	repeats  []player.RepeatMode
	plays    int
	seeks    []time.Duration
	gain     *float64
}

func (e *fakeEngine) Subscribe(handler func(player.Event)) func() {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.handler = nil
		e.mu.Unlock()
	}
}

func (e *fakeEngine) emit(ev player.Event) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (e *fakeEngine) setActive(track player.Track) {
	e.mu.Lock()
	e.active = &track
	e.mu.Unlock()
}

func (e *fakeEngine) ActiveTrack(context.Context) (*player.Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil, nil
	}
	t := *e.active
	return &t, nil
}

func (e *fakeEngine) Load(_ context.Context, track player.Track) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads = append(e.loads, track)
	e.active = &track
	return nil
}

func (e *fakeEngine) SetRepeatMode(_ context.Context, mode player.RepeatMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repeats = append(e.repeats, mode)
	return nil
}

func (e *fakeEngine) Play(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plays++
	return nil
}

func (e *fakeEngine) PlaybackState(context.Context) (player.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

func (e *fakeEngine) SeekTo(_ context.Context, position time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeks = append(e.seeks, position)
	return nil
}

func (e *fakeEngine) Progress(context.Context) (time.Duration, time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return 0, e.duration, nil
}

func (e *fakeEngine) SetLoudnessGain(_ context.Context, gain float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gain = &gain
	return nil
}

func (e *fakeEngine) snapshot() (loads []player.Track, repeats []player.RepeatMode, plays int, seeks []time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]player.Track(nil), e.loads...), append([]player.RepeatMode(nil), e.repeats...), e.plays, append([]time.Duration(nil), e.seeks...)
}

type fakeResolver struct {
	mu    sync.Mutex
	calls map[string]int
	delay time.Duration
	err   error
}

func (r *fakeResolver) Resolve(ctx context.Context, song *player.Song) (*player.ResolvedMedia, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[song.ID]++
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, &player.ResolutionError{SongID: song.ID, Err: r.err}
	}
	return &player.ResolvedMedia{
		URL:                 "https://x/" + song.ID + ".mp3",
		URLRefreshTimestamp: time.Now().UnixMilli(),
	}, nil
}

func (r *fakeResolver) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type fakeCache struct {
	mu    sync.Mutex
	saved []string
	err   error
	gains map[string]float64
	// mediaGain is carried on the media returned by SaveCacheMedia.
	mediaGain *float64
}

func (c *fakeCache) SaveCacheMedia(_ context.Context, song *player.Song, media *player.ResolvedMedia) (*player.ResolvedMedia, error) {
	c.mu.Lock()
	c.saved = append(c.saved, song.ID)
	c.mu.Unlock()
	if c.err != nil {
		return media, &player.CacheWriteError{SongID: song.ID, Err: c.err}
	}
	return &player.ResolvedMedia{
		URL:                 "file:///cache/" + song.ID + ".mp3",
		URLRefreshTimestamp: media.URLRefreshTimestamp,
		Cached:              true,
		LoudnessGain:        c.mediaGain,
	}, nil
}

func (c *fakeCache) CachedGain(_ context.Context, song *player.Song) (float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gain, ok := c.gains[song.ID]
	return gain, ok, nil
}

func (c *fakeCache) savedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.saved...)
}

type fakeHeartbeats struct {
	calls atomic.Int32
	err   error
}

func (h *fakeHeartbeats) SendHeartbeat(context.Context, *player.Song) error {
	h.calls.Add(1)
	return h.err
}

type fakeStore struct {
	mu       sync.Mutex
	last     time.Duration
	saved    []time.Duration
	ranges   map[string]player.ABRepeat
	failRead bool
}

func (s *fakeStore) ABRepeat(_ context.Context, songID string) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return 0, 1, errors.New("db closed")
	}
	if r, ok := s.ranges[songID]; ok {
		return r.Start, r.End, nil
	}
	return 0, 1, nil
}

func (s *fakeStore) SaveLastPosition(_ context.Context, position time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, position)
	return nil
}

func (s *fakeStore) LastPosition(context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

type settings struct {
	prefetch  bool
	cacheSize int
}

func (s settings) PrefetchTrack() bool { return s.prefetch }
func (s settings) CacheSize() int      { return s.cacheSize }
