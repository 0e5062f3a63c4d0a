package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	logpkg "github.com/liuran001/PlaybackResolver-Go/player/logger"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
	"github.com/liuran001/PlaybackResolver-Go/player/queue"
	"github.com/liuran001/PlaybackResolver-Go/player/resolver"
	"github.com/liuran001/PlaybackResolver-Go/player/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	o          *Orchestrator
	engine     *fakeEngine
	resolver   *fakeResolver
	cache      *fakeCache
	heartbeats *fakeHeartbeats
	store      *fakeStore
	queue      *queue.List
}

func newHarness(t *testing.T, songs []*player.Song, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		engine:     &fakeEngine{},
		resolver:   &fakeResolver{},
		cache:      &fakeCache{},
		heartbeats: &fakeHeartbeats{},
		store:      &fakeStore{},
		queue:      queue.New(songs, player.PlayModeSequential),
	}
	opts := Options{
		Engine:               h.engine,
		Queue:                h.queue,
		Resolver:             h.resolver,
		Cache:                h.cache,
		Heartbeats:           h.heartbeats,
		Store:                h.store,
		Settings:             settings{prefetch: false, cacheSize: 10},
		Logger:               logpkg.Discard(),
		PrefetchMinCacheSize: 2,
		Heartbeat:            true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	h.o = o
	return h
}

// activate makes song the engine's active track and emits the matching event.
func (h *harness) activate(song *player.Song, index int) player.Track {
	track := player.TrackFromSong(song)
	h.engine.setActive(track)
	h.engine.emit(player.ActiveTrackChanged{Track: &track, Index: index})
	return track
}

func TestResolvesMissingURLAndLoadsMergedTrack(t *testing.T) {
	song := &player.Song{ID: "a", Source: "netease", Name: "Song A", Singer: "Singer", Album: "Album", Cover: "cover.jpg"}
	h := newHarness(t, []*player.Song{song}, nil)

	h.activate(song, 0)
	h.o.Wait()

	loads, _, _, _ := h.engine.snapshot()
	require.Len(t, loads, 1)
	loaded := loads[0]
	assert.Equal(t, "https://x/a.mp3", loaded.URL)
	assert.NotZero(t, loaded.URLRefreshTimestamp)
	assert.Equal(t, "Song A", loaded.Title)
	assert.Equal(t, "Singer", loaded.Artist)
	assert.Equal(t, "Album", loaded.Album)
	assert.Equal(t, "cover.jpg", loaded.Artwork)
	require.NotNil(t, loaded.Song)
	assert.Equal(t, "a", loaded.Song.ID)
	assert.Equal(t, "Song A", loaded.Song.Name)
	assert.Equal(t, "https://x/a.mp3", loaded.Song.URL)
	assert.Equal(t, player.NullURL, song.URL, "queued song is not mutated")

	p, ok := h.o.Session().Registry.Get("a")
	require.True(t, ok)
	media, settled, err := p.Peek()
	require.True(t, settled)
	require.NoError(t, err)
	assert.True(t, media.Cached, "registry holds the cache result")
	assert.Equal(t, []string{"a"}, h.cache.savedIDs())
}

func TestCachedSongResolvesWithoutNetwork(t *testing.T) {
	song := &player.Song{ID: "a", Source: "netease"}
	source := &countingSource{}
	res := resolver.New(staticLookup{"a": "/cache/netease/a.mp3"}, source, logpkg.Discard())
	h := newHarness(t, []*player.Song{song}, func(o *Options) { o.Resolver = res })

	h.activate(song, 0)
	h.o.Wait()

	assert.Equal(t, 0, source.count())
	loads, _, _, _ := h.engine.snapshot()
	require.Len(t, loads, 1)
	assert.Equal(t, "file:///cache/netease/a.mp3", loads[0].URL)
}

func TestFreshTrackIsNotResolvedAgain(t *testing.T) {
	song := &player.Song{ID: "a", URL: "https://x/a.mp3", URLRefreshedAt: time.Now().UnixMilli()}
	h := newHarness(t, []*player.Song{song}, nil)

	h.activate(song, 0)
	h.activate(song, 0)
	h.o.Wait()

	assert.Equal(t, 0, h.resolver.count("a"))
	loads, _, _, _ := h.engine.snapshot()
	assert.Empty(t, loads)
}

func TestStaleTrackIsResolvedAgain(t *testing.T) {
	song := &player.Song{ID: "a", URL: "https://x/old.mp3", URLRefreshedAt: time.Now().Add(-2 * time.Hour).UnixMilli()}
	h := newHarness(t, []*player.Song{song}, nil)

	h.activate(song, 0)
	h.o.Wait()

	assert.Equal(t, 1, h.resolver.count("a"))
	loads, _, _, _ := h.engine.snapshot()
	require.Len(t, loads, 1)
	assert.Equal(t, "https://x/a.mp3", loads[0].URL)
}

func TestRefreshWindowBoundary(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	h := newHarness(t, nil, func(o *Options) { o.Now = func() time.Time { return now } })

	window := DefaultRefreshWindow.Milliseconds()
	assert.True(t, h.o.needsResolve(player.NullURL, now.UnixMilli()))
	assert.False(t, h.o.needsResolve("u", now.UnixMilli()-window))
	assert.True(t, h.o.needsResolve("u", now.UnixMilli()-window-1))
}

func TestSimultaneousEventsResolveOnce(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.resolver.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.activate(song, 0)
		}()
	}
	wg.Wait()
	h.o.Wait()

	assert.Equal(t, 1, h.resolver.count("a"))
	loads, _, _, _ := h.engine.snapshot()
	assert.Len(t, loads, 2)
	for _, l := range loads {
		assert.NotEqual(t, player.NullURL, l.URL)
	}
}

func TestHeartbeatOncePerPair(t *testing.T) {
	a := &player.Song{ID: "100", BVID: "BV1xx", Source: "bilibili"}
	b := &player.Song{ID: "200", BVID: "BV1xx", Source: "bilibili"}
	h := newHarness(t, []*player.Song{a, b}, nil)

	h.activate(a, 0)
	h.o.Wait()
	h.activate(a, 0)
	h.o.Wait()
	assert.Equal(t, int32(1), h.heartbeats.calls.Load())

	h.activate(b, 1)
	h.o.Wait()
	assert.Equal(t, int32(2), h.heartbeats.calls.Load())

	assert.False(t, h.o.Session().Heartbeat.Swap("BV1xx", "200"), "latest pair is recorded")
}

func TestHeartbeatFailureDoesNotBlockLoad(t *testing.T) {
	song := &player.Song{ID: "100", BVID: "BV1xx"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.heartbeats.err = platform.ErrAuthRequired

	h.activate(song, 0)
	h.o.Wait()

	loads, _, _, _ := h.engine.snapshot()
	assert.Len(t, loads, 1)
}

func TestHeartbeatDisabledOrNotBilibili(t *testing.T) {
	plain := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{plain}, nil)
	h.activate(plain, 0)
	h.o.Wait()
	assert.Zero(t, h.heartbeats.calls.Load())

	video := &player.Song{ID: "1", BVID: "BV1"}
	off := newHarness(t, []*player.Song{video}, func(o *Options) { o.Heartbeat = false })
	off.activate(video, 0)
	off.o.Wait()
	assert.Zero(t, off.heartbeats.calls.Load())
}

func TestResolverFailureLeavesEngineUntouched(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.resolver.err = platform.ErrUnavailable

	require.NotPanics(t, func() {
		h.activate(song, 0)
		h.o.Wait()
	})

	loads, _, plays, _ := h.engine.snapshot()
	assert.Empty(t, loads)
	assert.Zero(t, plays)

	p, ok := h.o.Session().Registry.Get("a")
	require.True(t, ok)
	_, settled, err := p.Peek()
	assert.True(t, settled)
	assert.ErrorIs(t, err, platform.ErrUnavailable)

	// A later event retries instead of reusing the failure.
	h.resolver.mu.Lock()
	h.resolver.err = nil
	h.resolver.mu.Unlock()
	h.activate(song, 0)
	h.o.Wait()
	assert.Equal(t, 2, h.resolver.count("a"))
	loads, _, _, _ = h.engine.snapshot()
	assert.Len(t, loads, 1)
}

func TestCacheFailureFulfilsWithStreamMedia(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.cache.err = errors.New("disk full")

	h.activate(song, 0)
	h.o.Wait()

	p, ok := h.o.Session().Registry.Get("a")
	require.True(t, ok)
	media, settled, err := p.Peek()
	require.True(t, settled)
	require.NoError(t, err)
	assert.False(t, media.Cached)
	assert.Equal(t, "https://x/a.mp3", media.URL)

	loads, _, _, _ := h.engine.snapshot()
	assert.Len(t, loads, 1)
}

func TestCacheSavesRunOnWorkerPool(t *testing.T) {
	pool := worker.New(1)
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, func(o *Options) { o.Pool = pool })

	h.activate(song, 0)
	h.o.Wait()
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, []string{"a"}, h.cache.savedIDs())
	p, _ := h.o.Session().Registry.Get("a")
	media, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, media.Cached)
}

func TestSkipsLoadWhenActiveSongChanged(t *testing.T) {
	a := &player.Song{ID: "a"}
	b := &player.Song{ID: "b", URL: "https://x/b.mp3", URLRefreshedAt: time.Now().UnixMilli()}
	h := newHarness(t, []*player.Song{a, b}, nil)
	h.resolver.delay = 30 * time.Millisecond

	track := player.TrackFromSong(a)
	h.engine.setActive(track)
	h.engine.emit(player.ActiveTrackChanged{Track: &track, Index: 0})
	h.engine.setActive(player.TrackFromSong(b))
	h.o.Wait()

	assert.Equal(t, 1, h.resolver.count("a"))
	loads, _, _, _ := h.engine.snapshot()
	assert.Empty(t, loads)
}

func TestUnknownIndexSkipsResolution(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)

	h.activate(song, -1)
	h.engine.emit(player.ActiveTrackChanged{Index: 0})
	h.o.Wait()

	assert.Equal(t, 0, h.resolver.count("a"))
}

func TestRepeatTrackAndErrorRecovery(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.queue.SetPlayMode(player.PlayModeRepeatTrack)
	h.engine.state = player.StateError

	h.activate(song, 0)
	h.o.Wait()

	_, repeats, plays, _ := h.engine.snapshot()
	assert.Equal(t, []player.RepeatMode{player.RepeatTrack}, repeats)
	assert.Equal(t, 1, plays)
}

func TestNoPlayWhenEngineWasHealthy(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.engine.state = player.StatePlaying

	h.activate(song, 0)
	h.o.Wait()

	_, repeats, plays, _ := h.engine.snapshot()
	assert.Empty(t, repeats)
	assert.Zero(t, plays)
}

func TestPrefetchDisabledLeavesNextSongAlone(t *testing.T) {
	a := &player.Song{ID: "a"}
	b := &player.Song{ID: "b"}
	h := newHarness(t, []*player.Song{a, b}, nil)

	h.activate(a, 0)
	h.o.Wait()

	_, ok := h.o.Session().Registry.Get("b")
	assert.False(t, ok)
	assert.Zero(t, h.resolver.count("b"))
}

func TestPrefetchResolvesAndCachesNextSong(t *testing.T) {
	a := &player.Song{ID: "a", URL: "https://x/a.mp3", URLRefreshedAt: time.Now().UnixMilli()}
	b := &player.Song{ID: "b"}
	h := newHarness(t, []*player.Song{a, b}, func(o *Options) {
		o.Settings = settings{prefetch: true, cacheSize: 3}
	})

	h.activate(a, 0)
	h.o.Wait()

	assert.Equal(t, 1, h.resolver.count("b"))
	assert.Equal(t, []string{"b"}, h.cache.savedIDs())
	p, ok := h.o.Session().Registry.Get("b")
	require.True(t, ok)
	media, settled, err := p.Peek()
	require.True(t, settled)
	require.NoError(t, err)
	assert.True(t, media.Cached)

	loads, _, _, _ := h.engine.snapshot()
	assert.Empty(t, loads, "prefetch never touches the engine")

	// The prefetched result is reused when b becomes active.
	h.activate(b, 1)
	h.o.Wait()
	assert.Equal(t, 1, h.resolver.count("b"))
	loads, _, _, _ = h.engine.snapshot()
	require.Len(t, loads, 1)
	assert.Equal(t, "file:///cache/b.mp3", loads[0].URL)
}

func TestPrefetchRequiresCacheAboveMinimum(t *testing.T) {
	a := &player.Song{ID: "a", URL: "https://x/a.mp3", URLRefreshedAt: time.Now().UnixMilli()}
	b := &player.Song{ID: "b"}
	h := newHarness(t, []*player.Song{a, b}, func(o *Options) {
		o.Settings = settings{prefetch: true, cacheSize: 2}
	})

	h.activate(a, 0)
	h.o.Wait()

	_, ok := h.o.Session().Registry.Get("b")
	assert.False(t, ok)
}

func TestLoudnessGainAppliedForResolvedTracks(t *testing.T) {
	song := &player.Song{ID: "a", URL: "file:///cache/a.mp3", URLRefreshedAt: time.Now().UnixMilli()}
	h := newHarness(t, []*player.Song{song}, nil)
	h.cache.gains = map[string]float64{"a": -4.5}

	h.activate(song, 0)
	h.o.Wait()

	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	require.NotNil(t, h.engine.gain)
	assert.InDelta(t, -4.5, *h.engine.gain, 1e-9)
}

func gainOf(h *harness) (float64, bool) {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if h.engine.gain == nil {
		return 0, false
	}
	return *h.engine.gain, true
}

func TestLoudnessGainResetOnTrackChange(t *testing.T) {
	a := &player.Song{ID: "a", URL: "file:///cache/a.mp3", URLRefreshedAt: time.Now().UnixMilli()}
	b := &player.Song{ID: "b", URL: "https://x/b.mp3", URLRefreshedAt: time.Now().UnixMilli()}
	h := newHarness(t, []*player.Song{a, b}, nil)
	h.cache.gains = map[string]float64{"a": -8}

	h.activate(a, 0)
	h.o.Wait()
	gain, ok := gainOf(h)
	require.True(t, ok)
	assert.InDelta(t, -8, gain, 1e-9)

	h.activate(b, 1)
	h.o.Wait()
	gain, ok = gainOf(h)
	require.True(t, ok)
	assert.InDelta(t, 0, gain, 1e-9, "gain of the previous song does not leak")
}

func TestLoudnessGainAppliedAfterCachedLoad(t *testing.T) {
	song := &player.Song{ID: "a", Source: "netease"}
	res := resolver.New(staticLookup{"a": "/cache/netease/a.mp3"}, &countingSource{}, logpkg.Discard())
	h := newHarness(t, []*player.Song{song}, func(o *Options) { o.Resolver = res })
	h.cache.gains = map[string]float64{"a": -6}

	h.activate(song, 0)
	h.o.Wait()

	loads, _, _, _ := h.engine.snapshot()
	require.Len(t, loads, 1)
	assert.Equal(t, "file:///cache/netease/a.mp3", loads[0].URL)
	gain, ok := gainOf(h)
	require.True(t, ok)
	assert.InDelta(t, -6, gain, 1e-9)
}

func TestLoudnessGainFromMediaWinsOverIndex(t *testing.T) {
	song := &player.Song{ID: "a", Source: "netease"}
	h := newHarness(t, []*player.Song{song}, nil)
	measured := -3.0
	h.cache.gains = map[string]float64{"a": -6}
	h.cache.mediaGain = &measured

	h.activate(song, 0)
	h.o.Wait()

	gain, ok := gainOf(h)
	require.True(t, ok)
	assert.InDelta(t, -3, gain, 1e-9)
}

func TestResumeLastPositionOnce(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.store.last = 30 * time.Second
	h.engine.setActive(player.TrackFromSong(song))

	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.o.Wait()
	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.engine.emit(player.PlaybackStateChanged{State: player.StatePlaying})
	h.o.Wait()

	_, _, _, seeks := h.engine.snapshot()
	assert.Equal(t, []time.Duration{30 * time.Second}, seeks)
}

func TestABRepeat(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.store.ranges = map[string]player.ABRepeat{"a": {Start: 0.25, End: 0.5}}
	h.engine.duration = 100 * time.Second
	h.engine.setActive(player.TrackFromSong(song))

	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.o.Wait()
	h.engine.emit(player.ProgressUpdated{Position: 40 * time.Second, Duration: 100 * time.Second})
	h.o.Wait()
	h.engine.emit(player.ProgressUpdated{Position: 60 * time.Second, Duration: 100 * time.Second})
	h.o.Wait()

	_, _, _, seeks := h.engine.snapshot()
	assert.Equal(t, []time.Duration{25 * time.Second, 100 * time.Second}, seeks)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	assert.Equal(t, []time.Duration{40 * time.Second, 60 * time.Second}, h.store.saved)
}

func TestABRepeatRangeEditedDuringPlayback(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.store.ranges = map[string]player.ABRepeat{"a": {Start: 0, End: 0.5}}
	h.engine.duration = 100 * time.Second
	h.engine.setActive(player.TrackFromSong(song))

	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.o.Wait()

	h.store.mu.Lock()
	h.store.ranges["a"] = player.ABRepeat{Start: 0, End: 0.3}
	h.store.mu.Unlock()

	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.o.Wait()
	h.engine.emit(player.ProgressUpdated{Position: 35 * time.Second, Duration: 100 * time.Second})
	h.o.Wait()

	_, _, _, seeks := h.engine.snapshot()
	assert.Equal(t, []time.Duration{100 * time.Second}, seeks)
}

func TestResumedPositionNotOverriddenByRepeatStart(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.store.last = 30 * time.Second
	h.store.ranges = map[string]player.ABRepeat{"a": {Start: 0.25, End: 1}}
	h.engine.duration = 100 * time.Second
	h.engine.setActive(player.TrackFromSong(song))

	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.o.Wait()
	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.o.Wait()

	_, _, _, seeks := h.engine.snapshot()
	assert.Equal(t, []time.Duration{30 * time.Second}, seeks)
}

func TestABRepeatReadFailureIsIgnored(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)
	h.store.failRead = true
	h.engine.duration = 100 * time.Second
	h.engine.setActive(player.TrackFromSong(song))

	h.engine.emit(player.PlaybackStateChanged{State: player.StateReady})
	h.engine.emit(player.ProgressUpdated{Position: 90 * time.Second, Duration: 100 * time.Second})
	h.o.Wait()

	_, _, _, seeks := h.engine.snapshot()
	assert.Empty(t, seeks)
}

func TestLifecycle(t *testing.T) {
	song := &player.Song{ID: "a"}
	h := newHarness(t, []*player.Song{song}, nil)

	assert.ErrorIs(t, h.o.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, h.o.Stop(context.Background()))
	require.NoError(t, h.o.Stop(context.Background()))

	h.activate(song, 0)
	h.o.Wait()
	assert.Zero(t, h.resolver.count("a"))

	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSessionsAreIsolated(t *testing.T) {
	a, b := NewSession(), NewSession()
	assert.NotEqual(t, a.ID, b.ID)
	a.Registry.Begin(&player.Song{ID: "x"})
	assert.Equal(t, 0, b.Registry.Len())
	assert.True(t, a.Heartbeat.Swap("BV1", "1"))
	assert.False(t, a.Heartbeat.Swap("BV1", "1"))
	assert.True(t, b.Heartbeat.Swap("BV1", "1"))
}

type staticLookup map[string]string

func (s staticLookup) CachedPath(_ context.Context, id string) (string, bool) {
	p, ok := s[id]
	return p, ok
}

type countingSource struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSource) ResolveStream(context.Context, *player.Song) (*platform.StreamInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &platform.StreamInfo{URL: "https://x/net.mp3"}, nil
}

func (c *countingSource) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
