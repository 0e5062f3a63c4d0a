// Package orchestrator reacts to playback engine events: it resolves URLs for the
// active song, prefetches the next one into the cache, applies loudness gain, reports
// bilibili heartbeats and restores saved positions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/registry"
)

// DefaultRefreshWindow is how long a resolved stream URL is trusted.
const DefaultRefreshWindow = time.Hour

var ErrAlreadyStarted = errors.New("orchestrator already started")

// Resolver turns a song into playable media.
type Resolver interface {
	Resolve(ctx context.Context, song *player.Song) (*player.ResolvedMedia, error)
}

// MediaCache persists resolved media and serves loudness gains of cached files.
type MediaCache interface {
	SaveCacheMedia(ctx context.Context, song *player.Song, media *player.ResolvedMedia) (*player.ResolvedMedia, error)
	CachedGain(ctx context.Context, song *player.Song) (float64, bool, error)
}

// HeartbeatSender reports a song as now playing to its platform.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, song *player.Song) error
}

// Options configures an Orchestrator. Cache, Heartbeats, Store and Pool are optional.
type Options struct {
	Engine     player.Engine
	Queue      player.Queue
	Resolver   Resolver
	Cache      MediaCache
	Heartbeats HeartbeatSender
	Store      player.ProgressStore
	Pool       player.WorkerPool
	Settings   player.Settings
	Session    *Session
	Logger     player.Logger

	RefreshWindow        time.Duration
	PrefetchMinCacheSize int
	Heartbeat            bool

	Now func() time.Time
}

// Orchestrator subscribes to an engine and keeps the active track playable.
type Orchestrator struct {
	engine     player.Engine
	queue      player.Queue
	resolver   Resolver
	cache      MediaCache
	heartbeats HeartbeatSender
	store      player.ProgressStore
	pool       player.WorkerPool
	settings   player.Settings
	session    *Session
	logger     player.Logger

	refreshWindow time.Duration
	prefetchMin   int
	heartbeat     bool
	now           func() time.Time

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	resumed atomic.Bool

	abMu   sync.Mutex
	abSong string
	abSeen string
	abRng  player.ABRepeat
}

// New creates an orchestrator. Engine, Queue, Resolver, Settings and Logger are required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil || opts.Queue == nil || opts.Resolver == nil {
		return nil, errors.New("engine, queue and resolver required")
	}
	if opts.Settings == nil || opts.Logger == nil {
		return nil, errors.New("settings and logger required")
	}
	window := opts.RefreshWindow
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	session := opts.Session
	if session == nil {
		session = NewSession()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		engine:        opts.Engine,
		queue:         opts.Queue,
		resolver:      opts.Resolver,
		cache:         opts.Cache,
		heartbeats:    opts.Heartbeats,
		store:         opts.Store,
		pool:          opts.Pool,
		settings:      opts.Settings,
		session:       session,
		logger:        opts.Logger.With("session", session.ID),
		refreshWindow: window,
		prefetchMin:   max(opts.PrefetchMinCacheSize, 0),
		heartbeat:     opts.Heartbeat,
		now:           now,
	}, nil
}

// Session returns the playback session the orchestrator works in.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Start subscribes to engine events. Handlers run on their own goroutines with a
// context derived from ctx.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.started = true
	o.unsubscribe = o.engine.Subscribe(o.dispatch)
	o.logger.Info("orchestrator started")
	return nil
}

// Stop unsubscribes from the engine, cancels running handlers and waits for them
// until ctx is done.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.unsubscribe()
	o.cancel()
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every handler started so far has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) dispatch(ev player.Event) {
	o.mu.Lock()
	ctx := o.ctx
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("event handler panicked", "event", player.EventName(ev), "panic", r)
			}
		}()

		switch ev := ev.(type) {
		case player.ActiveTrackChanged:
			o.onActiveTrackChanged(ctx, ev)
		case player.PlaybackStateChanged:
			o.onPlaybackState(ctx, ev)
		case player.ProgressUpdated:
			o.onProgress(ctx, ev)
		}
	}()
}

// goTracked runs fn on a goroutine Stop waits for.
func (o *Orchestrator) goTracked(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

func (o *Orchestrator) onActiveTrackChanged(ctx context.Context, ev player.ActiveTrackChanged) {
	state, err := o.engine.PlaybackState(ctx)
	errored := err == nil && state == player.StateError

	if ev.Track == nil || ev.Track.Song == nil {
		return
	}
	song := ev.Track.Song
	log := o.logger.With("event", player.EventName(ev), "song_id", song.ID, "source", song.Source, "index", ev.Index)

	if err := o.engine.SetLoudnessGain(ctx, 0); err != nil {
		log.Warn("failed to reset loudness gain", "error", err)
	}

	o.prefetch(ctx, song)

	if ev.Track.URL != player.NullURL {
		o.applyLoudness(ctx, song, nil, log)
	}

	if ev.Index < 0 || !o.needsResolve(ev.Track.URL, ev.Track.URLRefreshTimestamp) {
		return
	}

	o.sendHeartbeat(ctx, song, log)

	media, err := o.resolve(ctx, song, log)
	if err != nil {
		log.Error("failed to resolve song url", "error", err)
		return
	}

	active, err := o.engine.ActiveTrack(ctx)
	if err != nil {
		log.Warn("failed to read active track", "error", err)
		return
	}
	if active == nil || active.Song == nil || active.Song.ID != song.ID {
		log.Debug("active track changed during resolution, not loading")
		return
	}

	track := ev.Track.Merge(media)
	track.Song = resolvedSong(song, media)
	if err := o.engine.Load(ctx, track); err != nil {
		log.Error("failed to load resolved track", "error", err)
		return
	}
	if o.queue.PlayMode() == player.PlayModeRepeatTrack {
		if err := o.engine.SetRepeatMode(ctx, player.RepeatTrack); err != nil {
			log.Warn("failed to restore repeat mode", "error", err)
		}
	}
	if media.Cached {
		o.applyLoudness(ctx, song, media, log)
	}
	if errored {
		if err := o.engine.Play(ctx); err != nil {
			log.Warn("failed to resume playback", "error", err)
		}
	}
	log.Info("loaded resolved track", "cached", media.Cached)
}

func (o *Orchestrator) needsResolve(url string, refreshedAt int64) bool {
	if url == player.NullURL {
		return true
	}
	return o.now().UnixMilli()-refreshedAt > o.refreshWindow.Milliseconds()
}

func (o *Orchestrator) fresh(media *player.ResolvedMedia) bool {
	return media != nil && !o.needsResolve(media.URL, media.URLRefreshTimestamp)
}

// resolve returns media for song, sharing a resolution still in flight for it.
func (o *Orchestrator) resolve(ctx context.Context, song *player.Song, log player.Logger) (*player.ResolvedMedia, error) {
	next, prev := o.session.Registry.Begin(song)
	if media, ok := registry.SettleIgnoringError(ctx, prev); ok && o.fresh(media) {
		log.Debug("reusing previous resolution")
		next.Resolve(media)
		return media, nil
	}

	media, err := o.resolver.Resolve(ctx, song)
	if err != nil {
		next.Reject(err)
		return nil, err
	}
	o.saveCache(ctx, song, media, next, log)
	return media, nil
}

// saveCache stores media on the worker pool and settles p with the cached media, or
// with media itself when caching fails.
func (o *Orchestrator) saveCache(ctx context.Context, song *player.Song, media *player.ResolvedMedia, p *registry.Promise, log player.Logger) {
	if o.cache == nil {
		p.Resolve(media)
		return
	}
	task := func() {
		cached, err := o.cache.SaveCacheMedia(ctx, song, media)
		if err != nil {
			log.Warn("failed to cache media", "error", err)
			p.Resolve(media)
			return
		}
		p.Resolve(cached)
	}
	if o.pool == nil {
		o.goTracked(task)
		return
	}
	if err := o.pool.Submit(task); err != nil {
		log.Warn("failed to schedule cache save", "error", err)
		p.Resolve(media)
	}
}

func (o *Orchestrator) prefetch(ctx context.Context, song *player.Song) {
	if !o.settings.PrefetchTrack() || o.settings.CacheSize() <= o.prefetchMin {
		return
	}
	next, ok := o.queue.Next(song)
	if !ok || next == nil || next.ID == song.ID {
		return
	}
	if _, exists := o.session.Registry.Get(next.ID); exists {
		return
	}

	log := o.logger.With("prefetch_song_id", next.ID, "source", next.Source)
	o.goTracked(func() {
		p, prev := o.session.Registry.Begin(next)
		registry.SettleIgnoringError(ctx, prev)

		media, err := o.resolver.Resolve(ctx, next)
		if err != nil {
			log.Warn("prefetch failed", "error", err)
			p.Reject(err)
			return
		}
		if o.cache == nil {
			p.Resolve(media)
			return
		}
		cached, err := o.cache.SaveCacheMedia(ctx, next, media)
		if err != nil {
			log.Warn("failed to cache prefetched media", "error", err)
			p.Resolve(media)
			return
		}
		log.Debug("prefetched next song", "cached", cached.Cached)
		p.Resolve(cached)
	})
}

// applyLoudness sets the gain of a locally stored song. A gain carried by media wins
// over the one stored in the cache index.
func (o *Orchestrator) applyLoudness(ctx context.Context, song *player.Song, media *player.ResolvedMedia, log player.Logger) {
	var gain float64
	switch {
	case media != nil && media.LoudnessGain != nil:
		gain = *media.LoudnessGain
	case o.cache != nil:
		cached, ok, err := o.cache.CachedGain(ctx, song)
		if err != nil {
			log.Debug("failed to read loudness gain", "error", err)
		}
		if !ok {
			return
		}
		gain = cached
	default:
		return
	}
	if err := o.engine.SetLoudnessGain(ctx, gain); err != nil {
		log.Warn("failed to apply loudness gain", "gain", gain, "error", err)
	}
}

func (o *Orchestrator) sendHeartbeat(ctx context.Context, song *player.Song, log player.Logger) {
	if !o.heartbeat || o.heartbeats == nil || song.BVID == "" {
		return
	}
	if !o.session.Heartbeat.Swap(song.BVID, song.ID) {
		return
	}
	o.goTracked(func() {
		if err := o.heartbeats.SendHeartbeat(ctx, song); err != nil {
			hbErr := &player.HeartbeatError{BVID: song.BVID, CID: song.ID, Err: err}
			log.Warn("heartbeat failed", "error", hbErr)
		}
	})
}

func (o *Orchestrator) onPlaybackState(ctx context.Context, ev player.PlaybackStateChanged) {
	if ev.State != player.StateReady || o.store == nil {
		return
	}

	active, err := o.engine.ActiveTrack(ctx)
	if err != nil {
		return
	}
	var songID string
	if active != nil && active.Song != nil {
		songID = active.Song.ID
	}

	if o.resumed.CompareAndSwap(false, true) {
		position, err := o.store.LastPosition(ctx)
		if err != nil {
			o.logger.Warn("failed to read last position", "error", err)
		} else if position > 0 {
			if err := o.engine.SeekTo(ctx, position); err != nil {
				o.logger.Warn("failed to restore last position", "position", position, "error", err)
			} else {
				o.logger.Info("restored last position", "position", position)
			}
			if songID != "" {
				o.firstReady(songID)
			}
			return
		}
	}

	if songID == "" {
		return
	}
	rng, err := o.abRepeat(ctx, songID, true)
	if !o.firstReady(songID) || err != nil || rng.Start <= 0 {
		return
	}
	_, duration, err := o.engine.Progress(ctx)
	if err != nil || duration <= 0 {
		return
	}
	if err := o.engine.SeekTo(ctx, scale(duration, rng.Start)); err != nil {
		o.logger.Warn("failed to seek to repeat start", "song_id", songID, "error", err)
	}
}

func (o *Orchestrator) onProgress(ctx context.Context, ev player.ProgressUpdated) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveLastPosition(ctx, ev.Position); err != nil {
		o.logger.Debug("failed to save last position", "error", err)
	}
	if ev.Duration <= 0 {
		return
	}

	active, err := o.engine.ActiveTrack(ctx)
	if err != nil || active == nil || active.Song == nil {
		return
	}
	rng, err := o.abRepeat(ctx, active.Song.ID, false)
	if err != nil || rng.End >= 1 {
		return
	}
	if ev.Position > scale(ev.Duration, rng.End) {
		if err := o.engine.SeekTo(ctx, ev.Duration); err != nil {
			o.logger.Warn("failed to seek past repeat end", "song_id", active.Song.ID, "error", err)
		}
	}
}

// firstReady reports whether songID reaches the ready state for the first time since
// it became current.
func (o *Orchestrator) firstReady(songID string) bool {
	o.abMu.Lock()
	defer o.abMu.Unlock()
	if o.abSeen == songID {
		return false
	}
	o.abSeen = songID
	return true
}

// abRepeat returns the repeat range of songID. Progress ticks reuse the last range read
// for the current song; reload forces a store read.
func (o *Orchestrator) abRepeat(ctx context.Context, songID string, reload bool) (player.ABRepeat, error) {
	o.abMu.Lock()
	if !reload && o.abSong == songID {
		rng := o.abRng
		o.abMu.Unlock()
		return rng, nil
	}
	o.abMu.Unlock()

	start, end, err := o.store.ABRepeat(ctx, songID)
	if err != nil {
		return player.ABRepeat{Start: 0, End: 1}, fmt.Errorf("read repeat range: %w", err)
	}
	rng := player.ABRepeat{Start: start, End: end}

	o.abMu.Lock()
	o.abSong, o.abRng = songID, rng
	o.abMu.Unlock()
	return rng, nil
}

func scale(d time.Duration, fraction float64) time.Duration {
	return time.Duration(float64(d) * fraction)
}

func resolvedSong(song *player.Song, media *player.ResolvedMedia) *player.Song {
	updated := song.Clone()
	updated.URL = media.URL
	updated.URLRefreshedAt = media.URLRefreshTimestamp
	if media.LoudnessGain != nil {
		gain := *media.LoudnessGain
		updated.LoudnessGain = &gain
	}
	return updated
}
