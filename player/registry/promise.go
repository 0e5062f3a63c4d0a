package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/liuran001/PlaybackResolver-Go/player"
)

// ErrAbandoned settles a promise whose producer exited without a result.
var ErrAbandoned = errors.New("registry: promise abandoned")

// Promise is a settle-once future of resolved media.
type Promise struct {
	done  chan struct{}
	once  sync.Once
	media *player.ResolvedMedia
	err   error
}

// NewPromise returns a pending promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolved returns a promise already fulfilled with media.
func Resolved(media *player.ResolvedMedia) *Promise {
	p := NewPromise()
	p.Resolve(media)
	return p
}

// Rejected returns a promise already rejected with err.
func Rejected(err error) *Promise {
	p := NewPromise()
	p.Reject(err)
	return p
}

// Resolve fulfils the promise. Later calls to Resolve or Reject are ignored.
func (p *Promise) Resolve(media *player.ResolvedMedia) {
	p.once.Do(func() {
		p.media = media
		close(p.done)
	})
}

// Reject fails the promise. A nil err is replaced by ErrAbandoned.
func (p *Promise) Reject(err error) {
	if err == nil {
		err = ErrAbandoned
	}
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the promise has a result.
func (p *Promise) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise) Wait(ctx context.Context) (*player.ResolvedMedia, error) {
	select {
	case <-p.done:
		return p.media, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the settled value without blocking. settled is false while pending.
func (p *Promise) Peek() (media *player.ResolvedMedia, settled bool, err error) {
	if !p.Settled() {
		return nil, false, nil
	}
	return p.media, true, p.err
}

// SettleIgnoringError waits for p and returns its media only when it was fulfilled.
// A nil promise, a rejection and a cancelled ctx all yield (nil, false).
func SettleIgnoringError(ctx context.Context, p *Promise) (*player.ResolvedMedia, bool) {
	if p == nil {
		return nil, false
	}
	media, err := p.Wait(ctx)
	if err != nil || media == nil {
		return nil, false
	}
	return media, true
}
