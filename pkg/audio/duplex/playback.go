package duplex

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
)

// Playback is the completion handle of one [Controller.Play] request. It
// resolves with the played duration or rejects with an error exactly once.
type Playback struct {
	id         string
	enqueuedAt time.Time

	once     sync.Once
	done     chan struct{}
	duration time.Duration
	err      error
}

func newPlayback(id string) *Playback {
	return &Playback{id: id, enqueuedAt: time.Now(), done: make(chan struct{})}
}

// ID identifies the request. Engines implementing [audio.CompletionNotifier]
// receive the same id.
func (p *Playback) ID() string { return p.id }

// EnqueuedAt is when Play was called.
func (p *Playback) EnqueuedAt() time.Time { return p.enqueuedAt }

// Done is closed once the request resolved or was rejected.
func (p *Playback) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Playback) Result() (time.Duration, error) {
	select {
	case <-p.done:
		return p.duration, p.err
	default:
		return 0, nil
	}
}

// Wait blocks until the request settles or ctx is done.
func (p *Playback) Wait(ctx context.Context) (time.Duration, error) {
	select {
	case <-p.done:
		return p.duration, p.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// settle records the outcome. Later calls are no-ops; it reports whether
// this call won.
func (p *Playback) settle(d time.Duration, err error) bool {
	won := false
	p.once.Do(func() {
		p.duration = d
		p.err = err
		close(p.done)
		won = true
	})
	return won
}

// Result describes a settled request for [WithResultHook].
type Result struct {
	ID       string
	Duration time.Duration
	Err      error

	// Deferred reports whether the request waited in the suppressed queue.
	Deferred bool
}

// request is a queued [Playback] together with its payload.
type request struct {
	blob     audio.Blob
	p        *Playback
	deferred bool
}
