package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
)

// Default reopen parameters for a dropped STT stream.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// RetryConfig controls how a session reopens an STT stream the provider
// closed underneath it.
type RetryConfig struct {
	// MaxRetries is the number of attempts before the session gives up on
	// recognition. Defaults to 5.
	MaxRetries int

	// Backoff is the delay before the second attempt. It doubles after each
	// failure up to MaxBackoff. Defaults to 500ms.
	Backoff time.Duration

	// MaxBackoff caps the delay between attempts. Defaults to 10s.
	MaxBackoff time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxRetries <= 0 {
		r.MaxRetries = defaultMaxRetries
	}
	if r.Backoff <= 0 {
		r.Backoff = defaultBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = defaultMaxBackoff
	}
	return r
}

// stream owns the STT session of a voice session and swaps it for a new one
// when the provider ends it early. All methods are safe for concurrent use.
type stream struct {
	provider stt.Provider
	cfg      stt.StreamConfig
	retry    RetryConfig

	mu     sync.Mutex
	handle stt.SessionHandle
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func newStream(p stt.Provider, cfg stt.StreamConfig, retry RetryConfig) *stream {
	return &stream{
		provider: p,
		cfg:      cfg,
		retry:    retry.withDefaults(),
		done:     make(chan struct{}),
	}
}

// open starts the first STT session.
func (st *stream) open(ctx context.Context) (stt.SessionHandle, error) {
	h, err := st.provider.StartStream(ctx, st.config())
	if err != nil {
		return nil, fmt.Errorf("voice: start stt stream: %w", err)
	}
	if !st.swap(h) {
		_ = h.Close()
		return nil, stt.ErrSessionClosed
	}
	return h, nil
}

// send delivers seg to the current STT session.
func (st *stream) send(seg audio.AudioSegment) error {
	st.mu.Lock()
	h := st.handle
	st.mu.Unlock()
	if h == nil {
		return stt.ErrSessionClosed
	}
	return h.SendSegment(seg)
}

// setKeywords updates the boost list of the running session and of every
// session opened later.
func (st *stream) setKeywords(kw []stt.KeywordBoost) error {
	st.mu.Lock()
	st.cfg.Keywords = append([]stt.KeywordBoost(nil), kw...)
	h := st.handle
	st.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.SetKeywords(kw)
}

// reopen replaces a session the provider closed, retrying with exponential
// backoff. It gives up when ctx ends, the stream is closed, or MaxRetries
// attempts failed.
func (st *stream) reopen(ctx context.Context) (stt.SessionHandle, error) {
	backoff := st.retry.Backoff
	var lastErr error

	for attempt := 1; attempt <= st.retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-st.done:
			return nil, stt.ErrSessionClosed
		default:
		}

		slog.Info("voice: reopening stt stream",
			"attempt", attempt,
			"max_retries", st.retry.MaxRetries,
		)

		h, err := st.provider.StartStream(ctx, st.config())
		if err == nil {
			if !st.swap(h) {
				_ = h.Close()
				return nil, stt.ErrSessionClosed
			}
			slog.Info("voice: stt stream reopened", "attempt", attempt)
			return h, nil
		}
		lastErr = err
		slog.Warn("voice: reopen stt stream failed", "attempt", attempt, "err", err)

		if attempt == st.retry.MaxRetries {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-st.done:
			timer.Stop()
			return nil, stt.ErrSessionClosed
		case <-timer.C:
		}

		backoff *= 2
		if backoff > st.retry.MaxBackoff {
			backoff = st.retry.MaxBackoff
		}
	}
	return nil, fmt.Errorf("voice: reopen stt stream after %d attempts: %w", st.retry.MaxRetries, lastErr)
}

// close ends the current session. Safe to call more than once.
func (st *stream) close() error {
	st.closeOnce.Do(func() { close(st.done) })

	st.mu.Lock()
	h := st.handle
	st.handle = nil
	st.closed = true
	st.mu.Unlock()

	if h != nil {
		return h.Close()
	}
	return nil
}

func (st *stream) config() stt.StreamConfig {
	st.mu.Lock()
	defer st.mu.Unlock()
	cfg := st.cfg
	cfg.Keywords = append([]stt.KeywordBoost(nil), st.cfg.Keywords...)
	return cfg
}

// swap installs h as the current session, closing the previous one. It
// reports false when the stream is already closed.
func (st *stream) swap(h stt.SessionHandle) bool {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false
	}
	old := st.handle
	st.handle = h
	st.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return true
}
