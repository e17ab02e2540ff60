// Package mock provides in-memory mock implementations of the [audio.NativeEngine]
// and [audio.CompletionNotifier] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	eng := &mock.Engine{Rate: 24000}
//	ctrl := duplex.New(eng)
//	ctrl.Play(blob)
//	eng.WaitForPlays(1, time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.NativeEngine       = (*Engine)(nil)
	_ audio.NativeEngine       = (*TrackingEngine)(nil)
	_ audio.CompletionNotifier = (*TrackingEngine)(nil)
)

// DefaultRate is the sample rate reported by an [Engine] whose Rate is zero.
const DefaultRate = 24000

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a mock implementation of [audio.NativeEngine].
// Set the exported error fields before use; inspect the Call* fields after.
type Engine struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Zero means DefaultRate.
	Rate int

	// InitializeError is returned by Initialize.
	InitializeError error

	// PlayError, if non-nil, is called with the zero-based play index and its
	// result is returned by PlayPCM. Use it to fail individual items.
	PlayError func(call int) error

	// Played holds the PCM of every PlayPCM call in order.
	Played [][]byte

	// Gate, if non-nil, makes PlayPCM block until it is closed. The buffer
	// is recorded before blocking.
	Gate chan struct{}

	CallCountInitialize int
	CallCountStop       int
	CallCountPause      int
	CallCountResume     int
}

// Initialize implements [audio.NativeEngine].
func (e *Engine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountInitialize++
	return e.InitializeError
}

// PlayPCM implements [audio.NativeEngine]. The buffer is recorded even when
// PlayError fails the call.
func (e *Engine) PlayPCM(pcm []byte) error {
	e.mu.Lock()
	call := len(e.Played)
	e.Played = append(e.Played, append([]byte(nil), pcm...))
	gate, playErr := e.Gate, e.PlayError
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if playErr != nil {
		return playErr(call)
	}
	return nil
}

// StopPlayback implements [audio.NativeEngine].
func (e *Engine) StopPlayback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountStop++
	return nil
}

// PausePlayback implements [audio.NativeEngine].
func (e *Engine) PausePlayback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountPause++
	return nil
}

// ResumePlayback implements [audio.NativeEngine].
func (e *Engine) ResumePlayback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountResume++
	return nil
}

// SampleRate implements [audio.NativeEngine].
func (e *Engine) SampleRate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Rate == 0 {
		return DefaultRate
	}
	return e.Rate
}

// PlayCount returns how many buffers were handed to PlayPCM.
func (e *Engine) PlayCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Played)
}

// PlayedAt returns a copy of the n-th played buffer, or nil.
func (e *Engine) PlayedAt(n int) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 || n >= len(e.Played) {
		return nil
	}
	return append([]byte(nil), e.Played[n]...)
}

// StopCount returns how many times StopPlayback was called.
func (e *Engine) StopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CallCountStop
}

// WaitForPlays polls until at least n buffers were played or timeout
// elapses. It reports whether the count was reached.
func (e *Engine) WaitForPlays(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.PlayCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return e.PlayCount() >= n
}

// ─── TrackingEngine ───────────────────────────────────────────────────────────

// TrackingEngine is an [Engine] that also implements [audio.CompletionNotifier].
// Buffers only count as finished when the test calls [TrackingEngine.Complete].
type TrackingEngine struct {
	Engine

	tmu     sync.Mutex
	pending map[string]chan struct{}
	ids     []string
}

// PlayTracked implements [audio.CompletionNotifier].
func (t *TrackingEngine) PlayTracked(id string, pcm []byte) (<-chan struct{}, error) {
	if err := t.PlayPCM(pcm); err != nil {
		return nil, err
	}
	t.tmu.Lock()
	defer t.tmu.Unlock()
	if t.pending == nil {
		t.pending = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	t.pending[id] = ch
	t.ids = append(t.ids, id)
	return ch, nil
}

// Complete signals that the buffer tagged id finished playing. It reports
// whether id was pending.
func (t *TrackingEngine) Complete(id string) bool {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	ch, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	close(ch)
	return true
}

// IDs returns the ids passed to PlayTracked in order.
func (t *TrackingEngine) IDs() []string {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	return append([]string(nil), t.ids...)
}
