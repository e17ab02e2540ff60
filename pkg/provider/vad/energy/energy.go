// Package energy provides a [vad.Engine] that measures the RMS energy of each
// PCM frame. It needs no model and no cgo, which makes it the default backend.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine creates energy [Session] values. The zero value is ready to use.
type Engine struct{}

// New returns an energy Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a new [Session].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	var errs []error
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate))
	}
	if cfg.FrameSizeMs < 0 {
		errs = append(errs, fmt.Errorf("frame size must not be negative, got %d", cfg.FrameSizeMs))
	}
	if cfg.Gain < 0 {
		errs = append(errs, fmt.Errorf("gain must not be negative, got %g", cfg.Gain))
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("smoothing must be in [0, 1), got %g", cfg.Smoothing))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}

	gain := cfg.Gain
	if gain == 0 {
		gain = 1
	}
	return &Session{
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		gain:       gain,
		smoothing:  cfg.Smoothing,
	}, nil
}

// Session measures one audio stream. It is safe for concurrent use.
type Session struct {
	frameBytes int // zero accepts any length
	gain       float64
	smoothing  float64

	mu     sync.Mutex
	prev   float64
	primed bool
	closed bool
}

// ProcessFrame returns the normalised RMS level of frame scaled by the gain,
// smoothed against the previous frame and clamped to [0, 1].
func (s *Session) ProcessFrame(frame []byte) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, vad.ErrSessionClosed
	}
	if s.frameBytes > 0 && len(frame) != s.frameBytes {
		return 0, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	level := min(audio.Level(frame)*s.gain, 1)
	if s.primed && s.smoothing > 0 {
		level = s.prev*s.smoothing + level*(1-s.smoothing)
	}
	s.prev = level
	s.primed = true
	return level, nil
}

// Reset forgets the smoothing history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = 0
	s.primed = false
}

// Close ends the session. Further frames return [vad.ErrSessionClosed].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
