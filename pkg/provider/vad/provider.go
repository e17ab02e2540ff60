// Package vad defines the Engine interface for volume-level backends that feed
// the speech segmenter.
//
// Clients that cannot report their own microphone level send raw PCM only. A
// VAD engine turns each captured frame into a normalised level in [0, 1] that
// the voice session pushes into the segmenter together with the frame
// timestamp. Thresholds, hysteresis and timing all live in the segmenter; a
// VAD session only measures.
//
// Each session keeps its own state (smoothing history), so that multiple
// concurrent audio streams can be processed independently. Implementations
// must be safe for concurrent use across different sessions. A single
// SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "errors"

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the expected duration of each frame in milliseconds.
	// Zero accepts frames of any length.
	FrameSizeMs int

	// Gain scales the measured level before clamping to 1. Zero means 1.
	Gain float64

	// Smoothing is the weight of the previous level in an exponential moving
	// average. Range: [0.0, 1.0). Zero disables smoothing.
	Smoothing float64
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine.
type SessionHandle interface {
	// ProcessFrame measures a single frame of mono 16-bit little-endian PCM
	// and returns its level in [0, 1]. It must not block.
	ProcessFrame(frame []byte) (float64, error)

	// Reset clears smoothing history without closing the session. Use this
	// when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
