// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui server) and turns one reply into one [audio.Blob]. The blob's mime
// type declares its format ("audio/pcm;rate=24000" or "audio/wav"), which is
// all the duplex playback controller needs to resample it for the engine.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/agentvox/pkg/audio"
)

// ErrEmptyText is returned by Synthesize when the text contains nothing to
// speak.
var ErrEmptyText = errors.New("tts: text must not be empty")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel, one per voice session.
type Provider interface {
	// Synthesize renders text with the given voice and returns the complete
	// audio. The returned blob always carries a mime type with a sample rate
	// hint or a WAV header.
	//
	// Returns an error if the voice is unavailable, the backend fails, or ctx
	// is cancelled before synthesis completes.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (audio.Blob, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
