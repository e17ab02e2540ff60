// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, or a local
// Whisper server) and exposes a uniform session interface. The speech
// segmenter decides where utterances begin and end; a session receives its
// output as [audio.AudioSegment] values and emits two streams of Transcript
// values: low-latency partials for responsiveness and authoritative finals
// that drive voice commands and the transcript log.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/agentvox/pkg/audio"
)

// ErrNotSupported is returned by optional session features a backend lacks.
var ErrNotSupported = errors.New("stt: not supported by this provider")

// ErrSessionClosed is returned by SendSegment after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider supports;
// see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz of every segment sent to the
	// session. Must match the segmenter's declared PCM sample rate.
	SampleRate int

	// Channels is the number of audio channels. Segments are always mono, so
	// zero means 1.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US", "de-DE").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as agent names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT session. It is an interface so that
// test code can provide mock implementations without requiring a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendSegment delivers one segmenter chunk. Segments must be sent in the
	// order the segmenter emitted them. A segment with IsLast set closes the
	// current utterance and the provider commits a final transcript for it.
	// Calling SendSegment after Close returns [ErrSessionClosed].
	SendSegment(seg audio.AudioSegment) error

	// Partials returns a read-only channel that emits interim Transcript
	// values. These are suitable for driving UI indicators only.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values, one per utterance. The channel is closed when the session ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the active keyword boost list without restarting the
	// session. Providers that do not support mid-session keyword updates return
	// [ErrNotSupported].
	SetKeywords(keywords []KeywordBoost) error

	// Close terminates the session, flushes any pending audio, and releases all
	// associated resources. After Close returns, the Partials and Finals channels
	// will be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per connected voice client.
type Provider interface {
	// StartStream opens a new transcription session with the given audio
	// format and recognition configuration. The returned SessionHandle is
	// ready to accept segments immediately.
	//
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
