package audio

import "context"

// NativeEngine is the minimal capability set of an audio output device. The
// duplex playback controller is its only caller and never invokes it
// concurrently.
type NativeEngine interface {
	// Initialize prepares the device. It must be idempotent and must leave a
	// previously stopped or paused device ready to play.
	Initialize(ctx context.Context) error

	// PlayPCM starts playing mono 16-bit PCM at [NativeEngine.SampleRate].
	// It is fire-and-forget: it returns once the buffer was accepted, not
	// when playback finished.
	PlayPCM(pcm []byte) error

	// StopPlayback halts any audio immediately.
	StopPlayback() error

	// PausePlayback suspends output without discarding the current buffer.
	PausePlayback() error

	// ResumePlayback continues output after PausePlayback.
	ResumePlayback() error

	// SampleRate is the rate the engine expects PlayPCM data in.
	SampleRate() int
}

// CompletionNotifier is implemented by engines that can report when a buffer
// has actually finished playing. The controller prefers it over estimating
// completion from the sample count.
type CompletionNotifier interface {
	// PlayTracked behaves like PlayPCM but returns a channel that is closed
	// once the device finished playing the buffer tagged with id. The channel
	// may never close if playback is stopped.
	PlayTracked(id string, pcm []byte) (<-chan struct{}, error)
}
