// Package audio defines the PCM types, format helpers and playback contracts
// shared by the agentvox voice pipeline.
//
// The voice duplex core lives in two sub-packages:
//
//   - [segmenter] turns a live stream of volume samples and PCM chunks into
//     [AudioSegment] values for speech recognition.
//   - [duplex] queues synthesised speech and hands it to a [NativeEngine]
//     only while the user is not talking.
//
// Everything in this package is 16-bit signed little-endian PCM unless noted
// otherwise.
package audio

import "time"

// AudioFrame represents a single frame of captured audio flowing into a voice
// session.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// AudioSegment is one chunk of an utterance emitted by the segmenter for
// upload to a speech recogniser. Ownership of Data transfers to the receiver.
type AudioSegment struct {
	// Data is the buffered PCM audio at the segmenter's declared sample rate.
	Data []byte

	// IsLast marks the final chunk of an utterance (speech end or explicit
	// stop). Recognisers should finalise their transcript when they see it.
	IsLast bool
}

// Blob is a synthesised audio payload together with its declared format.
// MimeType carries the sample rate as a rate=<n> parameter, e.g.
// "audio/pcm;rate=24000". WAV payloads ("audio/wav") carry their own header.
type Blob struct {
	Data     []byte
	MimeType string
}

// Duration estimates how long pcm takes to play at sampleRate (mono, 16-bit).
// Returns zero when sampleRate is not positive.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
