package audio

import (
	"errors"
	"fmt"
)

// ErrPlaybackStopped rejects every in-flight and queued playback request when
// the playback session is stopped.
var ErrPlaybackStopped = errors.New("audio: playback stopped")

// ErrQueueCleared rejects queued (not yet playing) requests removed by an
// explicit queue clear.
var ErrQueueCleared = errors.New("audio: playback queue cleared")

// ConfigurationError reports an invalid segmenter configuration value. It is
// raised once at construction and never recovered from.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("audio: invalid configuration: %s %s", e.Field, e.Reason)
}

// ResamplingError reports a non-positive sample rate passed to [Resample].
type ResamplingError struct {
	FromRate int
	ToRate   int
}

func (e *ResamplingError) Error() string {
	return fmt.Sprintf("audio: cannot resample from %d Hz to %d Hz: sample rates must be positive", e.FromRate, e.ToRate)
}

// NativeEngineError wraps a failure surfaced by a [NativeEngine]. It rejects
// only the request that was being played.
type NativeEngineError struct {
	Op  string
	Err error
}

func (e *NativeEngineError) Error() string {
	return fmt.Sprintf("audio: native engine %s: %v", e.Op, e.Err)
}

func (e *NativeEngineError) Unwrap() error { return e.Err }
