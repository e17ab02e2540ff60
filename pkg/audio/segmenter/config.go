package segmenter

import (
	"errors"
	"math"
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
)

// Config holds the immutable tuning parameters of a [Segmenter]. Durations are
// compared against the caller-supplied millisecond timestamps, so anything
// finer than a millisecond is truncated.
type Config struct {
	// VolumeThreshold is the level at or above which detection begins.
	VolumeThreshold float64

	// VolumeReleaseThreshold is the level a confirmed utterance must stay at
	// or above to keep speaking. Zero means VolumeThreshold.
	VolumeReleaseThreshold float64

	// SpeechConfirmation is how long volume must stay at or above
	// VolumeThreshold after detection began before speech is confirmed.
	SpeechConfirmation time.Duration

	// DetectionGracePeriod is the longest dip below VolumeThreshold that an
	// unconfirmed detection survives.
	DetectionGracePeriod time.Duration

	// ConfirmedDropGracePeriod debounces dips below the release threshold
	// once speech is confirmed. A dip shorter than this never ends the
	// utterance, regardless of SilenceDuration. Optional.
	ConfirmedDropGracePeriod time.Duration

	// SilenceDuration is how long volume must stay below the release
	// threshold to end a confirmed utterance.
	SilenceDuration time.Duration

	// MinChunkDuration is the flush granularity in continuous mode.
	MinChunkDuration time.Duration

	// PCMSampleRate is the sample rate of the mono 16-bit PCM passed to
	// [Segmenter.PushPCMChunk].
	PCMSampleRate int

	// EnableContinuousStreaming flushes audio every MinChunkDuration instead
	// of once per utterance.
	EnableContinuousStreaming bool

	// PreRoll bounds how much audio is kept while no utterance is open in
	// turn mode, so the onset of speech that precedes confirmation is not
	// lost. Zero means SpeechConfirmation + DetectionGracePeriod.
	PreRoll time.Duration
}

// DefaultConfig returns the tuning used by new voice sessions when the
// configuration file does not override it.
func DefaultConfig() Config {
	return Config{
		VolumeThreshold:      0.3,
		SpeechConfirmation:   300 * time.Millisecond,
		DetectionGracePeriod: 200 * time.Millisecond,
		SilenceDuration:      2 * time.Second,
		MinChunkDuration:     time.Second,
		PCMSampleRate:        16000,
	}
}

// ReleaseThreshold returns the effective release threshold.
func (c Config) ReleaseThreshold() float64 {
	if c.VolumeReleaseThreshold == 0 {
		return c.VolumeThreshold
	}
	return c.VolumeReleaseThreshold
}

// Validate reports every invalid field as an [*audio.ConfigurationError],
// joined with [errors.Join].
func (c Config) Validate() error {
	var errs []error
	bad := func(field, reason string) {
		errs = append(errs, &audio.ConfigurationError{Field: field, Reason: reason})
	}

	if !finite(c.VolumeThreshold) || c.VolumeThreshold <= 0 {
		bad("VolumeThreshold", "must be a positive number")
	}
	switch {
	case !finite(c.VolumeReleaseThreshold) || c.VolumeReleaseThreshold < 0:
		bad("VolumeReleaseThreshold", "must not be negative")
	case c.VolumeReleaseThreshold > c.VolumeThreshold:
		bad("VolumeReleaseThreshold", "must not exceed VolumeThreshold")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"SpeechConfirmation", c.SpeechConfirmation},
		{"DetectionGracePeriod", c.DetectionGracePeriod},
		{"ConfirmedDropGracePeriod", c.ConfirmedDropGracePeriod},
		{"SilenceDuration", c.SilenceDuration},
		{"PreRoll", c.PreRoll},
	}
	for _, d := range durations {
		if d.d < 0 {
			bad(d.name, "must not be negative")
		}
	}

	if c.EnableContinuousStreaming && c.MinChunkDuration <= 0 {
		bad("MinChunkDuration", "must be positive in continuous mode")
	} else if c.MinChunkDuration < 0 {
		bad("MinChunkDuration", "must not be negative")
	}
	if c.PCMSampleRate <= 0 {
		bad("PCMSampleRate", "must be positive")
	}
	return errors.Join(errs...)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// bytesFor returns the whole-sample byte count of d at sampleRate.
func bytesFor(d time.Duration, sampleRate int) int {
	return int(d.Milliseconds()*int64(sampleRate)/1000) * 2
}
