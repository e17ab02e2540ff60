// Package segmenter turns a live stream of volume samples and PCM chunks into
// utterance segments for speech recognition.
//
// The [Segmenter] is a synchronous state machine. It owns no timers and no
// goroutines: every decision is computed from the millisecond timestamps the
// caller passes to [Segmenter.PushVolumeLevel] and [Segmenter.Stop]. Feeding
// the same samples therefore always produces the same callbacks, which keeps
// the voice activity logic testable without a clock.
//
// State transitions:
//
//	Idle ──level ≥ threshold──▶ Detecting ──held for SpeechConfirmation──▶ Speaking
//	Detecting ──below threshold for > DetectionGracePeriod──▶ Idle
//	Speaking ──below release threshold──▶ SilenceGrace ──back above──▶ Speaking
//	SilenceGrace ──below release for SilenceDuration──▶ Idle (utterance ends)
package segmenter

import (
	"github.com/MrWong99/agentvox/pkg/audio"
)

// State is the voice activity state of a [Segmenter].
type State int

const (
	// Idle means no utterance is open.
	Idle State = iota

	// Detecting means volume crossed the start threshold but speech is not
	// confirmed yet.
	Detecting

	// Speaking means a confirmed utterance is in progress.
	Speaking

	// SilenceGrace means a confirmed utterance dropped below the release
	// threshold and will end unless volume recovers in time.
	SilenceGrace
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Detecting:
		return "detecting"
	case Speaking:
		return "speaking"
	case SilenceGrace:
		return "silence_grace"
	default:
		return "unknown"
	}
}

// Callbacks receive the output of a [Segmenter]. They are invoked
// synchronously from the push call that caused them, in the order detecting,
// speaking, segment. Callbacks must not call back into the Segmenter.
type Callbacks struct {
	// OnAudioSegment receives flushed audio. Required.
	OnAudioSegment func(audio.AudioSegment)

	// OnSpeechStart fires once per confirmed utterance.
	OnSpeechStart func()

	// OnSpeechEnd fires once when a confirmed utterance ends.
	OnSpeechEnd func()

	// OnDetectingChange reports whether voice activity is open, i.e. whether
	// the Segmenter left Idle.
	OnDetectingChange func(bool)

	// OnSpeakingChange reports confirmed speech starting and ending. Each
	// utterance yields exactly one true followed by one false.
	OnSpeakingChange func(bool)
}

// Segmenter is the speech segmentation state machine. Construct it with
// [New].
//
// A Segmenter is not safe for concurrent use. Timestamps must not decrease
// within a session; a timestamp earlier than the previous one is treated as
// equal to it.
type Segmenter struct {
	cfg     Config
	cb      Callbacks
	release float64

	state State
	// detectStart is when the current detection began.
	detectStart int64
	// dipStart is when volume last fell below the relevant threshold;
	// dipping reports whether it is still below.
	dipStart int64
	dipping  bool
	lastTS   int64
	started  bool

	buf         []byte
	chunkBytes  int
	preRollByte int
}

// New validates cfg and returns a Segmenter in the [Idle] state. Invalid
// configuration yields an error wrapping one [*audio.ConfigurationError] per
// bad field.
func New(cfg Config, cb Callbacks) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cb.OnAudioSegment == nil {
		return nil, &audio.ConfigurationError{Field: "OnAudioSegment", Reason: "is required"}
	}
	preRoll := cfg.PreRoll
	if preRoll == 0 {
		preRoll = cfg.SpeechConfirmation + cfg.DetectionGracePeriod
	}
	return &Segmenter{
		cfg:         cfg,
		cb:          cb,
		release:     cfg.ReleaseThreshold(),
		chunkBytes:  bytesFor(cfg.MinChunkDuration, cfg.PCMSampleRate),
		preRollByte: bytesFor(preRoll, cfg.PCMSampleRate),
	}, nil
}

// State returns the current voice activity state.
func (s *Segmenter) State() State { return s.state }

// Detecting reports whether voice activity is open (any state but [Idle]).
func (s *Segmenter) Detecting() bool { return s.state != Idle }

// Speaking reports whether a confirmed utterance is in progress.
func (s *Segmenter) Speaking() bool { return s.state == Speaking || s.state == SilenceGrace }

// Config returns the configuration the Segmenter was built with.
func (s *Segmenter) Config() Config { return s.cfg }

// PushVolumeLevel advances the state machine to timestampMS and applies the
// new volume level. Negative and NaN levels count as silence.
func (s *Segmenter) PushVolumeLevel(level float64, timestampMS int64) {
	ts := s.clock(timestampMS)
	if !(level > 0) {
		level = 0
	}

	// Whatever was below threshold stayed there until ts.
	s.expire(ts)

	switch s.state {
	case Idle:
		if level >= s.cfg.VolumeThreshold {
			s.state = Detecting
			s.detectStart = ts
			s.dipping = false
			s.emitDetecting(true)
		}
	case Detecting:
		if level < s.cfg.VolumeThreshold {
			if !s.dipping {
				s.dipping = true
				s.dipStart = ts
			}
		} else {
			s.dipping = false
		}
	case Speaking, SilenceGrace:
		if level < s.release {
			if !s.dipping {
				s.dipping = true
				s.dipStart = ts
			}
		} else {
			s.dipping = false
			s.state = Speaking
		}
	}

	s.confirm(ts, level)
	s.expire(ts)
}

// PushPCMChunk appends mono 16-bit PCM at Config.PCMSampleRate to the
// current buffer. In continuous mode a buffer already holding
// MinChunkDuration of audio is flushed before pcm is appended, so the most
// recent audio is always left for the final segment of [Segmenter.Stop].
func (s *Segmenter) PushPCMChunk(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	if s.cfg.EnableContinuousStreaming {
		if len(s.buf) >= s.chunkBytes {
			s.flush(false)
		}
		s.buf = append(s.buf, pcm...)
		return
	}
	s.buf = append(s.buf, pcm...)
	if s.state == Idle {
		s.trimPreRoll()
	}
}

// Stop ends the stream at timestampMS. An open utterance is closed
// immediately, then exactly one segment with IsLast set carries whatever is
// buffered, including an unconfirmed detection in full. The Segmenter is
// back in [Idle] afterwards and may be reused.
func (s *Segmenter) Stop(timestampMS int64) {
	s.clock(timestampMS)

	switch s.state {
	case Speaking, SilenceGrace:
		s.endUtterance(false)
	case Detecting:
		s.reset(false)
	}
	s.flush(true)
}

// clock clamps ts to be non-decreasing and records it.
func (s *Segmenter) clock(ts int64) int64 {
	if s.started && ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	s.started = true
	return ts
}

// confirm promotes a detection that held above threshold long enough.
func (s *Segmenter) confirm(ts int64, level float64) {
	if s.state != Detecting || s.dipping || level < s.cfg.VolumeThreshold {
		return
	}
	if ts-s.detectStart < s.cfg.SpeechConfirmation.Milliseconds() {
		return
	}
	s.state = Speaking
	if s.cb.OnSpeechStart != nil {
		s.cb.OnSpeechStart()
	}
	if s.cb.OnSpeakingChange != nil {
		s.cb.OnSpeakingChange(true)
	}
}

// expire applies the timers of an ongoing dip up to ts.
func (s *Segmenter) expire(ts int64) {
	if !s.dipping {
		return
	}
	elapsed := ts - s.dipStart

	switch s.state {
	case Detecting:
		if elapsed > s.cfg.DetectionGracePeriod.Milliseconds() {
			s.reset(true)
		}
	case Speaking, SilenceGrace:
		drop := s.cfg.ConfirmedDropGracePeriod.Milliseconds()
		if elapsed < drop {
			return
		}
		s.state = SilenceGrace
		if elapsed >= max(s.cfg.SilenceDuration.Milliseconds(), drop) {
			s.endUtterance(!s.cfg.EnableContinuousStreaming)
		}
	}
}

// reset abandons an unconfirmed detection. With trim set the turn buffer
// falls back to the pre-roll window.
func (s *Segmenter) reset(trim bool) {
	s.state = Idle
	s.dipping = false
	s.emitDetecting(false)
	if trim && !s.cfg.EnableContinuousStreaming {
		s.trimPreRoll()
	}
}

// endUtterance closes a confirmed utterance and optionally flushes the turn.
func (s *Segmenter) endUtterance(flush bool) {
	s.state = Idle
	s.dipping = false
	s.emitDetecting(false)
	if s.cb.OnSpeechEnd != nil {
		s.cb.OnSpeechEnd()
	}
	if s.cb.OnSpeakingChange != nil {
		s.cb.OnSpeakingChange(false)
	}
	if flush {
		s.flush(true)
	}
}

func (s *Segmenter) emitDetecting(v bool) {
	if s.cb.OnDetectingChange != nil {
		s.cb.OnDetectingChange(v)
	}
}

// flush hands the buffer to the segment callback and starts a new one.
func (s *Segmenter) flush(last bool) {
	data := s.buf
	if data == nil {
		data = []byte{}
	}
	s.buf = nil
	s.cb.OnAudioSegment(audio.AudioSegment{Data: data, IsLast: last})
}

// trimPreRoll drops audio older than the pre-roll window.
func (s *Segmenter) trimPreRoll() {
	if excess := len(s.buf) - s.preRollByte; excess > 0 {
		excess = min(excess+excess&1, len(s.buf))
		s.buf = append([]byte(nil), s.buf[excess:]...)
	}
}
