// Package voice runs the per-client voice sessions of the daemon.
//
// A [Session] joins the capture and the playback half of one connected
// client. Captured PCM is measured by a VAD session (unless the client
// reports its own microphone level), segmented into utterances and streamed
// to an STT provider. Final transcripts are published to the client,
// interpreted as voice commands, persisted, and forwarded to the attached
// agent. Replies go the other way through TTS and a duplex playback
// controller that holds them back while the user talks.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/agentvox/internal/agent"
	"github.com/MrWong99/agentvox/internal/observe"
	"github.com/MrWong99/agentvox/internal/transcript"
	"github.com/MrWong99/agentvox/internal/voicecmd"
	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/audio/duplex"
	"github.com/MrWong99/agentvox/pkg/audio/segmenter"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
	"github.com/MrWong99/agentvox/pkg/provider/tts"
	"github.com/MrWong99/agentvox/pkg/provider/vad"
)

// ErrClosed is returned by session methods after Close.
var ErrClosed = errors.New("voice: session closed")

// eventBuffer is the capacity of the event channel. Events are dropped when
// the consumer falls this far behind.
const eventBuffer = 64

// Config holds everything a [Session] needs. STT, TTS and Engine are
// required.
type Config struct {
	// ID identifies the session in transcripts, agent messages and logs.
	ID string

	Segmenter segmenter.Config

	STT    stt.Provider
	TTS    tts.Provider
	Engine audio.NativeEngine

	// VAD measures captured frames for clients that do not send volume
	// messages. Optional; without it such clients never trigger detection.
	VAD vad.Engine

	// VADConfig tunes the VAD session. SampleRate is taken from Segmenter.
	VADConfig vad.Config

	// Agents receives routed transcripts. Optional.
	Agents agent.Controller

	// Store persists final transcripts. Optional.
	Store transcript.Store

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Parser interprets voice commands. Nil uses the default parser.
	Parser *voicecmd.Parser

	// Commands enables voice commands. When false every final transcript is
	// forwarded unchanged to the attached agent.
	Commands bool

	// Agent is attached when the session starts. Optional.
	Agent string

	// Language is the BCP-47 tag passed to STT.
	Language string

	// Keywords are boosted by STT, typically the agent names.
	Keywords []string

	Voice tts.VoiceProfile

	// PollInterval and WatchdogGrace tune the playback controller. Zero
	// keeps the controller defaults.
	PollInterval  time.Duration
	WatchdogGrace time.Duration

	Retry RetryConfig
}

func (c Config) validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("voice: session id is required"))
	}
	if c.STT == nil {
		errs = append(errs, errors.New("voice: stt provider is required"))
	}
	if c.TTS == nil {
		errs = append(errs, errors.New("voice: tts provider is required"))
	}
	if c.Engine == nil {
		errs = append(errs, errors.New("voice: playback engine is required"))
	}
	return errors.Join(errs...)
}

// Session is one connected voice client. All exported methods are safe for
// concurrent use.
type Session struct {
	id       string
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time
	dispatch *voicecmd.Dispatcher

	stream *stream
	ctrl   *duplex.Controller
	supp   *duplex.Suppression

	// segMu guards the segmenter, the VAD session and the capture clock.
	segMu        sync.Mutex
	seg          *segmenter.Segmenter
	vad          vad.SessionHandle
	samples      int64
	lastTS       int64
	clientLevels bool

	lastSegment atomic.Int64
	closing     atomic.Bool
	closeOnce   sync.Once
	consumed    chan struct{}

	evMu     sync.Mutex
	events   chan Event
	evClosed bool
}

// New starts a session: it opens the STT stream, warms up the playback
// engine, and starts consuming transcripts. ctx bounds only the startup.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	sctx, cancel := context.WithCancel(observe.WithSessionID(context.Background(), cfg.ID))
	s := &Session{
		id:       cfg.ID,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		log:      slog.With("session_id", cfg.ID),
		ctx:      sctx,
		cancel:   cancel,
		started:  time.Now(),
		supp:     duplex.NewSuppression(),
		consumed: make(chan struct{}),
		events:   make(chan Event, eventBuffer),
	}

	seg, err := segmenter.New(cfg.Segmenter, segmenter.Callbacks{
		OnAudioSegment:    s.onSegment,
		OnDetectingChange: s.onDetecting,
		OnSpeakingChange:  s.onSpeaking,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("voice: segmenter: %w", err)
	}
	s.seg = seg

	if cfg.VAD != nil {
		vcfg := cfg.VADConfig
		vcfg.SampleRate = cfg.Segmenter.PCMSampleRate
		h, err := cfg.VAD.NewSession(vcfg)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("voice: vad session: %w", err)
		}
		s.vad = h
	}

	opts := []duplex.Option{
		duplex.WithSuppression(s.supp),
		duplex.WithResultHook(s.onResult),
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, duplex.WithPollInterval(cfg.PollInterval))
	}
	if cfg.WatchdogGrace > 0 {
		opts = append(opts, duplex.WithWatchdogGrace(cfg.WatchdogGrace))
	}
	s.ctrl = duplex.New(cfg.Engine, opts...)

	if cfg.Agents != nil {
		s.dispatch = voicecmd.NewDispatcher(cfg.ID, cfg.Parser, cfg.Agents, s.Silence)
		if cfg.Agent != "" {
			s.dispatch.Attach(cfg.Agent)
		}
	}

	s.stream = newStream(cfg.STT, stt.StreamConfig{
		SampleRate: cfg.Segmenter.PCMSampleRate,
		Channels:   1,
		Language:   cfg.Language,
		Keywords:   Keywords(cfg.Keywords),
	}, cfg.Retry)
	h, err := s.stream.open(ctx)
	if err != nil {
		s.abort()
		return nil, err
	}

	if err := s.ctrl.Warmup(ctx); err != nil {
		_ = s.stream.close()
		s.abort()
		return nil, fmt.Errorf("voice: warm up playback: %w", err)
	}

	go s.consume(h)

	s.log.Info("voice: session started",
		"sample_rate", cfg.Segmenter.PCMSampleRate,
		"commands", cfg.Commands,
		"agent", cfg.Agent,
	)
	return s, nil
}

// abort releases what New built before the consumer goroutine existed.
func (s *Session) abort() {
	_ = s.ctrl.Close()
	if s.vad != nil {
		_ = s.vad.Close()
	}
	s.cancel()
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.started }

// Events returns the notification channel. It is closed by Close.
func (s *Session) Events() <-chan Event { return s.events }

// Attached returns the agent transcripts are routed to, or "".
func (s *Session) Attached() string {
	if s.dispatch == nil {
		return ""
	}
	return s.dispatch.Attached()
}

// PushPCM feeds one captured frame of mono 16-bit PCM. Unless the client
// reports levels itself the frame is measured by the VAD session and the
// level is pushed at the frame's end time on the audio clock.
func (s *Session) PushPCM(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	s.segMu.Lock()
	defer s.segMu.Unlock()
	if s.closing.Load() {
		return ErrClosed
	}

	s.seg.PushPCMChunk(pcm)
	s.samples += int64(len(pcm) / 2)
	if s.clientLevels || s.vad == nil {
		return nil
	}

	level, err := s.vad.ProcessFrame(pcm)
	if err != nil {
		return fmt.Errorf("voice: vad: %w", err)
	}
	ts := s.samples * 1000 / int64(s.cfg.Segmenter.PCMSampleRate)
	s.lastTS = max(s.lastTS, ts)
	s.seg.PushVolumeLevel(level, ts)
	return nil
}

// PushVolume feeds a level reported by the client. From then on VAD
// measurement is skipped for this session.
func (s *Session) PushVolume(level float64, tsMS int64) error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if s.closing.Load() {
		return ErrClosed
	}

	s.clientLevels = true
	s.lastTS = max(s.lastTS, tsMS)
	s.seg.PushVolumeLevel(level, tsMS)
	return nil
}

// StopInput ends the capture stream at tsMS, flushing buffered audio as the
// last segment of the utterance. Zero means the latest known time. The
// session keeps running and accepts new audio afterwards.
func (s *Session) StopInput(tsMS int64) error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if s.closing.Load() {
		return ErrClosed
	}
	s.stopLocked(tsMS)
	return nil
}

func (s *Session) stopLocked(tsMS int64) {
	if tsMS <= 0 {
		tsMS = s.lastTS
	}
	s.lastTS = max(s.lastTS, tsMS)
	s.seg.Stop(tsMS)
	if s.vad != nil {
		s.vad.Reset()
	}
}

// Speak synthesises text and queues it for playback.
func (s *Session) Speak(ctx context.Context, text string) (*duplex.Playback, error) {
	if s.closing.Load() {
		return nil, ErrClosed
	}
	ctx = observe.WithSessionID(ctx, s.id)
	ctx, span := observe.StartSpan(ctx, "voice.speak",
		trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer span.End()

	start := time.Now()
	blob, err := s.cfg.TTS.Synthesize(ctx, text, s.cfg.Voice)
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("voice: synthesize: %w", err)
	}

	p := s.ctrl.Play(blob)
	observe.Logger(ctx).Debug("voice: reply queued", "id", p.ID(), "queued", s.ctrl.Len())
	return p, nil
}

// ClearQueue drops queued replies. The one playing continues.
func (s *Session) ClearQueue() { s.ctrl.ClearQueue() }

// Silence drops every queued reply and stops the one playing.
func (s *Session) Silence() {
	s.ctrl.ClearQueue()
	s.ctrl.Stop()
}

// Ack forwards a client playback acknowledgment to the engine when it
// supports tracked playback.
func (s *Session) Ack(id string) bool {
	n, ok := s.cfg.Engine.(interface{ Ack(string) bool })
	if !ok {
		return false
	}
	return n.Ack(id)
}

// SetKeywords replaces the STT boost list. Providers that cannot update a
// running stream pick the list up when the stream is reopened.
func (s *Session) SetKeywords(words []string) error {
	err := s.stream.setKeywords(Keywords(words))
	if errors.Is(err, stt.ErrNotSupported) {
		return nil
	}
	return err
}

// Close ends the capture stream, stops playback, closes the STT stream and
// waits for the last transcripts to be handled. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.segMu.Lock()
		s.stopLocked(0)
		s.segMu.Unlock()

		_ = s.ctrl.Close()

		err = s.stream.close()
		<-s.consumed
		s.cancel()

		if s.vad != nil {
			_ = s.vad.Close()
		}

		s.evMu.Lock()
		s.evClosed = true
		close(s.events)
		s.evMu.Unlock()

		s.log.Info("voice: session closed", "duration", time.Since(s.started).Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("voice: close stt stream: %w", err)
	}
	return nil
}

// Keywords turns agent names into STT keyword boosts.
func Keywords(names []string) []stt.KeywordBoost {
	if len(names) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, stt.KeywordBoost{Keyword: n, Boost: 2})
		}
	}
	return out
}

// ─── capture callbacks, called with segMu held ──────────────────────────────

func (s *Session) onSegment(seg audio.AudioSegment) {
	s.metrics.RecordSegment(s.ctx, seg.IsLast)
	if seg.IsLast {
		s.lastSegment.Store(time.Now().UnixNano())
	}
	if err := s.stream.send(seg); err != nil {
		s.log.Warn("voice: send segment", "bytes", len(seg.Data), "last", seg.IsLast, "err", err)
		if !s.closing.Load() {
			s.emit(Event{Type: EventError, Error: err.Error()})
		}
	}
}

func (s *Session) onDetecting(v bool) {
	s.supp.SetDetecting(v)
	s.emit(activeEvent(EventDetecting, v))
}

func (s *Session) onSpeaking(v bool) {
	s.supp.SetSpeaking(v)
	s.emit(activeEvent(EventSpeaking, v))
}

func (s *Session) onResult(r duplex.Result) {
	status := observe.PlaybackPlayed
	switch {
	case r.Err == nil:
	case errors.Is(r.Err, audio.ErrPlaybackStopped):
		status = observe.PlaybackStopped
	case errors.Is(r.Err, audio.ErrQueueCleared):
		status = observe.PlaybackCleared
	default:
		status = observe.PlaybackFailed
		s.log.Warn("voice: playback failed", "id", r.ID, "err", r.Err)
	}
	s.metrics.RecordPlayback(s.ctx, status, r.Duration.Seconds())
	if r.Deferred {
		s.metrics.PlaybackSuppressed.Add(s.ctx, 1)
	}
}

// emit publishes ev without blocking.
func (s *Session) emit(ev Event) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("voice: event dropped, client too slow", "type", string(ev.Type))
	}
}

// ─── transcript consumer ────────────────────────────────────────────────────

// consume handles transcripts until the session closes, reopening the STT
// stream when the provider ends it early.
func (s *Session) consume(h stt.SessionHandle) {
	defer close(s.consumed)
	for {
		s.drain(h)
		if s.closing.Load() {
			return
		}
		s.log.Warn("voice: stt stream ended unexpectedly")
		next, err := s.stream.reopen(s.ctx)
		if err != nil {
			if !s.closing.Load() {
				s.log.Error("voice: transcription unavailable", "err", err)
				s.emit(Event{Type: EventError, Error: err.Error()})
			}
			return
		}
		h = next
	}
}

func (s *Session) drain(h stt.SessionHandle) {
	partials, finals := h.Partials(), h.Finals()
	for {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if text := strings.TrimSpace(tr.Text); text != "" {
				s.emit(Event{Type: EventPartial, Text: text, Confidence: tr.Confidence})
			}
		case tr, ok := <-finals:
			if !ok {
				return
			}
			s.handleFinal(tr)
		}
	}
}

func (s *Session) handleFinal(tr stt.Transcript) {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	ctx, span := observe.StartSpan(s.ctx, "voice.transcript")
	defer span.End()

	if at := s.lastSegment.Swap(0); at != 0 {
		s.metrics.STTDuration.Record(ctx, time.Since(time.Unix(0, at)).Seconds())
	}
	s.metrics.Utterances.Add(ctx, 1)
	s.emit(Event{Type: EventTranscript, Text: text, Confidence: tr.Confidence})

	entry := transcript.Entry{
		SessionID:  s.id,
		Text:       text,
		Confidence: tr.Confidence,
		Offset:     tr.Timestamp,
		Duration:   tr.Duration,
	}

	if s.dispatch != nil {
		if s.cfg.Commands {
			cmd, err := s.dispatch.Dispatch(ctx, text)
			if err != nil {
				span.RecordError(err)
				s.log.Warn("voice: command failed", "kind", string(cmd.Kind), "agent", cmd.Agent, "err", err)
				s.emit(Event{Type: EventError, Error: err.Error()})
			}
			entry.Agent = cmd.Agent
			if cmd.Kind != voicecmd.KindNone && cmd.Kind != voicecmd.KindMessage {
				entry.Command = string(cmd.Kind)
				s.emit(Event{Type: EventCommand, Command: string(cmd.Kind), Agent: cmd.Agent, Text: cmd.Text})
			}
		} else {
			name, err := s.dispatch.Forward(ctx, text)
			if err != nil {
				s.log.Warn("voice: forward transcript", "agent", name, "err", err)
				s.emit(Event{Type: EventError, Error: err.Error()})
			}
			entry.Agent = name
		}
	}

	if s.cfg.Store != nil {
		if _, err := s.cfg.Store.Append(ctx, entry); err != nil {
			s.log.Warn("voice: persist transcript", "err", err)
		}
	}
}
