package whisper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
)

// inferFunc transcribes one buffer of mono 16-bit PCM.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// sessionConfig is the immutable part of a [session].
type sessionConfig struct {
	sampleRate     int
	maxBufferBytes int  // force a final once this much audio is buffered; 0 = unbounded
	partials       bool // transcribe non-final segments as partials
	infer          inferFunc
}

// session buffers segmenter output and hands every completed utterance to
// whisper as one batch request. It implements stt.SessionHandle for both the
// HTTP and the native backend. All buffer state is confined to the
// processLoop goroutine.
type session struct {
	cfg sessionConfig

	segCh    chan audio.AudioSegment
	partials chan stt.Transcript
	finals   chan stt.Transcript

	// lifecycle
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newSession(ctx context.Context, cfg sessionConfig) *session {
	s := &session{
		cfg:      cfg,
		segCh:    make(chan audio.AudioSegment, 64),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendSegment queues one segment. Calling SendSegment after Close returns
// [stt.ErrSessionClosed].
func (s *session) SendSegment(seg audio.AudioSegment) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.segCh <- seg:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns a read-only channel that emits interim Transcript values
// for non-final segments when partials are enabled. The channel is closed
// when the session ends.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns a read-only channel that emits one Transcript per
// utterance. The channel is closed when the session ends.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords always returns [stt.ErrNotSupported] because whisper.cpp does
// not expose a keyword-boosting API. The session remains usable.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return stt.ErrNotSupported
}

// Close terminates the session, transcribes any pending audio, closes the
// Partials and Finals channels, and releases all associated resources.
// Calling Close more than once is safe and returns nil.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for buffering and
// inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer []byte
		offset time.Duration // audio sent before the current utterance
	)

	emit := func(ch chan stt.Transcript, tr stt.Transcript) {
		// Non-blocking: a consumer that stopped reading must not wedge the
		// session during shutdown.
		select {
		case ch <- tr:
		default:
			slog.Warn("whisper: transcript dropped, consumer is not reading", "final", tr.IsFinal)
		}
	}

	commit := func(inferCtx context.Context) {
		if len(buffer) == 0 {
			return
		}
		pcm := buffer
		buffer = nil
		dur := audio.Duration(pcm, s.cfg.sampleRate)
		start := offset
		offset += dur

		text, err := s.cfg.infer(inferCtx, pcm)
		if err != nil {
			slog.Error("whisper: inference failed", "err", err)
			return
		}
		if text == "" {
			return
		}
		emit(s.finals, stt.Transcript{Text: text, IsFinal: true, Timestamp: start, Duration: dur})
	}

	// flushWithTimeout performs a final flush using a fresh background context
	// with a generous timeout, independent of the caller-supplied ctx which may
	// already be cancelled.
	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		commit(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			// Drain what was accepted before Close.
			for {
				select {
				case seg := <-s.segCh:
					buffer = append(buffer, seg.Data...)
					if seg.IsLast {
						flushWithTimeout()
					}
					continue
				default:
				}
				break
			}
			flushWithTimeout()
			return

		case seg := <-s.segCh:
			buffer = append(buffer, seg.Data...)
			switch {
			case seg.IsLast:
				commit(ctx)
			case s.cfg.maxBufferBytes > 0 && len(buffer) >= s.cfg.maxBufferBytes:
				commit(ctx)
			case s.cfg.partials && len(seg.Data) > 0:
				text, err := s.cfg.infer(ctx, buffer)
				if err != nil {
					slog.Warn("whisper: partial inference failed", "err", err)
					continue
				}
				if text != "" {
					emit(s.partials, stt.Transcript{
						Text:      text,
						Timestamp: offset,
						Duration:  audio.Duration(buffer, s.cfg.sampleRate),
					})
				}
			}
		}
	}
}

// Compile-time assertion that session satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*session)(nil)
