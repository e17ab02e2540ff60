// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which segments were delivered.
//
// Example:
//
//	sess := mock.NewSession("attack the goblin")
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	handle.SendSegment(audio.AudioSegment{Data: pcm, IsLast: true})
//	tr := <-handle.Finals() // "attack the goblin"
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new Session without a script.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendSegmentCall records a single invocation of Session.SendSegment.
type SendSegmentCall struct {
	// Segment holds a copy of the delivered segment.
	Segment audio.AudioSegment
}

// SetKeywordsCall records a single invocation of Session.SetKeywords.
type SetKeywordsCall struct {
	// Keywords is a copy of the keyword list passed to SetKeywords.
	Keywords []stt.KeywordBoost
}

// Session is a mock implementation of stt.SessionHandle.
//
// Every segment with IsLast set pops the next entry of Script and emits it as
// a final transcript; an exhausted script emits nothing. Tests can also send
// to PartialsCh and FinalsCh directly. Close closes both channels once.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials().
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals().
	FinalsCh chan stt.Transcript

	// Script lists the final texts emitted on successive last segments.
	Script []string

	// SendSegmentErr, if non-nil, is returned by every SendSegment call.
	SendSegmentErr error

	// SetKeywordsErr, if non-nil, is returned by every SetKeywords call.
	SetKeywordsErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendSegmentCalls records every call to SendSegment in order.
	SendSegmentCalls []SendSegmentCall

	// SetKeywordsCalls records every call to SetKeywords in order.
	SetKeywordsCalls []SetKeywordsCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closed bool
}

// NewSession returns a Session with buffered channels that answers the
// given texts, in order, to successive last segments.
func NewSession(script ...string) *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
		Script:     script,
	}
}

// SendSegment records the call, emits the next scripted final on a last
// segment, and returns SendSegmentErr. After Close it returns
// [stt.ErrSessionClosed].
func (s *Session) SendSegment(seg audio.AudioSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := audio.AudioSegment{Data: append([]byte(nil), seg.Data...), IsLast: seg.IsLast}
	s.SendSegmentCalls = append(s.SendSegmentCalls, SendSegmentCall{Segment: cp})
	if s.SendSegmentErr != nil {
		return s.SendSegmentErr
	}
	if seg.IsLast && len(s.Script) > 0 {
		text := s.Script[0]
		s.Script = s.Script[1:]
		select {
		case s.FinalsCh <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1}:
		default:
		}
	}
	return nil
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// SetKeywords records the call and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw := make([]stt.KeywordBoost, len(keywords))
	copy(kw, keywords)
	s.SetKeywordsCalls = append(s.SetKeywordsCalls, SetKeywordsCall{Keywords: kw})
	return s.SetKeywordsErr
}

// SendSegmentCallCount returns the number of SendSegment calls. Thread-safe.
func (s *Session) SendSegmentCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendSegmentCalls)
}

// Segments returns a copy of every delivered segment. Thread-safe.
func (s *Session) Segments() []audio.AudioSegment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioSegment, len(s.SendSegmentCalls))
	for i, c := range s.SendSegmentCalls {
		out[i] = c.Segment
	}
	return out
}

// Close records the call, closes the channels on first use, and returns
// CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		if s.PartialsCh != nil {
			close(s.PartialsCh)
		}
		if s.FinalsCh != nil {
			close(s.FinalsCh)
		}
	}
	return s.CloseErr
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendSegmentCalls = nil
	s.SetKeywordsCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
