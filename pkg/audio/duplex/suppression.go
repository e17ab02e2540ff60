package duplex

import "sync"

// Suppression is an observable "the user is talking" condition. The voice
// session publishes the segmenter's detecting and speaking state into it and
// the [Controller] wakes up on every change instead of polling.
//
// The zero value is not usable; create one with [NewSuppression]. All methods
// are safe for concurrent use.
type Suppression struct {
	mu        sync.Mutex
	detecting bool
	speaking  bool
	changed   chan struct{} // closed and replaced on every change
}

// NewSuppression returns a Suppression with both flags cleared.
func NewSuppression() *Suppression {
	return &Suppression{changed: make(chan struct{})}
}

// SetDetecting records whether voice activity is being detected.
func (s *Suppression) SetDetecting(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detecting == v {
		return
	}
	s.detecting = v
	s.broadcastLocked()
}

// SetSpeaking records whether confirmed speech is in progress.
func (s *Suppression) SetSpeaking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking == v {
		return
	}
	s.speaking = v
	s.broadcastLocked()
}

// Detecting reports the last value passed to SetDetecting.
func (s *Suppression) Detecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detecting
}

// Speaking reports the last value passed to SetSpeaking.
func (s *Suppression) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Active reports whether playback must be held back.
func (s *Suppression) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detecting || s.speaking
}

// Changed returns a channel that is closed on the next change. Fetch it
// before reading the state to avoid missing an update.
func (s *Suppression) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Suppression) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
