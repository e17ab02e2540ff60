package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/agentvox/internal/observe"
	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/audio/duplex"
)

var (
	// ErrSessionExists is returned by Open for an id that is already live.
	ErrSessionExists = errors.New("voice: session already exists")

	// ErrUnknownSession is returned for ids without a live session.
	ErrUnknownSession = errors.New("voice: unknown session")
)

// SessionInfo describes a live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ManagerConfig holds the dependencies of a [Manager].
type ManagerConfig struct {
	// Base returns the configuration new sessions start from. ID, Engine and
	// Agent are filled in per connection. It is called once per Open so that
	// reloaded settings apply to new sessions.
	Base func() Config

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager tracks the live voice sessions of the daemon.
// All exported methods are safe for concurrent use.
type Manager struct {
	base    func() Config
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session // nil while Open is in progress
	keywords []string
	closed   bool
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Manager{
		base:     cfg.Base,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Open starts a session playing through engine. An empty id gets a random
// one. agentName, when set, is attached from the start.
func (m *Manager) Open(ctx context.Context, id string, engine audio.NativeEngine, agentName string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.sessions[id] = nil
	keywords := slices.Clone(m.keywords)
	m.mu.Unlock()

	cfg := m.base()
	cfg.ID = id
	cfg.Engine = engine
	cfg.Metrics = m.metrics
	if agentName != "" {
		cfg.Agent = agentName
	}
	if keywords != nil {
		cfg.Keywords = keywords
	}

	s, err := New(ctx, cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.sessions, id)
		return nil, err
	}
	if m.closed {
		delete(m.sessions, id)
		go func() { _ = s.Close() }()
		return nil, ErrClosed
	}
	m.sessions[id] = s
	m.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("voice: session opened", "session_id", id, "agent", cfg.Agent, "live", len(m.sessions))
	return s, nil
}

// Get returns the live session id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	return s, s != nil
}

// Speak makes session id say text.
func (m *Manager) Speak(ctx context.Context, id, text string) (*duplex.Playback, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.Speak(ctx, text)
}

// Close closes and forgets session id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(context.Background(), -1)
	return s.Close()
}

// List returns the live sessions ordered by start time.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s == nil {
			continue
		}
		out = append(out, SessionInfo{ID: s.ID(), Agent: s.Attached(), StartedAt: s.StartedAt()})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// SetKeywords updates the STT boost list of every live session and of
// sessions opened later.
func (m *Manager) SetKeywords(words []string) {
	m.mu.Lock()
	m.keywords = slices.Clone(words)
	live := m.liveLocked()
	m.mu.Unlock()

	for _, s := range live {
		if err := s.SetKeywords(words); err != nil {
			slog.Warn("voice: update keywords", "session_id", s.ID(), "err", err)
		}
	}
}

// Shutdown closes every session. Sessions opened afterwards fail with
// [ErrClosed]. Closing stops when ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := m.liveLocked()
	clear(m.sessions)
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for _, s := range live {
			m.metrics.ActiveSessions.Add(context.Background(), -1)
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		slog.Info("voice: all sessions closed", "count", len(live))
		return err
	case <-ctx.Done():
		return fmt.Errorf("voice: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) liveLocked() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
