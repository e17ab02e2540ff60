package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInboxSize is the number of messages buffered per agent.
const DefaultInboxSize = 64

var _ Controller = (*Directory)(nil)

// Directory is the in-process [Controller]. Agent processes connect through
// [Directory.Subscribe] to receive their messages.
type Directory struct {
	inboxSize int
	now       func() time.Time

	mu     sync.Mutex
	order  []string
	agents map[string]*entry
}

type entry struct {
	status    Status
	startedAt time.Time
	inbox     chan Message
	connected bool
}

// DirectoryOption configures a [Directory].
type DirectoryOption func(*Directory)

// WithInboxSize overrides [DefaultInboxSize].
func WithInboxSize(n int) DirectoryOption {
	return func(d *Directory) {
		if n > 0 {
			d.inboxSize = n
		}
	}
}

// NewDirectory creates a Directory with the given agents, all stopped.
func NewDirectory(names []string, opts ...DirectoryOption) *Directory {
	d := &Directory{
		inboxSize: DefaultInboxSize,
		now:       time.Now,
		agents:    make(map[string]*entry),
	}
	for _, o := range opts {
		o(d)
	}
	d.SetAgents(names)
	return d
}

// SetAgents replaces the set of configured agents. Agents that remain keep
// their state; removed agents lose their inbox and their consumer sees it
// closed.
func (d *Directory) SetAgents(names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keep := make(map[string]bool, len(names))
	order := make([]string, 0, len(names))
	for _, n := range names {
		if keep[n] {
			continue
		}
		keep[n] = true
		order = append(order, n)
		if _, ok := d.agents[n]; !ok {
			d.agents[n] = &entry{status: StatusStopped, inbox: make(chan Message, d.inboxSize)}
		}
	}
	for n, e := range d.agents {
		if !keep[n] {
			close(e.inbox)
			delete(d.agents, n)
			slog.Info("agent removed", "agent", n)
		}
	}
	d.order = order
}

// List implements [Controller].
func (d *Directory) List(_ context.Context) ([]Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Info, 0, len(d.order))
	for _, n := range d.order {
		e := d.agents[n]
		out = append(out, Info{
			Name:      n,
			Status:    e.status,
			Connected: e.connected,
			Pending:   len(e.inbox),
			StartedAt: e.startedAt,
		})
	}
	return out, nil
}

// Start implements [Controller].
func (d *Directory) Start(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.lookup(name)
	if err != nil {
		return err
	}
	if e.status != StatusRunning {
		e.status = StatusRunning
		e.startedAt = d.now()
		slog.Info("agent started", "agent", name)
	}
	return nil
}

// Stop implements [Controller].
func (d *Directory) Stop(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.lookup(name)
	if err != nil {
		return err
	}
	if e.status != StatusStopped {
		e.status = StatusStopped
		e.startedAt = time.Time{}
		slog.Info("agent stopped", "agent", name)
	}
	return nil
}

// Send implements [Controller]. It never blocks.
func (d *Directory) Send(_ context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.lookup(msg.Agent)
	if err != nil {
		return err
	}
	if e.status != StatusRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, msg.Agent)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = d.now()
	}
	select {
	case e.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInboxFull, msg.Agent)
	}
}

// Subscribe hands the inbox of name to its agent process. Only one consumer
// may be connected at a time; call release to disconnect. The channel is
// closed if the agent is removed from the configuration.
func (d *Directory) Subscribe(name string) (inbox <-chan Message, release func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	if e.connected {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, name)
	}
	e.connected = true
	var once sync.Once
	release = func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if cur, ok := d.agents[name]; ok && cur == e {
				e.connected = false
			}
		})
	}
	return e.inbox, release, nil
}

// lookup must be called with d.mu held.
func (d *Directory) lookup(name string) (*entry, error) {
	e, ok := d.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return e, nil
}
