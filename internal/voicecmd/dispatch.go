package voicecmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/agentvox/internal/agent"
)

// Dispatcher executes the commands of one voice session. It remembers which
// agent the session is attached to.
//
// All methods are safe for concurrent use.
type Dispatcher struct {
	parser    *Parser
	ctrl      agent.Controller
	sessionID string
	silence   func()

	mu       sync.Mutex
	attached string
}

// NewDispatcher creates a Dispatcher for sessionID. silence is called for
// [KindSilence] and must not block.
func NewDispatcher(sessionID string, p *Parser, ctrl agent.Controller, silence func()) *Dispatcher {
	if p == nil {
		p = NewParser(nil)
	}
	if silence == nil {
		silence = func() {}
	}
	return &Dispatcher{parser: p, ctrl: ctrl, sessionID: sessionID, silence: silence}
}

// Attached returns the attached agent, or "".
func (d *Dispatcher) Attached() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

// Attach attaches the session to name without checking that the agent
// exists. An empty name detaches.
func (d *Dispatcher) Attach(name string) {
	d.mu.Lock()
	d.attached = name
	d.mu.Unlock()
}

// Forward sends text to the attached agent without interpreting it. It
// returns "" when no agent is attached.
func (d *Dispatcher) Forward(ctx context.Context, text string) (string, error) {
	name := d.Attached()
	if name == "" || text == "" {
		return "", nil
	}
	return name, d.send(ctx, name, text)
}

// Dispatch parses text and executes it. The returned command has Kind
// [KindNone] when nothing was done, which is the case for blank text and for
// free speech while no agent is attached.
//
// Starting an agent attaches the session to it unless the session is already
// attached elsewhere; stopping the attached agent detaches.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (Command, error) {
	agents, err := agent.Names(ctx, d.ctrl)
	if err != nil {
		return Command{}, fmt.Errorf("voicecmd: list agents: %w", err)
	}
	cmd := d.parser.Parse(text, agents)

	switch cmd.Kind {
	case KindNone:
		return cmd, nil

	case KindSilence:
		d.silence()

	case KindStart:
		if err := d.ctrl.Start(ctx, cmd.Agent); err != nil {
			return cmd, fmt.Errorf("voicecmd: start %s: %w", cmd.Agent, err)
		}
		d.mu.Lock()
		if d.attached == "" {
			d.attached = cmd.Agent
		}
		d.mu.Unlock()

	case KindStop:
		if err := d.ctrl.Stop(ctx, cmd.Agent); err != nil {
			return cmd, fmt.Errorf("voicecmd: stop %s: %w", cmd.Agent, err)
		}
		d.mu.Lock()
		if d.attached == cmd.Agent {
			d.attached = ""
		}
		d.mu.Unlock()

	case KindAttach:
		d.mu.Lock()
		d.attached = cmd.Agent
		d.mu.Unlock()

	case KindTell:
		if err := d.send(ctx, cmd.Agent, cmd.Text); err != nil {
			return cmd, err
		}

	case KindMessage:
		cmd.Agent = d.Attached()
		if cmd.Agent == "" {
			return Command{}, nil
		}
		if err := d.send(ctx, cmd.Agent, cmd.Text); err != nil {
			return cmd, err
		}
	}

	slog.Debug("voicecmd: dispatched",
		"session_id", d.sessionID,
		"kind", string(cmd.Kind),
		"agent", cmd.Agent,
		"match", cmd.Match.String())
	return cmd, nil
}

func (d *Dispatcher) send(ctx context.Context, name, text string) error {
	err := d.ctrl.Send(ctx, agent.Message{
		ID:        uuid.NewString(),
		Agent:     name,
		SessionID: d.sessionID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("voicecmd: send to %s: %w", name, err)
	}
	return nil
}
