// Package agent defines how voice sessions remote-control coding agents.
//
// A coding agent is an external process (an editor plugin, a CLI agent, a CI
// bot) that registers under a name and receives the user's spoken requests
// as [Message] values. Voice sessions never talk to agents directly; they go
// through a [Controller], which also tracks whether each agent is running.
package agent

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownAgent is returned for names that are not configured.
	ErrUnknownAgent = errors.New("agent: unknown agent")

	// ErrNotRunning is returned by Send for an agent that was not started.
	ErrNotRunning = errors.New("agent: agent is not running")

	// ErrInboxFull is returned by Send when the agent does not keep up with
	// its messages.
	ErrInboxFull = errors.New("agent: inbox full")

	// ErrAlreadyConnected is returned when a second consumer subscribes to an
	// agent's inbox.
	ErrAlreadyConnected = errors.New("agent: already connected")
)

// Status is the run state of an agent.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Info describes one agent.
type Info struct {
	Name   string `json:"name"`
	Status Status `json:"status"`

	// Connected reports whether the agent process is consuming its inbox.
	Connected bool `json:"connected"`

	// Pending is the number of undelivered messages.
	Pending int `json:"pending"`

	StartedAt time.Time `json:"started_at,omitzero"`
}

// Message is a request forwarded to an agent.
type Message struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// Controller starts, stops, and messages agents. Implementations must be
// safe for concurrent use.
type Controller interface {
	// List returns every configured agent in configuration order.
	List(ctx context.Context) ([]Info, error)

	// Start marks the agent running. Starting a running agent is a no-op.
	Start(ctx context.Context, name string) error

	// Stop marks the agent stopped. Undelivered messages are kept.
	Stop(ctx context.Context, name string) error

	// Send queues msg for the agent named msg.Agent.
	Send(ctx context.Context, msg Message) error
}

// Names returns the names of every agent known to c.
func Names(ctx context.Context, c Controller) ([]string, error) {
	infos, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, in := range infos {
		names[i] = in.Name
	}
	return names, nil
}
