// Package mock provides a recording implementation of [agent.Controller] for
// use in unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentvox/internal/agent"
)

var _ agent.Controller = (*Controller)(nil)

// Controller is a mock implementation of [agent.Controller].
type Controller struct {
	mu sync.Mutex

	// Agents is returned by List.
	Agents []agent.Info

	// StartErr, StopErr and SendErr are returned by the corresponding methods.
	StartErr error
	StopErr  error
	SendErr  error

	// Started and Stopped record the names passed to Start and Stop.
	Started []string
	Stopped []string

	// Sent records every message passed to Send, including failed ones.
	Sent []agent.Message
}

// New returns a Controller knowing the given agent names.
func New(names ...string) *Controller {
	c := &Controller{}
	for _, n := range names {
		c.Agents = append(c.Agents, agent.Info{Name: n, Status: agent.StatusStopped})
	}
	return c
}

// List implements [agent.Controller].
func (c *Controller) List(_ context.Context) ([]agent.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Info(nil), c.Agents...), nil
}

// Start implements [agent.Controller].
func (c *Controller) Start(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Started = append(c.Started, name)
	return c.StartErr
}

// Stop implements [agent.Controller].
func (c *Controller) Stop(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Stopped = append(c.Stopped, name)
	return c.StopErr
}

// Send implements [agent.Controller].
func (c *Controller) Send(_ context.Context, msg agent.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, msg)
	return c.SendErr
}

// Messages returns a copy of Sent. Thread-safe.
func (c *Controller) Messages() []agent.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Message(nil), c.Sent...)
}

// StartedNames returns a copy of Started. Thread-safe.
func (c *Controller) StartedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Started...)
}
