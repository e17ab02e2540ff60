package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentvox/internal/agent"
)

// agentMessage is sent to a connected agent process.
type agentMessage struct {
	Type string `json:"type"`
	agent.Message
}

// agentCommand is received from a connected agent process.
type agentCommand struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Text    string `json:"text"`
}

// agentAck confirms a say command.
type agentAck struct {
	Type     string `json:"type"`
	Session  string `json:"session"`
	Playback string `json:"playback"`
}

// handleListAgents handles GET /v1/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agents == nil {
		writeJSON(w, http.StatusOK, []agent.Info{})
		return
	}
	infos, err := s.cfg.Agents.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []agent.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleStartAgent handles POST /v1/agents/{name}/start.
func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "start", func(ctx context.Context, name string) error {
		return s.cfg.Agents.Start(ctx, name)
	})
}

// handleStopAgent handles POST /v1/agents/{name}/stop.
func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, "stop", func(ctx context.Context, name string) error {
		return s.cfg.Agents.Stop(ctx, name)
	})
}

func (s *Server) agentAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	name := r.PathValue("name")
	if s.cfg.Agents == nil {
		writeError(w, http.StatusNotFound, "agents are not configured")
		return
	}
	if err := fn(r.Context(), name); err != nil {
		if errors.Is(err, agent.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("gateway: agent "+action, "agent", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentConnect handles GET /v1/agents/{name}/connect.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.cfg.Inboxes == nil {
		writeError(w, http.StatusNotFound, "agents are not configured")
		return
	}
	inbox, release, err := s.cfg.Inboxes.Subscribe(name)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, agent.ErrUnknownAgent):
			status = http.StatusNotFound
		case errors.Is(err, agent.ErrAlreadyConnected):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	defer release()

	conn, err := s.accept(w, r)
	if err != nil {
		slog.Warn("gateway: agent upgrade failed", "agent", name, "err", err)
		return
	}
	defer conn.CloseNow()

	ac := &agentConn{srv: s, conn: conn, name: name, log: slog.With("agent", name)}
	ac.log.Info("gateway: agent connected")
	err = ac.serve(r.Context(), inbox)
	switch {
	case err == nil, errors.Is(err, errDisconnected):
		ac.log.Info("gateway: agent disconnected")
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		ac.log.Warn("gateway: agent connection ended", "err", err)
		conn.Close(websocket.StatusInternalError, "internal error")
	}
}

// agentConn is one connected agent process.
type agentConn struct {
	srv  *Server
	conn *websocket.Conn
	name string
	log  *slog.Logger

	mu          sync.Mutex
	lastSession string
}

func (ac *agentConn) serve(ctx context.Context, inbox <-chan agent.Message) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ac.forward(gctx, inbox) })
	g.Go(func() error { return ac.readLoop(gctx) })
	return g.Wait()
}

// forward delivers inbox messages until the inbox closes, which happens when
// the agent is removed from the configuration.
func (ac *agentConn) forward(ctx context.Context, inbox <-chan agent.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbox:
			if !ok {
				return errDisconnected
			}
			ac.mu.Lock()
			ac.lastSession = msg.SessionID
			ac.mu.Unlock()
			if err := ac.srv.writeWS(ctx, ac.conn, agentMessage{Type: "message", Message: msg}); err != nil {
				if closedNormally(err) {
					return errDisconnected
				}
				return fmt.Errorf("gateway: forward to agent: %w", err)
			}
		}
	}
}

func (ac *agentConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := ac.conn.Read(ctx)
		if err != nil {
			if closedNormally(err) {
				return errDisconnected
			}
			return fmt.Errorf("gateway: read agent: %w", err)
		}
		if typ != websocket.MessageText {
			ac.sendError(ctx, "binary messages are not supported")
			continue
		}
		var cmd agentCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			ac.sendError(ctx, "invalid message")
			continue
		}
		switch cmd.Type {
		case "say":
			ac.say(ctx, cmd)
		default:
			ac.sendError(ctx, fmt.Sprintf("unknown message type %q", cmd.Type))
		}
	}
}

// say speaks text in the named session, or in the session of the last
// message the agent received.
func (ac *agentConn) say(ctx context.Context, cmd agentCommand) {
	id := cmd.Session
	if id == "" {
		ac.mu.Lock()
		id = ac.lastSession
		ac.mu.Unlock()
	}
	if id == "" {
		ac.sendError(ctx, "say: no session")
		return
	}
	p, err := ac.srv.cfg.Sessions.Speak(ctx, id, cmd.Text)
	if err != nil {
		ac.log.Warn("gateway: agent say", "session_id", id, "err", err)
		ac.sendError(ctx, err.Error())
		return
	}
	if err := ac.srv.writeWS(ctx, ac.conn, agentAck{Type: "queued", Session: id, Playback: p.ID()}); err != nil {
		ac.log.Debug("gateway: write ack", "err", err)
	}
}

func (ac *agentConn) sendError(ctx context.Context, msg string) {
	if err := ac.srv.writeWS(ctx, ac.conn, errorMessage{Type: "error", Error: msg}); err != nil {
		ac.log.Debug("gateway: write error message", "err", err)
	}
}
