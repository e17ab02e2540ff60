// Package gateway exposes voice sessions and agents over HTTP.
//
// Voice clients connect a websocket to GET /v1/voice. Binary messages carry
// captured PCM16LE mono audio at the configured capture rate; text messages
// are JSON control messages:
//
//	{"type":"volume","level":0.4,"ts":123}   client-measured microphone level
//	{"type":"stop","ts":456}                 end of the capture stream
//	{"type":"speak","text":"…"}              synthesise and play text
//	{"type":"played","id":"…"}               playback acknowledgment
//	{"type":"clear"}                         drop queued replies
//
// The server sends a {"type":"session","id":"…"} greeting, the playback
// protocol of package wsengine, and the JSON events of package voice.
//
// Agent processes connect a websocket to GET /v1/agents/{name}/connect. They
// receive {"type":"message",…} for every utterance routed to them and may
// answer {"type":"say","session":"…","text":"…"} to speak in a session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/agentvox/internal/agent"
	"github.com/MrWong99/agentvox/internal/transcript"
	"github.com/MrWong99/agentvox/internal/voice"
	"github.com/MrWong99/agentvox/pkg/audio/wsengine"
)

// Defaults for [Config].
const (
	DefaultReadLimit    = 1 << 20
	DefaultWriteTimeout = 5 * time.Second
)

// Subscriber hands out agent inboxes. [*agent.Directory] implements it.
type Subscriber interface {
	Subscribe(name string) (<-chan agent.Message, func(), error)
}

// Config holds the dependencies of a [Server]. Sessions is required.
type Config struct {
	Sessions *voice.Manager

	// Agents backs the agent REST endpoints. Optional.
	Agents agent.Controller

	// Inboxes backs the agent websocket endpoint. Optional.
	Inboxes Subscriber

	// Transcripts backs the transcript endpoint. Optional.
	Transcripts transcript.Store

	// PlaybackRate and Codec configure the playback engine of each voice
	// connection. See [Server.SetPlayback].
	PlaybackRate int
	Codec        wsengine.Codec

	// OriginPatterns are passed to websocket.Accept. Empty allows only
	// same-origin browser clients.
	OriginPatterns []string

	// ReadLimit bounds a single client message. Defaults to 1 MiB.
	ReadLimit int64

	// WriteTimeout bounds a single websocket write. Defaults to 5s.
	WriteTimeout time.Duration
}

// Server serves the gateway endpoints.
type Server struct {
	cfg Config

	mu    sync.RWMutex
	rate  int
	codec wsengine.Codec
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	s := &Server{cfg: cfg}
	s.SetPlayback(cfg.PlaybackRate, cfg.Codec)
	return s
}

// SetPlayback changes the playback format of voice clients connecting
// afterwards. An empty codec selects PCM.
func (s *Server) SetPlayback(rate int, codec wsengine.Codec) {
	if codec == "" {
		codec = wsengine.CodecPCM
	}
	s.mu.Lock()
	s.rate, s.codec = rate, codec
	s.mu.Unlock()
}

func (s *Server) playback() (int, wsengine.Codec) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate, s.codec
}

// Register adds the gateway routes to mux:
//
//	GET  /v1/voice                        voice websocket
//	GET  /v1/sessions                     live sessions
//	POST /v1/sessions/{id}/speak          speak text in a session
//	GET  /v1/sessions/{id}/transcripts    persisted transcripts
//	GET  /v1/agents                       agent states
//	POST /v1/agents/{name}/start          start an agent
//	POST /v1/agents/{name}/stop           stop an agent
//	GET  /v1/agents/{name}/connect        agent websocket
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/voice", s.handleVoice)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /v1/sessions/{id}/speak", s.handleSpeak)
	mux.HandleFunc("GET /v1/sessions/{id}/transcripts", s.handleTranscripts)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("POST /v1/agents/{name}/start", s.handleStartAgent)
	mux.HandleFunc("POST /v1/agents/{name}/stop", s.handleStopAgent)
	mux.HandleFunc("GET /v1/agents/{name}/connect", s.handleAgentConnect)
}

// Handler returns a mux serving only the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// errorMessage is the JSON error sent on websockets and REST responses.
type errorMessage struct {
	Type  string `json:"type,omitempty"`
	Error string `json:"error"`
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(s.cfg.ReadLimit)
	return conn, nil
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// closedNormally reports whether err is the client closing the connection.
func closedNormally(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorMessage{Error: msg})
}
