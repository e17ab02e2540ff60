package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentvox/internal/observe"
	"github.com/MrWong99/agentvox/internal/voice"
	"github.com/MrWong99/agentvox/pkg/audio/wsengine"
)

var (
	// errDisconnected ends a connection whose client closed it cleanly.
	errDisconnected = errors.New("gateway: client disconnected")

	// errSessionClosed ends a voice connection whose session was closed by
	// the daemon, typically during shutdown.
	errSessionClosed = errors.New("gateway: session closed")
)

// controlMessage is a JSON text message from a voice client.
type controlMessage struct {
	Type  string  `json:"type"`
	Level float64 `json:"level"`
	TS    int64   `json:"ts"`
	Text  string  `json:"text"`
	ID    string  `json:"id"`
}

// sessionMessage greets a voice client with its session id.
type sessionMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Agent string `json:"agent,omitempty"`
}

// voiceConn is one connected voice client.
type voiceConn struct {
	srv  *Server
	conn *websocket.Conn
	sess *voice.Session
	log  *slog.Logger

	// speaking tracks Speak calls started by the read loop.
	speaking sync.WaitGroup

	// ended is set once the server closed the socket itself.
	ended atomic.Bool
}

// handleVoice handles GET /v1/voice?session=<id>&agent=<name>.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := s.accept(w, r)
	if err != nil {
		slog.Warn("gateway: voice upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	rate, codec := s.playback()
	eng, err := wsengine.New(conn,
		wsengine.WithSampleRate(rate),
		wsengine.WithCodec(codec),
		wsengine.WithWriteTimeout(s.cfg.WriteTimeout),
	)
	if err != nil {
		slog.Error("gateway: create playback engine", "err", err)
		conn.Close(websocket.StatusInternalError, "playback unavailable")
		return
	}
	defer eng.Close()

	ctx := r.Context()
	q := r.URL.Query()
	sess, err := s.cfg.Sessions.Open(ctx, q.Get("session"), eng, q.Get("agent"))
	if err != nil {
		slog.Warn("gateway: open session", "session_id", q.Get("session"), "err", err)
		_ = s.writeWS(ctx, conn, errorMessage{Type: "error", Error: err.Error()})
		if errors.Is(err, voice.ErrSessionExists) {
			conn.Close(websocket.StatusPolicyViolation, "session already connected")
			return
		}
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	vc := &voiceConn{
		srv:  s,
		conn: conn,
		sess: sess,
		log:  slog.With("session_id", sess.ID(), "remote", r.RemoteAddr),
	}
	ctx = observe.WithSessionID(ctx, sess.ID())
	err = vc.serve(ctx)

	vc.speaking.Wait()
	if cerr := s.cfg.Sessions.Close(sess.ID()); cerr != nil && !errors.Is(cerr, voice.ErrUnknownSession) {
		vc.log.Warn("gateway: close session", "err", cerr)
	}
	switch {
	case vc.ended.Load():
		vc.log.Info("gateway: voice session closed by server")
	case err == nil, errors.Is(err, errDisconnected):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		vc.log.Warn("gateway: voice connection ended", "err", err)
		conn.Close(websocket.StatusInternalError, "internal error")
	}
}

// serve runs the read loop and the event writer until either fails or the
// client leaves.
func (vc *voiceConn) serve(ctx context.Context) error {
	if err := vc.srv.writeWS(ctx, vc.conn, sessionMessage{Type: "session", ID: vc.sess.ID(), Agent: vc.sess.Attached()}); err != nil {
		return fmt.Errorf("gateway: greet: %w", err)
	}
	vc.log.Info("gateway: voice client connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return vc.readLoop(gctx) })
	g.Go(func() error { return vc.writeEvents(gctx) })
	return g.Wait()
}

func (vc *voiceConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := vc.conn.Read(ctx)
		if err != nil {
			if closedNormally(err) {
				return errDisconnected
			}
			return fmt.Errorf("gateway: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			if err := vc.sess.PushPCM(data); err != nil {
				vc.log.Debug("gateway: push pcm", "err", err)
			}
		case websocket.MessageText:
			vc.handleControl(ctx, data)
		}
	}
}

func (vc *voiceConn) handleControl(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		vc.sendError(ctx, "invalid control message")
		return
	}

	var err error
	switch msg.Type {
	case "volume":
		err = vc.sess.PushVolume(msg.Level, msg.TS)
	case "stop":
		err = vc.sess.StopInput(msg.TS)
	case "played":
		if !vc.sess.Ack(msg.ID) {
			vc.log.Debug("gateway: stale playback acknowledgment", "id", msg.ID)
		}
	case "clear":
		vc.sess.ClearQueue()
	case "speak":
		vc.speak(ctx, msg.Text)
	default:
		vc.sendError(ctx, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	if err != nil {
		vc.log.Debug("gateway: control message", "type", msg.Type, "err", err)
	}
}

// speak synthesises in the background so the read loop keeps draining
// audio and acknowledgments.
func (vc *voiceConn) speak(ctx context.Context, text string) {
	vc.speaking.Add(1)
	go func() {
		defer vc.speaking.Done()
		if _, err := vc.sess.Speak(ctx, text); err != nil {
			vc.log.Warn("gateway: speak", "err", err)
			vc.sendError(ctx, err.Error())
		}
	}()
}

func (vc *voiceConn) writeEvents(ctx context.Context) error {
	events := vc.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				vc.ended.Store(true)
				vc.conn.Close(websocket.StatusGoingAway, "session closed")
				return errSessionClosed
			}
			if err := vc.srv.writeWS(ctx, vc.conn, ev); err != nil {
				if closedNormally(err) {
					return errDisconnected
				}
				return fmt.Errorf("gateway: write event: %w", err)
			}
		}
	}
}

func (vc *voiceConn) sendError(ctx context.Context, msg string) {
	if err := vc.srv.writeWS(ctx, vc.conn, errorMessage{Type: "error", Error: msg}); err != nil {
		vc.log.Debug("gateway: write error message", "err", err)
	}
}
