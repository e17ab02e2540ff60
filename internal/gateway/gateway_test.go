package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/agentvox/internal/agent"
	"github.com/MrWong99/agentvox/internal/gateway"
	"github.com/MrWong99/agentvox/internal/observe"
	"github.com/MrWong99/agentvox/internal/transcript"
	"github.com/MrWong99/agentvox/internal/voice"
	"github.com/MrWong99/agentvox/pkg/audio/segmenter"
	sttmock "github.com/MrWong99/agentvox/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/agentvox/pkg/provider/tts/mock"
)

type testEnv struct {
	srv    *httptest.Server
	mgr    *voice.Manager
	dir    *agent.Directory
	store  *transcript.MemoryStore
	stt    *sttmock.Provider
	tts    *ttsmock.Provider
	wsBase string
}

func newEnv(t *testing.T, script ...string) *testEnv {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		dir:   agent.NewDirectory([]string{"frontend", "backend"}),
		store: transcript.NewMemoryStore(),
		stt:   &sttmock.Provider{Session: sttmock.NewSession(script...)},
		tts:   &ttsmock.Provider{},
	}
	env.mgr = voice.NewManager(voice.ManagerConfig{
		Base: func() voice.Config {
			return voice.Config{
				Segmenter: segmenter.Config{
					VolumeThreshold:      0.3,
					SpeechConfirmation:   100 * time.Millisecond,
					DetectionGracePeriod: 50 * time.Millisecond,
					SilenceDuration:      200 * time.Millisecond,
					MinChunkDuration:     100 * time.Millisecond,
					PCMSampleRate:        16000,
				},
				STT:      env.stt,
				TTS:      env.tts,
				Agents:   env.dir,
				Store:    env.store,
				Commands: true,
			}
		},
		Metrics: met,
	})
	gw := gateway.New(gateway.Config{
		Sessions:     env.mgr,
		Agents:       env.dir,
		Inboxes:      env.dir,
		Transcripts:  env.store,
		PlaybackRate: 24000,
	})
	env.srv = httptest.NewServer(gw.Handler())
	env.wsBase = "ws" + strings.TrimPrefix(env.srv.URL, "http")
	t.Cleanup(func() {
		env.srv.Close()
		_ = env.mgr.Shutdown(context.Background())
	})
	return env
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readType reads until a JSON text message of the given type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", typ, err)
		}
		if mt != websocket.MessageText {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendPCM(t *testing.T, conn *websocket.Conn, pcm []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
}

func TestVoice_Greeting(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	conn := dial(t, env.wsBase+"/v1/voice?session=s1&agent=backend")

	m := readType(t, conn, "session")
	if m["id"] != "s1" || m["agent"] != "backend" {
		t.Errorf("greeting = %v", m)
	}
	if _, ok := env.mgr.Get("s1"); !ok {
		t.Error("session not registered")
	}
}

func TestVoice_UtteranceToAgent(t *testing.T) {
	t.Parallel()
	env := newEnv(t, "tell backend deploy the branch")
	if err := env.dir.Start(context.Background(), "backend"); err != nil {
		t.Fatal(err)
	}
	inbox, release, err := env.dir.Subscribe("backend")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	conn := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, conn, "session")

	frame := make([]byte, 640)
	for ts := int64(0); ts <= 600; ts += 20 {
		sendPCM(t, conn, frame)
		level := 0.0
		if ts < 300 {
			level = 0.8
		}
		send(t, conn, map[string]any{"type": "volume", "level": level, "ts": ts})
	}

	tr := readType(t, conn, "transcript")
	if tr["text"] != "tell backend deploy the branch" {
		t.Errorf("transcript = %v", tr)
	}
	cmd := readType(t, conn, "command")
	if cmd["command"] != "tell" || cmd["agent"] != "backend" {
		t.Errorf("command = %v", cmd)
	}

	select {
	case msg := <-inbox:
		if msg.Text != "deploy the branch" || msg.SessionID != "s1" {
			t.Errorf("agent message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent received nothing")
	}
}

func TestVoice_SpeakAndAcknowledge(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	conn := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, conn, "session")

	send(t, conn, map[string]any{"type": "speak", "text": "build is green"})
	play := readType(t, conn, "play")
	id, _ := play["id"].(string)
	if id == "" {
		t.Fatalf("play header without id: %v", play)
	}
	if play["rate"] != float64(24000) {
		t.Errorf("rate = %v, want 24000", play["rate"])
	}
	send(t, conn, map[string]any{"type": "played", "id": id})

	if got := env.tts.Texts(); len(got) != 1 || got[0] != "build is green" {
		t.Errorf("synthesised = %v", got)
	}
}

func TestVoice_UnknownControlMessage(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	conn := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, conn, "session")

	send(t, conn, map[string]any{"type": "dance"})
	m := readType(t, conn, "error")
	if !strings.Contains(m["error"].(string), "dance") {
		t.Errorf("error = %v", m)
	}
}

func TestVoice_DuplicateSession(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	first := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, first, "session")

	second := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, second, "error")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation (err %v)", got, err)
	}
}

func TestVoice_DisconnectClosesSession(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	conn := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, conn, "session")

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := env.mgr.Get("s1"); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("session still open after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgents_REST(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	resp, err := http.Post(env.srv.URL+"/v1/agents/backend/start", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("start status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Post(env.srv.URL+"/v1/agents/nobody/start", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(env.srv.URL + "/v1/agents")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []agent.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("agents = %+v", infos)
	}
	for _, in := range infos {
		want := agent.StatusStopped
		if in.Name == "backend" {
			want = agent.StatusRunning
		}
		if in.Status != want {
			t.Errorf("%s status = %q, want %q", in.Name, in.Status, want)
		}
	}
}

func TestAgents_ConnectAndSay(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx := context.Background()
	if err := env.dir.Start(ctx, "backend"); err != nil {
		t.Fatal(err)
	}

	voiceConn := dial(t, env.wsBase+"/v1/voice?session=s1&agent=backend")
	readType(t, voiceConn, "session")

	agentConn := dial(t, env.wsBase+"/v1/agents/backend/connect")

	// Wait until the agent subscription is active.
	deadline := time.Now().Add(5 * time.Second)
	for {
		infos, _ := env.dir.List(ctx)
		connected := false
		for _, in := range infos {
			if in.Name == "backend" && in.Connected {
				connected = true
			}
		}
		if connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := env.dir.Send(ctx, agent.Message{ID: "m1", Agent: "backend", SessionID: "s1", Text: "status?"}); err != nil {
		t.Fatal(err)
	}
	m := readType(t, agentConn, "message")
	if m["text"] != "status?" || m["session_id"] != "s1" {
		t.Errorf("agent got %v", m)
	}

	send(t, agentConn, map[string]any{"type": "say", "text": "all tests pass"})
	ack := readType(t, agentConn, "queued")
	if ack["session"] != "s1" || ack["playback"] == "" {
		t.Errorf("ack = %v", ack)
	}
	readType(t, voiceConn, "play")
	if got := env.tts.Texts(); len(got) != 1 || got[0] != "all tests pass" {
		t.Errorf("synthesised = %v", got)
	}
}

func TestAgents_ConnectErrors(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, env.wsBase+"/v1/agents/nobody/connect", nil)
	if err == nil {
		t.Fatal("expected dial error for unknown agent")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent response = %v, want 404", resp)
	}

	dial(t, env.wsBase+"/v1/agents/frontend/connect")
	// The first subscription is registered before the upgrade completes.
	_, resp, err = websocket.Dial(ctx, env.wsBase+"/v1/agents/frontend/connect", nil)
	if err == nil {
		t.Fatal("expected dial error for second connection")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second connection response = %v, want 409", resp)
	}
}

func TestSessions_SpeakAndTranscripts(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	conn := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, conn, "session")

	resp, err := http.Post(env.srv.URL+"/v1/sessions/s1/speak", "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("speak status = %d, want 202", resp.StatusCode)
	}
	readType(t, conn, "play")

	resp, err = http.Post(env.srv.URL+"/v1/sessions/zzz/speak", "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}

	if _, err := env.store.Append(context.Background(), transcript.Entry{SessionID: "s1", Text: "one"}); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(env.srv.URL + "/v1/sessions/s1/transcripts?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []transcript.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Text != "one" {
		t.Errorf("entries = %+v", entries)
	}

	resp2, err := http.Get(env.srv.URL + "/v1/sessions/s1/transcripts?limit=-1")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp2.StatusCode)
	}

	resp3, err := http.Get(env.srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	var list []voice.SessionInfo
	if err := json.NewDecoder(resp3.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "s1" {
		t.Errorf("sessions = %+v", list)
	}
}

func TestVoice_ServerClosedSession(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	conn := dial(t, env.wsBase+"/v1/voice?session=s1")
	readType(t, conn, "session")

	if err := env.mgr.Close("s1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
			t.Errorf("close status = %v, want going away (err %v)", got, err)
		}
		return
	}
}
