// Package wsengine implements [audio.NativeEngine] on top of a websocket
// connection: synthesised speech is streamed to the connected client, which
// plays it and acknowledges each buffer once it finished.
//
// Every buffer is announced by a JSON header
//
//	{"type":"play","id":"…","rate":24000,"codec":"pcm","frames":2}
//
// followed by exactly frames binary messages. Raw PCM is split into chunks of
// at most [MaxPCMChunk] bytes; Opus sends one 20 ms packet per message. The
// client answers {"type":"played","id":"…"}, which the owner of the read loop
// forwards to [Engine.Ack].
package wsengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/agentvox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.NativeEngine       = (*Engine)(nil)
	_ audio.CompletionNotifier = (*Engine)(nil)
)

const (
	// DefaultSampleRate is the playback rate announced to clients.
	DefaultSampleRate = 24000

	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 5 * time.Second

	// MaxPCMChunk is the largest binary message sent for raw PCM.
	MaxPCMChunk = 32 * 1024
)

// Codec selects the wire encoding of playback audio.
type Codec string

const (
	CodecPCM  Codec = "pcm"
	CodecOpus Codec = "opus"
)

// Message is the JSON envelope of playback control messages.
type Message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Rate   int    `json:"rate,omitempty"`
	Codec  Codec  `json:"codec,omitempty"`
	Frames int    `json:"frames,omitempty"`
	Action string `json:"action,omitempty"`
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithSampleRate sets the rate the engine asks the controller for.
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.rate = rate
		}
	}
}

// WithCodec selects the wire encoding. Opus requires a sample rate of 8, 12,
// 16, 24 or 48 kHz.
func WithCodec(c Codec) Option {
	return func(e *Engine) {
		e.codec = c
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// Engine streams playback to one websocket client.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	conn         *websocket.Conn
	rate         int
	codec        Codec
	writeTimeout time.Duration
	opus         *opusEncoder

	mu      sync.Mutex
	pending map[string]chan struct{}
	seq     uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Engine writing to conn. The caller keeps ownership of conn
// and of its read loop.
func New(conn *websocket.Conn, opts ...Option) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:         conn,
		rate:         DefaultSampleRate,
		codec:        CodecPCM,
		writeTimeout: DefaultWriteTimeout,
		pending:      make(map[string]chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(e)
	}
	switch e.codec {
	case CodecPCM:
	case CodecOpus:
		enc, err := newOpusEncoder(e.rate)
		if err != nil {
			cancel()
			return nil, err
		}
		e.opus = enc
	default:
		cancel()
		return nil, fmt.Errorf("wsengine: unknown codec %q", e.codec)
	}
	return e, nil
}

// Initialize implements [audio.NativeEngine]. It tells the client to get its
// output ready; repeated calls are harmless.
func (e *Engine) Initialize(ctx context.Context) error {
	return e.writeJSON(ctx, Message{Type: "playback", Action: "init", Rate: e.rate, Codec: e.codec})
}

// PlayPCM implements [audio.NativeEngine].
func (e *Engine) PlayPCM(pcm []byte) error {
	e.mu.Lock()
	e.seq++
	id := fmt.Sprintf("untracked-%d", e.seq)
	e.mu.Unlock()

	_, err := e.send(id, pcm, false)
	return err
}

// PlayTracked implements [audio.CompletionNotifier]. The returned channel is
// closed when the client acknowledges id.
func (e *Engine) PlayTracked(id string, pcm []byte) (<-chan struct{}, error) {
	return e.send(id, pcm, true)
}

func (e *Engine) send(id string, pcm []byte, track bool) (<-chan struct{}, error) {
	frames, err := e.frames(pcm)
	if err != nil {
		return nil, err
	}

	var ch chan struct{}
	if track {
		ch = make(chan struct{})
		e.mu.Lock()
		e.pending[id] = ch
		e.mu.Unlock()
	}

	hdr := Message{Type: "play", ID: id, Rate: e.rate, Codec: e.codec, Frames: len(frames)}
	if err := e.writeJSON(e.ctx, hdr); err != nil {
		e.forget(id)
		return nil, err
	}
	for _, f := range frames {
		if err := e.write(e.ctx, websocket.MessageBinary, f); err != nil {
			e.forget(id)
			return nil, err
		}
	}
	return ch, nil
}

// frames encodes pcm into the binary messages for one buffer.
func (e *Engine) frames(pcm []byte) ([][]byte, error) {
	if e.opus != nil {
		return e.opus.encode(pcm)
	}
	var out [][]byte
	for start := 0; start < len(pcm); start += MaxPCMChunk {
		out = append(out, pcm[start:min(start+MaxPCMChunk, len(pcm))])
	}
	return out, nil
}

// Ack marks id as played. It reports whether id was pending; stale or
// unknown ids are ignored.
func (e *Engine) Ack(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.pending[id]
	if !ok {
		return false
	}
	delete(e.pending, id)
	close(ch)
	return true
}

// Pending returns the number of unacknowledged tracked buffers.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// StopPlayback implements [audio.NativeEngine]. Outstanding acknowledgements
// are forgotten.
func (e *Engine) StopPlayback() error {
	e.mu.Lock()
	clear(e.pending)
	e.mu.Unlock()
	return e.writeJSON(e.ctx, Message{Type: "playback", Action: "stop"})
}

// PausePlayback implements [audio.NativeEngine].
func (e *Engine) PausePlayback() error {
	return e.writeJSON(e.ctx, Message{Type: "playback", Action: "pause"})
}

// ResumePlayback implements [audio.NativeEngine].
func (e *Engine) ResumePlayback() error {
	return e.writeJSON(e.ctx, Message{Type: "playback", Action: "resume"})
}

// SampleRate implements [audio.NativeEngine].
func (e *Engine) SampleRate() int { return e.rate }

// Codec returns the configured wire encoding.
func (e *Engine) Codec() Codec { return e.codec }

// Close aborts in-flight writes. It does not close the websocket.
func (e *Engine) Close() error {
	e.cancel()
	return nil
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) writeJSON(ctx context.Context, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, e.conn, m); err != nil {
		return fmt.Errorf("wsengine: write %s: %w", m.Type, err)
	}
	return nil
}

func (e *Engine) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	if err := e.conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("wsengine: write audio: %w", err)
	}
	return nil
}
