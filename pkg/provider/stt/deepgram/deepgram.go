// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Segments are forwarded as binary audio frames. When a segment marks the end
// of an utterance the session sends a Finalize control message, and Deepgram
// answers with the remaining results flagged from_finalize. The session
// accumulates the is_final fragments of an utterance and emits them as one
// final transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/agentvox/pkg/audio"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

var (
	msgFinalize    = []byte(`{"type":"Finalize"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint. Used to point the provider
// at a proxy or a test server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Language, and cfg.Keywords.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	// The loops outlive the dial context; Close ends them.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:     conn,
		cancel:   cancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		segments: make(chan audio.AudioSegment, 256),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(loopCtx)
	go sess.writeLoop(loopCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(max(cfg.Channels, 1)))

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results message.
type result struct {
	stt.Transcript
	endOfUtterance bool
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	cancel   context.CancelFunc
	partials chan stt.Transcript
	finals   chan stt.Transcript
	segments chan audio.AudioSegment

	done    chan struct{}
	flushed chan struct{} // closed by writeLoop after CloseStream was sent
	once    sync.Once
	wg      sync.WaitGroup
}

// SendSegment queues a segment for delivery to Deepgram.
func (s *session) SendSegment(seg audio.AudioSegment) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.segments <- seg:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords returns [stt.ErrNotSupported]: Deepgram fixes keywords when the
// stream is opened.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return stt.ErrNotSupported
}

// Close flushes queued audio, asks Deepgram to finish the stream, waits
// briefly for the trailing results, and closes the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		select {
		case <-s.flushed:
		case <-time.After(5 * time.Second):
		}
		// Give Deepgram a moment to deliver the last results before the
		// connection is torn down.
		timer := time.AfterFunc(2*time.Second, s.cancel)
		s.wg.Wait()
		timer.Stop()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop forwards queued segments as binary frames and sends Finalize
// after every last segment.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.flushed)

	send := func(seg audio.AudioSegment) error {
		if len(seg.Data) > 0 {
			if err := s.conn.Write(ctx, websocket.MessageBinary, seg.Data); err != nil {
				return err
			}
		}
		if seg.IsLast {
			return s.conn.Write(ctx, websocket.MessageText, msgFinalize)
		}
		return nil
	}

	for {
		select {
		case seg := <-s.segments:
			if err := send(seg); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case seg := <-s.segments:
					if err := send(seg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		pending []string // is_final fragments of the current utterance
		first   *stt.Transcript
		conf    float64
	)

	emitFinal := func() {
		if first == nil {
			return
		}
		final := *first
		final.Text = strings.Join(pending, " ")
		final.Confidence = conf / float64(len(pending))
		final.IsFinal = true
		pending, first, conf = nil, nil, 0
		select {
		case s.finals <- final:
		case <-ctx.Done():
		}
	}

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or cancellation. Whatever was finalised still
			// counts as an utterance.
			emitFinal()
			return
		}

		r, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		if !r.IsFinal {
			if r.Text == "" {
				continue
			}
			partial := r.Transcript
			if len(pending) > 0 {
				partial.Text = strings.Join(append(pending[:len(pending):len(pending)], r.Text), " ")
			}
			select {
			case s.partials <- partial:
			default:
			}
			continue
		}

		if r.Text != "" {
			if first == nil {
				t := r.Transcript
				first = &t
			} else {
				first.Words = append(first.Words, r.Words...)
				first.Duration = r.Timestamp + r.Duration - first.Timestamp
			}
			pending = append(pending, r.Text)
			conf += r.Confidence
		}
		if r.endOfUtterance {
			emitFinal()
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	return result{
		Transcript: stt.Transcript{
			Text:       strings.TrimSpace(alt.Transcript),
			IsFinal:    resp.IsFinal,
			Confidence: alt.Confidence,
			Words:      words,
			Timestamp:  seconds(resp.Start),
			Duration:   seconds(resp.Duration),
		},
		endOfUtterance: resp.IsFinal && (resp.SpeechFinal || resp.FromFinalize),
	}, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
