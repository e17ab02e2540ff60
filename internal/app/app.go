// Package app wires the agentvox subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTranscriptStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/agentvox/internal/agent"
	"github.com/MrWong99/agentvox/internal/config"
	"github.com/MrWong99/agentvox/internal/gateway"
	"github.com/MrWong99/agentvox/internal/health"
	"github.com/MrWong99/agentvox/internal/observe"
	"github.com/MrWong99/agentvox/internal/transcript"
	"github.com/MrWong99/agentvox/internal/voice"
	"github.com/MrWong99/agentvox/internal/voicecmd"
	"github.com/MrWong99/agentvox/pkg/audio/wsengine"
	"github.com/MrWong99/agentvox/pkg/provider/tts"
	"github.com/MrWong99/agentvox/pkg/provider/vad"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the daemon.
type App struct {
	cfg       atomic.Pointer[config.Config]
	parser    atomic.Pointer[voicecmd.Parser]
	providers *Providers
	level     *slog.LevelVar
	metrics   *observe.Metrics

	store    transcript.Store
	agents   *agent.Directory
	sessions *voice.Manager
	health   *health.Handler
	gateway  *gateway.Server
	handlers map[string]http.Handler
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithTranscriptStore injects a transcript store instead of creating one from
// config. The App does not close injected stores.
func WithTranscriptStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the instruments recorded by sessions, providers and the
// HTTP middleware. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable of the default logger so that
// hot-reloaded log levels take effect.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithHandler serves h under pattern next to the built-in routes, e.g. the
// Prometheus scrape endpoint.
func WithHandler(pattern string, h http.Handler) Option {
	return func(a *App) {
		if a.handlers == nil {
			a.handlers = make(map[string]http.Handler)
		}
		a.handlers[pattern] = h
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (built with [BuildProviders]). New performs all
// initialisation synchronously; nothing is served until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{providers: providers}
	for _, o := range opts {
		o(a)
	}
	a.cfg.Store(cfg)
	a.parser.Store(newParser(cfg))

	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(SlogLevel(cfg.Server.LogLevel))
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}
	for _, c := range providers.closers {
		a.closers = append(a.closers, c.Close)
	}

	// ── 2. Agents ────────────────────────────────────────────────────────
	a.agents = agent.NewDirectory(cfg.Commands.Agents)

	// ── 3. Voice sessions ────────────────────────────────────────────────
	a.sessions = voice.NewManager(voice.ManagerConfig{
		Base:    a.sessionConfig,
		Metrics: a.metrics,
	})
	a.sessions.SetKeywords(cfg.Commands.Agents)

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.PingChecker("transcripts", a.store),
		health.ConfiguredChecker("stt", "no STT provider configured", func() bool { return a.providers.STT != nil }),
		health.ConfiguredChecker("tts", "no TTS provider configured", func() bool { return a.providers.TTS != nil }),
	)

	// ── 5. Gateway + HTTP server ─────────────────────────────────────────
	a.gateway = gateway.New(gateway.Config{
		Sessions:     a.sessions,
		Agents:       a.agents,
		Inboxes:      a.agents,
		Transcripts:  a.store,
		PlaybackRate: cfg.Playback.EngineSampleRate,
		Codec:        wsengine.Codec(cfg.Playback.Codec),
	})

	mux := http.NewServeMux()
	a.gateway.Register(mux)
	a.health.Register(mux)
	for pattern, h := range a.handlers {
		mux.Handle(pattern, h)
	}
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL transcript store or falls back to memory.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Load().Transcripts.PostgresDSN
	if dsn == "" {
		slog.Info("transcripts kept in memory")
		a.store = transcript.NewMemoryStore()
		a.closers = append(a.closers, a.store.Close)
		return nil
	}

	store, err := transcript.NewPostgresStore(ctx, dsn)
	if err != nil {
		return err
	}
	slog.Info("transcripts stored in postgres")
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// sessionConfig is the base of every new voice session. It reads the current
// config so that reloaded tuning applies to sessions opened afterwards.
func (a *App) sessionConfig() voice.Config {
	cfg := a.cfg.Load()
	return voice.Config{
		Segmenter: cfg.Voice.Segmenter(),
		STT:       a.providers.STT,
		TTS:       a.providers.TTS,
		VAD:       a.providers.VAD,
		VADConfig: vadConfig(cfg.Providers.VAD),
		Agents:    a.agents,
		Store:     a.store,
		Parser:    a.parser.Load(),
		Commands:  cfg.Commands.Enabled,
		Language:  cfg.Speech.Language,
		Voice: tts.VoiceProfile{
			ID:          cfg.Speech.VoiceID,
			Provider:    cfg.Providers.TTS.Name,
			Language:    cfg.Speech.Language,
			SpeedFactor: cfg.Speech.SpeedFactor,
		},
		PollInterval:  cfg.Playback.SuppressionPollInterval,
		WatchdogGrace: cfg.Playback.WatchdogGrace,
	}
}

func newParser(cfg *config.Config) *voicecmd.Parser {
	return voicecmd.NewParser(voicecmd.NewResolver(cfg.Commands.MatchThreshold))
}

// vadConfig reads the energy VAD tuning from the provider options.
func vadConfig(e config.ProviderEntry) vad.Config {
	var c vad.Config
	c.Gain, _ = e.FloatOption("gain")
	c.Smoothing, _ = e.FloatOption("smoothing")
	c.FrameSizeMs, _ = e.IntOption("frame_size_ms")
	return c
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler including middleware.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Sessions returns the voice session manager.
func (a *App) Sessions() *voice.Manager { return a.sessions }

// Agents returns the agent directory.
func (a *App) Agents() *agent.Directory { return a.agents }

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Addr returns the address Run listens on, or nil before Run.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration. It matches [config.ChangeFunc] so
// it can be passed to [config.NewWatcher]. Providers, the listen address and
// the transcript store are not reloaded.
func (a *App) Reload(_, next *config.Config, diff config.ConfigDiff) {
	a.cfg.Store(next)

	if diff.LogLevelChanged {
		a.level.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PlaybackChanged {
		a.gateway.SetPlayback(next.Playback.EngineSampleRate, wsengine.Codec(next.Playback.Codec))
	}
	if diff.CommandsChanged {
		a.parser.Store(newParser(next))
		a.agents.SetAgents(next.Commands.Agents)
		a.sessions.SetKeywords(next.Commands.Agents)
	}
	if diff.VoiceChanged || diff.PlaybackChanged || diff.SpeechChanged {
		slog.Info("voice settings changed; new sessions use them",
			"voice", diff.VoiceChanged,
			"playback", diff.PlaybackChanged,
			"speech", diff.SpeechChanged)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns its error; the server keeps running until
// Shutdown so that live sessions can be drained.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "agents", len(cfg.Commands.Agents))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: readiness reports draining, voice
// sessions close (flushing their last segment), agent connections end, the
// HTTP server stops and finally the closers run. If ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining()

		var errs []error
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		// Closing every inbox ends the agent websockets.
		a.agents.SetAgents(nil)

		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level. Unknown levels map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
