// Command agentvox is the voice daemon: it serves the voice and agent
// websockets, the REST API, health probes and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/agentvox/internal/app"
	"github.com/MrWong99/agentvox/internal/config"
	"github.com/MrWong99/agentvox/internal/observe"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
	"github.com/MrWong99/agentvox/pkg/provider/stt/deepgram"
	"github.com/MrWong99/agentvox/pkg/provider/stt/whisper"
	"github.com/MrWong99/agentvox/pkg/provider/tts"
	"github.com/MrWong99/agentvox/pkg/provider/tts/coqui"
	"github.com/MrWong99/agentvox/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/agentvox/pkg/provider/vad"
	"github.com/MrWong99/agentvox/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", config.DefaultWatchInterval, "config file polling interval")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agentvox: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agentvox: %v\n", err)
		}
		return 1
	}
	if *checkOnly {
		fmt.Printf("agentvox: %s is valid\n", *configPath)
		return 0
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("agentvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceName:       "agentvox",
		ServiceVersion:    version,
		RuntimeCollectors: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
		app.WithHandler("GET /metrics", tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.Reload, config.WithInterval(*watchInterval))
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	// SIGHUP forces a reload without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := watcher.Reload(); err != nil {
					slog.Warn("config reload failed", "err", err)
				}
			}
		}
	}()

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang, ok := entry.StringOption("language"); ok {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate, ok := entry.IntOption("sample_rate"); ok {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang, ok := entry.StringOption("language"); ok {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if rate, ok := entry.IntOption("sample_rate"); ok {
			opts = append(opts, whisper.WithSampleRate(rate))
		}
		if ms, ok := entry.IntOption("max_buffer_ms"); ok {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		if partials, ok := entry.Options["partials"].(bool); ok {
			opts = append(opts, whisper.WithPartials(partials))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath, _ = entry.StringOption("model_path")
		}
		var opts []whisper.NativeOption
		if lang, ok := entry.StringOption("language"); ok {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if rate, ok := entry.IntOption("sample_rate"); ok {
			opts = append(opts, whisper.WithNativeSampleRate(rate))
		}
		if ms, ok := entry.IntOption("max_buffer_ms"); ok {
			opts = append(opts, whisper.WithNativeMaxBufferDurationMs(ms))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt, ok := entry.StringOption("output_format"); ok {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			apiBase, _ := entry.StringOption("api_base_url")
			opts = append(opts, elevenlabs.WithBaseURLs(entry.BaseURL, apiBase))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang, ok := entry.StringOption("language"); ok {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode, ok := entry.StringOption("api_mode"); ok {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if timeout, ok := entry.StringOption("timeout"); ok {
			d, err := time.ParseDuration(timeout)
			if err != nil {
				return nil, fmt.Errorf("coqui: timeout option: %w", err)
			}
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	for _, kind := range []string{"stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}
