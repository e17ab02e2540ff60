package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/agentvox/internal/config"
	"github.com/MrWong99/agentvox/internal/observe"
	"github.com/MrWong99/agentvox/internal/resilience"
	"github.com/MrWong99/agentvox/pkg/provider/stt"
	"github.com/MrWong99/agentvox/pkg/provider/tts"
	"github.com/MrWong99/agentvox/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. STT and TTS are required to open voice
// sessions; VAD is optional.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine

	// closers release backends holding native resources, such as a loaded
	// whisper model.
	closers []io.Closer
}

func (ps *Providers) track(p any) {
	if c, ok := p.(io.Closer); ok {
		ps.closers = append(ps.closers, c)
	}
}

// BuildProviders instantiates the providers named in cfg from reg. STT and
// TTS entries with fallbacks are wrapped in circuit-breaking failover groups
// that report to m. A name the registry does not know is an error.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	fb := resilience.FallbackConfig{Metrics: m}

	if entry := cfg.Providers.STT; entry.Name != "" {
		primary, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.STT = primary
		ps.track(primary)
		if len(cfg.Providers.STTFallbacks) > 0 {
			group := resilience.NewSTTFallback(primary, entry.Name, fb)
			for _, e := range cfg.Providers.STTFallbacks {
				p, err := reg.CreateSTT(e)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
				}
				ps.track(p)
				group.AddFallback(e.Name, p)
			}
			ps.STT = group
		}
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "fallbacks", len(cfg.Providers.STTFallbacks))
	}

	if entry := cfg.Providers.TTS; entry.Name != "" {
		primary, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		ps.TTS = primary
		ps.track(primary)
		if len(cfg.Providers.TTSFallbacks) > 0 {
			group := resilience.NewTTSFallback(primary, entry.Name, fb)
			for _, e := range cfg.Providers.TTSFallbacks {
				p, err := reg.CreateTTS(e)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
				}
				ps.track(p)
				group.AddFallback(e.Name, p)
			}
			ps.TTS = group
		}
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "fallbacks", len(cfg.Providers.TTSFallbacks))
	}

	if entry := cfg.Providers.VAD; entry.Name != "" {
		p, err := reg.CreateVAD(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("vad provider not registered; clients must send volume messages", "name", entry.Name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", entry.Name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", entry.Name)
		}
	}

	return ps, nil
}
