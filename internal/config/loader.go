package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] for unset fields.
const (
	DefaultListenAddr              = ":8080"
	DefaultEngineSampleRate        = 24000
	DefaultSuppressionPollInterval = 100 * time.Millisecond
	DefaultWatchdogGrace           = time.Second
	DefaultMatchThreshold          = 0.85
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Playback.EngineSampleRate == 0 {
		cfg.Playback.EngineSampleRate = DefaultEngineSampleRate
	}
	if cfg.Playback.SuppressionPollInterval == 0 {
		cfg.Playback.SuppressionPollInterval = DefaultSuppressionPollInterval
	}
	if cfg.Playback.WatchdogGrace == 0 {
		cfg.Playback.WatchdogGrace = DefaultWatchdogGrace
	}
	if cfg.Playback.Codec == "" {
		cfg.Playback.Codec = CodecPCM
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Commands.MatchThreshold == 0 {
		cfg.Commands.MatchThreshold = DefaultMatchThreshold
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Voice: the same rules the segmenter enforces, reported at load time.
	if err := cfg.Voice.Segmenter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("voice: %w", err))
	}

	// Playback
	if cfg.Playback.EngineSampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.engine_sample_rate %d must be positive", cfg.Playback.EngineSampleRate))
	}
	if cfg.Playback.SuppressionPollInterval < 0 {
		errs = append(errs, fmt.Errorf("playback.suppression_poll_interval %v must be positive", cfg.Playback.SuppressionPollInterval))
	}
	if cfg.Playback.WatchdogGrace < 0 {
		errs = append(errs, fmt.Errorf("playback.watchdog_grace %v must not be negative", cfg.Playback.WatchdogGrace))
	}
	if cfg.Playback.Codec != "" && !cfg.Playback.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("playback.codec %q is invalid; valid values: pcm, opus", cfg.Playback.Codec))
	}

	// Speech
	if s := cfg.Speech.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("speech.speed_factor %.2f is out of range [0.5, 2.0]", s))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for i, e := range cfg.Providers.STTFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", e.Name)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", e.Name)
	}
	if cfg.Providers.STT.Name == "" && len(cfg.Providers.STTFallbacks) > 0 {
		errs = append(errs, errors.New("providers.stt_fallbacks require providers.stt"))
	}
	if cfg.Providers.TTS.Name == "" && len(cfg.Providers.TTSFallbacks) > 0 {
		errs = append(errs, errors.New("providers.tts_fallbacks require providers.tts"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; voice sessions will segment audio but produce no transcripts")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; speak requests will be rejected")
	}

	// Commands
	if t := cfg.Commands.MatchThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("commands.match_threshold %.2f is out of range [0, 1]", t))
	}
	seen := make(map[string]int, len(cfg.Commands.Agents))
	for i, name := range cfg.Commands.Agents {
		if name == "" {
			errs = append(errs, fmt.Errorf("commands.agents[%d] must not be empty", i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("commands.agents[%d] %q is a duplicate of commands.agents[%d]", i, name, prev))
		}
		seen[name] = i
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
