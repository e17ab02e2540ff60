package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/agentvox/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		return &config.Config{
			Server:   config.ServerConfig{LogLevel: config.LogInfo},
			Voice:    config.VoiceConfig{VolumeThreshold: 0.3},
			Playback: config.PlaybackConfig{EngineSampleRate: 24000, SuppressionPollInterval: 100 * time.Millisecond},
			Speech:   config.SpeechConfig{VoiceID: "a"},
			Commands: config.CommandsConfig{Enabled: true, Agents: []string{"web"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   config.ConfigDiff
	}{
		{"identical", func(*config.Config) {}, config.ConfigDiff{}},
		{"log level", func(c *config.Config) { c.Server.LogLevel = config.LogWarn },
			config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogWarn}},
		{"voice", func(c *config.Config) { c.Voice.SilenceDurationMs = 900 },
			config.ConfigDiff{VoiceChanged: true}},
		{"playback", func(c *config.Config) { c.Playback.Codec = config.CodecOpus },
			config.ConfigDiff{PlaybackChanged: true}},
		{"speech", func(c *config.Config) { c.Speech.VoiceID = "b" },
			config.ConfigDiff{SpeechChanged: true}},
		{"agents", func(c *config.Config) { c.Commands.Agents = []string{"web", "api"} },
			config.ConfigDiff{CommandsChanged: true}},
		{"listen addr is not hot", func(c *config.Config) { c.Server.ListenAddr = ":1" }, config.ConfigDiff{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := base(), base()
			tt.mutate(new)
			got := config.Diff(old, new)
			if got != tt.want {
				t.Errorf("Diff = %+v, want %+v", got, tt.want)
			}
			if got.Any() != (tt.want != config.ConfigDiff{}) {
				t.Errorf("Any() = %v", got.Any())
			}
		})
	}
}
