package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; providers, the
// listen address and the transcript store need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged reports new segmenter tuning. Only sessions opened after
	// the reload use it; live segmenters keep their configuration.
	VoiceChanged bool

	// PlaybackChanged reports new playback settings for future sessions.
	PlaybackChanged bool

	// SpeechChanged reports a new TTS voice selection.
	SpeechChanged bool

	// CommandsChanged reports a changed agent list or matching setup.
	CommandsChanged bool
}

// Any reports whether d contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.PlaybackChanged || d.SpeechChanged || d.CommandsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VoiceChanged = old.Voice != new.Voice
	d.PlaybackChanged = old.Playback != new.Playback
	d.SpeechChanged = old.Speech != new.Speech
	d.CommandsChanged = old.Commands.Enabled != new.Commands.Enabled ||
		old.Commands.MatchThreshold != new.Commands.MatchThreshold ||
		!slices.Equal(old.Commands.Agents, new.Commands.Agents)

	return d
}
