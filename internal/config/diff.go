package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is set when server.log_level differs.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Hot-reloadable sections. New sessions pick these up; running sessions
	// keep the settings they started with.
	ConversationChanged bool
	VoiceChanged        bool
	GateChanged         bool

	// RestartRequired lists changed sections that only take effect after a
	// restart (providers, listener, audio framing, synthesis workers).
	RestartRequired []string
}

// HotReloadable reports whether any change can be applied without restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.ConversationChanged || d.VoiceChanged || d.GateChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ConversationChanged = !reflect.DeepEqual(old.Conversation, new.Conversation)
	d.VoiceChanged = old.Voice != new.Voice
	d.GateChanged = old.Gate != new.Gate

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Synthesis != new.Synthesis {
		d.RestartRequired = append(d.RestartRequired, "synthesis")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}
