package config

// ConfigDiff describes what changed between two configs.
// Only the log level is applied without a restart; every other change is
// reported in RestartRequired so callers can tell the user.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the YAML paths of changed settings that only
	// take effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	restart("server.backend_url", old.Server.BackendURL != new.Server.BackendURL)
	restart("server.auth_token", old.Server.AuthToken != new.Server.AuthToken)
	restart("server.metrics_addr", old.Server.MetricsAddr != new.Server.MetricsAddr)
	restart("audio.host", old.Audio.Host != new.Audio.Host)
	restart("audio.source_rate", old.Audio.SourceRate != new.Audio.SourceRate)
	restart("audio.capture_rate", old.Audio.CaptureRate != new.Audio.CaptureRate)
	restart("audio.output", old.Audio.Output != new.Audio.Output)
	restart("audio.input", !inputEqual(old.Audio.Input, new.Audio.Input))
	restart("history", !historyEqual(old.History, new.History))
	restart("reconnect", old.Reconnect != new.Reconnect)

	return d
}

// inputEqual compares input configs, treating an unset Enabled as true.
func inputEqual(a, b InputConfig) bool {
	return a.Device == b.Device &&
		a.SampleRate == b.SampleRate &&
		a.BlockSize == b.BlockSize &&
		a.IsEnabled() == b.IsEnabled()
}

// historyEqual compares history configs, treating an unset Enabled as true.
func historyEqual(a, b HistoryConfig) bool {
	return a.Path == b.Path && a.IsEnabled() == b.IsEnabled()
}
