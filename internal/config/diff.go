package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// and the playback skip policy are applied live; every other change is
// reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PlaybackChanged is set when the skip policy (minimum fragment size,
	// skip delay or skip budget) differs.
	PlaybackChanged bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// IsZero reports whether the diff carries no changes.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.PlaybackChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Client.LogLevel != new.Client.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Client.LogLevel
	}

	op, np := old.Playback, new.Playback
	if op.MinFragmentBytes != np.MinFragmentBytes ||
		op.SkipDelay != np.SkipDelay ||
		op.MaxConsecutiveSkips != np.MaxConsecutiveSkips {
		d.PlaybackChanged = true
	}
	if op.FallbackAudio != np.FallbackAudio || op.SampleRate != np.SampleRate || op.Channels != np.Channels {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}

	if old.Client.DebugAddr != new.Client.DebugAddr || old.Client.UI != new.Client.UI {
		d.RestartRequired = append(d.RestartRequired, "client")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if !reflect.DeepEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}

	return d
}
