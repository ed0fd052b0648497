package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TimingsChanged is set when any session timing changed: grace period,
	// send timeout, reconnect limit or drain poll interval.
	TimingsChanged bool

	// SessionDefaultsChanged is set when the default token or the maximum
	// recording duration changed. Both are read at the start of each session.
	SessionDefaultsChanged bool

	// RestartRequired lists changed fields that are not hot-reloadable.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	o, n := old.Recognition, new.Recognition
	d.TimingsChanged = o.GracePeriod != n.GracePeriod ||
		o.SendTimeout != n.SendTimeout ||
		o.ReconnectLimit != n.ReconnectLimit ||
		o.DrainPoll != n.DrainPoll
	d.SessionDefaultsChanged = o.Token != n.Token ||
		old.Audio.MaxRecording != new.Audio.MaxRecording

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("audio", !equalAudio(old.Audio, new.Audio))
	restart("recognition.provider", o.Provider != n.Provider)
	restart("recognition.endpoint", o.Endpoint != n.Endpoint)
	restart("recognition.backoff", o.Backoff != n.Backoff || o.MaxBackoff != n.MaxBackoff)
	restart("recognition.dial_timeout", o.DialTimeout != n.DialTimeout)
	restart("recognition.circuit_breaker", o.CircuitBreaker != n.CircuitBreaker)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// equalAudio ignores MaxRecording, which is hot-reloadable.
func equalAudio(a, b AudioConfig) bool {
	return a.Source == b.Source &&
		a.ChunkSamples == b.ChunkSamples &&
		a.Snapshot == b.Snapshot &&
		slices.Equal(a.Preferences, b.Preferences)
}
