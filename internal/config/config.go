// Package config provides the configuration schema, loader, hot-reload watcher
// and factory registry for the songsnap service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the songsnap server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching [slog.Level]; unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Capture source names understood by the default registry.
const (
	SourceMicrophone = "microphone"
	SourceLoopback   = "loopback"
	SourceSnapshot   = "snapshot"
)

// ProviderDuplex is the name of the websocket recognition provider.
const ProviderDuplex = "duplex"

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultMaxRecording   = 12 * time.Second
	DefaultSnapshotPoll   = 50 * time.Millisecond
	DefaultSnapshotWindow = 4096
	DefaultGracePeriod    = 5 * time.Second
	DefaultSendTimeout    = 8 * time.Second
	DefaultReconnectLimit = 1
	DefaultBackoff        = time.Second
	DefaultMaxBackoff     = 4 * time.Second
	DefaultDrainPoll      = 10 * time.Millisecond
	DefaultDialTimeout    = 10 * time.Second
	DefaultServiceName    = "songsnap"
)

// Config is the root configuration structure for songsnap.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the HTTP API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig selects and shapes the capture source.
type AudioConfig struct {
	// Source names the registered capture backend: microphone, loopback or
	// snapshot.
	Source string `yaml:"source"`

	// ChunkSamples is the number of samples per chunk. Zero selects the
	// default of 1024.
	ChunkSamples int `yaml:"chunk_samples"`

	// MaxRecording bounds how long one session captures audio.
	MaxRecording time.Duration `yaml:"max_recording"`

	// Preferences is the ordered (encoding, sample rate) candidate list tried
	// during format negotiation. Empty uses the built-in list.
	Preferences []FormatPreference `yaml:"preferences"`

	// Snapshot configures the snapshot fallback source.
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// FormatPreference is one negotiation candidate.
type FormatPreference struct {
	// Encoding is "pcm16" or "float32".
	Encoding string `yaml:"encoding"`

	// SampleRate in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// SnapshotConfig tunes the waveform snapshot source.
type SnapshotConfig struct {
	// PollInterval is the delay between two snapshots.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Window is the number of 8-bit samples held by each snapshot.
	Window int `yaml:"window"`
}

// RecognitionConfig configures the recognition provider and session timings.
type RecognitionConfig struct {
	// Provider names the registered recognition provider. Default: duplex.
	Provider string `yaml:"provider"`

	// Endpoint is the service URL (ws, wss, http or https).
	Endpoint string `yaml:"endpoint"`

	// Token authenticates sessions started without an explicit token.
	Token string `yaml:"token"`

	// GracePeriod is how long a session waits for late responses once
	// capture has ended. Hot-reloadable.
	GracePeriod time.Duration `yaml:"grace_period"`

	// SendTimeout bounds sending one chunk, including waiting for a live
	// connection. Hot-reloadable.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// ReconnectLimit is the number of connection drops a session tolerates.
	// Zero selects the default; a negative value tolerates none.
	// Hot-reloadable.
	ReconnectLimit int `yaml:"reconnect_limit"`

	// Backoff and MaxBackoff shape the reconnect delay.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// DrainPoll is the interval at which a session checks that a sent chunk
	// has left the transport. Hot-reloadable.
	DrainPoll time.Duration `yaml:"drain_poll"`

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// CircuitBreaker guards the connection handshake.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the recognition
// service. Zero values select the breaker's defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed handshakes that open
	// the breaker.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long an open breaker rejects handshakes before letting
	// a probe through.
	Cooldown time.Duration `yaml:"cooldown"`
}

// TelemetryConfig holds OpenTelemetry resource settings.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
