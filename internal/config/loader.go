package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/songsnap/pkg/audio"
)

// ValidSourceNames lists the capture sources known to the default registry.
// Used by [Validate] to warn about unrecognised source names.
var ValidSourceNames = []string{SourceMicrophone, SourceLoopback, SourceSnapshot}

// ValidProviderNames lists the recognition providers known to the default
// registry.
var ValidProviderNames = []string{ProviderDuplex}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
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

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Source == "" {
		a.Source = SourceMicrophone
	}
	if a.ChunkSamples == 0 {
		a.ChunkSamples = audio.DefaultChunkSamples
	}
	if a.MaxRecording == 0 {
		a.MaxRecording = DefaultMaxRecording
	}
	if a.Snapshot.PollInterval == 0 {
		a.Snapshot.PollInterval = DefaultSnapshotPoll
	}
	if a.Snapshot.Window == 0 {
		a.Snapshot.Window = DefaultSnapshotWindow
	}

	rc := &cfg.Recognition
	if rc.Provider == "" {
		rc.Provider = ProviderDuplex
	}
	if rc.GracePeriod == 0 {
		rc.GracePeriod = DefaultGracePeriod
	}
	if rc.SendTimeout == 0 {
		rc.SendTimeout = DefaultSendTimeout
	}
	if rc.ReconnectLimit == 0 {
		rc.ReconnectLimit = DefaultReconnectLimit
	}
	if rc.Backoff == 0 {
		rc.Backoff = DefaultBackoff
	}
	if rc.MaxBackoff == 0 {
		rc.MaxBackoff = DefaultMaxBackoff
	}
	if rc.DrainPoll == 0 {
		rc.DrainPoll = DefaultDrainPoll
	}
	if rc.DialTimeout == 0 {
		rc.DialTimeout = DefaultDialTimeout
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
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

	// Audio
	a := cfg.Audio
	warnUnknownName("audio.source", a.Source, ValidSourceNames)
	if a.ChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_samples %d must not be negative", a.ChunkSamples))
	}
	if a.MaxRecording < 0 {
		errs = append(errs, fmt.Errorf("audio.max_recording %s must not be negative", a.MaxRecording))
	}
	if _, err := a.FormatPreferences(); err != nil {
		errs = append(errs, err)
	}
	if a.Snapshot.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.snapshot.poll_interval %s must not be negative", a.Snapshot.PollInterval))
	}
	if a.Snapshot.Window < 0 {
		errs = append(errs, fmt.Errorf("audio.snapshot.window %d must not be negative", a.Snapshot.Window))
	}

	// Recognition
	rc := cfg.Recognition
	warnUnknownName("recognition.provider", rc.Provider, ValidProviderNames)
	if rc.Endpoint == "" {
		slog.Warn("recognition.endpoint is empty; sessions cannot connect until it is configured")
	} else if u, err := url.Parse(rc.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("recognition.endpoint: %w", err))
	} else if !slices.Contains([]string{"ws", "wss", "http", "https"}, u.Scheme) {
		errs = append(errs, fmt.Errorf("recognition.endpoint scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"grace_period", rc.GracePeriod},
		{"send_timeout", rc.SendTimeout},
		{"backoff", rc.Backoff},
		{"max_backoff", rc.MaxBackoff},
		{"drain_poll", rc.DrainPoll},
		{"dial_timeout", rc.DialTimeout},
		{"circuit_breaker.cooldown", rc.CircuitBreaker.Cooldown},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("recognition.%s %s must not be negative", f.name, f.d))
		}
	}
	if rc.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("recognition.circuit_breaker.max_failures %d must not be negative", rc.CircuitBreaker.MaxFailures))
	}
	if rc.MaxBackoff > 0 && rc.Backoff > rc.MaxBackoff {
		errs = append(errs, fmt.Errorf("recognition.backoff %s exceeds max_backoff %s", rc.Backoff, rc.MaxBackoff))
	}

	return errors.Join(errs...)
}

// FormatPreferences converts the configured negotiation candidates. It
// returns nil without error when none are configured.
func (a AudioConfig) FormatPreferences() ([]audio.Preference, error) {
	var (
		prefs []audio.Preference
		errs  []error
	)
	for i, p := range a.Preferences {
		enc, ok := audio.ParseEncoding(p.Encoding)
		if !ok {
			errs = append(errs, fmt.Errorf("audio.preferences[%d].encoding %q is invalid; valid values: pcm16, float32", i, p.Encoding))
			continue
		}
		if p.SampleRate <= 0 {
			errs = append(errs, fmt.Errorf("audio.preferences[%d].sample_rate %d must be positive", i, p.SampleRate))
			continue
		}
		prefs = append(prefs, audio.Preference{Encoding: enc, SampleRate: p.SampleRate})
	}
	return prefs, errors.Join(errs...)
}

// warnUnknownName logs a warning if name is non-empty and not in known.
func warnUnknownName(field, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party registration",
		"field", field,
		"name", name,
		"known", known,
	)
}
