package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/songsnap/internal/config"
)

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	d := config.Diff(a, b)
	if d.LogLevelChanged || d.TimingsChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Server.LogLevel = config.LogWarn

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("Diff = %+v, want log level change to warn", d)
	}
	if d.TimingsChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_Timings(t *testing.T) {
	t.Parallel()
	mutations := map[string]func(*config.RecognitionConfig){
		"grace":     func(r *config.RecognitionConfig) { r.GracePeriod = time.Second },
		"send":      func(r *config.RecognitionConfig) { r.SendTimeout = time.Second },
		"reconnect": func(r *config.RecognitionConfig) { r.ReconnectLimit = 5 },
		"drain":     func(r *config.RecognitionConfig) { r.DrainPoll = time.Second },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			a := mustLoad(t, sampleYAML)
			b := mustLoad(t, sampleYAML)
			mutate(&b.Recognition)
			d := config.Diff(a, b)
			if !d.TimingsChanged {
				t.Error("TimingsChanged = false")
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Server.ListenAddr = ":1"
	b.Audio.Preferences = b.Audio.Preferences[:1]
	b.Recognition.Endpoint = "wss://other.example.com"
	b.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}

	d := config.Diff(a, b)
	want := []string{"server.listen_addr", "server.tls", "audio", "recognition.endpoint"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_SessionDefaults(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, sampleYAML)
	b := mustLoad(t, sampleYAML)
	b.Recognition.Token = "rotated"
	b.Audio.MaxRecording = 20 * time.Second

	d := config.Diff(a, b)
	if !d.SessionDefaultsChanged {
		t.Error("SessionDefaultsChanged = false")
	}
	if d.TimingsChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}
