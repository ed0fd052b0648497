// Package app wires the songsnap subsystems into a running service.
//
// The App struct owns the full lifecycle: New negotiates the capture format
// and builds the shared capture source, the recognition provider and the
// session recognizer; Run serves the HTTP API; Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithCapture,
// WithProvider, WithMetrics). When an option is not provided, New creates the
// real implementation through the [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/songsnap/internal/config"
	"github.com/MrWong99/songsnap/internal/health"
	"github.com/MrWong99/songsnap/internal/observe"
	"github.com/MrWong99/songsnap/internal/session"
	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
	"github.com/MrWong99/songsnap/pkg/audio/level"
	"github.com/MrWong99/songsnap/pkg/recognition"
)

// ErrNoProvider is returned by [App.Recognize] when no recognition provider
// could be created, usually because recognition.endpoint is not configured.
var ErrNoProvider = errors.New("app: no recognition provider configured")

// App owns all subsystem lifetimes.
type App struct {
	reg      *config.Registry
	levelVar *slog.LevelVar

	mu  sync.RWMutex
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	capture    config.Capture
	format     audio.SourceConfig
	available  bool
	meter      *level.Meter
	source     *capture.Source
	provider   recognition.Provider
	recognizer *session.Recognizer
	metrics    *observe.Metrics
	metricsH   http.Handler
	health     *health.Handler

	// checkers are extra readiness checks added through WithChecker.
	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithCapture injects a capture backend instead of creating one from the
// registry.
func WithCapture(c config.Capture) Option {
	return func(a *App) { a.capture = c }
}

// WithProvider injects a recognition provider instead of creating one from
// the registry.
func WithProvider(p recognition.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithLevelVar lets [App.Reload] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithChecker adds a readiness check to GET /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Capture backends and recognition providers
// not injected through options are created from reg.
//
// A capture backend that supports none of the preferred formats does not
// fail New: the service still starts, reports itself not ready and answers
// every recognition with a bad-recording outcome.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Capture backend ───────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 2. Format negotiation + shared source ────────────────────────────
	if err := a.initSource(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init source: %w", err)
	}

	// ── 3. Recognition provider ──────────────────────────────────────────
	if err := a.initProvider(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init provider: %w", err)
	}

	// ── 4. Recognizer + health ───────────────────────────────────────────
	a.recognizer = session.New(a.provider,
		session.WithTimings(timings(cfg.Recognition)),
		session.WithMetrics(a.metrics),
	)
	a.health = health.New(append([]health.Checker{
		{Name: "capture", Check: a.checkCapture},
		{Name: "recognition", Check: a.checkRecognition},
	}, a.checkers...)...)
	return a, nil
}

func (a *App) initCapture() error {
	if a.capture.Opener != nil {
		return nil
	}
	c, err := a.reg.CreateSource(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.capture = c
	if c.Close != nil {
		a.closers = append(a.closers, c.Close)
	}
	slog.Info("capture backend ready", "source", a.cfg.Audio.Source)
	return nil
}

func (a *App) initSource() error {
	prefs, err := a.cfg.Audio.FormatPreferences()
	if err != nil {
		return err
	}
	if a.capture.Prober == nil {
		return errors.New("capture backend has no prober")
	}
	format, ok := audio.Negotiate(a.capture.Prober, prefs, a.cfg.Audio.ChunkSamples)
	if !ok {
		slog.Warn("no viable capture format; capture is unavailable", "source", a.cfg.Audio.Source)
		return nil
	}
	a.format = format
	a.available = true
	a.meter = level.New(format)
	a.source = capture.NewSource(format, a.capture.Opener, capture.WithMeter(a.meter))
	slog.Info("capture format negotiated",
		"format", format.String(),
		"chunk_bytes", format.ChunkSize,
		"chunk_duration", format.ChunkDuration,
		"buffer_bytes", format.CaptureBufferSize(),
	)

	unregister, err := a.metrics.ObserveCapture(a.captureStats)
	if err != nil {
		return fmt.Errorf("observe capture: %w", err)
	}
	a.closers = append(a.closers, unregister)
	return nil
}

func (a *App) initProvider() error {
	if a.provider != nil || !a.available {
		return nil
	}
	if a.cfg.Recognition.Endpoint == "" {
		slog.Warn("recognition.endpoint is empty; recognitions are disabled")
		return nil
	}
	p, err := a.reg.CreateProvider(a.cfg.Recognition, a.format)
	if err != nil {
		return err
	}
	a.provider = p
	slog.Info("recognition provider ready",
		"provider", a.cfg.Recognition.Provider,
		"endpoint", a.cfg.Recognition.Endpoint,
	)
	return nil
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Format returns the negotiated capture format and whether capture is
// available at all.
func (a *App) Format() (audio.SourceConfig, bool) {
	return a.format, a.available
}

// Recognize runs one recognition session over the shared capture source,
// bounded by audio.max_recording. An empty token selects the configured one.
func (a *App) Recognize(ctx context.Context, token string) (recognition.Outcome, error) {
	if !a.available {
		return recognition.BadRecording("capture unavailable: no viable audio format"), nil
	}
	if a.provider == nil {
		return recognition.Outcome{}, ErrNoProvider
	}

	a.mu.RLock()
	if token == "" {
		token = a.cfg.Recognition.Token
	}
	maxRecording := a.cfg.Audio.MaxRecording
	a.mu.RUnlock()

	return a.recognizer.Recognize(ctx, token, capture.Limit(a.source, maxRecording))
}

// Level returns the latest loudness level in [0, 1], or 0 while nothing is
// being captured.
func (a *App) Level() float64 {
	if a.meter == nil {
		return 0
	}
	return a.meter.Level()
}

// Timings returns the session timings currently in effect.
func (a *App) Timings() session.Timings {
	return a.recognizer.Timings()
}

// Reload applies the hot-reloadable parts of next: the log level, the session
// timings, the default token and the maximum recording duration. Changes that
// need a restart are logged and ignored.
func (a *App) Reload(next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TimingsChanged {
		a.recognizer.SetTimings(timings(next.Recognition))
		slog.Info("session timings changed", "timings", fmt.Sprintf("%+v", a.recognizer.Timings()))
	}
	if d.SessionDefaultsChanged {
		slog.Info("session defaults changed", "max_recording", next.Audio.MaxRecording)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes need a restart", "fields", d.RestartRequired)
	}
}

func (a *App) captureStats() observe.CaptureStats {
	return observe.CaptureStats{
		Subscribers: int64(a.source.Subscribers()),
		Captured:    a.source.Captured(),
		Overruns:    a.source.Overruns(),
		Level:       a.meter.Level(),
	}
}

func (a *App) checkCapture(context.Context) error {
	if !a.available {
		return errors.New("no viable capture format")
	}
	return nil
}

func (a *App) checkRecognition(context.Context) error {
	if a.provider == nil {
		return ErrNoProvider
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New created before failing.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// timings maps the recognition config onto session timings.
func timings(rc config.RecognitionConfig) session.Timings {
	return session.Timings{
		GracePeriod:       rc.GracePeriod,
		SendTimeout:       rc.SendTimeout,
		ReconnectLimit:    rc.ReconnectLimit,
		DrainPollInterval: rc.DrainPoll,
	}
}
