// Command songsnap is the main entry point for the songsnap recognition
// service. It captures audio from the configured source and streams it to a
// recognition service on demand, exposing the result over an HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/songsnap/internal/app"
	"github.com/MrWong99/songsnap/internal/config"
	"github.com/MrWong99/songsnap/internal/health"
	"github.com/MrWong99/songsnap/internal/observe"
	"github.com/MrWong99/songsnap/internal/resilience"
	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
	"github.com/MrWong99/songsnap/pkg/audio/capture/malgo"
	"github.com/MrWong99/songsnap/pkg/recognition"
	"github.com/MrWong99/songsnap/pkg/recognition/duplex"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	once := flag.Bool("once", false, "run a single recognition, print the outcome as JSON and exit")
	token := flag.String("token", "", "recognition token for -once (default: recognition.token)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "songsnap: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "songsnap: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("songsnap starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Audio.Source,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	breaker := resilience.New(resilience.Config{
		Name:        "recognition",
		MaxFailures: cfg.Recognition.CircuitBreaker.MaxFailures,
		Cooldown:    cfg.Recognition.CircuitBreaker.Cooldown,
	})
	reg := config.NewRegistry()
	registerBuiltins(reg, breaker)

	if !*once {
		printStartupSummary(cfg, reg)
	}

	application, err := app.New(ctx, cfg, reg,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithLevelVar(levelVar),
		app.WithChecker(health.Checker{Name: "circuit_breaker", Check: breaker.Check}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if *once {
		return recognizeOnce(ctx, application, *token)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		application.Reload(next)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

// recognizeOnce runs a single session and prints its outcome to stdout.
func recognizeOnce(ctx context.Context, application *app.App, token string) int {
	out, err := application.Recognize(ctx, token)
	if err != nil {
		slog.Error("recognition failed", "err", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		slog.Error("encode outcome", "err", err)
		return 1
	}
	if out.IsError() {
		return 2
	}
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltins wires the built-in capture sources and recognition
// providers into reg. Every capture source owns its own miniaudio context,
// released through Capture.Close. Handshakes with the recognition service go
// through breaker.
func registerBuiltins(reg *config.Registry, breaker *resilience.Breaker) {
	// ── Capture sources ───────────────────────────────────────────────────────
	reg.RegisterSource(config.SourceMicrophone, func(config.AudioConfig) (config.Capture, error) {
		b, err := malgo.New()
		if err != nil {
			return config.Capture{}, err
		}
		return config.Capture{Prober: b.Prober(malgo.TargetMicrophone), Opener: b.Microphone(), Close: b.Close}, nil
	})

	reg.RegisterSource(config.SourceLoopback, func(ac config.AudioConfig) (config.Capture, error) {
		b, err := malgo.New()
		if err != nil {
			return config.Capture{}, err
		}
		return loopbackCapture(b, ac), nil
	})

	reg.RegisterSource(config.SourceSnapshot, func(ac config.AudioConfig) (config.Capture, error) {
		b, err := malgo.New()
		if err != nil {
			return config.Capture{}, err
		}
		return snapshotCapture(b, ac), nil
	})

	// ── Recognition providers ─────────────────────────────────────────────────
	reg.RegisterProvider(config.ProviderDuplex, func(rc config.RecognitionConfig, format audio.SourceConfig) (recognition.Provider, error) {
		return duplex.New(rc.Endpoint, format,
			duplex.WithBackoff(rc.Backoff, rc.MaxBackoff),
			duplex.WithDialTimeout(rc.DialTimeout),
			duplex.WithHTTPClient(resilience.NewClient(breaker)),
		)
	})
}

// captureBackend is the part of [malgo.Backend] the system-audio sources use.
type captureBackend interface {
	SupportsLoopback() bool
	Prober(t malgo.Target) audio.Prober
	Loopback() capture.Opener
	RollingSnapshotter(window int) capture.SnapshotterFactory
	Close() error
}

// loopbackCapture records system output directly when the host supports it
// and falls back to waveform snapshots of the playback monitor otherwise.
func loopbackCapture(b captureBackend, ac config.AudioConfig) config.Capture {
	if b.SupportsLoopback() {
		return config.Capture{Prober: b.Prober(malgo.TargetLoopback), Opener: b.Loopback(), Close: b.Close}
	}
	slog.Warn("loopback capture unavailable on this host, falling back to waveform snapshots")
	return snapshotCapture(b, ac)
}

func snapshotCapture(b captureBackend, ac config.AudioConfig) config.Capture {
	opener := capture.NewSnapshotOpener(b.RollingSnapshotter(ac.Snapshot.Window), ac.Snapshot.PollInterval)
	return config.Capture{Prober: b.Prober(malgo.TargetMicrophone), Opener: opener, Close: b.Close}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	endpoint := cfg.Recognition.Endpoint
	if endpoint == "" {
		endpoint = "(not configured)"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        songsnap startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Audio.Source)
	printRow("Sources known", fmt.Sprint(len(reg.Sources())))
	printRow("Max recording", cfg.Audio.MaxRecording.String())
	printRow("Provider", cfg.Recognition.Provider)
	printRow("Endpoint", endpoint)
	printRow("Grace period", cfg.Recognition.GracePeriod.String())
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}
