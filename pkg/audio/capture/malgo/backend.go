// Package malgo implements capture devices on top of miniaudio through
// github.com/gen2brain/malgo: the default microphone, system-output loopback
// (WASAPI only) and a rolling 8-bit waveform [capture.Snapshotter] over the
// playback monitor for platforms where loopback capture is not available.
//
// One [Backend] owns the miniaudio context and must be closed after every
// device it opened has been closed.
package malgo

import (
	"fmt"
	"log/slog"
	"strings"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
)

// DefaultPeriod is the miniaudio period size requested for capture devices.
const DefaultPeriod uint32 = 10 // milliseconds

var _ audio.Prober = (*Backend)(nil)

// Option is a functional option for [New].
type Option func(*Backend)

// WithPeriod overrides the device period size in milliseconds.
func WithPeriod(ms uint32) Option {
	return func(b *Backend) {
		if ms > 0 {
			b.periodMs = ms
		}
	}
}

// WithLogger sets the logger receiving miniaudio diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.log = l }
}

// Backend is an initialised miniaudio context.
type Backend struct {
	ctx      *ma.AllocatedContext
	periodMs uint32
	log      *slog.Logger
}

// New initialises miniaudio with the platform's default backend list.
func New(opts ...Option) (*Backend, error) {
	b := &Backend{periodMs: DefaultPeriod, log: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		b.log.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	b.ctx = mctx
	return b, nil
}

// Close releases the miniaudio context.
func (b *Backend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

// Target is what a capture device records.
type Target int

const (
	// TargetMicrophone is the default capture device.
	TargetMicrophone Target = iota

	// TargetLoopback is the output of the default playback device.
	TargetLoopback
)

func (t Target) deviceType() ma.DeviceType {
	if t == TargetLoopback {
		return ma.Loopback
	}
	return ma.Capture
}

// MinBufferSize implements [audio.Prober] for the default microphone. See
// [Backend.Prober].
func (b *Backend) MinBufferSize(enc audio.Encoding, sampleRate int) int {
	return b.probe(ma.Capture, enc, sampleRate)
}

// Prober returns an [audio.Prober] that initialises (but does not start) a
// mono device of kind t for each candidate. It reports two periods worth of
// bytes, or 0 if miniaudio rejects the combination.
func (b *Backend) Prober(t Target) audio.Prober {
	kind := t.deviceType()
	return audio.ProberFunc(func(enc audio.Encoding, sampleRate int) int {
		return b.probe(kind, enc, sampleRate)
	})
}

func (b *Backend) probe(kind ma.DeviceType, enc audio.Encoding, sampleRate int) int {
	format, ok := formatFor(enc)
	if !ok || sampleRate <= 0 {
		return 0
	}
	cfg := b.deviceConfig(kind, format, 1, sampleRate)
	dev, err := ma.InitDevice(b.ctx.Context, cfg, ma.DeviceCallbacks{})
	if err != nil {
		b.log.Debug("malgo: probe rejected", "encoding", enc.String(), "sample_rate", sampleRate, "err", err)
		return 0
	}
	defer dev.Uninit()
	if dev.SampleRate() != uint32(sampleRate) || dev.CaptureFormat() != format {
		return 0
	}
	return periodBytes(sampleRate, b.periodMs, enc.BytesPerSample()) * 2
}

// SupportsLoopback reports whether the host backend can record the default
// playback device directly. Only WASAPI can.
func (b *Backend) SupportsLoopback() bool {
	dev, err := ma.InitDevice(b.ctx.Context, ma.DefaultDeviceConfig(ma.Loopback), ma.DeviceCallbacks{})
	if err != nil {
		b.log.Debug("malgo: loopback unsupported", "err", err)
		return false
	}
	dev.Uninit()
	return true
}

// Microphone returns an Opener for the default capture device.
func (b *Backend) Microphone() capture.Opener {
	return capture.OpenerFunc(func(cfg audio.SourceConfig, bufferSize int) (capture.Device, error) {
		return b.open(ma.Capture, cfg, bufferSize)
	})
}

// Loopback returns an Opener that records what the default playback device is
// playing. Only WASAPI supports loopback; elsewhere Open fails, so check
// [Backend.SupportsLoopback] first.
func (b *Backend) Loopback() capture.Opener {
	return capture.OpenerFunc(func(cfg audio.SourceConfig, bufferSize int) (capture.Device, error) {
		return b.open(ma.Loopback, cfg, bufferSize)
	})
}

func (b *Backend) deviceConfig(kind ma.DeviceType, format ma.FormatType, channels, sampleRate int) ma.DeviceConfig {
	cfg := ma.DefaultDeviceConfig(kind)
	cfg.Capture.Format = format
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = b.periodMs
	cfg.Alsa.NoMMap = 1
	return cfg
}

func formatFor(enc audio.Encoding) (ma.FormatType, bool) {
	switch enc {
	case audio.EncodingPCM16:
		return ma.FormatS16, true
	case audio.EncodingFloat32:
		return ma.FormatF32, true
	default:
		return ma.FormatUnknown, false
	}
}

func periodBytes(sampleRate int, periodMs uint32, bytesPerFrame int) int {
	return sampleRate * int(periodMs) / 1000 * bytesPerFrame
}
