package malgo

import (
	"context"
	"fmt"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
)

var (
	_ capture.Device          = (*device)(nil)
	_ capture.OverrunReporter = (*device)(nil)
)

// device is a started-on-demand miniaudio capture device. The data callback
// copies every period into a ring buffer that Read drains.
type device struct {
	dev *ma.Device
	rb  *capture.RingBuffer

	closeOnce sync.Once
}

func (b *Backend) open(kind ma.DeviceType, cfg audio.SourceConfig, bufferSize int) (capture.Device, error) {
	format, ok := formatFor(cfg.Encoding)
	if !ok {
		return nil, fmt.Errorf("malgo: open: encoding %s: %w", cfg.Encoding, capture.ErrUnavailable)
	}
	rb := capture.NewRingBuffer(bufferSize)
	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			rb.Write(in)
		},
	}
	dev, err := ma.InitDevice(b.ctx.Context, b.deviceConfig(kind, format, cfg.Channels, cfg.SampleRate), callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init %s device: %w", kindName(kind), err)
	}
	b.log.Debug("malgo: device initialised",
		"kind", kindName(kind),
		"format", cfg.String(),
		"buffer_bytes", bufferSize,
	)
	return &device{dev: dev, rb: rb}, nil
}

func (d *device) Start() error {
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start: %w", err)
	}
	return nil
}

func (d *device) Recording() bool { return d.dev.IsStarted() }

func (d *device) Read(ctx context.Context, p []byte) error {
	return d.rb.ReadFull(ctx, p)
}

func (d *device) Overruns() int64 { return d.rb.Overruns() }

func (d *device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.dev.IsStarted() {
			if stopErr := d.dev.Stop(); stopErr != nil {
				err = fmt.Errorf("malgo: stop: %w", stopErr)
			}
		}
		d.dev.Uninit()
		d.rb.Close()
	})
	return err
}

func kindName(kind ma.DeviceType) string {
	switch kind {
	case ma.Capture:
		return "capture"
	case ma.Loopback:
		return "loopback"
	default:
		return "unknown"
	}
}
