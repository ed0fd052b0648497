package malgo

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
)

// DefaultWindow is the number of samples kept by a rolling snapshotter.
const DefaultWindow = 4096

// RollingSnapshotter returns a factory for snapshotters that keep the last
// window samples as unsigned 8-bit mono. They record the playback monitor
// capture device when the host exposes one (the "Monitor of ..." sources of
// PulseAudio and PipeWire) and the default capture device otherwise.
func (b *Backend) RollingSnapshotter(window int) capture.SnapshotterFactory {
	if window <= 0 {
		window = DefaultWindow
	}
	return func(cfg audio.SourceConfig) (capture.Snapshotter, error) {
		w := newRollingWindow(window)
		callbacks := ma.DeviceCallbacks{
			Data: func(_, in []byte, _ uint32) {
				w.write(in)
			},
		}
		devCfg := b.deviceConfig(ma.Capture, ma.FormatU8, 1, cfg.SampleRate)

		var pin runtime.Pinner
		defer pin.Unpin()
		if id, ok := b.monitorDevice(); ok {
			pin.Pin(id)
			devCfg.Capture.DeviceID = unsafe.Pointer(id)
		} else {
			b.log.Warn("malgo: no playback monitor found, snapshots record the default capture device")
		}

		dev, err := ma.InitDevice(b.ctx.Context, devCfg, callbacks)
		if err != nil {
			return nil, fmt.Errorf("malgo: init snapshot device: %w", err)
		}
		if err := dev.Start(); err != nil {
			dev.Uninit()
			return nil, fmt.Errorf("malgo: start snapshot device: %w", err)
		}
		return &snapshotter{dev: dev, window: w}, nil
	}
}

// monitorDevice finds a capture device that mirrors a playback device.
func (b *Backend) monitorDevice() (*ma.DeviceID, bool) {
	devices, err := b.ctx.Devices(ma.Capture)
	if err != nil {
		b.log.Debug("malgo: list capture devices", "err", err)
		return nil, false
	}
	for i := range devices {
		if isMonitor(devices[i].Name()) {
			b.log.Debug("malgo: using playback monitor", "device", devices[i].Name())
			id := devices[i].ID
			return &id, true
		}
	}
	return nil, false
}

func isMonitor(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "monitor of ") ||
		strings.HasSuffix(strings.ToLower(name), ".monitor")
}

var _ capture.Snapshotter = (*snapshotter)(nil)

type snapshotter struct {
	dev    *ma.Device
	window *rollingWindow
	once   sync.Once
}

func (s *snapshotter) Snapshot() ([]byte, error) {
	if !s.dev.IsStarted() {
		return nil, fmt.Errorf("malgo: snapshot device stopped")
	}
	return s.window.snapshot(), nil
}

func (s *snapshotter) Close() error {
	var err error
	s.once.Do(func() {
		if stopErr := s.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("malgo: stop snapshot device: %w", stopErr)
		}
		s.dev.Uninit()
	})
	return err
}

// rollingWindow holds the most recent size bytes written to it.
type rollingWindow struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{buf: make([]byte, 0, size), size: size}
}

func (w *rollingWindow) write(p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(p) >= w.size {
		w.buf = append(w.buf[:0], p[len(p)-w.size:]...)
		return
	}
	if over := len(w.buf) + len(p) - w.size; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	w.buf = append(w.buf, p...)
}

func (w *rollingWindow) snapshot() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf...)
}
