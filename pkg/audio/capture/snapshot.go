package capture

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/songsnap/pkg/audio"
)

// DefaultPollInterval is how often a snapshot device polls its Snapshotter.
// It must be shorter than the time the platform needs to refill the buffer.
const DefaultPollInterval = 50 * time.Millisecond

// Snapshotter exposes a rolling waveform buffer maintained by the platform, such
// as an output visualiser. Each snapshot is the most recent window of mono audio
// as unsigned 8-bit samples (silence = 128).
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Close() error
}

// SnapshotterFactory creates a Snapshotter for the negotiated format.
type SnapshotterFactory func(cfg audio.SourceConfig) (Snapshotter, error)

// NewSnapshotOpener returns an Opener whose devices poll snapshots every
// interval, keep only the audio that was not in the previous snapshot and
// convert it to the negotiated encoding. A non-positive interval means
// [DefaultPollInterval].
func NewSnapshotOpener(factory SnapshotterFactory, interval time.Duration) Opener {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return OpenerFunc(func(cfg audio.SourceConfig, bufferSize int) (Device, error) {
		snap, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("capture: open snapshotter: %w", err)
		}
		return &snapshotDevice{
			cfg:      cfg,
			snap:     snap,
			interval: interval,
			rb:       NewRingBuffer(bufferSize),
			done:     make(chan struct{}),
		}, nil
	})
}

// Compile-time interface assertions.
var (
	_ Device          = (*snapshotDevice)(nil)
	_ OverrunReporter = (*snapshotDevice)(nil)
)

type snapshotDevice struct {
	cfg      audio.SourceConfig
	snap     Snapshotter
	interval time.Duration
	rb       *RingBuffer
	dedup    Dedup

	started   atomic.Bool
	failed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (d *snapshotDevice) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.poll(ctx)
	return nil
}

func (d *snapshotDevice) Recording() bool { return d.started.Load() && !d.failed.Load() }

func (d *snapshotDevice) Read(ctx context.Context, p []byte) error {
	return d.rb.ReadFull(ctx, p)
}

func (d *snapshotDevice) Overruns() int64 { return d.rb.Overruns() }

func (d *snapshotDevice) Close() error {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			<-d.done
		}
		d.rb.Close()
		d.closeErr = d.snap.Close()
	})
	return d.closeErr
}

func (d *snapshotDevice) poll(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		wave, err := d.snap.Snapshot()
		if err != nil {
			d.failed.Store(true)
			d.rb.CloseWithError(fmt.Errorf("capture: snapshot: %w", err))
			return
		}
		if fresh := d.dedup.Next(wave); len(fresh) > 0 {
			d.rb.Write(audio.FromUnsigned8(d.cfg.Encoding, fresh))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ── overlap dedup ────────────────────────────────────────────────────────────

// Dedup strips from each snapshot the part already seen in the previous one.
// The zero value is ready to use. Not safe for concurrent use.
type Dedup struct {
	prev []byte
}

// Next returns the new audio in snap: snap minus its longest prefix that is also
// a suffix of the previous snapshot. If snap repeats the previous snapshot
// entirely, the platform produced nothing audible and Next returns len(snap)
// bytes of silence instead. The first snapshot is returned whole.
func (d *Dedup) Next(snap []byte) []byte {
	if len(snap) == 0 {
		return nil
	}
	prev := d.prev
	d.prev = bytes.Clone(snap)
	if prev == nil {
		return bytes.Clone(snap)
	}
	k := Overlap(prev, snap)
	if k == len(snap) {
		return bytes.Repeat([]byte{audio.U8Silence}, len(snap))
	}
	return bytes.Clone(snap[k:])
}

// Reset forgets the previous snapshot.
func (d *Dedup) Reset() { d.prev = nil }

// Overlap returns the length of the longest prefix of cur that is a suffix of
// prev, using the Knuth-Morris-Pratt failure function (linear time).
func Overlap(prev, cur []byte) int {
	if len(prev) == 0 || len(cur) == 0 {
		return 0
	}
	fail := make([]int, len(cur))
	for i, k := 1, 0; i < len(cur); i++ {
		for k > 0 && cur[i] != cur[k] {
			k = fail[k-1]
		}
		if cur[i] == cur[k] {
			k++
		}
		fail[i] = k
	}

	q := 0
	for i := max(0, len(prev)-len(cur)); i < len(prev); i++ {
		if q == len(cur) {
			q = fail[q-1]
		}
		for q > 0 && prev[i] != cur[q] {
			q = fail[q-1]
		}
		if prev[i] == cur[q] {
			q++
		}
	}
	return q
}
