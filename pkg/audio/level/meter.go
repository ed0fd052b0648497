// Package level turns per-chunk signal energy into a smoothed, normalised loudness
// level in [0, 1] for user feedback.
//
// A [Meter] keeps a sliding window of roughly 400ms of chunk energies. Each
// observation yields an RMS over the window, converted to dBFS, clamped to
// [-60, 0] and mapped linearly onto [0, 1] with two-decimal precision. A new level
// is only published when it moves by at least [Hysteresis] from the last published
// one, which suppresses jitter in UI indicators.
package level

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/songsnap/pkg/audio"
)

const (
	// Window is the target span of the sliding energy window.
	Window = 400 * time.Millisecond

	// Floor is the quietest level in dBFS; anything below maps to 0.
	Floor = -60.0

	// Hysteresis is the minimum change between two published levels.
	Hysteresis = 0.01
)

// Meter computes loudness levels from chunk energies. It is safe for concurrent
// use; Observe is normally called from a single capture goroutine while any number
// of subscribers read levels.
type Meter struct {
	samplesPerChunk int

	mu        sync.Mutex
	window    []float64 // ring of the last len(window) energies
	next      int
	filled    int
	sum       float64
	published float64
	hasLevel  bool
	subs      map[*subscriber]struct{}
}

type subscriber struct {
	ch chan float64
}

// New creates a Meter sized for cfg: the window holds Window / cfg.ChunkDuration
// energies, at least one.
func New(cfg audio.SourceConfig) *Meter {
	size := 1
	if cfg.ChunkDuration > 0 {
		size = max(1, int(Window/cfg.ChunkDuration))
	}
	return &Meter{
		samplesPerChunk: max(1, cfg.ChunkSamples),
		window:          make([]float64, size),
		subs:            make(map[*subscriber]struct{}),
	}
}

// WindowSize returns the number of chunk energies averaged per level.
func (m *Meter) WindowSize() int {
	return len(m.window)
}

// Observe adds one chunk energy (sum of squared normalised samples, see
// [audio.Energy]) and publishes the resulting level if it changed by at least
// [Hysteresis]. It reports whether a new level was published.
func (m *Meter) Observe(energy float64) bool {
	if math.IsNaN(energy) || energy < 0 {
		energy = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled == len(m.window) {
		m.sum -= m.window[m.next]
	} else {
		m.filled++
	}
	m.window[m.next] = energy
	m.sum += energy
	m.next = (m.next + 1) % len(m.window)

	// Rebuild the running sum once per lap to bound float drift.
	if m.next == 0 {
		m.sum = 0
		for _, e := range m.window[:m.filled] {
			m.sum += e
		}
	}

	lvl := Normalize(math.Sqrt(m.sum / float64(m.filled*m.samplesPerChunk)))
	if m.hasLevel && math.Abs(lvl-m.published) < Hysteresis-1e-9 {
		return false
	}
	m.published = lvl
	m.hasLevel = true
	for s := range m.subs {
		offer(s.ch, lvl)
	}
	return true
}

// Level returns the last published level, or 0 before the first observation.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// Reset clears the energy window so a new capture does not inherit the previous
// one's loudness. The last published level is kept for deduplication.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.window)
	m.next, m.filled, m.sum = 0, 0, 0
}

// Levels returns a channel of published levels. The channel holds only the most
// recent unread level: a slow reader skips intermediate values instead of
// stalling the capture path. It is closed when ctx is done.
func (m *Meter) Levels(ctx context.Context) <-chan float64 {
	s := &subscriber{ch: make(chan float64, 1)}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, s)
		close(s.ch)
		m.mu.Unlock()
	}()
	return s.ch
}

// offer replaces any unread value in ch with v. Must be called with the meter's
// lock held, which makes the meter the only writer.
func offer(ch chan float64, v float64) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// Normalize maps an RMS amplitude in [0, 1] to a level in [0, 1] rounded to two
// decimals. Silence (RMS 0) and NaN map to 0.
func Normalize(rms float64) float64 {
	if math.IsNaN(rms) || rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	db = min(max(db, Floor), 0)
	lvl := db/-Floor + 1
	lvl = min(max(lvl, 0), 1)
	return math.Round(lvl*100) / 100
}
