package capture

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/level"
)

// subscriberBuffer is the number of chunks buffered per subscriber before the
// capture loop blocks on it (about 1.3 s at 48 kHz / 1024 samples).
const subscriberBuffer = 64

// Compile-time interface assertion.
var _ ChunkSource = (*Source)(nil)

// Option is a functional option for [NewSource].
type Option func(*Source)

// WithMeter feeds the energy of every captured chunk to m.
func WithMeter(m *level.Meter) Option {
	return func(s *Source) { s.meter = m }
}

// WithLogger overrides the logger used for capture lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// Source is a reference-counted, multi-consumer audio capture stream.
//
// The device is opened when the subscriber count goes from zero to one and
// closed when it returns to zero. Subscribers never see audio captured before
// they subscribed. All methods are safe for concurrent use.
type Source struct {
	cfg    audio.SourceConfig
	opener Opener
	meter  *level.Meter
	log    *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
	run  *captureRun
	last *captureRun

	captured atomic.Int64
	overruns atomic.Int64
	runs     atomic.Int64
}

// captureRun is one device lifetime: from open to close.
type captureRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource creates an idle Source for the negotiated format cfg. No device is
// opened until the first call to Chunks.
func NewSource(cfg audio.SourceConfig, opener Opener, opts ...Option) *Source {
	s := &Source{
		cfg:    cfg,
		opener: opener,
		log:    slog.Default(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the format chunks are captured in.
func (s *Source) Config() audio.SourceConfig { return s.cfg }

// Subscribers returns the current number of subscribers.
func (s *Source) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Captured returns the total number of chunks read from devices.
func (s *Source) Captured() int64 { return s.captured.Load() }

// Overruns returns the total number of bytes devices dropped because the
// capture loop fell behind.
func (s *Source) Overruns() int64 { return s.overruns.Load() }

// Runs returns how many times a device has been opened.
func (s *Source) Runs() int64 { return s.runs.Load() }

// Chunks subscribes to the capture stream.
//
// The returned channel yields chunks in capture order. On a fatal capture
// failure it yields exactly one Result with a non-nil Err (a [*Error]) and is
// then closed. When ctx ends the subscription is removed; if it was the last
// one, the device is closed before the channel is closed. A subscriber whose
// context has ended no longer counts towards the current run, so a call that
// follows the last cancellation always starts a fresh capture.
func (s *Source) Chunks(ctx context.Context) <-chan Result {
	sub := &subscription{
		ch:      make(chan Result, subscriberBuffer),
		quit:    make(chan struct{}),
		ctxDone: ctx.Done(),
	}

	s.mu.Lock()
	stale, stop := s.pruneLocked()
	s.subs[sub] = struct{}{}
	if s.run == nil {
		s.startLocked()
	}
	s.mu.Unlock()

	if len(stale) > 0 {
		go s.release(stale, stop)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(sub)
		case <-sub.quit:
		}
	}()
	return sub.ch
}

// startLocked launches a new capture run. s.mu must be held.
func (s *Source) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	run := &captureRun{cancel: cancel, done: make(chan struct{})}
	prev := s.last
	s.run = run
	s.last = run
	go s.capture(ctx, run, prev)
}

// pruneLocked removes subscriptions whose context has already ended but whose
// unsubscribe has not run yet. If none remain, the current run is detached so
// that the caller starts a fresh one. s.mu must be held.
func (s *Source) pruneLocked() ([]*subscription, *captureRun) {
	var stale []*subscription
	for sub := range s.subs {
		select {
		case <-sub.ctxDone:
			stale = append(stale, sub)
			delete(s.subs, sub)
		default:
		}
	}
	if len(stale) == 0 || len(s.subs) > 0 || s.run == nil {
		return stale, nil
	}
	stop := s.run
	s.run = nil
	stop.cancel()
	return stale, stop
}

// release closes pruned subscriptions once their run, if any, has ended.
func (s *Source) release(stale []*subscription, stop *captureRun) {
	for _, sub := range stale {
		sub.stopSends()
	}
	if stop != nil {
		<-stop.done
	}
	for _, sub := range stale {
		sub.close()
	}
}

func (s *Source) unsubscribe(sub *subscription) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sub)
	var stop *captureRun
	if len(s.subs) == 0 && s.run != nil {
		stop = s.run
		s.run = nil
	}
	s.mu.Unlock()

	sub.stopSends()
	if stop != nil {
		stop.cancel()
		<-stop.done
	}
	sub.close()
}

// capture is the capture loop. It runs on a dedicated OS thread for the whole
// device lifetime.
func (s *Source) capture(ctx context.Context, run *captureRun, prev *captureRun) {
	defer close(run.done)
	defer run.cancel()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// The previous device must be released before the hardware is opened again.
	if prev != nil {
		<-prev.done
	}
	if ctx.Err() != nil {
		return
	}

	s.runs.Add(1)
	dev, err := s.opener.Open(s.cfg, s.cfg.CaptureBufferSize())
	if err != nil {
		s.fail(run, &Error{Op: "open", Err: err})
		return
	}
	defer func() {
		if err := dev.Close(); err != nil {
			s.log.Warn("capture: close device", "err", err)
		}
		s.log.Debug("capture: device closed")
	}()

	if err := dev.Start(); err != nil {
		s.fail(run, &Error{Op: "start", Err: err})
		return
	}
	if !dev.Recording() {
		s.fail(run, &Error{Op: "start", Err: ErrNotRecording})
		return
	}
	if s.meter != nil {
		s.meter.Reset()
	}
	s.log.Debug("capture: device recording", "format", s.cfg.String())

	reporter, _ := dev.(OverrunReporter)
	var dropped int64
	for {
		buf := make([]byte, s.cfg.ChunkSize)
		if err := dev.Read(ctx, buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(run, &Error{Op: "read", Err: err})
			return
		}
		s.captured.Add(1)
		if reporter != nil {
			if n := reporter.Overruns(); n > dropped {
				s.overruns.Add(n - dropped)
				s.log.Warn("capture: reader fell behind, audio dropped", "bytes", n-dropped)
				dropped = n
			}
		}
		if s.meter != nil {
			s.meter.Observe(audio.Energy(s.cfg.Encoding, buf))
		}
		s.broadcast(run, Result{Chunk: buf})
	}
}

func (s *Source) broadcast(run *captureRun, r Result) {
	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return
	}
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.send(r)
	}
}

// fail ends run with err: every current subscriber receives one failure Result
// and is closed. A run that was already stopped by its last unsubscribe is left
// alone.
func (s *Source) fail(run *captureRun, err error) {
	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return
	}
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	clear(s.subs)
	s.run = nil
	s.mu.Unlock()

	s.log.Error("capture failed", "err", err, "subscribers", len(subs))
	for _, sub := range subs {
		sub.send(Result{Err: err})
		sub.stopSends()
		sub.close()
	}
}

// ── subscription ─────────────────────────────────────────────────────────────

type subscription struct {
	ch      chan Result
	quit    chan struct{}
	ctxDone <-chan struct{}

	quitOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// send delivers r unless the subscriber is leaving.
func (sub *subscription) send(r Result) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- r:
	case <-sub.quit:
	case <-sub.ctxDone:
	}
}

// stopSends unblocks any in-flight send.
func (sub *subscription) stopSends() {
	sub.quitOnce.Do(func() { close(sub.quit) })
}

func (sub *subscription) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
