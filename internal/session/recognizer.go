// Package session runs streaming recognition sessions: it forwards captured
// audio chunks to a duplex recognition connection and races the competing
// completion paths until exactly one [recognition.Outcome] is decided.
//
// A session runs four goroutines:
//
//   - capture-forward moves chunks from the capture stream into an unbounded
//     queue, then waits a grace period for late responses once capture ends;
//   - send pulls chunks in order and writes each one to the live connection,
//     bounded by a per-chunk timeout;
//   - bad-sending-result turns a failed send phase into an error outcome;
//   - final-response consumes connection events and decides on responses.
//
// The first outcome contributed wins; the other goroutines are cancelled and
// joined before [Recognizer.Recognize] returns.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/songsnap/internal/observe"
	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
	"github.com/MrWong99/songsnap/pkg/recognition"
)

// Default session timings.
const (
	DefaultGracePeriod       = 5 * time.Second
	DefaultSendTimeout       = 8 * time.Second
	DefaultReconnectLimit    = 1
	DefaultDrainPollInterval = 10 * time.Millisecond
)

// SendResult is how the send phase of a session ended.
type SendResult int

const (
	// SendSuccess means every queued chunk was written.
	SendSuccess SendResult = iota + 1

	// SendBadRecording means capture ended before a single chunk was queued.
	SendBadRecording

	// SendTimeoutExpired means a chunk could not be written in time.
	SendTimeoutExpired
)

func (r SendResult) String() string {
	switch r {
	case SendSuccess:
		return "success"
	case SendBadRecording:
		return "bad_recording"
	case SendTimeoutExpired:
		return "timeout_expired"
	default:
		return "unknown"
	}
}

// Timings are the tunable constants of a session.
type Timings struct {
	// GracePeriod is how long to wait for responses after capture ends.
	GracePeriod time.Duration

	// SendTimeout bounds writing a single chunk, including waiting for a
	// connection.
	SendTimeout time.Duration

	// ReconnectLimit is the number of dropped connection attempts tolerated;
	// one more ends the session with BadConnection. Zero means the default,
	// negative tolerates no drop at all.
	ReconnectLimit int

	// DrainPollInterval is how often the outgoing queue is polled after a send.
	DrainPollInterval time.Duration
}

// DefaultTimings returns the default session timings.
func DefaultTimings() Timings {
	return Timings{
		GracePeriod:       DefaultGracePeriod,
		SendTimeout:       DefaultSendTimeout,
		ReconnectLimit:    DefaultReconnectLimit,
		DrainPollInterval: DefaultDrainPollInterval,
	}
}

// withDefaults fills zero fields from DefaultTimings. A negative
// ReconnectLimit means zero tolerated drops.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.GracePeriod <= 0 {
		t.GracePeriod = d.GracePeriod
	}
	if t.SendTimeout <= 0 {
		t.SendTimeout = d.SendTimeout
	}
	if t.ReconnectLimit == 0 {
		t.ReconnectLimit = d.ReconnectLimit
	}
	if t.ReconnectLimit < 0 {
		t.ReconnectLimit = 0
	}
	if t.DrainPollInterval <= 0 {
		t.DrainPollInterval = d.DrainPollInterval
	}
	return t
}

// Option is a functional option for [New].
type Option func(*Recognizer)

// WithTimings overrides the session timings.
func WithTimings(t Timings) Option {
	return func(r *Recognizer) { r.timings = t.withDefaults() }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recognizer) { r.metrics = m }
}

// Recognizer runs recognition sessions against one provider. It is safe for
// concurrent use; sessions are independent.
type Recognizer struct {
	provider recognition.Provider
	metrics  *observe.Metrics

	mu      sync.RWMutex
	timings Timings
}

// New creates a Recognizer using provider for duplex connections.
func New(provider recognition.Provider, opts ...Option) *Recognizer {
	r := &Recognizer{
		provider: provider,
		timings:  DefaultTimings(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Timings returns the timings new sessions use.
func (r *Recognizer) Timings() Timings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timings
}

// SetTimings changes the timings for sessions started afterwards.
func (r *Recognizer) SetTimings(t Timings) {
	r.mu.Lock()
	r.timings = t.withDefaults()
	r.mu.Unlock()
}

// Recognize streams src to the recognition service authenticated with token
// and returns the session's single outcome. It blocks until the outcome is
// decided and every goroutine of the session has exited, which includes the
// capture subscription being released and the connection being closed.
//
// The error is non-nil only when ctx ends before an outcome is decided.
func (r *Recognizer) Recognize(ctx context.Context, token string, src capture.ChunkSource) (recognition.Outcome, error) {
	id := uuid.NewString()
	ctx, span := observe.StartSpan(ctx, "session.recognize",
		trace.WithAttributes(attribute.String("session.id", id)),
	)
	ctx = recognition.WithSessionID(ctx, id)
	ctx = observe.WithLogAttrs(ctx, "session_id", id)

	s := &run{
		id:       id,
		timings:  r.Timings(),
		provider: r.provider,
		src:      src,
		token:    token,
		metrics:  r.metrics,
		log:      observe.Logger(ctx),
		queue:    NewQueue[audio.Chunk](),
		sendDone: NewFuture[SendResult](),
		last:     recognition.BadConnection(),
	}

	r.metrics.ActiveSessions.Add(ctx, 1)
	defer r.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	start := time.Now()
	s.log.Debug("session started")
	out, err := First(ctx,
		s.captureForward,
		s.send,
		s.badSendingResult,
		s.finalResponse,
	)
	elapsed := time.Since(start)

	if err != nil {
		observe.EndSpan(span, err)
		s.log.Info("session cancelled", "err", err, "duration", elapsed)
		return recognition.Outcome{}, fmt.Errorf("session: recognize: %w", err)
	}
	defer span.End()
	span.SetAttributes(
		attribute.String("session.outcome", out.Label()),
		attribute.Int64("session.chunks_sent", s.sent.Load()),
		attribute.Int64("session.responses", s.responses.Load()),
		attribute.Int("session.chunks_unsent", s.queue.Len()),
	)
	r.metrics.RecordSession(context.WithoutCancel(ctx), elapsed, out.Label())
	s.log.Info("session finished",
		"outcome", out.String(),
		"chunks_sent", s.sent.Load(),
		"responses", s.responses.Load(),
		"chunks_unsent", s.queue.Len(),
		"duration", elapsed,
	)
	return out, nil
}

// run is the state of one session.
type run struct {
	id       string
	timings  Timings
	provider recognition.Provider
	src      capture.ChunkSource
	token    string
	metrics  *observe.Metrics
	log      *slog.Logger

	queue    *Queue[audio.Chunk]
	conn     Cell[recognition.Conn]
	sendDone *Future[SendResult]

	sent      atomic.Int64
	responses atomic.Int64

	mu       sync.Mutex
	last     recognition.Outcome
	lastResp bool
}

// lastKnown returns the most recent response or connection failure.
func (s *run) lastKnown() recognition.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *run) setLastKnown(o recognition.Outcome, fromResponse bool) {
	s.mu.Lock()
	s.last = o
	s.lastResp = fromResponse
	s.mu.Unlock()
}

// heldResponse returns the last-known outcome if it came from a response.
func (s *run) heldResponse() (recognition.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastResp
}

// ── capture-forward ──────────────────────────────────────────────────────────

func (s *run) captureForward(ctx context.Context) (recognition.Outcome, bool) {
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	chunks := s.src.Chunks(subCtx)
	for {
		select {
		case <-ctx.Done():
			audio.Drain(chunks)
			return recognition.Outcome{}, false
		case res, ok := <-chunks:
			if !ok {
				return s.awaitGrace(ctx)
			}
			if res.Err != nil {
				s.queue.Close()
				unsubscribe()
				audio.Drain(chunks)
				s.log.Warn("capture failed during session", "err", res.Err)
				return recognition.BadRecording(res.Err.Error()), true
			}
			s.queue.Push(res.Chunk)
		}
	}
}

// awaitGrace closes the queue and, after the grace period, contributes the
// last-known outcome.
func (s *run) awaitGrace(ctx context.Context) (recognition.Outcome, bool) {
	s.queue.Close()
	s.log.Debug("capture ended, waiting for responses", "grace", s.timings.GracePeriod)
	t := time.NewTimer(s.timings.GracePeriod)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return recognition.Outcome{}, false
	case <-t.C:
		out := s.lastKnown()
		s.log.Debug("grace period expired", "last_known", out.String())
		return out, true
	}
}

// ── send ─────────────────────────────────────────────────────────────────────

// send never contributes an outcome itself; its result is published through
// sendDone for badSendingResult and finalResponse.
func (s *run) send(ctx context.Context) (recognition.Outcome, bool) {
	pulled := 0
	for {
		chunk, ok, err := s.queue.Pop(ctx)
		if err != nil {
			return recognition.Outcome{}, false
		}
		if !ok {
			break
		}
		pulled++
		if !s.sendChunk(ctx, chunk) {
			if ctx.Err() == nil {
				s.log.Warn("chunk send timed out", "chunk", pulled, "timeout", s.timings.SendTimeout)
				s.sendDone.Set(SendTimeoutExpired)
			}
			return recognition.Outcome{}, false
		}
	}
	if pulled == 0 {
		s.sendDone.Set(SendBadRecording)
	} else {
		s.sendDone.Set(SendSuccess)
	}
	return recognition.Outcome{}, false
}

// sendChunk writes chunk to the live connection and waits until the
// transport's outgoing queue is empty. A connection that rejects the chunk or
// is replaced before draining is skipped and the chunk is retried on the next
// one. It reports false if the send timeout or ctx ends first.
func (s *run) sendChunk(ctx context.Context, chunk audio.Chunk) bool {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timings.SendTimeout)
	defer cancel()

	var stale recognition.Conn
	for {
		conn, err := s.conn.Await(ctx, func(c recognition.Conn) bool {
			return c != nil && c != stale
		})
		if err != nil {
			return false
		}
		if err := conn.Send(chunk); err != nil {
			s.log.Debug("send failed, waiting for a new connection", "attempt", conn.Attempt(), "err", err)
			stale = conn
			continue
		}
		if s.drain(ctx, conn) {
			s.sent.Add(1)
			s.metrics.RecordChunkSent(ctx, time.Since(start))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		stale = conn
	}
}

// drain polls conn until nothing is pending. It reports false if conn stops
// being the published connection or ctx ends.
func (s *run) drain(ctx context.Context, conn recognition.Conn) bool {
	if conn.Pending() == 0 {
		return true
	}
	ticker := time.NewTicker(s.timings.DrainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if conn.Pending() == 0 {
			return true
		}
		if s.conn.Load() != conn {
			return false
		}
	}
}

// ── bad-sending-result ───────────────────────────────────────────────────────

func (s *run) badSendingResult(ctx context.Context) (recognition.Outcome, bool) {
	res, err := s.sendDone.Wait(ctx)
	if err != nil {
		return recognition.Outcome{}, false
	}
	switch res {
	case SendBadRecording:
		return recognition.BadRecording("no audio was captured"), true
	case SendTimeoutExpired:
		return recognition.BadConnection(), true
	default:
		return recognition.Outcome{}, false
	}
}

// ── final-response ───────────────────────────────────────────────────────────

func (s *run) finalResponse(ctx context.Context) (recognition.Outcome, bool) {
	connCtx, closeConn := context.WithCancel(ctx)
	events := s.provider.Open(connCtx, s.token)
	defer func() {
		closeConn()
		audio.Drain(events)
	}()

	dropped := make(map[int]struct{})
	sendDone := s.sendDone.Done()
	for {
		select {
		case <-ctx.Done():
			return recognition.Outcome{}, false

		case <-sendDone:
			sendDone = nil
			if out, ok := s.reconciled(); ok {
				return out, true
			}

		case ev, ok := <-events:
			if !ok {
				return recognition.Outcome{}, false
			}
			switch ev.Type {
			case recognition.EventOpened:
				s.log.Debug("connection opened", "attempt", ev.Attempt)
				s.conn.Store(ev.Conn)

			case recognition.EventClosing, recognition.EventClosed, recognition.EventFailed:
				if c := s.conn.Load(); c != nil && c.Attempt() == ev.Attempt {
					s.conn.Store(nil)
				}
				s.setLastKnown(recognition.BadConnection(), false)
				if _, seen := dropped[ev.Attempt]; seen {
					continue
				}
				dropped[ev.Attempt] = struct{}{}
				s.metrics.ConnectionDrops.Add(ctx, 1)
				s.log.Info("connection dropped",
					"event", ev.String(),
					"drops", len(dropped),
					"limit", s.timings.ReconnectLimit,
				)
				if len(dropped) > s.timings.ReconnectLimit {
					return recognition.BadConnection(), true
				}

			case recognition.EventResponse:
				s.responses.Add(1)
				s.metrics.RecordResponse(ctx, ev.Outcome.Label())
				if ev.Outcome.Decisive() {
					return ev.Outcome, true
				}
				s.setLastKnown(ev.Outcome, true)
				if out, ok := s.reconciled(); ok {
					return out, true
				}
			}
		}
	}
}

// reconciled returns the held response once sending succeeded and every sent
// chunk has been answered.
func (s *run) reconciled() (recognition.Outcome, bool) {
	res, done := s.sendDone.Peek()
	if !done || res != SendSuccess {
		return recognition.Outcome{}, false
	}
	out, ok := s.heldResponse()
	if !ok || s.responses.Load() != s.sent.Load() {
		return recognition.Outcome{}, false
	}
	return out, true
}
