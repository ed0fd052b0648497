// Package mock provides scripted implementations of [recognition.Provider] and
// [recognition.Conn] for use in unit tests.
//
// A Provider runs a [Script] per Open call. Scripts emit events through the
// supplied emit function and must return once ctx ends; the event channel is
// closed after the script returns. Ready-made scripts cover the common cases:
// [Responder] answers every frame, [AlwaysFailing] never connects.
//
// All mocks are safe for concurrent use and record their calls.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/songsnap/pkg/recognition"
)

// ─── Conn ─────────────────────────────────────────────────────────────────────

var _ recognition.Conn = (*Conn)(nil)

// Conn is a mock [recognition.Conn].
type Conn struct {
	// AttemptNumber is returned by Attempt.
	AttemptNumber int

	// SendError, if set, is returned by Send instead of accepting the frame.
	SendError error

	// OnSend is called with every accepted frame, if set.
	OnSend func(frame []byte)

	pending atomic.Int64

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// Send implements [recognition.Conn].
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return recognition.ErrConnClosed
	}
	if c.SendError != nil {
		c.mu.Unlock()
		return c.SendError
	}
	c.frames = append(c.frames, frame)
	onSend := c.OnSend
	c.mu.Unlock()
	if onSend != nil {
		onSend(frame)
	}
	return nil
}

// Pending implements [recognition.Conn]. It returns the value set by SetPending.
func (c *Conn) Pending() int { return int(c.pending.Load()) }

// Attempt implements [recognition.Conn].
func (c *Conn) Attempt() int { return c.AttemptNumber }

// SetPending sets the value Pending reports.
func (c *Conn) SetPending(n int) { c.pending.Store(int64(n)) }

// Close makes every later Send fail with [recognition.ErrConnClosed].
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Frames returns the accepted frames in order.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// ─── Provider ─────────────────────────────────────────────────────────────────

var _ recognition.Provider = (*Provider)(nil)

// Script drives one Open call. emit blocks until the event is consumed and
// returns false once ctx has ended.
type Script func(ctx context.Context, token string, emit func(recognition.Event) bool)

// Provider is a mock [recognition.Provider].
type Provider struct {
	// Script runs for each Open. A nil Script emits nothing.
	Script Script

	mu     sync.Mutex
	tokens []string
	active int
	wg     sync.WaitGroup
}

// Open implements [recognition.Provider].
func (p *Provider) Open(ctx context.Context, token string) <-chan recognition.Event {
	p.mu.Lock()
	p.tokens = append(p.tokens, token)
	p.active++
	p.mu.Unlock()

	events := make(chan recognition.Event)
	emit := func(ev recognition.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			close(events)
		}()
		if p.Script != nil {
			p.Script(ctx, token, emit)
		}
		<-ctx.Done()
	}()
	return events
}

// Tokens returns the tokens passed to Open, in order.
func (p *Provider) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

// Active returns the number of Open streams whose channel is not yet closed.
func (p *Provider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Wait blocks until every Open stream has closed its channel.
func (p *Provider) Wait() { p.wg.Wait() }

// ─── Scripts ──────────────────────────────────────────────────────────────────

// ErrRefused is the error carried by failure events of [AlwaysFailing].
var ErrRefused = errors.New("mock: connection refused")

// AlwaysFailing emits a Failed event for every attempt until ctx ends.
func AlwaysFailing() Script {
	return func(ctx context.Context, _ string, emit func(recognition.Event) bool) {
		for attempt := 1; ; attempt++ {
			if !emit(recognition.Event{Type: recognition.EventFailed, Attempt: attempt, Err: ErrRefused}) {
				return
			}
		}
	}
}

// Responder opens one connection and answers the n-th accepted frame (1-based)
// with respond(n) when it returns true. The connection is exposed through conn
// so tests can inspect it; it may be nil.
func Responder(conn *Conn, respond func(n int) (recognition.Outcome, bool)) Script {
	if conn == nil {
		conn = &Conn{}
	}
	return func(ctx context.Context, _ string, emit func(recognition.Event) bool) {
		sent := make(chan int, 1024)
		var count atomic.Int64
		conn.mu.Lock()
		if conn.AttemptNumber == 0 {
			conn.AttemptNumber = 1
		}
		conn.OnSend = func([]byte) { sent <- int(count.Add(1)) }
		conn.mu.Unlock()

		if !emit(recognition.Event{Type: recognition.EventOpened, Attempt: conn.AttemptNumber, Conn: conn}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-sent:
				out, ok := respond(n)
				if !ok {
					continue
				}
				if !emit(recognition.Event{Type: recognition.EventResponse, Attempt: conn.AttemptNumber, Outcome: out}) {
					return
				}
			}
		}
	}
}

// Sequence runs scripts one after another, as successive connection attempts
// of the same stream. The last script should block until ctx ends.
func Sequence(scripts ...Script) Script {
	return func(ctx context.Context, token string, emit func(recognition.Event) bool) {
		for _, s := range scripts {
			if ctx.Err() != nil {
				return
			}
			s(ctx, token, emit)
		}
	}
}

// Events emits evs in order and returns.
func Events(evs ...recognition.Event) Script {
	return func(_ context.Context, _ string, emit func(recognition.Event) bool) {
		for _, ev := range evs {
			if !emit(ev) {
				return
			}
		}
	}
}
