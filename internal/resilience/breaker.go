// Package resilience protects the recognition service from reconnect storms.
//
// A [Breaker] counts consecutive failures and, once a threshold is reached,
// rejects calls outright for a cooldown period before letting a limited number
// of probes through. [Transport] applies a Breaker to every HTTP round trip,
// which covers the websocket handshake of the duplex provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

const (
	// DefaultMaxFailures is the failure threshold used when Config leaves it
	// unset.
	DefaultMaxFailures = 5

	// DefaultCooldown is the open period used when Config leaves it unset.
	DefaultCooldown = 15 * time.Second

	// DefaultProbes is the number of half-open probes used when Config
	// leaves it unset.
	DefaultProbes = 1
)

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits up to Config.Probes concurrent calls. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the lower-case name of s.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero values select the defaults.
type Config struct {
	// Name labels log records and health check errors.
	Name string

	// MaxFailures is the number of consecutive failures that open the breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	Probes int

	// OnStateChange, if set, is called on every transition. It runs with the
	// breaker's lock held and must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inflight  int
	succeeded int
}

// New creates a closed [Breaker].
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow asks to make one call. On success the caller must report the call's
// result through done exactly once; extra calls are ignored. A
// [context.Canceled] result releases the slot without counting either way.
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return nil, ErrOpen
		}
		b.setState(StateHalfOpen)
	}
	probe := b.state == StateHalfOpen
	if probe {
		if b.inflight >= b.cfg.Probes {
			return nil, ErrOpen
		}
		b.inflight++
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(probe, err) })
	}, nil
}

// Do runs fn if the breaker allows it and records its result.
func (b *Breaker) Do(fn func() error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	neutral := errors.Is(err, context.Canceled)
	if probe {
		if b.inflight > 0 {
			b.inflight--
		}
		// Another probe may already have decided this half-open period.
		if b.state != StateHalfOpen || neutral {
			return
		}
		if err != nil {
			b.trip()
			return
		}
		b.succeeded++
		if b.succeeded >= b.cfg.Probes {
			b.failures = 0
			b.setState(StateClosed)
		}
		return
	}

	if neutral || b.state != StateClosed {
		return
	}
	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.trip()
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

// setState records a transition. b.mu must be held.
func (b *Breaker) setState(s State) {
	from := b.state
	b.state = s
	b.succeeded = 0
	if from == s {
		return
	}
	switch s {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "failures", b.failures, "cooldown", b.cfg.Cooldown)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open", "name", b.cfg.Name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, s)
	}
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.inflight = 0
	b.setState(StateClosed)
}

// Check is a readiness probe: it fails while the breaker is open.
func (b *Breaker) Check(context.Context) error {
	if b.State() == StateOpen {
		return fmt.Errorf("%w: %s", ErrOpen, b.cfg.Name)
	}
	return nil
}
