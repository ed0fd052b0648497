// Package duplex provides a websocket-backed [recognition.Provider]. Each
// connection attempt dials the service, streams PCM chunks as binary frames and
// decodes every text frame the service sends back into a
// [recognition.Outcome]. Dropped connections are re-dialled with exponential
// backoff for as long as the caller's context lives.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/recognition"
)

const (
	// DefaultBackoff is the delay before the second connection attempt.
	DefaultBackoff = time.Second

	// DefaultMaxBackoff caps the doubling backoff.
	DefaultMaxBackoff = 4 * time.Second

	// DefaultSendQueue is the number of frames a connection buffers before
	// Send blocks.
	DefaultSendQueue = 256

	defaultDialTimeout = 10 * time.Second
	eventBuffer        = 16
)

// Compile-time interface assertion.
var _ recognition.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithBackoff sets the initial and maximum reconnect delay. Non-positive
// values keep the defaults.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(p *Provider) {
		if initial > 0 {
			p.backoff = initial
		}
		if maxDelay > 0 {
			p.maxBackoff = maxDelay
		}
	}
}

// WithDialTimeout bounds each dial, including the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.dialTimeout = d
		}
	}
}

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithSendQueue sets the per-connection frame queue length.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// WithLogger overrides the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements [recognition.Provider] over websockets.
type Provider struct {
	endpoint    *url.URL
	format      audio.SourceConfig
	backoff     time.Duration
	maxBackoff  time.Duration
	dialTimeout time.Duration
	sendQueue   int
	httpClient  *http.Client
	log         *slog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a Provider for the service at endpoint (ws, wss, http or https)
// streaming audio in format.
func New(endpoint string, format audio.SourceConfig, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("duplex: endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("duplex: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("duplex: unsupported endpoint scheme %q", u.Scheme)
	}
	p := &Provider{
		endpoint:    u,
		format:      format,
		backoff:     DefaultBackoff,
		maxBackoff:  DefaultMaxBackoff,
		dialTimeout: defaultDialTimeout,
		sendQueue:   DefaultSendQueue,
		log:         slog.Default(),
		sleep:       sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	if p.maxBackoff < p.backoff {
		p.maxBackoff = p.backoff
	}
	return p, nil
}

// Open implements [recognition.Provider].
func (p *Provider) Open(ctx context.Context, token string) <-chan recognition.Event {
	events := make(chan recognition.Event, eventBuffer)
	sessionID := recognition.SessionID(ctx)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	go p.run(ctx, token, sessionID, events)
	return events
}

// run drives connection attempts until ctx ends.
func (p *Provider) run(ctx context.Context, token, sessionID string, events chan<- recognition.Event) {
	defer close(events)
	log := p.log.With("session_id", sessionID)
	b := newBackoff(p.backoff, p.maxBackoff)

	for attempt := 1; ctx.Err() == nil; attempt++ {
		if p.attempt(ctx, token, sessionID, attempt, events) {
			b.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		delay := b.Next()
		log.Debug("duplex: reconnecting", "attempt", attempt+1, "backoff", delay)
		if !p.sleep(ctx, delay) {
			return
		}
	}
}

// attempt runs one connection from dial to close and reports whether it opened.
func (p *Provider) attempt(ctx context.Context, token, sessionID string, n int, events chan<- recognition.Event) bool {
	log := p.log.With("session_id", sessionID, "attempt", n)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("X-Session-ID", sessionID)

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	ws, _, err := websocket.Dial(dialCtx, p.buildURL(), &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: p.httpClient,
	})
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("duplex: dial failed", "err", err)
			emit(ctx, events, recognition.Event{
				Type:    recognition.EventFailed,
				Attempt: n,
				Err:     fmt.Errorf("duplex: dial: %w", err),
			})
		}
		return false
	}
	log.Debug("duplex: connected")

	connCtx, stop := context.WithCancel(ctx)
	c := newConn(ws, n, p.sendQueue, stop)
	go c.writeLoop(connCtx)
	defer func() {
		stop()
		<-c.done
		_ = ws.CloseNow()
	}()

	if !emit(ctx, events, recognition.Event{Type: recognition.EventOpened, Attempt: n, Conn: c}) {
		return true
	}

	for {
		_, msg, err := ws.Read(connCtx)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			p.emitDrop(ctx, events, n, c, err, log)
			return true
		}
		emit(ctx, events, recognition.Event{
			Type:    recognition.EventResponse,
			Attempt: n,
			Outcome: recognition.Parse(msg),
		})
	}
}

// emitDrop reports how a connection ended: Closing+Closed for a close frame,
// Failed for anything else.
func (p *Provider) emitDrop(ctx context.Context, events chan<- recognition.Event, n int, c *conn, readErr error, log *slog.Logger) {
	var ce websocket.CloseError
	if errors.As(readErr, &ce) {
		reason := strconv.Itoa(int(ce.Code))
		if ce.Reason != "" {
			reason += " " + ce.Reason
		}
		log.Info("duplex: closed by server", "reason", reason)
		emit(ctx, events, recognition.Event{Type: recognition.EventClosing, Attempt: n, Reason: reason})
		emit(ctx, events, recognition.Event{Type: recognition.EventClosed, Attempt: n, Reason: reason})
		return
	}

	err := fmt.Errorf("duplex: read: %w", readErr)
	if werr := c.writeErr(); werr != nil {
		err = fmt.Errorf("duplex: write: %w", werr)
	}
	log.Warn("duplex: connection lost", "err", err)
	emit(ctx, events, recognition.Event{Type: recognition.EventFailed, Attempt: n, Err: err})
}

// buildURL adds the audio format to the endpoint's query string.
func (p *Provider) buildURL() string {
	u := *p.endpoint
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("encoding", p.format.Encoding.String())
	q.Set("sample_rate", strconv.Itoa(p.format.SampleRate))
	q.Set("channels", strconv.Itoa(p.format.Channels))
	u.RawQuery = q.Encode()
	return u.String()
}

func emit(ctx context.Context, events chan<- recognition.Event, ev recognition.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
