package recognition

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by Conn.Send after the connection has closed.
var ErrConnClosed = errors.New("recognition: connection closed")

// Conn is one open duplex connection. It is handed to the session by an
// [EventOpened] event and becomes useless after the matching close or failure
// event. Implementations must be safe for concurrent use.
type Conn interface {
	// Send queues one binary audio frame. It does not wait for the frame to be
	// written; use Pending to observe back-pressure.
	Send(frame []byte) error

	// Pending returns the number of frames queued or being written.
	Pending() int

	// Attempt is the connection attempt number, starting at 1.
	Attempt() int
}

// Provider opens auto-reconnecting duplex sessions to the recognition service.
type Provider interface {
	// Open starts an infinite sequence of connection attempts authenticated
	// with token. Every attempt yields an EventOpened or EventFailed, then
	// responses, then EventClosing/EventClosed or EventFailed. The provider
	// reconnects with backoff on its own. The channel is closed after ctx ends
	// and the active connection has been torn down; callers must drain it.
	Open(ctx context.Context, token string) <-chan Event
}

type sessionIDKey struct{}

// WithSessionID returns a context carrying a session ID that providers forward
// to the service for correlation.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionID returns the ID stored by WithSessionID, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
