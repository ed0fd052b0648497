package duplex

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/songsnap/pkg/recognition"
)

var _ recognition.Conn = (*conn)(nil)

// conn is one live websocket. Send only queues; writeLoop owns all writes.
type conn struct {
	ws      *websocket.Conn
	attempt int
	frames  chan []byte
	pending atomic.Int64
	done    chan struct{}
	stop    context.CancelFunc

	mu  sync.Mutex
	err error
}

func newConn(ws *websocket.Conn, attempt, queue int, stop context.CancelFunc) *conn {
	return &conn{
		ws:      ws,
		attempt: attempt,
		frames:  make(chan []byte, queue),
		done:    make(chan struct{}),
		stop:    stop,
	}
}

// Send queues frame for writing. It blocks while the queue is full and fails
// once the connection has ended.
func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return recognition.ErrConnClosed
	default:
	}
	c.pending.Add(1)
	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		c.pending.Add(-1)
		return recognition.ErrConnClosed
	}
}

// Pending returns queued plus in-flight frames.
func (c *conn) Pending() int { return int(c.pending.Load()) }

func (c *conn) Attempt() int { return c.attempt }

func (c *conn) writeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// writeLoop sends queued frames as binary messages until ctx ends or a write
// fails. A failed write tears the connection down so the read side reports it.
func (c *conn) writeLoop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.frames:
			err := c.ws.Write(ctx, websocket.MessageBinary, frame)
			c.pending.Add(-1)
			if err != nil {
				if ctx.Err() == nil {
					c.mu.Lock()
					c.err = err
					c.mu.Unlock()
				}
				c.stop()
				return
			}
		}
	}
}
