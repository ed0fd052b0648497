package capture

import (
	"context"
	"sync"
)

// RingBuffer is a fixed-capacity byte FIFO between a device callback (writer) and
// the capture goroutine (single reader). When full, the oldest bytes are dropped
// so the reader always catches up with live audio.
type RingBuffer struct {
	mu       sync.Mutex
	buf      []byte
	readPos  int
	count    int
	overruns int64
	err      error
	signal   chan struct{}
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:    make([]byte, max(1, capacity)),
		signal: make(chan struct{}, 1),
	}
}

// Write appends p, overwriting the oldest data on overflow. It never blocks and
// is safe to call from real-time callbacks. Writes after Close are dropped.
func (rb *RingBuffer) Write(p []byte) {
	rb.mu.Lock()
	if rb.err != nil {
		rb.mu.Unlock()
		return
	}
	size := len(rb.buf)
	if len(p) > size {
		rb.overruns += int64(len(p) - size)
		p = p[len(p)-size:]
	}
	if drop := rb.count + len(p) - size; drop > 0 {
		rb.readPos = (rb.readPos + drop) % size
		rb.count -= drop
		rb.overruns += int64(drop)
	}
	writePos := (rb.readPos + rb.count) % size
	n := copy(rb.buf[writePos:], p)
	copy(rb.buf, p[n:])
	rb.count += len(p)
	rb.mu.Unlock()

	select {
	case rb.signal <- struct{}{}:
	default:
	}
}

// ReadFull blocks until len(p) bytes are buffered, then copies them into p. It
// returns ctx.Err() if ctx ends first and the close error once the buffer is
// closed and drained below len(p).
func (rb *RingBuffer) ReadFull(ctx context.Context, p []byte) error {
	for {
		rb.mu.Lock()
		if rb.count >= len(p) {
			size := len(rb.buf)
			n := copy(p, rb.buf[rb.readPos:min(size, rb.readPos+len(p))])
			copy(p[n:], rb.buf[:len(p)-n])
			rb.readPos = (rb.readPos + len(p)) % size
			rb.count -= len(p)
			rb.mu.Unlock()
			return nil
		}
		err := rb.err
		rb.mu.Unlock()
		if err != nil {
			return err
		}

		select {
		case <-rb.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Buffered returns the number of unread bytes.
func (rb *RingBuffer) Buffered() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Overruns returns the number of bytes dropped because the reader fell behind.
func (rb *RingBuffer) Overruns() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.overruns
}

// CloseWithError stops accepting writes; pending and future reads fail with err
// once the remaining data is insufficient. A nil err means [ErrClosed].
func (rb *RingBuffer) CloseWithError(err error) {
	if err == nil {
		err = ErrClosed
	}
	rb.mu.Lock()
	if rb.err == nil {
		rb.err = err
	}
	rb.mu.Unlock()

	select {
	case rb.signal <- struct{}{}:
	default:
	}
}

// Close is CloseWithError(nil).
func (rb *RingBuffer) Close() { rb.CloseWithError(nil) }
