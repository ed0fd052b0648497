// Package capture owns the hardware audio capture resource and exposes it as a
// shared, multi-consumer stream of fixed-size PCM chunks.
//
// A [Source] opens its [Device] when the first consumer subscribes and closes it
// the moment the last one leaves. Chunks are broadcast in capture order with no
// replay: a subscriber only sees audio captured after it subscribed. Every chunk
// is also fed to an optional loudness meter.
//
// Backends implement [Device] and [Opener]. The malgo sub-package provides
// microphone and loopback devices on top of miniaudio; [NewSnapshotOpener] turns
// any rolling waveform buffer into a Device for platforms without loopback capture.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/songsnap/pkg/audio"
)

var (
	// ErrNotRecording is reported when a device started without error but did not
	// enter the recording state.
	ErrNotRecording = errors.New("device did not enter recording state")

	// ErrUnavailable is reported when no capture format or backend is usable.
	ErrUnavailable = errors.New("capture unavailable")

	// ErrClosed is returned by reads on a closed device or ring buffer.
	ErrClosed = errors.New("capture closed")
)

// OverrunReporter is implemented by devices that buffer audio between the
// hardware and Read. Overruns is the total number of bytes dropped because the
// reader fell behind; each drop is an audible gap in the stream.
type OverrunReporter interface {
	Overruns() int64
}

// Error is a fatal capture failure. It terminates the chunk stream of every
// subscriber of the failing capture run.
type Error struct {
	// Op is the failing step: "open", "start" or "read".
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string { return "capture: " + e.Op + ": " + e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Result is one element of a chunk stream: either a chunk or a terminal error.
// Chunk buffers are shared between subscribers and must be treated as read-only.
type Result struct {
	Chunk audio.Chunk
	Err   error
}

// Device is an opened hardware capture resource.
//
// Read and Close may be called from different goroutines; Start and Recording are
// called once by the capture goroutine right after Open.
type Device interface {
	// Start begins capturing into the device's internal buffer.
	Start() error

	// Recording reports whether the device is actually capturing.
	Recording() bool

	// Read blocks until len(p) bytes of captured audio are available and copies
	// them into p. It returns ctx.Err() when ctx ends first.
	Read(ctx context.Context, p []byte) error

	// Close stops capture and releases the hardware. Safe to call more than once.
	Close() error
}

// Opener creates devices for a negotiated format. bufferSize is the requested
// internal buffer size in bytes.
type Opener interface {
	Open(cfg audio.SourceConfig, bufferSize int) (Device, error)
}

// OpenerFunc adapts a plain function to [Opener].
type OpenerFunc func(cfg audio.SourceConfig, bufferSize int) (Device, error)

// Open calls f.
func (f OpenerFunc) Open(cfg audio.SourceConfig, bufferSize int) (Device, error) {
	return f(cfg, bufferSize)
}

// ChunkSource is anything that hands out chunk streams. [Source] and the wrapper
// returned by [Limit] implement it.
type ChunkSource interface {
	// Chunks subscribes to the stream. The returned channel is closed when ctx
	// ends, when the stream is exhausted or after a terminal error Result.
	Chunks(ctx context.Context) <-chan Result
}
