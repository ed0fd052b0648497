// Package mock provides in-memory mock implementations of the [capture.Device],
// [capture.Opener], [capture.Snapshotter] and [audio.Prober] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control behaviour.
//
// Typical usage:
//
//	opener := &mock.Opener{ReadDelay: time.Millisecond}
//	src := capture.NewSource(cfg, opener)
//	chunks := src.Chunks(ctx)
//	<-chunks
//	opener.Devices()[0].CallCountRead()
package mock

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
)

// ─── Device ───────────────────────────────────────────────────────────────────

var (
	_ capture.Device          = (*Device)(nil)
	_ capture.OverrunReporter = (*Device)(nil)
)

// Device is a mock [capture.Device] that produces numbered chunks. The first
// eight bytes of every chunk hold the big-endian read index (starting at 0) so
// tests can check ordering; the remaining bytes are Fill.
type Device struct {
	// StartError is returned by Start.
	StartError error

	// NotRecording makes Recording report false after a successful Start.
	NotRecording bool

	// ReadError is returned by Read once FailAfter chunks were produced.
	ReadError error

	// FailAfter is the number of successful reads before ReadError is returned.
	FailAfter int

	// ReadDelay paces reads. Zero means no delay.
	ReadDelay time.Duration

	// Fill is the value of every non-header byte.
	Fill byte

	// OverrunPerRead is added to the reported overruns on every read.
	OverrunPerRead int64

	// OnClose is called from Close, if set.
	OnClose func()

	mu        sync.Mutex
	started   bool
	closed    bool
	reads     int
	overruns  int64
	starts    int
	closes    int
	bufferLen int
}

// Start implements [capture.Device].
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.StartError != nil {
		return d.StartError
	}
	d.started = true
	return nil
}

// Recording implements [capture.Device].
func (d *Device) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.closed && !d.NotRecording
}

// Read implements [capture.Device].
func (d *Device) Read(ctx context.Context, p []byte) error {
	if d.ReadDelay > 0 {
		t := time.NewTimer(d.ReadDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return capture.ErrClosed
	}
	if d.ReadError != nil && d.reads >= d.FailAfter {
		return d.ReadError
	}
	for i := range p {
		p[i] = d.Fill
	}
	if len(p) >= 8 {
		binary.BigEndian.PutUint64(p, uint64(d.reads))
	}
	d.reads++
	d.overruns += d.OverrunPerRead
	return nil
}

// Overruns implements [capture.OverrunReporter].
func (d *Device) Overruns() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overruns
}

// Close implements [capture.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	d.closes++
	d.closed = true
	onClose := d.OnClose
	d.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// CallCountRead returns the number of successful reads.
func (d *Device) CallCountRead() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// CallCountStart returns the number of Start calls.
func (d *Device) CallCountStart() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// CallCountClose returns the number of Close calls.
func (d *Device) CallCountClose() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// BufferSize returns the buffer size the device was opened with.
func (d *Device) BufferSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufferLen
}

// SeqOf returns the read index stamped into chunk by [Device.Read].
func SeqOf(chunk []byte) uint64 {
	if len(chunk) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(chunk)
}

// ─── Opener ───────────────────────────────────────────────────────────────────

var _ capture.Opener = (*Opener)(nil)

// Opener is a mock [capture.Opener]. Each Open creates a new [Device] configured
// from the template fields below.
type Opener struct {
	// OpenError is returned by Open when set.
	OpenError error

	// Template fields copied into every opened Device.
	StartError   error
	NotRecording bool
	ReadError    error
	FailAfter    int
	ReadDelay    time.Duration
	Fill         byte

	// OverrunPerRead is copied into every opened Device.
	OverrunPerRead int64

	mu          sync.Mutex
	devices     []*Device
	configs     []audio.SourceConfig
	open        int
	maxOpen     int
	callsOpened int
}

// Open implements [capture.Opener].
func (o *Opener) Open(cfg audio.SourceConfig, bufferSize int) (capture.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callsOpened++
	o.configs = append(o.configs, cfg)
	if o.OpenError != nil {
		return nil, o.OpenError
	}
	d := &Device{
		StartError:     o.StartError,
		NotRecording:   o.NotRecording,
		ReadError:      o.ReadError,
		FailAfter:      o.FailAfter,
		ReadDelay:      o.ReadDelay,
		Fill:           o.Fill,
		OverrunPerRead: o.OverrunPerRead,
		bufferLen:      bufferSize,
	}
	d.OnClose = func() {
		o.mu.Lock()
		o.open--
		o.mu.Unlock()
	}
	o.open++
	o.maxOpen = max(o.maxOpen, o.open)
	o.devices = append(o.devices, d)
	return d, nil
}

// Devices returns every device opened so far, in order.
func (o *Opener) Devices() []*Device {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Device(nil), o.devices...)
}

// Configs returns the configs passed to Open, in order.
func (o *Opener) Configs() []audio.SourceConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]audio.SourceConfig(nil), o.configs...)
}

// CallCountOpen returns the number of Open calls.
func (o *Opener) CallCountOpen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callsOpened
}

// OpenDevices returns the number of devices opened and not yet closed.
func (o *Opener) OpenDevices() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open
}

// MaxOpenDevices returns the highest number of simultaneously open devices.
func (o *Opener) MaxOpenDevices() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxOpen
}

// ─── Prober ───────────────────────────────────────────────────────────────────

var _ audio.Prober = (*Prober)(nil)

// ProbeCall records a single MinBufferSize invocation.
type ProbeCall struct {
	Encoding   audio.Encoding
	SampleRate int
}

// Prober is a mock [audio.Prober] answering from a lookup table.
type Prober struct {
	// Sizes maps a preference to its minimum buffer size. Missing entries are
	// unsupported (0).
	Sizes map[audio.Preference]int

	mu    sync.Mutex
	calls []ProbeCall
}

// MinBufferSize implements [audio.Prober].
func (p *Prober) MinBufferSize(enc audio.Encoding, sampleRate int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ProbeCall{Encoding: enc, SampleRate: sampleRate})
	return p.Sizes[audio.Preference{Encoding: enc, SampleRate: sampleRate}]
}

// Calls returns the recorded probes in order.
func (p *Prober) Calls() []ProbeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProbeCall(nil), p.calls...)
}

// ─── Snapshotter ──────────────────────────────────────────────────────────────

var _ capture.Snapshotter = (*Snapshotter)(nil)

// Snapshotter is a mock [capture.Snapshotter] that replays a scripted sequence
// of snapshots. Once the script is exhausted the last snapshot is repeated.
type Snapshotter struct {
	// Script is the sequence of snapshots returned by Snapshot.
	Script [][]byte

	// Err is returned by Snapshot once the script is exhausted, if set.
	Err error

	mu     sync.Mutex
	next   int
	calls  int
	closed bool
}

// Snapshot implements [capture.Snapshotter].
func (s *Snapshotter) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.next < len(s.Script) {
		snap := s.Script[s.next]
		s.next++
		return append([]byte(nil), snap...), nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.Script) == 0 {
		return nil, nil
	}
	return append([]byte(nil), s.Script[len(s.Script)-1]...), nil
}

// Close implements [capture.Snapshotter].
func (s *Snapshotter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Snapshotter) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CallCountSnapshot returns the number of Snapshot calls.
func (s *Snapshotter) CallCountSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
