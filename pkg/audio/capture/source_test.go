package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/audio/capture"
	"github.com/MrWong99/songsnap/pkg/audio/level"
	"github.com/MrWong99/songsnap/pkg/audio/mock"
)

func testConfig(t *testing.T) audio.SourceConfig {
	t.Helper()
	cfg, err := audio.NewSourceConfig(audio.EncodingPCM16, 48000, 0, 3840)
	if err != nil {
		t.Fatalf("NewSourceConfig: %v", err)
	}
	return cfg
}

// receive reads n results from ch or fails the test after a timeout.
func receive(t *testing.T, ch <-chan capture.Result, n int) []capture.Result {
	t.Helper()
	out := make([]capture.Result, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case r, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d results", len(out), n)
			}
			out = append(out, r)
		case <-deadline:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

// waitClosed drains ch until it is closed and returns what it read.
func waitClosed(t *testing.T, ch <-chan capture.Result) []capture.Result {
	t.Helper()
	var out []capture.Result
	deadline := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-deadline:
			t.Fatal("channel not closed in time")
		}
	}
}

func assertConsecutive(t *testing.T, results []capture.Result) {
	t.Helper()
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: unexpected error %v", i, r.Err)
		}
		if i > 0 {
			prev, cur := mock.SeqOf(results[i-1].Chunk), mock.SeqOf(r.Chunk)
			if cur != prev+1 {
				t.Fatalf("result %d: seq %d follows %d", i, cur, prev)
			}
		}
	}
}

func TestSource_ChunksInCaptureOrder(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(cfg, opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := receive(t, src.Chunks(ctx), 10)

	assertConsecutive(t, results)
	if mock.SeqOf(results[0].Chunk) != 0 {
		t.Errorf("first seq = %d, want 0", mock.SeqOf(results[0].Chunk))
	}
	for i, r := range results {
		if len(r.Chunk) != cfg.ChunkSize {
			t.Errorf("chunk %d: len = %d, want %d", i, len(r.Chunk), cfg.ChunkSize)
		}
	}
}

func TestSource_SharedDeviceForConcurrentSubscribers(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(testConfig(t), opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := src.Chunks(ctx)
	b := src.Chunks(ctx)

	assertConsecutive(t, receive(t, a, 5))
	assertConsecutive(t, receive(t, b, 5))

	if got := opener.CallCountOpen(); got != 1 {
		t.Errorf("Open calls = %d, want 1", got)
	}
	if got := src.Subscribers(); got != 2 {
		t.Errorf("Subscribers = %d, want 2", got)
	}
}

func TestSource_NoReplayForLateSubscriber(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(testConfig(t), opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	early := src.Chunks(ctx)
	seen := receive(t, early, 5)
	lastSeen := mock.SeqOf(seen[len(seen)-1].Chunk)

	late := receive(t, src.Chunks(ctx), 3)
	if first := mock.SeqOf(late[0].Chunk); first <= lastSeen {
		t.Errorf("late subscriber got seq %d, already delivered up to %d before it subscribed", first, lastSeen)
	}
	assertConsecutive(t, late)
}

func TestSource_LastUnsubscribeClosesDevice(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(testConfig(t), opener)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	a := src.Chunks(ctxA)
	b := src.Chunks(ctxB)
	receive(t, a, 2)
	receive(t, b, 2)

	cancelA()
	waitClosed(t, a)
	dev := opener.Devices()[0]
	if dev.Closed() {
		t.Fatal("device closed while a subscriber remains")
	}
	receive(t, b, 2)

	cancelB()
	for _, r := range waitClosed(t, b) {
		if r.Err != nil {
			t.Errorf("unexpected error after cancel: %v", r.Err)
		}
	}
	// The channel closes only after the device is released.
	if !dev.Closed() {
		t.Error("device still open after last subscriber left")
	}
	if got := src.Subscribers(); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
}

func TestSource_ResubscribeOpensFreshDevice(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(testConfig(t), opener)

	for i := range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		results := receive(t, src.Chunks(ctx), 2)
		if seq := mock.SeqOf(results[0].Chunk); seq != 0 {
			t.Errorf("run %d: first seq = %d, want 0 from a fresh device", i, seq)
		}
		cancel()
	}
	if got := opener.CallCountOpen(); got != 3 {
		t.Errorf("Open calls = %d, want 3", got)
	}
	if got := opener.MaxOpenDevices(); got != 1 {
		t.Errorf("max simultaneously open devices = %d, want 1", got)
	}
	if got := src.Runs(); got != 3 {
		t.Errorf("Runs = %d, want 3", got)
	}
}

func TestSource_SubscribeRightAfterCancelStartsFreshCapture(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(testConfig(t), opener)

	ctxA, cancelA := context.WithCancel(context.Background())
	a := src.Chunks(ctxA)
	receive(t, a, 3)
	cancelA()

	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()
	b := src.Chunks(ctxB)
	if got := src.Subscribers(); got != 1 {
		t.Errorf("Subscribers = %d, want 1 once the cancelled subscriber is gone", got)
	}

	results := receive(t, b, 2)
	if seq := mock.SeqOf(results[0].Chunk); seq != 0 {
		t.Errorf("first seq = %d, want 0 from a fresh device", seq)
	}
	waitClosed(t, a)
	if !opener.Devices()[0].Closed() {
		t.Error("previous device still open")
	}
	if got := opener.CallCountOpen(); got != 2 {
		t.Errorf("Open calls = %d, want 2", got)
	}
	if got := opener.MaxOpenDevices(); got != 1 {
		t.Errorf("max simultaneously open devices = %d, want 1", got)
	}
}

func TestSource_NotRecordingIsFatal(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{NotRecording: true}
	src := capture.NewSource(testConfig(t), opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := src.Chunks(ctx)
	results := waitClosed(t, a)

	if len(results) != 1 {
		t.Fatalf("got %d results, want exactly 1 failure", len(results))
	}
	if !errors.Is(results[0].Err, capture.ErrNotRecording) {
		t.Errorf("err = %v, want ErrNotRecording", results[0].Err)
	}
	var ce *capture.Error
	if !errors.As(results[0].Err, &ce) || ce.Op != "start" {
		t.Errorf("err = %#v, want *capture.Error with Op start", results[0].Err)
	}
	if !opener.Devices()[0].Closed() {
		t.Error("device not closed after failure")
	}
}

func TestSource_OpenAndStartErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name   string
		opener *mock.Opener
		op     string
	}{
		{name: "open", opener: &mock.Opener{OpenError: boom}, op: "open"},
		{name: "start", opener: &mock.Opener{StartError: boom}, op: "start"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := capture.NewSource(testConfig(t), tc.opener)
			results := waitClosed(t, src.Chunks(context.Background()))
			if len(results) != 1 {
				t.Fatalf("got %d results, want 1", len(results))
			}
			var ce *capture.Error
			if !errors.As(results[0].Err, &ce) {
				t.Fatalf("err = %v, want *capture.Error", results[0].Err)
			}
			if ce.Op != tc.op || !errors.Is(ce, boom) {
				t.Errorf("err = %v, want op %q wrapping boom", ce, tc.op)
			}
		})
	}
}

func TestSource_ReadFailureReachesEverySubscriber(t *testing.T) {
	t.Parallel()
	boom := errors.New("device unplugged")
	opener := &mock.Opener{ReadError: boom, FailAfter: 3, ReadDelay: 5 * time.Millisecond}
	src := capture.NewSource(testConfig(t), opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := src.Chunks(ctx)
	b := src.Chunks(ctx)

	for name, ch := range map[string]<-chan capture.Result{"a": a, "b": b} {
		results := waitClosed(t, ch)
		if len(results) == 0 {
			t.Fatalf("%s: no results", name)
		}
		last := results[len(results)-1]
		if !errors.Is(last.Err, boom) {
			t.Errorf("%s: last result err = %v, want boom", name, last.Err)
		}
		assertConsecutive(t, results[:len(results)-1])
	}
	if got := src.Subscribers(); got != 0 {
		t.Errorf("Subscribers = %d, want 0 after failure", got)
	}

	// A later subscriber starts a fresh capture.
	opener.ReadError = nil
	results := receive(t, src.Chunks(ctx), 1)
	if results[0].Err != nil {
		t.Errorf("fresh capture: %v", results[0].Err)
	}
	if got := opener.CallCountOpen(); got != 2 {
		t.Errorf("Open calls = %d, want 2", got)
	}
}

func TestSource_OpensWithCaptureBufferSize(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(cfg, opener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receive(t, src.Chunks(ctx), 1)

	if got, want := opener.Devices()[0].BufferSize(), cfg.CaptureBufferSize(); got != want {
		t.Errorf("buffer size = %d, want %d", got, want)
	}
	if got := opener.Configs()[0]; got != cfg {
		t.Errorf("config = %+v, want %+v", got, cfg)
	}
}

func TestSource_FeedsMeter(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	meter := level.New(cfg)
	opener := &mock.Opener{ReadDelay: time.Millisecond, Fill: 0x40}
	src := capture.NewSource(cfg, opener, capture.WithMeter(meter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	receive(t, src.Chunks(ctx), 5)

	if got := meter.Level(); got <= 0 {
		t.Errorf("meter level = %v, want > 0 for a loud signal", got)
	}
	if got := src.Captured(); got < 5 {
		t.Errorf("Captured = %d, want >= 5", got)
	}
}

func TestSource_CountsDeviceOverruns(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{ReadDelay: time.Millisecond, OverrunPerRead: 100}
	src := capture.NewSource(testConfig(t), opener)

	ctx, cancel := context.WithCancel(context.Background())
	receive(t, src.Chunks(ctx), 5)
	if got := src.Overruns(); got < 500 {
		t.Errorf("Overruns = %d, want >= 500 after 5 reads", got)
	}
	cancel()

	before := src.Overruns()
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	receive(t, src.Chunks(ctx2), 2)
	if got := src.Overruns(); got < before+200 {
		t.Errorf("Overruns = %d, want totals to accumulate across devices (>= %d)", got, before+200)
	}
}

func TestLimit_EndsAsExhaustion(t *testing.T) {
	t.Parallel()
	opener := &mock.Opener{ReadDelay: time.Millisecond}
	src := capture.NewSource(testConfig(t), opener)
	limited := capture.Limit(src, 50*time.Millisecond)

	start := time.Now()
	results := waitClosed(t, limited.Chunks(context.Background()))
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("stream ended after %v, want >= 50ms", elapsed)
	}
	if len(results) == 0 {
		t.Fatal("no chunks before the limit")
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error %v", r.Err)
		}
	}
	assertConsecutive(t, results)
	if !opener.Devices()[0].Closed() {
		t.Error("device still open after the limit")
	}
}

func TestLimit_NonPositiveIsIdentity(t *testing.T) {
	t.Parallel()
	src := capture.NewSource(testConfig(t), &mock.Opener{})
	if got := capture.Limit(src, 0); got != capture.ChunkSource(src) {
		t.Error("Limit(src, 0) did not return src")
	}
}
