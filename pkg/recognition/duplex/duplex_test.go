package duplex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/recognition"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testFormat(t *testing.T) audio.SourceConfig {
	t.Helper()
	cfg, err := audio.NewSourceConfig(audio.EncodingPCM16, 48000, 0, 3840)
	if err != nil {
		t.Fatalf("NewSourceConfig: %v", err)
	}
	return cfg
}

// startServer launches a websocket test server; handler runs per accepted
// connection. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// delayRecorder replaces Provider.sleep; it records delays without waiting.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) sleep(ctx context.Context, delay time.Duration) bool {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	return ctx.Err() == nil
}

func (d *delayRecorder) get() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func next(t *testing.T, events <-chan recognition.Event) recognition.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return recognition.Event{}
}

func waitClosed(t *testing.T, events <-chan recognition.Event) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	format := testFormat(t)
	for _, endpoint := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := New(endpoint, format); err == nil {
			t.Errorf("New(%q): expected error", endpoint)
		}
	}
	for _, endpoint := range []string{"ws://x", "wss://x/v1", "http://x", "https://x"} {
		if _, err := New(endpoint, format); err != nil {
			t.Errorf("New(%q): %v", endpoint, err)
		}
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()
	p, err := New("https://api.example.com/v1/stream?client=cli", testFormat(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err := url.Parse(p.buildURL())
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	if u.Scheme != "wss" {
		t.Errorf("scheme = %q, want wss", u.Scheme)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"client":      "cli",
		"encoding":    "pcm16",
		"sample_rate": "48000",
		"channels":    "1",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestBackoff_Schedule(t *testing.T) {
	t.Parallel()
	b := newBackoff(time.Second, 4*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next #%d = %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after Reset = %v, want 1s", got)
	}
}

// ── Streaming ────────────────────────────────────────────────────────────────

func TestOpen_StreamsFramesAndDecodesResponses(t *testing.T) {
	t.Parallel()
	type handshake struct {
		auth, session, encoding string
	}
	seen := make(chan handshake, 1)
	frames := make(chan []byte, 8)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		seen <- handshake{
			auth:     r.Header.Get("Authorization"),
			session:  r.Header.Get("X-Session-ID"),
			encoding: r.URL.Query().Get("encoding"),
		}
		for i := range 3 {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				frames <- data
			}
			reply := `{"status":"no_matches"}`
			if i == 2 {
				reply = `{"status":"success","track":{"id":"42","title":"Song","artist":"Band"}}`
			}
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(reply)); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(r.Context())
	})

	p, err := New(wsURL(srv), testFormat(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(recognition.WithSessionID(context.Background(), "sess-1"))
	defer cancel()
	events := p.Open(ctx, "tok")

	opened := next(t, events)
	if opened.Type != recognition.EventOpened || opened.Attempt != 1 || opened.Conn == nil {
		t.Fatalf("first event = %v, want opened#1 with conn", opened)
	}
	hs := <-seen
	if hs.auth != "Bearer tok" || hs.session != "sess-1" || hs.encoding != "pcm16" {
		t.Errorf("handshake = %+v", hs)
	}

	for i := range 3 {
		if err := opened.Conn.Send([]byte{byte(i), 1, 2, 3}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	want := []recognition.Outcome{
		recognition.NoMatches(),
		recognition.NoMatches(),
		recognition.Success(recognition.Track{ID: "42", Title: "Song", Artist: "Band"}),
	}
	for i, w := range want {
		ev := next(t, events)
		if ev.Type != recognition.EventResponse || ev.Outcome != w {
			t.Errorf("event %d = %v, want response %v", i, ev, w)
		}
	}
	for i := range 3 {
		if f := <-frames; f[0] != byte(i) {
			t.Errorf("frame %d arrived as %v, out of order", i, f)
		}
	}
	deadline := time.Now().Add(time.Second)
	for opened.Conn.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Pending = %d after all frames were answered, want 0", opened.Conn.Pending())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	waitClosed(t, events)
	if err := opened.Conn.Send([]byte{9}); err == nil {
		t.Error("Send after close should fail")
	}
}

func TestOpen_ServerCloseEmitsClosingThenClosedAndReconnects(t *testing.T) {
	t.Parallel()
	var accepted atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		if accepted.Add(1) == 1 {
			conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		_, _, _ = conn.Read(r.Context())
	})

	p, err := New(wsURL(srv), testFormat(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &delayRecorder{}
	p.sleep = rec.sleep

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := p.Open(ctx, "tok")

	wantTypes := []recognition.EventType{
		recognition.EventOpened,
		recognition.EventClosing,
		recognition.EventClosed,
		recognition.EventOpened,
	}
	for i, wt := range wantTypes {
		ev := next(t, events)
		if ev.Type != wt {
			t.Fatalf("event %d = %v, want %s", i, ev, wt)
		}
		if wantAttempt := 1 + i/3; ev.Attempt != wantAttempt {
			t.Errorf("event %d attempt = %d, want %d", i, ev.Attempt, wantAttempt)
		}
		if wt == recognition.EventClosing && ev.Reason != "1001 bye" {
			t.Errorf("closing reason = %q, want %q", ev.Reason, "1001 bye")
		}
	}

	cancel()
	waitClosed(t, events)
	if got := rec.get(); len(got) == 0 || got[0] != DefaultBackoff {
		t.Errorf("delays = %v, want first delay %v", got, DefaultBackoff)
	}
}

func TestOpen_DialFailuresBackOffExponentially(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := New(wsURL(srv), testFormat(t), WithBackoff(time.Second, 4*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &delayRecorder{}
	p.sleep = rec.sleep

	ctx, cancel := context.WithCancel(context.Background())
	events := p.Open(ctx, "tok")
	for i := range 5 {
		ev := next(t, events)
		if ev.Type != recognition.EventFailed || ev.Attempt != i+1 || ev.Err == nil {
			t.Fatalf("event %d = %v, want failed#%d", i, ev, i+1)
		}
	}
	cancel()
	waitClosed(t, events)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	got := rec.get()
	if len(got) < len(want) {
		t.Fatalf("delays = %v, want prefix %v", got, want)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("delay %d = %v, want %v", i, got[i], w)
		}
	}
}

func TestOpen_BackoffResetsAfterSuccessfulOpen(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Attempts 1 and 3 fail, attempt 2 opens and is closed by the server.
		if n := requests.Add(1); n != 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	p, err := New(wsURL(srv), testFormat(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &delayRecorder{}
	p.sleep = rec.sleep

	ctx, cancel := context.WithCancel(context.Background())
	events := p.Open(ctx, "tok")
	for {
		ev := next(t, events)
		if ev.Attempt == 3 {
			break
		}
	}
	cancel()
	waitClosed(t, events)

	got := rec.get()
	want := []time.Duration{time.Second, time.Second}
	if len(got) < len(want) {
		t.Fatalf("delays = %v, want prefix %v", got, want)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("delay %d = %v, want %v (reset after open)", i, got[i], w)
		}
	}
}

func TestOpen_CancelTearsDownConnection(t *testing.T) {
	t.Parallel()
	serverDone := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer close(serverDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})

	p, err := New(wsURL(srv), testFormat(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	events := p.Open(ctx, "tok")
	if ev := next(t, events); ev.Type != recognition.EventOpened {
		t.Fatalf("first event = %v, want opened", ev)
	}

	cancel()
	waitClosed(t, events)
	select {
	case <-serverDone:
	case <-time.After(3 * time.Second):
		t.Fatal("server still connected after cancel")
	}
}
