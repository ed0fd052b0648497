package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransport_ServerErrorsTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b, _ := newTestBreaker(Config{Name: "test", MaxFailures: 2})
	client := &http.Client{Transport: &Transport{Breaker: b}}

	for range 2 {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if _, err := client.Get(srv.URL); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestTransport_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b, _ := newTestBreaker(Config{Name: "test", MaxFailures: 1})
	client := NewClient(b)

	for range 3 {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestTransport_TransportErrorTrips(t *testing.T) {
	b, _ := newTestBreaker(Config{Name: "test", MaxFailures: 1})
	tr := &Transport{
		Breaker: b,
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errTest
		}),
	}

	req := httptest.NewRequest(http.MethodGet, "http://example.invalid", nil)
	if _, err := tr.RoundTrip(req); !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestTransport_CallerCancelIsNeutral(t *testing.T) {
	b, _ := newTestBreaker(Config{Name: "test", MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	tr := &Transport{
		Breaker: b,
		Base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			cancel()
			return nil, r.Context().Err()
		}),
	}

	req := httptest.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid", nil)
	if _, err := tr.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}
