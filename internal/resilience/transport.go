package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var _ http.RoundTripper = (*Transport)(nil)

// Transport is an [http.RoundTripper] that routes every request through a
// [Breaker]. Transport errors and 5xx responses count as failures; requests
// cancelled by their caller count as neither.
type Transport struct {
	// Base performs the request. Nil means [http.DefaultTransport].
	Base http.RoundTripper

	// Breaker guards Base.
	Breaker *Breaker
}

// NewClient returns an HTTP client whose transport is guarded by b.
func NewClient(b *Breaker) *http.Client {
	return &http.Client{Transport: &Transport{Breaker: b}}
}

// RoundTrip implements [http.RoundTripper].
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	done, err := t.Breaker.Allow()
	if err != nil {
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	switch {
	case err != nil && errors.Is(req.Context().Err(), context.Canceled):
		done(context.Canceled)
	case err != nil:
		done(err)
	case resp.StatusCode >= http.StatusInternalServerError:
		done(fmt.Errorf("resilience: upstream status %d", resp.StatusCode))
	default:
		done(nil)
	}
	return resp, err
}
