package circuit

import (
	"context"
	"fmt"
	"net/http"
)

// Transport wraps an http.RoundTripper with a named CircuitBreaker so
// remote.Client stops hammering a dead remote service: once the
// breaker trips, requests fail fast with ErrOpenState instead of
// waiting out the transport's own timeout on every call.
type Transport struct {
	Breaker *CircuitBreaker
	Next    http.RoundTripper
}

// NewTransport wraps next (http.DefaultTransport if nil) with breaker.
func NewTransport(breaker *CircuitBreaker, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{Breaker: breaker, Next: next}
}

// RoundTrip implements http.RoundTripper. 5xx responses count as
// breaker failures; the response itself is still returned to the
// caller so status-code handling stays in remote.Client.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := t.Breaker.ExecuteWithContext(req.Context(), func(ctx context.Context) error {
		r, rerr := t.Next.RoundTrip(req)
		if rerr != nil {
			return rerr
		}
		resp = r
		if resp.StatusCode >= 500 {
			return fmt.Errorf("remote returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil && resp == nil {
		return nil, err
	}
	return resp, nil
}
