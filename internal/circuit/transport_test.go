package circuit

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubTransport struct {
	resp *http.Response
	err  error
}

func (s *stubTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return s.resp, s.err
}

func TestTransportPassesThroughSuccess(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{})
	ok := &http.Response{StatusCode: http.StatusOK}
	tr := NewTransport(cb, &stubTransport{resp: ok})

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip error: %v", err)
	}
	if resp != ok {
		t.Error("expected the underlying response to pass through unchanged")
	}
}

func TestTransportCountsServerErrorsAsFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 }})
	bad := &http.Response{StatusCode: http.StatusInternalServerError}
	tr := NewTransport(cb, &stubTransport{resp: bad})

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	if resp, err := tr.RoundTrip(req); err != nil || resp != bad {
		t.Errorf("expected the 500 response to be returned to the caller with a nil error, got resp=%v err=%v", resp, err)
	}
	if cb.GetState() != StateOpen {
		t.Errorf("expected breaker to trip after a 500, state = %v", cb.GetState())
	}
}

func TestTransportOpenBreakerRejectsWithoutCallingNext(t *testing.T) {
	cb := NewCircuitBreaker("test", Config{ReadyToTrip: func(c Counts) bool { return true }})
	tr := NewTransport(cb, &stubTransport{err: errors.New("boom")})

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := tr.RoundTrip(req); err == nil {
		t.Error("expected the first failing call to return an error")
	}

	tr.Next = &stubTransport{resp: &http.Response{StatusCode: http.StatusOK}}
	if _, err := tr.RoundTrip(req); err != ErrOpenState {
		t.Errorf("expected ErrOpenState once the breaker is open, got %v", err)
	}
}
