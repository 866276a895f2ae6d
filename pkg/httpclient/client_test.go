package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, c *Client)
	}{
		{
			name: "defaults",
			validate: func(t *testing.T, c *Client) {
				if c.maxRetries != 2 {
					t.Errorf("expected maxRetries=2, got %d", c.maxRetries)
				}
				if c.client.Timeout != 60*time.Second {
					t.Errorf("expected timeout=60s, got %v", c.client.Timeout)
				}
				if c.strategyFunc == nil || c.retryAfter == nil {
					t.Error("expected strategy and retry-after parser to be set")
				}
			},
		},
		{
			name:    "custom retries and delay",
			options: []Option{WithMaxRetries(4), WithBaseDelay(time.Second)},
			validate: func(t *testing.T, c *Client) {
				if c.maxRetries != 4 || c.baseDelay != time.Second {
					t.Errorf("options not applied: %d %v", c.maxRetries, c.baseDelay)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, New(tt.options...))
		})
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	cases := map[int]RetryStrategy{
		200: NoRetry,
		400: NoRetry,
		401: NoRetry,
		404: NoRetry,
		408: ConservativeRetry,
		429: SmartRetry,
		500: NoRetry,
		502: ConservativeRetry,
		503: SmartRetry,
		504: ConservativeRetry,
	}
	for code, want := range cases {
		if got := DefaultRetryStrategy(code); got != want {
			t.Errorf("status %d: expected %v, got %v", code, want, got)
		}
	}
}

func TestDoReturnsNonRetriedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := New().Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 4)
		n, _ := r.Body.Read(body)
		if string(body[:n]) != "ping" {
			t.Errorf("body not replayed on attempt %d: %q", calls.Load()+1, body[:n])
		}
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond), WithMaxRetries(3))
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("ping"))
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond), WithMaxRetries(2))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(req)

	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryableError, got %v", err)
	}
	if re.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", re.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestDoConservativeLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(WithBaseDelay(time.Millisecond), WithMaxRetries(10))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := c.Do(req); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != conservativeAttempts+1 {
		t.Errorf("expected %d calls, got %d", conservativeAttempts+1, got)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	start := time.Now()
	_, err := New().Do(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("retry sleep ignored context cancellation")
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	if d := ParseRetryAfter(h); d != 0 {
		t.Errorf("expected 0, got %v", d)
	}
	h.Set("Retry-After", "3")
	if d := ParseRetryAfter(h); d != 3*time.Second {
		t.Errorf("expected 3s, got %v", d)
	}
	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	if d := ParseRetryAfter(h); d < 59*time.Minute {
		t.Errorf("expected about 1h, got %v", d)
	}
}
