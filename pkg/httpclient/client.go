// Package httpclient is an http.Client wrapper that retries throttled and
// transiently failing requests.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// RetryStrategy decides how a status code is retried.
type RetryStrategy int

const (
	// NoRetry hands the response to the caller as is.
	NoRetry RetryStrategy = iota
	// ConservativeRetry retries a couple of times with short fixed delays.
	ConservativeRetry
	// SmartRetry honours Retry-After, else backs off exponentially.
	SmartRetry
)

// RetryStrategyFunc maps a status code to a strategy.
type RetryStrategyFunc func(statusCode int) RetryStrategy

// RetryAfterParser extracts a server-requested delay from headers.
type RetryAfterParser func(http.Header) time.Duration

const conservativeAttempts = 2

// Client retries requests according to a RetryStrategyFunc.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	retryAfter   RetryAfterParser
	strategyFunc RetryStrategyFunc
	name         string
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) { c.maxDelay = d }
}

func WithRetryAfterParser(p RetryAfterParser) Option {
	return func(c *Client) { c.retryAfter = p }
}

func WithRetryStrategy(fn RetryStrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = fn }
}

// WithName labels retry log lines.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// New creates a Client. Defaults: 60s timeout, 2 retries, 500ms base delay
// capped at 10s.
func New(opts ...Option) *Client {
	c := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   2,
		baseDelay:    500 * time.Millisecond,
		maxDelay:     10 * time.Second,
		retryAfter:   ParseRetryAfter,
		strategyFunc: DefaultRetryStrategy,
		name:         "http",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient exposes the underlying client.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// DefaultRetryStrategy retries 429/503 smartly and other gateway errors
// conservatively.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do sends req. Responses whose status is not retried are returned with a
// nil error regardless of status; the caller owns the body. Transport
// errors are returned immediately. When retries run out a *RetryableError
// is returned and the last body is closed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}

		strategy := NoRetry
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			strategy = c.strategyFunc(resp.StatusCode)
		}
		if strategy == NoRetry {
			return resp, nil
		}

		delay := c.calculateDelay(strategy, attempt, resp.Header)
		exhausted := attempt >= c.maxRetries || delay < 0
		drain(resp)

		if exhausted {
			return nil, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("gave up after %d attempts", attempt+1),
				RetryAfter: max(delay, 0),
			}
		}

		slog.Warn("Retrying request",
			"client", c.name,
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1,
			"max_retries", c.maxRetries)

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// calculateDelay returns the wait before the next attempt, or a negative
// duration when the strategy allows no further attempt.
func (c *Client) calculateDelay(strategy RetryStrategy, attempt int, h http.Header) time.Duration {
	switch strategy {
	case SmartRetry:
		if c.retryAfter != nil {
			if d := c.retryAfter(h); d > 0 {
				return min(d, c.maxDelay)
			}
		}
		d := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		d += d / 10
		return min(d, c.maxDelay)
	case ConservativeRetry:
		if attempt >= conservativeAttempts {
			return -1
		}
		return min(time.Duration(attempt+1)*c.baseDelay, c.maxDelay)
	default:
		return -1
	}
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
