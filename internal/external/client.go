// Package external holds the edges of the service: the circuit breaker in
// front of the subscription store, Stripe webhook decoding, and the HTTP
// client operators use to reach a running validator.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"subvalidator/internal/types"
)

// RetryPolicy bounds how often and how long BaseClient retries. MaxRetries
// counts retries, not attempts.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy suits an interactive CLI: two quick retries, then give up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient sends requests to the validator through a breaker. 429 and 5xx
// answers and transport errors are retried; every other status is final.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	policy    RetryPolicy
	userAgent string
	wait      func(ctx context.Context, d time.Duration) error
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces the pause between attempts. The context passed to
// Do is not consulted while fn runs.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.wait = func(_ context.Context, d time.Duration) error {
			fn(d)
			return nil
		}
	}
}

// NewBaseClient creates a BaseClient. A nil httpClient gets a 30s timeout.
func NewBaseClient(httpClient *http.Client, breakerName string, policy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &BaseClient{
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		policy:    policy,
		userAgent: userAgent,
		wait:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do sends req and returns the first final response; the caller closes its
// body. When retries run out, the breaker is open or the request context
// ends between attempts, Do returns an ErrCodeUpstreamUnavailable AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	payload, err := drainBody(req)
	if err != nil {
		return nil, err
	}

	var (
		status  int
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		if payload != nil {
			req.Body = io.NopCloser(bytes.NewReader(payload))
			req.ContentLength = int64(len(payload))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if retryable(r.StatusCode) {
				return r, fmt.Errorf("validator answered %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		var pause time.Duration
		if resp != nil {
			status = resp.StatusCode
			pause = c.retryAfter(resp)
			resp.Body.Close()
		}
		if breakerRejected(err) || attempt >= c.policy.MaxRetries {
			break
		}
		if pause == 0 {
			pause = c.backoff(attempt)
		}
		if werr := c.wait(req.Context(), pause); werr != nil {
			lastErr = werr
			break
		}
	}
	return nil, c.failure(status, lastErr)
}

func drainBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body", err)
	}
	return b, nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// retryAfter reads a Retry-After given in seconds, capped at MaxWait. Zero
// means the header is absent or unusable.
func (c *BaseClient) retryAfter(resp *http.Response) time.Duration {
	s, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || s <= 0 {
		return 0
	}
	return min(time.Duration(s)*time.Second, c.policy.MaxWait)
}

// backoff picks a random pause in [MinWait, MinWait*2^attempt], capped at
// MaxWait.
func (c *BaseClient) backoff(attempt int) time.Duration {
	lo := c.policy.MinWait
	hi := lo << min(attempt, 20)
	if hi > c.policy.MaxWait || hi <= 0 {
		hi = c.policy.MaxWait
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func (c *BaseClient) failure(status int, err error) *types.AppError {
	switch {
	case breakerRejected(err):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker is open; validator unavailable", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "gave up waiting for the validator", err)
	case status != 0:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("validator returned %d after retries", status), err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "validator unreachable", err)
	}
}
