// Package httpretry provides an HTTP client that retries transient provider
// failures with a deterministic exponential backoff.
package httpretry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryClient wraps an HTTPDoer with a RetryPolicy.
type RetryClient struct {
	client  HTTPDoer
	policy  RetryPolicy
	sleep   Sleeper
	onRetry func(attempt int, reason string)
}

// Option configures a RetryClient.
type Option func(*RetryClient)

// WithSleeper replaces the timer-based wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(rc *RetryClient) { rc.sleep = s }
}

// WithRetryHook registers a callback invoked before every retry.
func WithRetryHook(fn func(attempt int, reason string)) Option {
	return func(rc *RetryClient) { rc.onRetry = fn }
}

// NewRetryClient creates a RetryClient around client.
// If client is nil, a default http.Client with 30s timeout is used.
func NewRetryClient(client HTTPDoer, policy RetryPolicy, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	rc := &RetryClient{
		client: client,
		policy: policy,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Policy returns the client's retry policy.
func (rc *RetryClient) Policy() RetryPolicy { return rc.policy }

// Do executes the HTTP request with retry logic.
// It retries on retryable status codes and on transport errors the policy
// accepts (timeouts by default). Context cancellation is never retried.
// On the final attempt the response is returned as-is so the caller
// can inspect the status code and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= rc.policy.MaxAttempts; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 1 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.policy.Backoff(attempt - 1)
			log.Printf("httpretry: retry attempt %d/%d for %s %s%s (waiting %s)",
				attempt, rc.policy.MaxAttempts, req.Method, req.URL.Host, req.URL.Path, delay)
			if err := rc.sleep(req.Context(), delay); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil || !rc.policy.RetryableError(err) {
				return nil, err
			}
			rc.retrying(attempt, "transport")
			continue
		}

		if !rc.policy.RetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if attempt == rc.policy.MaxAttempts {
			return resp, nil
		}

		// drain for connection reuse
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
		rc.retrying(attempt, fmt.Sprintf("status_%d", resp.StatusCode))
	}

	return nil, lastErr
}

func (rc *RetryClient) retrying(attempt int, reason string) {
	if rc.onRetry != nil && attempt < rc.policy.MaxAttempts {
		rc.onRetry(attempt, reason)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
