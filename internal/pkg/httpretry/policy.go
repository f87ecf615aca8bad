package httpretry

import (
	"net/http"
	"time"
)

// RetryPolicy decides how many attempts a request gets and how long to wait
// between them. The zero value of each func field falls back to the default
// behavior.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles after that.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration

	IsRetryableStatus func(status int) bool
	IsRetryableError  func(err error) bool
}

// DefaultPolicy is three attempts with 1s and 2s waits, retrying 429/5xx
// gateway statuses and transport timeouts.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// RetryableStatus reports whether an HTTP status should be retried.
func (p RetryPolicy) RetryableStatus(status int) bool {
	if p.IsRetryableStatus != nil {
		return p.IsRetryableStatus(status)
	}
	return isRetryableStatus(status)
}

// RetryableError reports whether a transport error should be retried.
func (p RetryPolicy) RetryableError(err error) bool {
	if p.IsRetryableError != nil {
		return p.IsRetryableError(err)
	}
	return IsTimeout(err)
}

// isRetryableStatus returns true for 429, 500, 502, 503 and 504.
// Other client and server errors are returned to the caller immediately.
func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}
