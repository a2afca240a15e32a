// Package retry provides bounded exponential backoff for transient
// failures, shared by the session store and the execution coordinator.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// DefaultMaxRetries is the default cap on retries for transient errors.
const DefaultMaxRetries = 3

// Policy defines retry behavior for transient errors.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns a sensible default policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// WithBackoff executes fn with exponential backoff and jitter. It retries
// only if shouldRetry returns true for the error.
func WithBackoff(ctx context.Context, policy *Policy, fn func() error, shouldRetry func(error) bool) error {
	if policy == nil {
		policy = DefaultPolicy()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < policy.MaxRetries {
			delay := backoffDelay(attempt, policy.BaseDelay, policy.MaxDelay)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr)
}

// backoffDelay returns exponential backoff with full jitter.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := rand.Float64() * backoff
	return time.Duration(jitter)
}

// IsTransient checks if an error is likely transient and retryable. This
// checks for common cloud API throttling and network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"throttl",
		"rate exceed",
		"too many requests",
		"request limit",
		"limit exceeded",
		"service unavailable",
		"internal server error",
		"connection reset",
		"connection refused",
		"timeout",
		"tls handshake",
		"i/o timeout",
		"temporary failure",
		"database is locked",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
