package objstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/klstore/klstore/internal/metrics"
)

// RetryConfig defines retry behavior for object store operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for S3 operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// Retryable wraps a Client with capped exponential backoff. Failures
// that survive the attempt cap are surfaced wrapped in ErrTransient.
type Retryable struct {
	inner   Client
	config  RetryConfig
	metrics *metrics.Metrics
}

// NewRetryable creates the retry wrapper. metrics may be nil.
func NewRetryable(inner Client, config RetryConfig, m *metrics.Metrics) *Retryable {
	return &Retryable{inner: inner, config: config, metrics: m}
}

func (r *Retryable) do(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if r.metrics != nil {
				r.metrics.Retries.Inc()
			}
			select {
			case <-time.After(r.calculateDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return err
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v", ErrTransient, r.config.MaxAttempts, lastErr)
}

// List implements Client.
func (r *Retryable) List(ctx context.Context, prefix, startAfter string, limit int) (ListPage, error) {
	var page ListPage
	err := r.do(ctx, func() error {
		var err error
		page, err = r.inner.List(ctx, prefix, startAfter, limit)
		return err
	})
	return page, err
}

// Get implements Client.
func (r *Retryable) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, func() error {
		var err error
		data, err = r.inner.Get(ctx, name)
		return err
	})
	return data, err
}

// Put implements Client.
func (r *Retryable) Put(ctx context.Context, name string, data []byte) error {
	return r.do(ctx, func() error { return r.inner.Put(ctx, name, data) })
}

// PutIfAbsent implements Client. ErrAlreadyExists is never retried: it
// is the signal the caller is waiting for.
func (r *Retryable) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	return r.do(ctx, func() error { return r.inner.PutIfAbsent(ctx, name, data) })
}

// Delete implements Client.
func (r *Retryable) Delete(ctx context.Context, name string) error {
	return r.do(ctx, func() error { return r.inner.Delete(ctx, name) })
}

// calculateDelay implements exponential backoff with jitter.
func (r *Retryable) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	// jitter (±25%)
	jitter := delay * 0.25 * (2*float64(time.Now().UnixNano()%1000)/1000 - 1)
	return time.Duration(delay + jitter)
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"server error",
	"throttling",
	"SlowDown",
	"RequestTimeout",
	"InternalError",
}

// isRetryableError classifies a failure as worth retrying. Sentinel
// outcomes (missing object, conditional write conflict, cancellation)
// never are.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
