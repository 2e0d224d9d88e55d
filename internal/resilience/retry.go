package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/dshield/mcp-analytics/internal/errs"
)

// RetryConfig tunes the exponential-backoff-with-jitter retry loop.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Factor        float64
	JitterFraction float64
}

// Retry wraps a call with bounded retry. Only transient error kinds
// (ExternalServiceError, Timeout, RateLimited) are retried; Validation,
// CircuitOpen, and Internal surface on the first attempt. Retry never
// bypasses a breaker — operation is expected to call through one itself.
func Retry(ctx context.Context, cfg RetryConfig, operation func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		kind := errs.KindOf(lastErr)
		if !kind.Transient() || attempt == cfg.MaxAttempts {
			return lastErr
		}
		delay := backoffDelay(cfg, attempt)
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "retry: context cancelled while waiting to retry", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2.0
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	delay := time.Duration(d)
	if delay > maxDelay {
		delay = maxDelay
	}

	jitterFrac := cfg.JitterFraction
	if jitterFrac < 0 {
		jitterFrac = 0
	}
	if jitterFrac == 0 {
		return delay
	}
	jitter := float64(delay) * jitterFrac
	offset := (rand.Float64()*2 - 1) * jitter // uniform in [-jitter, +jitter]
	result := time.Duration(float64(delay) + offset)
	if result < 0 {
		result = 0
	}
	return result
}
