package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/errs"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errs.New(errs.KindExternalServiceError, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetry_ExhaustsBudgetAndSurfacesKind(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errs.New(errs.KindTimeout, "still failing")
	})
	require.Equal(t, 3, attempts)
	require.Equal(t, errs.KindTimeout, errs.KindOf(err))
}

func TestRetry_NonTransientNeverRetried(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errs.New(errs.KindValidationError, "bad input")
	})
	require.Equal(t, 1, attempts)
	require.Equal(t, errs.KindValidationError, errs.KindOf(err))
}

func TestRetry_ElapsedTimeRespectsDelays(t *testing.T) {
	start := time.Now()
	attempts := 0
	_ = Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Factor: 1, JitterFraction: 0}, func(ctx context.Context) error {
		attempts++
		return errs.New(errs.KindExternalServiceError, "fail")
	})
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}
