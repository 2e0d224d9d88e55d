package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/errs"
)

func TestErrorAggregator_CountsWithinWindow(t *testing.T) {
	a := NewErrorAggregator(100, time.Minute, 3, 10)
	now := time.Now()
	for i := 0; i < 3; i++ {
		a.Record(ErrorRecord{Kind: errs.KindExternalServiceError, Service: "siem", Timestamp: now})
	}
	snap := a.Snapshot()
	require.Len(t, snap, 3)
}

func TestErrorAggregator_RingIsBounded(t *testing.T) {
	a := NewErrorAggregator(5, time.Minute, 0, 0)
	for i := 0; i < 10; i++ {
		a.Record(ErrorRecord{Kind: errs.KindTimeout, Service: "siem"})
	}
	require.Len(t, a.Snapshot(), 5)
}

func TestErrorAggregator_ResetIsIdempotent(t *testing.T) {
	a := NewErrorAggregator(5, time.Minute, 1, 2)
	a.Record(ErrorRecord{Kind: errs.KindTimeout})
	a.Reset()
	a.Reset()
	require.Empty(t, a.Snapshot())
}
