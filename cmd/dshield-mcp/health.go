package main

import (
	"context"
	"time"

	"github.com/dshield/mcp-analytics/internal/metrics"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/server"
)

// runHealthPoller periodically derives each feature's health from its
// breaker snapshot and pushes the result into svc.Features, the one
// collab.FeatureManager the dispatcher gates tool execution against. The
// core never polls its own breakers; this loop is the collaborator that
// does, matching §5's "health checks against external dependencies the
// core does not perform itself."
func runHealthPoller(ctx context.Context, svc *server.Services, interval time.Duration, threatIntelSourceCount int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastState := make(map[string]model.CircuitState)
	poll := func() {
		snapshot := svc.Breakers.Snapshot()
		next := map[string]bool{
			server.FeatureReport: true,
		}
		next[server.FeatureSIEM] = breakerAdmits(snapshot, "siem")
		next[server.FeatureThreatIntel] = anyThreatIntelSourceHealthy(snapshot, threatIntelSourceCount)
		svc.Features.Update(next)

		for name, st := range snapshot {
			svc.Metrics.BreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(st.State)))
			if st.State == model.StateOpen && lastState[name] != model.StateOpen {
				svc.Metrics.BreakerTrips.WithLabelValues(name).Inc()
			}
			lastState[name] = st.State
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

func breakerAdmits(snapshot map[string]model.CircuitBreakerState, name string) bool {
	st, ok := snapshot[name]
	if !ok {
		return true // never called yet; treat as healthy until proven otherwise
	}
	return st.State != model.StateOpen
}

// anyThreatIntelSourceHealthy reports the aggregator usable as long as at
// least one configured source's breaker is not open — EnrichIP/EnrichDomain
// only need one source to succeed.
func anyThreatIntelSourceHealthy(snapshot map[string]model.CircuitBreakerState, sourceCount int) bool {
	if sourceCount == 0 {
		return false
	}
	openCount := 0
	for name, st := range snapshot {
		if len(name) > 12 && name[:12] == "threatintel:" && st.State == model.StateOpen {
			openCount++
		}
	}
	return openCount < sourceCount
}
