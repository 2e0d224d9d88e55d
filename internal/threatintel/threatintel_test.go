package threatintel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/resilience"
)

type fakeSource struct {
	name       string
	trust      float64
	fail       bool
	threatScore float64
	confidence float64
	country    string
	asn        string
}

func (s *fakeSource) Name() string    { return s.name }
func (s *fakeSource) Trust() float64  { return s.trust }

func (s *fakeSource) LookupIP(ctx context.Context, ip string) (SourceResult, error) {
	if s.fail {
		return SourceResult{}, errs.New(errs.KindExternalServiceError, s.name+": backend unavailable")
	}
	now := time.Now()
	return SourceResult{
		Source: s.name, ThreatScore: s.threatScore, Confidence: s.confidence,
		Country: s.country, ASN: s.asn, Trust: s.trust,
		FirstSeen: &now, LastSeen: &now,
		Tags: []string{"scanner"},
	}, nil
}

func (s *fakeSource) LookupDomain(ctx context.Context, domain string) (SourceResult, error) {
	return s.LookupIP(ctx, domain)
}

func newTestAggregator(t *testing.T, sources []Source) *Aggregator {
	t.Helper()
	reg := resilience.NewBreakerRegistry(resilience.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: time.Second})
	mem := NewMemoryCache(1000)
	return NewAggregator(sources, 6000, reg, mem, nil, Config{
		MemoryCacheTTL: time.Minute, TrustWeight: 0.6, RateLimitBreakerWindow: time.Minute,
	})
}

func TestEnrichIP_AllSourcesSucceed(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "src1", trust: 0.9, threatScore: 80, confidence: 0.8, country: "US", asn: "100"},
		&fakeSource{name: "src2", trust: 0.7, threatScore: 60, confidence: 0.6, country: "US", asn: "100"},
		&fakeSource{name: "src3", trust: 0.5, threatScore: 40, confidence: 0.5, country: "DE", asn: "200"},
	}
	agg := newTestAggregator(t, sources)
	result, err := agg.EnrichIP(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Len(t, result.SourcesSucceeded, 3)
	assert.Empty(t, result.SourcesFailed)
	assert.Equal(t, "US", result.Country) // majority vote, 2 vs 1
	assert.Greater(t, result.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, result.ConfidenceScore, 1.0)
}

func TestEnrichIP_PartialFailure_LowersConfidenceVersusAllSucceed(t *testing.T) {
	succeedSources := []Source{
		&fakeSource{name: "src1", trust: 0.9, threatScore: 80, confidence: 0.8, country: "US", asn: "100"},
		&fakeSource{name: "src2", trust: 0.7, threatScore: 60, confidence: 0.6, country: "US", asn: "100"},
		&fakeSource{name: "src3", trust: 0.5, threatScore: 40, confidence: 0.5, country: "US", asn: "100"},
	}
	aggAllGood := newTestAggregator(t, succeedSources)
	allGood, err := aggAllGood.EnrichIP(context.Background(), "203.0.113.5")
	require.NoError(t, err)

	partialSources := []Source{
		&fakeSource{name: "src1", trust: 0.9, threatScore: 80, confidence: 0.8, country: "US", asn: "100"},
		&fakeSource{name: "src2", trust: 0.7, threatScore: 60, confidence: 0.6, country: "US", asn: "100"},
		&fakeSource{name: "src3", trust: 0.5, fail: true},
	}
	aggPartial := newTestAggregator(t, partialSources)
	partial, err := aggPartial.EnrichIP(context.Background(), "203.0.113.5")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"src3"}, partial.SourcesFailed)
	assert.Less(t, partial.ConfidenceScore, allGood.ConfidenceScore)
}

func TestEnrichIP_AllSourcesFail_ReturnsAllSourcesUnavailable(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "src1", fail: true},
		&fakeSource{name: "src2", fail: true},
	}
	agg := newTestAggregator(t, sources)
	_, err := agg.EnrichIP(context.Background(), "203.0.113.5")
	require.Error(t, err)
	assert.Equal(t, errs.KindAllSourcesUnavailable, errs.KindOf(err))
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2)
	c.Put("a", fixtureResult("a"), time.Minute)
	c.Put("b", fixtureResult("b"), time.Minute)
	c.Put("c", fixtureResult("c"), time.Minute) // evicts "a", the least recently touched

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestMemoryCache_ExpiresByTTL(t *testing.T) {
	c := NewMemoryCache(10)
	c.Put("k", fixtureResult("k"), -time.Second) // already expired
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestPersistentCache_RoundTripCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threatintel.sqlite")
	pc, err := OpenPersistentCache(path, 16)
	require.NoError(t, err)
	defer pc.Close()

	pc.PutAsync("k1", fixtureResult("k1"), time.Minute)
	require.Eventually(t, func() bool {
		v, ok, err := pc.Get(context.Background(), "k1")
		return err == nil && ok && v.Indicator == "k1"
	}, 2*time.Second, 10*time.Millisecond)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func fixtureResult(indicator string) model.ThreatIntelResult {
	return model.ThreatIntelResult{Indicator: indicator}
}

func TestEnrichIP_ConcurrencyCapStillQueriesEverySource(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "src1", trust: 0.9, threatScore: 80, confidence: 0.8, country: "US", asn: "100"},
		&fakeSource{name: "src2", trust: 0.7, threatScore: 60, confidence: 0.6, country: "US", asn: "100"},
		&fakeSource{name: "src3", trust: 0.5, threatScore: 40, confidence: 0.5, country: "DE", asn: "200"},
	}
	reg := resilience.NewBreakerRegistry(resilience.BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: time.Second})
	agg := NewAggregator(sources, 6000, reg, NewMemoryCache(1000), nil, Config{
		MemoryCacheTTL: time.Minute, TrustWeight: 0.6, RateLimitBreakerWindow: time.Minute,
		ConcurrencyCap: 1, // serializes the fan-out; every source is still queried
	})

	result, err := agg.EnrichIP(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Len(t, result.SourcesQueried, 3)
	assert.Len(t, result.SourcesSucceeded, 3)
	assert.Empty(t, result.SourcesFailed)
}
