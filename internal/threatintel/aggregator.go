package threatintel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/resilience"
)

// Config mirrors config.ThreatIntelConfig's fields the aggregator needs
// directly; kept local for the same layering reason as siem.Config and
// campaign.Config.
type Config struct {
	MemoryCacheTTL         time.Duration
	PersistentCacheTTL     time.Duration
	TrustWeight            float64
	RateLimitBreakerWindow time.Duration
	// ConcurrencyCap bounds how many source lookups one enrich request
	// has in flight at once, so a single request cannot starve the rest.
	ConcurrencyCap int
}

// sourceRuntime tracks the per-source rate limiter, breaker, and the
// continuous-rate-limiting window used to decide whether a string of
// RateLimited results should escalate into an actual breaker trip.
type sourceRuntime struct {
	source       Source
	limiter      *rate.Limiter
	breaker      *resilience.Breaker
	mu           sync.Mutex
	limitedSince *time.Time
}

// LookupObserver sees every real source lookup (cache hits and rate-limit
// rejections excluded) with its elapsed time and outcome. The wiring layer
// points it at the prometheus source-latency/error metrics.
type LookupObserver func(source string, elapsed time.Duration, err error)

// Aggregator is the multi-source enrichment engine: fan-out across
// sources, per-source rate limiting and circuit breaking, a two-tier
// cache, singleflight stampede protection, and confidence-weighted
// merging.
type Aggregator struct {
	runtimes []*sourceRuntime
	mem      *MemoryCache
	persist  *PersistentCache
	sf       singleflight.Group
	cfg      Config
	observe  LookupObserver
}

// NewAggregator wires sources against their configured per-source rate
// limits, using breakers pulled from a shared registry (so get_health_status
// can report every source's breaker alongside SIEM and other backends).
func NewAggregator(sources []Source, perSourceRatePerMinute int, breakers *resilience.BreakerRegistry, mem *MemoryCache, persist *PersistentCache, cfg Config) *Aggregator {
	if cfg.TrustWeight <= 0 {
		cfg.TrustWeight = 0.6
	}
	if cfg.RateLimitBreakerWindow <= 0 {
		cfg.RateLimitBreakerWindow = time.Minute
	}
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 8
	}
	runtimes := make([]*sourceRuntime, 0, len(sources))
	limit := rate.Limit(float64(perSourceRatePerMinute) / 60.0)
	for _, s := range sources {
		runtimes = append(runtimes, &sourceRuntime{
			source:  s,
			limiter: rate.NewLimiter(limit, maxBurst(perSourceRatePerMinute)),
			breaker: breakers.Get("threatintel:" + s.Name()),
		})
	}
	return &Aggregator{runtimes: runtimes, mem: mem, persist: persist, cfg: cfg}
}

// SetObserver installs the lookup observer. Called once at wiring time,
// before the aggregator serves requests.
func (a *Aggregator) SetObserver(fn LookupObserver) { a.observe = fn }

func maxBurst(perMinute int) int {
	if perMinute <= 0 {
		return 1
	}
	b := perMinute / 6
	if b < 1 {
		b = 1
	}
	return b
}

// EnrichIP implements enrich_ip.
func (a *Aggregator) EnrichIP(ctx context.Context, ip string) (model.ThreatIntelResult, error) {
	return a.enrich(ctx, ip, model.IndicatorIPv4, func(ctx context.Context, s Source) (SourceResult, error) {
		return s.LookupIP(ctx, ip)
	})
}

// EnrichDomain implements enrich_domain.
func (a *Aggregator) EnrichDomain(ctx context.Context, domain string) (model.ThreatIntelResult, error) {
	return a.enrich(ctx, domain, model.IndicatorDomain, func(ctx context.Context, s Source) (SourceResult, error) {
		return s.LookupDomain(ctx, domain)
	})
}

type sourceOutcome struct {
	name   string
	result SourceResult
	err    error
}

func (a *Aggregator) enrich(ctx context.Context, indicator string, indType model.IndicatorType, lookup func(context.Context, Source) (SourceResult, error)) (model.ThreatIntelResult, error) {
	outcomes := make([]sourceOutcome, len(a.runtimes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.ConcurrencyCap)
	for i, rt := range a.runtimes {
		i, rt := i, rt
		g.Go(func() error {
			outcomes[i] = a.callOneSource(gctx, rt, indicator, lookup)
			return nil
		})
	}
	_ = g.Wait() // per-source failures are carried in outcomes, never as a group error

	var succeeded []SourceResult
	var succeededNames, failedNames []string
	var perSourceConf []float64
	for _, o := range outcomes {
		if o.err == nil {
			succeeded = append(succeeded, o.result)
			succeededNames = append(succeededNames, o.name)
			perSourceConf = append(perSourceConf, o.result.Confidence)
		} else {
			failedNames = append(failedNames, o.name)
		}
	}

	if len(succeeded) == 0 {
		return model.ThreatIntelResult{}, errs.New(errs.KindAllSourcesUnavailable, "no threat-intel source returned a result for "+indicator)
	}

	merged := mergeResults(succeeded)
	merged.Indicator = indicator
	merged.IndicatorType = indType
	merged.SourcesQueried = namesOf(a.runtimes)
	merged.SourcesSucceeded = succeededNames
	merged.SourcesFailed = failedNames
	merged.ConfidenceScore = confidenceScore(len(succeeded), len(a.runtimes), perSourceConf, a.cfg.TrustWeight)

	a.cacheWrite(cacheKey(indType, indicator), merged)
	return merged, nil
}

// callOneSource applies the rate limiter and breaker, de-duplicates
// concurrent identical lookups via singleflight, and checks both cache
// tiers before calling the source.
func (a *Aggregator) callOneSource(ctx context.Context, rt *sourceRuntime, indicator string, lookup func(context.Context, Source) (SourceResult, error)) sourceOutcome {
	name := rt.source.Name()
	key := name + "|" + indicator

	if cached, ok := a.mem.Get(key); ok {
		return sourceOutcome{name: name, result: toSourceResult(cached, rt.source.Trust())}
	}
	if a.persist != nil {
		if cached, ok, err := a.persist.Get(ctx, key); err == nil && ok {
			a.mem.Put(key, cached, a.cfg.MemoryCacheTTL)
			return sourceOutcome{name: name, result: toSourceResult(cached, rt.source.Trust())}
		}
	}

	if !rt.limiter.Allow() {
		a.recordRateLimited(rt)
		return sourceOutcome{name: name, err: errs.New(errs.KindRateLimited, name+": rate limit exceeded")}
	}
	a.clearRateLimited(rt)

	if !rt.breaker.Allow() {
		return sourceOutcome{name: name, err: errs.New(errs.KindCircuitOpen, name+": circuit open")}
	}

	start := time.Now()
	v, err, _ := a.sf.Do(key, func() (any, error) {
		return lookup(ctx, rt.source)
	})
	if a.observe != nil {
		a.observe(name, time.Since(start), err)
	}
	if err != nil {
		rt.breaker.RecordFailure(errs.KindOf(err), err)
		return sourceOutcome{name: name, err: err}
	}
	rt.breaker.RecordSuccess()
	result := v.(SourceResult)
	result.Source = name
	if result.Trust == 0 {
		result.Trust = rt.source.Trust()
	}

	a.cacheWriteIndividual(key, result)
	return sourceOutcome{name: name, result: result}
}

// recordRateLimited escalates to an actual breaker trip only once the
// source has been continuously rate-limited for longer than the
// configured window — a brief burst should not take the source offline.
func (a *Aggregator) recordRateLimited(rt *sourceRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := time.Now()
	if rt.limitedSince == nil {
		rt.limitedSince = &now
		return
	}
	if now.Sub(*rt.limitedSince) >= a.cfg.RateLimitBreakerWindow {
		rt.breaker.RecordFailure(errs.KindRateLimited, errs.New(errs.KindRateLimited, rt.source.Name()+": persistently rate limited"))
	}
}

func (a *Aggregator) clearRateLimited(rt *sourceRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.limitedSince = nil
}

func (a *Aggregator) cacheWriteIndividual(key string, r SourceResult) {
	single := mergeResults([]SourceResult{r})
	a.mem.Put(key, single, a.cfg.MemoryCacheTTL)
	if a.persist != nil {
		a.persist.PutAsync(key, single, a.cfg.PersistentCacheTTL)
	}
}

func (a *Aggregator) cacheWrite(key string, r model.ThreatIntelResult) {
	a.mem.Put(key, r, a.cfg.MemoryCacheTTL)
	if a.persist != nil {
		a.persist.PutAsync(key, r, a.cfg.PersistentCacheTTL)
	}
}

func toSourceResult(r model.ThreatIntelResult, trust float64) SourceResult {
	return SourceResult{
		ThreatScore: r.OverallThreatScore,
		Confidence:  r.ConfidenceScore,
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
		Country:     r.Country,
		ASN:         r.ASN,
		Tags:        r.Tags,
		Trust:       trust,
	}
}

func namesOf(runtimes []*sourceRuntime) []string {
	out := make([]string, len(runtimes))
	for i, rt := range runtimes {
		out[i] = rt.source.Name()
	}
	return out
}

func cacheKey(indType model.IndicatorType, indicator string) string {
	return fmt.Sprintf("%s:%s", indType, indicator)
}
