// Package server wires the analytic engine's subsystems (field mapper,
// query layer, campaign engine, threat-intel aggregator, anomaly
// detector, report builder, data dictionary, resilience substrate) into
// the concrete tool.Registry the dispatcher serves. This is the single
// point where every required tool in the contract (§6) gets a schema and
// a handler — the "tool dispatcher is the single point where external
// errors become JSON-RPC errors" from §4.6.
package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshield/mcp-analytics/internal/anomaly"
	"github.com/dshield/mcp-analytics/internal/campaign"
	"github.com/dshield/mcp-analytics/internal/collab"
	"github.com/dshield/mcp-analytics/internal/config"
	"github.com/dshield/mcp-analytics/internal/dictionary"
	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/fieldmap"
	"github.com/dshield/mcp-analytics/internal/metrics"
	"github.com/dshield/mcp-analytics/internal/report"
	"github.com/dshield/mcp-analytics/internal/resilience"
	"github.com/dshield/mcp-analytics/internal/siem"
	"github.com/dshield/mcp-analytics/internal/threatintel"
)

// Feature names gate tool availability in the registry built by
// RegisterAll; the enclosing process's health-check loop is the only
// thing allowed to call FeatureManager.Update with these names.
const (
	FeatureSIEM        = "siem"
	FeatureThreatIntel = "threatintel"
	FeatureReport      = "report"
)

// Services bundles every subsystem a tool handler needs. It is built
// once at process start from a frozen config.Config and held for the
// server's lifetime; nothing here is mutated after construction except
// the registries each subsystem already owns internally (streams,
// campaigns, breakers).
type Services struct {
	Config config.Config

	Mapper     *fieldmap.Mapper
	Query      *siem.Layer
	Streams    *siem.StreamRegistry
	SessionStreams *siem.SessionStreamRegistry

	Campaigns *campaign.Engine
	CampaignStore *campaign.Store

	ThreatIntel *threatintel.Aggregator

	Anomaly *anomaly.Detector

	Dictionary *dictionary.Dictionary

	Renderer report.Renderer

	Breakers *resilience.BreakerRegistry
	Errors   *resilience.ErrorAggregator
	Timeouts resilience.TimeoutTable
	Features *collab.AtomicFeatureManager

	Metrics      *metrics.Registry
	PromRegistry *prometheus.Registry

	persistCache *threatintel.PersistentCache
}

// Close tears down the process-lifetime shared state (persistent cache
// writer, error-aggregator ring). Idempotent; called after the transport
// loop exits.
func (s *Services) Close() error {
	s.Errors.Reset()
	if s.persistCache != nil {
		return s.persistCache.Close()
	}
	return nil
}

// New assembles Services from cfg and the collaborator implementations
// supplied by cmd/ (the ElasticClient, threat-intel Sources, Renderer).
// Cache construction failures (the persistent sqlite store) are returned
// rather than panicking, matching the exit-code-2 "unrecoverable backend
// error at startup" contract in §6.
func New(cfg config.Config, esClient siem.ElasticClient, indices []string, sources []threatintel.Source, renderer report.Renderer) (*Services, error) {
	mapper := fieldmap.New(cfg.FieldMappings)

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		SuccessThreshold: cfg.Resilience.SuccessThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Resilience.HalfOpenMaxCalls,
	})
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    cfg.Resilience.MaxAttempts,
		BaseDelay:      cfg.Resilience.BaseDelay,
		MaxDelay:       cfg.Resilience.MaxDelay,
		Factor:         cfg.Resilience.BackoffFactor,
		JitterFraction: cfg.Resilience.JitterFraction,
	}
	timeouts := resilience.TimeoutTable{
		ToolExecution:   cfg.Resilience.TimeoutToolExecution,
		ExternalService: cfg.Resilience.TimeoutExternalService,
		ResourceAccess:  cfg.Resilience.TimeoutResourceAccess,
		Validation:      cfg.Resilience.TimeoutValidation,
	}
	resilientES := siem.NewResilientClient(esClient, breakers.Get("siem"), retryCfg, timeouts)

	queryCfg := siem.Config{
		MaxWindow:                 cfg.Query.MaxWindow,
		MaxPageSize:               cfg.Query.MaxPageSize,
		OptimizationFloorPageSize: cfg.Query.OptimizationFloorPageSize,
		PageOffsetCursorThreshold: cfg.Query.PageOffsetCursorThreshold,
		ResultSizeBudgetBytes:     cfg.Query.ResultSizeBudgetBytes,
		DefaultSortField:          cfg.Query.DefaultSortField,
		StreamChunkSize:           cfg.Query.StreamChunkSize,
		StreamSoftCapOverflow:     cfg.Query.StreamSoftCapOverflow,
		DefaultMaxSessionGap:      cfg.Query.DefaultMaxSessionGap,
	}
	layer := siem.NewLayer(resilientES, mapper, queryCfg, indices)

	campaignCfg := campaign.Config{
		MaxSeedEvents:               cfg.Campaign.MaxSeedEvents,
		SubnetMaskBits:              cfg.Campaign.SubnetMaskBits,
		PerStageEventBudget:         cfg.Campaign.PerStageEventBudget,
		BehavioralDistanceThreshold: cfg.Campaign.BehavioralDistanceThreshold,
		TemporalWindowWidth:         cfg.Campaign.TemporalWindowWidth,
		TemporalDecayTau:            cfg.Campaign.TemporalDecayTau,
		MinConfidenceDefault:        cfg.Campaign.MinConfidenceDefault,
		MaxExpansionDepth:           cfg.Campaign.MaxExpansionDepth,
		PerLevelFanoutCap:           cfg.Campaign.PerLevelFanoutCap,
	}
	engine := campaign.NewEngine(layer, mapper, campaignCfg)

	var persist *threatintel.PersistentCache
	if cfg.ThreatIntel.PersistentCachePath != "" {
		p, err := threatintel.OpenPersistentCache(cfg.ThreatIntel.PersistentCachePath, 0)
		if err != nil {
			return nil, err
		}
		persist = p
	}
	mem := threatintel.NewMemoryCache(cfg.ThreatIntel.MemoryCacheSize)
	aggregator := threatintel.NewAggregator(sources, cfg.ThreatIntel.PerSourceRateLimitPerMinute, breakers, mem, persist, threatintel.Config{
		MemoryCacheTTL:         cfg.ThreatIntel.MemoryCacheTTL,
		PersistentCacheTTL:     cfg.ThreatIntel.PersistentCacheTTL,
		TrustWeight:            cfg.ThreatIntel.TrustWeight,
		RateLimitBreakerWindow: cfg.ThreatIntel.RateLimitBreakerWindow,
		ConcurrencyCap:         cfg.ThreatIntel.ConcurrencyCap,
	})

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)
	aggregator.SetObserver(func(source string, elapsed time.Duration, err error) {
		m.ThreatIntelSourceLatency.WithLabelValues(source).Observe(elapsed.Seconds())
		if err != nil {
			m.ThreatIntelSourceErrors.WithLabelValues(source, string(errs.KindOf(err))).Inc()
		}
	})

	return &Services{
		Config:         cfg,
		Mapper:         mapper,
		Query:          layer,
		Streams:        siem.NewStreamRegistry(),
		SessionStreams: siem.NewSessionStreamRegistry(),
		Campaigns:      engine,
		CampaignStore:  campaign.NewStore(24 * time.Hour),
		ThreatIntel:    aggregator,
		Anomaly:        anomaly.NewDetector(layer),
		Dictionary:     dictionary.New(cfg.FieldMappings),
		Renderer:       renderer,
		Breakers:       breakers,
		Errors: resilience.NewErrorAggregator(cfg.Resilience.ErrorRingSize, cfg.Resilience.ErrorWindow,
			cfg.Resilience.WarningThreshold, cfg.Resilience.CriticalThreshold),
		Timeouts:     timeouts,
		Features:     collab.NewAtomicFeatureManager(),
		Metrics:      m,
		PromRegistry: promReg,
		persistCache: persist,
	}, nil
}
