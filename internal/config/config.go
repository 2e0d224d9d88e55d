// Package config defines the frozen configuration value the core engine
// consumes. Loading it from a file, environment, or secret store is a
// non-goal collaborator; every field here has a sensible Default.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the complete, immutable configuration surface for one running
// instance of the analytic engine. It is constructed once at process
// start and never mutated afterward.
type Config struct {
	FieldMappings map[string][]string

	Query     QueryConfig
	Campaign  CampaignConfig
	Resilience ResilienceConfig
	ThreatIntel ThreatIntelConfig

	OutputDir string // default: "<home>/dshield-mcp-output" (relative if the home dir is unknown)
}

// QueryConfig tunes the SIEM query layer.
type QueryConfig struct {
	// CompatibilityMode bridges backing-store major-version differences
	// ("7" or "8"); it governs how the entrypoint's Elasticsearch client
	// requests and decodes hit totals.
	CompatibilityMode     string
	MaxWindow             time.Duration
	MaxPageSize           int
	OptimizationFloorPageSize int
	PageOffsetCursorThreshold int
	ResultSizeBudgetBytes  int64
	DefaultSortField       string
	StreamChunkSize        int
	StreamSoftCapOverflow  float64 // e.g. 0.20 for <=20%
	StreamIDTTL            time.Duration
	DefaultMaxSessionGap   time.Duration
}

// CampaignConfig tunes the five-stage correlation engine.
type CampaignConfig struct {
	MaxSeedEvents       int
	SubnetMaskBits      int
	PerStageEventBudget int
	BehavioralDistanceThreshold float64
	TemporalWindowWidth time.Duration
	TemporalDecayTau    time.Duration
	MinConfidenceDefault float64
	MaxExpansionDepth   int
	PerLevelFanoutCap   int
}

func DefaultConfig() Config {
	outputDir := "dshield-mcp-output"
	if home, err := os.UserHomeDir(); err == nil {
		outputDir = filepath.Join(home, outputDir)
	}
	return Config{
		FieldMappings: DefaultFieldMappings(),
		Query: QueryConfig{
			CompatibilityMode:         "8",
			MaxWindow:                 7 * 24 * time.Hour,
			MaxPageSize:               1000,
			OptimizationFloorPageSize: 50,
			PageOffsetCursorThreshold: 1000,
			ResultSizeBudgetBytes:     25 * 1024 * 1024,
			DefaultSortField:          "@timestamp",
			StreamChunkSize:           500,
			StreamSoftCapOverflow:     0.20,
			StreamIDTTL:               30 * time.Minute,
			DefaultMaxSessionGap:      30 * time.Minute,
		},
		Campaign: CampaignConfig{
			MaxSeedEvents:               2000,
			SubnetMaskBits:              24,
			PerStageEventBudget:         5000,
			BehavioralDistanceThreshold: 0.35,
			TemporalWindowWidth:         15 * time.Minute,
			TemporalDecayTau:            30 * time.Minute,
			MinConfidenceDefault:        0.5,
			MaxExpansionDepth:           3,
			PerLevelFanoutCap:           200,
		},
		Resilience:  DefaultResilienceConfig(),
		ThreatIntel: DefaultThreatIntelConfig(),
		OutputDir:   outputDir,
	}
}

// ResilienceConfig tunes breakers, retry, timeouts, and the error aggregator.
type ResilienceConfig struct {
	FailureThreshold  int
	SuccessThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxCalls  int

	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BackoffFactor    float64
	JitterFraction   float64

	TimeoutToolExecution   time.Duration
	TimeoutExternalService time.Duration
	TimeoutResourceAccess  time.Duration
	TimeoutValidation      time.Duration

	ErrorRingSize      int
	ErrorWindow        time.Duration
	WarningThreshold   int
	CriticalThreshold  int
}

func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		RecoveryTimeout:   2 * time.Second,
		HalfOpenMaxCalls:  1,

		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.2,

		TimeoutToolExecution:   30 * time.Second,
		TimeoutExternalService: 10 * time.Second,
		TimeoutResourceAccess:  5 * time.Second,
		TimeoutValidation:      1 * time.Second,

		ErrorRingSize:     500,
		ErrorWindow:       5 * time.Minute,
		WarningThreshold:  10,
		CriticalThreshold: 50,
	}
}

// ThreatIntelConfig tunes the multi-source aggregator.
type ThreatIntelConfig struct {
	PerSourceRateLimitPerMinute int
	MemoryCacheSize             int
	MemoryCacheTTL              time.Duration
	PersistentCacheTTL          time.Duration
	PersistentCachePath         string
	ConcurrencyCap              int
	TrustWeight                 float64 // w in confidence_score formula
	RateLimitBreakerWindow      time.Duration
}

func DefaultThreatIntelConfig() ThreatIntelConfig {
	return ThreatIntelConfig{
		PerSourceRateLimitPerMinute: 60,
		MemoryCacheSize:             10000,
		MemoryCacheTTL:              15 * time.Minute,
		PersistentCacheTTL:          24 * time.Hour,
		PersistentCachePath:         "db/threatintel.sqlite",
		ConcurrencyCap:              8,
		TrustWeight:                 0.6,
		RateLimitBreakerWindow:      time.Minute,
	}
}

// DefaultFieldMappings seeds the user_field -> candidate-path table. ECS
// dotted paths are listed before legacy flat names, and every IP field
// always carries "related.ip" as a last-resort fallback candidate.
func DefaultFieldMappings() map[string][]string {
	return map[string][]string{
		"source_ip":      {"source.ip", "source.address", "related.ip"},
		"destination_ip": {"destination.ip", "destination.address", "related.ip"},
		"source_port":      {"source.port"},
		"destination_port": {"destination.port"},
		"country":  {"source.geo.country_name", "geoip.country_name"},
		"asn":      {"source.as.number", "geoip.asn"},
		"organization": {"source.as.organization.name", "geoip.organization"},
		"protocol": {"network.protocol", "network.transport"},
		"event_type": {"event.type", "event.category"},
		"severity": {"event.severity"},
		"reputation_score": {"dshield.reputation"},
	}
}
