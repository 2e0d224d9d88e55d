// Package threatintel implements the multi-source indicator enrichment
// aggregator: per-source rate limiting and circuit breaking, a two-tier
// cache (in-memory LRU backed by a persistent sqlite store), cache
// stampede protection, and confidence-weighted merging of per-source
// results into one ThreatIntelResult.
package threatintel

import (
	"context"
	"time"

	"github.com/dshield/mcp-analytics/internal/model"
)

// SourceResult is one source's raw view of an indicator, before merging.
type SourceResult struct {
	Source        string
	ThreatScore   float64 // 0..100, source-declared
	Confidence    float64 // 0..1, source-declared
	FirstSeen     *time.Time
	LastSeen      *time.Time
	Country       string
	ASN           string
	Tags          []string
	Raw           map[string]any
	Trust         float64 // configured per-source weight, used for tie-breaks
}

// Source is one upstream threat-intel provider. Implementations talk to a
// specific HTTP API; lookup failures are reported as an error, not encoded
// into SourceResult, so the aggregator can distinguish "no data" (a valid
// empty SourceResult) from "backend unavailable."
type Source interface {
	Name() string
	Trust() float64
	LookupIP(ctx context.Context, ip string) (SourceResult, error)
	LookupDomain(ctx context.Context, domain string) (SourceResult, error)
}

// classifyIndicator infers the IndicatorType from a raw string. Domains and
// hashes are distinguished from IPs by a cheap syntactic check; this is not
// meant to be a validating parser, only a router for which Source methods
// to call.
func classifyIndicator(s string) model.IndicatorType {
	if ip := parseIP(s); ip != nil {
		if ip.To4() != nil {
			return model.IndicatorIPv4
		}
		return model.IndicatorIPv6
	}
	if looksLikeHash(s) {
		return model.IndicatorHash
	}
	if looksLikeURL(s) {
		return model.IndicatorURL
	}
	return model.IndicatorDomain
}
