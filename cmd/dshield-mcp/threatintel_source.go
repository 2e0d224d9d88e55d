package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshield/mcp-analytics/internal/threatintel"
)

// httpThreatIntelSource adapts one upstream HTTP/JSON threat-intel
// endpoint to threatintel.Source, per §6's "per-source adapters that
// translate to the common partial_result shape." The wire schema below is
// this adapter's own contract, not a specific vendor's — a different
// upstream would get its own adapter type translating into the same
// threatintel.SourceResult.
type httpThreatIntelSource struct {
	name       string
	baseURL    string
	apiKey     string
	trust      float64
	httpClient *http.Client
}

func newHTTPThreatIntelSource(name, baseURL, apiKey string, trust float64, timeout time.Duration) *httpThreatIntelSource {
	return &httpThreatIntelSource{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		trust:      trust,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *httpThreatIntelSource) Name() string    { return s.name }
func (s *httpThreatIntelSource) Trust() float64  { return s.trust }

func (s *httpThreatIntelSource) LookupIP(ctx context.Context, ip string) (threatintel.SourceResult, error) {
	return s.lookup(ctx, "/ip/"+ip)
}

func (s *httpThreatIntelSource) LookupDomain(ctx context.Context, domain string) (threatintel.SourceResult, error) {
	return s.lookup(ctx, "/domain/"+domain)
}

// partialResult is the common shape §6 describes every source adapter
// translating into.
type partialResult struct {
	ThreatScore float64         `json:"threat_score"`
	Confidence  float64         `json:"confidence"`
	FirstSeen   *time.Time      `json:"first_seen"`
	LastSeen    *time.Time      `json:"last_seen"`
	Country     string          `json:"country"`
	ASN         string          `json:"asn"`
	Tags        []string        `json:"tags"`
	Raw         json.RawMessage `json:"raw"`
}

func (s *httpThreatIntelSource) lookup(ctx context.Context, path string) (threatintel.SourceResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return threatintel.SourceResult{}, fmt.Errorf("%s: build request: %w", s.name, err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return threatintel.SourceResult{}, fmt.Errorf("%s: request failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return threatintel.SourceResult{}, fmt.Errorf("%s: rate limited by upstream", s.name)
	}
	if resp.StatusCode >= 400 {
		return threatintel.SourceResult{}, fmt.Errorf("%s: upstream returned status %d", s.name, resp.StatusCode)
	}

	var pr partialResult
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return threatintel.SourceResult{}, fmt.Errorf("%s: decode response: %w", s.name, err)
	}

	var raw map[string]any
	if len(pr.Raw) > 0 {
		_ = json.Unmarshal(pr.Raw, &raw)
	}

	return threatintel.SourceResult{
		Source:      s.name,
		ThreatScore: pr.ThreatScore,
		Confidence:  pr.Confidence,
		FirstSeen:   pr.FirstSeen,
		LastSeen:    pr.LastSeen,
		Country:     pr.Country,
		ASN:         pr.ASN,
		Tags:        pr.Tags,
		Raw:         raw,
		Trust:       s.trust,
	}, nil
}
