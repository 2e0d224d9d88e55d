package campaign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/fieldmap"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/siem"
)

type fakeElastic struct {
	docs []map[string]any
}

func (f *fakeElastic) Search(ctx context.Context, req siem.SearchRequest) (siem.SearchResponse, error) {
	hits := make([]siem.Hit, 0, len(f.docs))
	for i, d := range f.docs {
		hits = append(hits, siem.Hit{ID: "ev-" + string(rune('a'+i)), Source: d, Sort: []any{d["@timestamp"], "ev"}})
	}
	return siem.SearchResponse{Hits: siem.SearchHits{Total: len(hits), Hits: hits}, IndicesHit: []string{"dshield-*"}}, nil
}

func doc(ts time.Time, srcIP, asn, eventType string) map[string]any {
	return map[string]any{
		"@timestamp": ts.Format(time.RFC3339),
		"source":     map[string]any{"ip": srcIP, "as": map[string]any{"number": asn}},
		"event":      map[string]any{"type": eventType},
	}
}

func testEngine(docs []map[string]any) *Engine {
	mapper := fieldmap.New(map[string][]string{
		"source_ip":      {"source.ip", "related.ip"},
		"destination_ip": {"destination.ip", "related.ip"},
		"asn":            {"source.as.number"},
		"event_type":     {"event.type"},
	})
	layer := siem.NewLayer(&fakeElastic{docs: docs}, mapper, siem.Config{
		MaxWindow: 365 * 24 * time.Hour, MaxPageSize: 5000, ResultSizeBudgetBytes: 1 << 30,
		DefaultSortField: "@timestamp",
	}, []string{"dshield-*"})
	return NewEngine(layer, mapper, Config{
		MaxSeedEvents: 5000, PerStageEventBudget: 5000,
		TemporalDecayTau: 30 * time.Minute, MinConfidenceDefault: 0.3,
		MaxExpansionDepth: 3, PerLevelFanoutCap: 200,
	})
}

func TestAnalyzeCampaign_EndToEnd(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := []map[string]any{
		doc(base, "141.98.80.121", "64500", "recon"),
		doc(base.Add(time.Hour), "141.98.80.121", "64500", "brute_force"),
		doc(base.Add(2*time.Hour), "141.98.80.122", "64500", "recon"),
	}
	eng := testEngine(docs)

	result, err := eng.AnalyzeCampaign(context.Background(), AnalyzeRequest{
		SeedIndicators:     []string{"141.98.80.121"},
		TimeRange:          model.TimeRange{Start: base.Add(-time.Hour), End: base.Add(72 * time.Hour)},
		CorrelationMethods: []model.CorrelationMethod{model.MethodIPExact, model.MethodIPASN, model.MethodTemporalCluster},
		MinConfidence:      0.1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Events)
	_, hasSeed := result.RelatedIndicators["141.98.80.121"]
	assert.True(t, hasSeed, "seed_indicators must be a subset of related_indicators")
	assert.True(t, result.StartTime.Before(result.EndTime) || result.StartTime.Equal(result.EndTime))
}

// recordingElastic serves canned docs while capturing every request body,
// so seed-retrieval tests can assert on the clause shapes issued.
type recordingElastic struct {
	fakeElastic
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *recordingElastic) Search(ctx context.Context, req siem.SearchRequest) (siem.SearchResponse, error) {
	r.mu.Lock()
	r.bodies = append(r.bodies, req.Body)
	r.mu.Unlock()
	return r.fakeElastic.Search(ctx, req)
}

func TestSeedRetrieval_OneQueryPerCandidatePath(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recordingElastic{fakeElastic: fakeElastic{docs: []map[string]any{doc(base, "141.98.80.121", "64500", "recon")}}}
	mapper := fieldmap.New(map[string][]string{
		"source_ip":      {"source.ip", "source.address", "related.ip"},
		"destination_ip": {"destination.ip", "destination.address", "related.ip"},
	})
	layer := siem.NewLayer(rec, mapper, siem.Config{
		MaxWindow: 365 * 24 * time.Hour, MaxPageSize: 5000, ResultSizeBudgetBytes: 1 << 30,
		DefaultSortField: "@timestamp",
	}, []string{"dshield-*"})
	eng := NewEngine(layer, mapper, Config{MaxSeedEvents: 100, MinConfidenceDefault: 0.1})

	_, err := eng.AnalyzeCampaign(context.Background(), AnalyzeRequest{
		SeedIndicators:     []string{"141.98.80.121"},
		TimeRange:          model.TimeRange{Start: base.Add(-time.Hour), End: base.Add(time.Hour)},
		CorrelationMethods: []model.CorrelationMethod{model.MethodBehavioralMatch},
		MinConfidence:      0.1,
	})
	require.NoError(t, err)

	// One query per IP-bearing candidate path, each a plain term clause —
	// never one composite bool/should across the paths.
	require.Len(t, rec.bodies, 3)
	seenPaths := make(map[string]bool)
	for _, body := range rec.bodies {
		filter := body["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
		require.Len(t, filter, 1)
		term, ok := filter[0]["term"].(map[string]any)
		require.True(t, ok, "seed retrieval must emit plain term clauses")
		for path := range term {
			seenPaths[path] = true
		}
	}
	assert.Equal(t, map[string]bool{"source.address": true, "destination.address": true, "related.ip": true}, seenPaths)
}

func TestAnalyzeCampaign_NoSeedEvents(t *testing.T) {
	eng := testEngine(nil)
	_, err := eng.AnalyzeCampaign(context.Background(), AnalyzeRequest{
		SeedIndicators: []string{"1.2.3.4"},
		TimeRange:      model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindNoSeedEvents, errs.KindOf(err))
}

func TestAnalyzeCampaign_RequiresSeeds(t *testing.T) {
	eng := testEngine(nil)
	_, err := eng.AnalyzeCampaign(context.Background(), AnalyzeRequest{
		TimeRange: model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.KindOf(err))
}

func TestNormalizedLevenshteinSimilarity_OrderingOnly(t *testing.T) {
	identical := NormalizedLevenshteinSimilarity([]string{"recon", "brute_force"}, []string{"recon", "brute_force"})
	similar := NormalizedLevenshteinSimilarity([]string{"recon", "brute_force"}, []string{"recon", "exploit"})
	different := NormalizedLevenshteinSimilarity([]string{"recon", "brute_force"}, []string{"malware", "exfil"})

	assert.Equal(t, 1.0, identical)
	assert.Greater(t, similar, different)
}

func TestGraph_ExpandRespectsDepthAndStrategy(t *testing.T) {
	g := NewGraph()
	g.AddRelationship(model.IndicatorRelationship{SourceIndicator: "1.1.1.1", RelatedIndicator: "1.1.1.2", RelationType: model.RelationSameSubnet, Confidence: 0.8})
	g.AddRelationship(model.IndicatorRelationship{SourceIndicator: "1.1.1.2", RelatedIndicator: "evil.example", RelationType: model.RelationSharedInfrastructure, Confidence: 0.6})
	g.AddRelationship(model.IndicatorRelationship{SourceIndicator: "evil.example", RelatedIndicator: "1.1.1.1", RelationType: model.RelationTemporalCluster, Confidence: 0.5}) // cycle back to seed

	rels := g.Expand([]string{"1.1.1.1"}, model.ExpansionComprehensive, 2, 10)
	assert.NotEmpty(t, rels)

	rels = g.Expand([]string{"1.1.1.1"}, model.ExpansionInfrastructure, 2, 10)
	for _, r := range rels {
		assert.Equal(t, model.RelationSharedInfrastructure, r.RelationType)
	}
}

func TestBuildTimeline_BucketsByGranularity(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []model.CampaignEvent{
		{SecurityEvent: model.SecurityEvent{ID: "a", Timestamp: base, EventType: "recon"}},
		{SecurityEvent: model.SecurityEvent{ID: "b", Timestamp: base.Add(30 * time.Minute), EventType: "recon"}},
		{SecurityEvent: model.SecurityEvent{ID: "c", Timestamp: base.Add(90 * time.Minute), EventType: "brute_force"}},
	}
	buckets := BuildTimeline(events, model.GranularityHourly, 5)
	require.Len(t, buckets, 2)
	assert.Equal(t, 2, buckets[0].EventCount)
	assert.Equal(t, 1, buckets[1].EventCount)
}

func TestScoreCampaign_NormalizedToUnitInterval(t *testing.T) {
	c := model.Campaign{
		StartTime:              time.Now(),
		EndTime:                time.Now().Add(100 * time.Hour),
		AttackVectors:          map[string]struct{}{"a": {}, "b": {}, "c": {}, "d": {}, "e": {}, "f": {}},
		CorrelationMethodsUsed: map[model.CorrelationMethod]struct{}{model.MethodBehavioralMatch: {}},
		Events: []model.CampaignEvent{
			{SecurityEvent: model.SecurityEvent{ASN: "1"}}, {SecurityEvent: model.SecurityEvent{ASN: "2"}},
			{SecurityEvent: model.SecurityEvent{ASN: "3"}}, {SecurityEvent: model.SecurityEvent{ASN: "4"}},
			{SecurityEvent: model.SecurityEvent{ASN: "5"}}, {SecurityEvent: model.SecurityEvent{ASN: "6"}},
		},
	}
	score := ScoreCampaign(c)
	assert.LessOrEqual(t, score, 1.0)
	assert.Greater(t, score, 0.0)
}
