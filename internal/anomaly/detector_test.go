package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/fieldmap"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/siem"
)

type fakeAggElastic struct {
	aggregations map[string]any
}

func (f *fakeAggElastic) Search(ctx context.Context, req siem.SearchRequest) (siem.SearchResponse, error) {
	return siem.SearchResponse{Aggregations: f.aggregations}, nil
}

func histogramBucket(hourOffset int, docCount, highSeverity, distinctSources int) map[string]any {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := base.Add(time.Duration(hourOffset) * time.Hour)
	return map[string]any{
		"key":           float64(ts.UnixMilli()),
		"doc_count":     float64(docCount),
		"high_severity": map[string]any{"doc_count": float64(highSeverity)},
		"distinct_sources": map[string]any{"value": float64(distinctSources)},
	}
}

func testDetector(buckets []any) *Detector {
	mapper := fieldmap.New(map[string][]string{"source_ip": {"source.ip", "related.ip"}})
	layer := siem.NewLayer(&fakeAggElastic{
		aggregations: map[string]any{"by_time": map[string]any{"buckets": buckets}},
	}, mapper, siem.Config{MaxWindow: 30 * 24 * time.Hour}, []string{"dshield-*"})
	return NewDetector(layer)
}

func TestDetect_VolumeSpikeFlaggedAnomalous(t *testing.T) {
	buckets := []any{
		histogramBucket(0, 10, 0, 1),
		histogramBucket(1, 12, 0, 1),
		histogramBucket(2, 11, 0, 1),
		histogramBucket(3, 9, 0, 1),
		histogramBucket(4, 10, 0, 1),
		histogramBucket(5, 11, 0, 1),
		histogramBucket(6, 12, 0, 1),
		histogramBucket(7, 9, 0, 1),
		histogramBucket(8, 10, 0, 1),
		histogramBucket(9, 500, 0, 1), // spike
	}
	d := testDetector(buckets)
	results, err := d.Detect(context.Background(), Request{
		TimeRange: model.TimeRange{Start: time.Now().Add(-10 * time.Hour), End: time.Now()},
		Methods:   []Method{MethodVolume},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	last := results[0].Buckets[len(results[0].Buckets)-1]
	assert.True(t, last.IsAnomaly)
	assert.NotEqual(t, SeverityNone, last.Severity)
}

func TestDetect_StableSeriesHasNoAnomalies(t *testing.T) {
	buckets := []any{
		histogramBucket(0, 10, 0, 1),
		histogramBucket(1, 10, 0, 1),
		histogramBucket(2, 10, 0, 1),
		histogramBucket(3, 10, 0, 1),
	}
	d := testDetector(buckets)
	results, err := d.Detect(context.Background(), Request{
		TimeRange: model.TimeRange{Start: time.Now().Add(-4 * time.Hour), End: time.Now()},
		Methods:   []Method{MethodVolume},
	})
	require.NoError(t, err)
	for _, b := range results[0].Buckets {
		assert.False(t, b.IsAnomaly)
	}
}

func TestDetect_SensitivityLowersThreshold(t *testing.T) {
	buckets := []any{
		histogramBucket(0, 10, 0, 1),
		histogramBucket(1, 11, 0, 1),
		histogramBucket(2, 9, 0, 1),
		histogramBucket(3, 30, 0, 1),
	}
	d := testDetector(buckets)
	loose, err := d.Detect(context.Background(), Request{
		TimeRange:   model.TimeRange{Start: time.Now().Add(-4 * time.Hour), End: time.Now()},
		Methods:     []Method{MethodVolume},
		Sensitivity: 0.5,
	})
	require.NoError(t, err)
	sensitive, err := d.Detect(context.Background(), Request{
		TimeRange:   model.TimeRange{Start: time.Now().Add(-4 * time.Hour), End: time.Now()},
		Methods:     []Method{MethodVolume},
		Sensitivity: 3.0,
	})
	require.NoError(t, err)

	countAnomalies := func(res []MethodResult) int {
		n := 0
		for _, b := range res[0].Buckets {
			if b.IsAnomaly {
				n++
			}
		}
		return n
	}
	assert.GreaterOrEqual(t, countAnomalies(sensitive), countAnomalies(loose))
}

func TestDetect_NoBucketsReturnsNoSeedEvents(t *testing.T) {
	d := testDetector(nil)
	_, err := d.Detect(context.Background(), Request{
		TimeRange: model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindNoSeedEvents, errs.KindOf(err))
}

func TestDetect_NewSourceBurstMethod(t *testing.T) {
	buckets := []any{
		histogramBucket(0, 10, 0, 2),
		histogramBucket(1, 10, 0, 3),
		histogramBucket(2, 10, 0, 3),
		histogramBucket(3, 10, 0, 3),
		histogramBucket(4, 10, 0, 3),
		histogramBucket(5, 10, 0, 3),
		histogramBucket(6, 10, 0, 3),
		histogramBucket(7, 10, 0, 3),
		histogramBucket(8, 10, 0, 3),
		histogramBucket(9, 10, 0, 40), // burst of new sources
	}
	d := testDetector(buckets)
	results, err := d.Detect(context.Background(), Request{
		TimeRange: model.TimeRange{Start: time.Now().Add(-10 * time.Hour), End: time.Now()},
		Methods:   []Method{MethodNewSourceBurst},
	})
	require.NoError(t, err)
	last := results[0].Buckets[len(results[0].Buckets)-1]
	assert.True(t, last.IsAnomaly)
}
