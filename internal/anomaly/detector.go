// Package anomaly implements detect_statistical_anomalies: bucketing the
// query layer's aggregated event counts over a time window and flagging
// buckets whose value deviates from the window's own mean by more
// standard deviations than a sensitivity-derived threshold allows.
package anomaly

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/siem"
)

// Method selects which derived per-bucket series feeds the z-score
// machinery.
type Method string

const (
	MethodVolume          Method = "volume"
	MethodSeverityMix     Method = "severity_mix"
	MethodNewSourceBurst  Method = "new_source_burst"
)

// Severity mirrors the teacher's four-band anomaly classification.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Bucket is one time-bucketed sample with its computed anomaly verdict.
type Bucket struct {
	Start     time.Time `json:"start"`
	Count     int       `json:"count"`
	ZScore    float64   `json:"z_score"`
	Severity  Severity  `json:"severity"`
	IsAnomaly bool      `json:"is_anomaly"`
}

// MethodResult carries one method's bucket series plus the baseline
// statistics computed over it.
type MethodResult struct {
	Method      Method          `json:"method"`
	Mean        float64         `json:"mean"`
	StdDev      float64         `json:"std_dev"`
	Percentiles map[int]float64 `json:"percentiles"`
	Buckets     []Bucket        `json:"buckets"`
}

// Request is the full parameter set for detect_statistical_anomalies.
type Request struct {
	TimeRange      model.TimeRange
	Methods        []Method
	Sensitivity    float64 // scales the 2.0 base z-score threshold; default 1.0
	BucketInterval time.Duration
}

// Detector runs statistical anomaly detection against the query layer's
// aggregation endpoint. It holds a read-only reference to the layer, the
// same ownership discipline the campaign engine uses.
type Detector struct {
	layer *siem.Layer
}

func NewDetector(layer *siem.Layer) *Detector {
	return &Detector{layer: layer}
}

// Detect buckets events over req.TimeRange at req.BucketInterval (default
// one hour) and scores each requested method's derived series.
func (d *Detector) Detect(ctx context.Context, req Request) ([]MethodResult, error) {
	if req.TimeRange.End.Before(req.TimeRange.Start) {
		return nil, errs.New(errs.KindValidationError, "time_range.end must be >= start")
	}
	sensitivity := req.Sensitivity
	if sensitivity <= 0 {
		sensitivity = 1.0
	}
	interval := req.BucketInterval
	if interval <= 0 {
		interval = time.Hour
	}
	methods := req.Methods
	if len(methods) == 0 {
		methods = []Method{MethodVolume}
	}

	aggSpec := map[string]any{
		"by_time": map[string]any{
			"date_histogram": map[string]any{
				"field":          "@timestamp",
				"fixed_interval": durationToESInterval(interval),
			},
			"aggs": map[string]any{
				"high_severity": map[string]any{
					"filter": map[string]any{"terms": map[string]any{"event.severity": []string{"high", "critical"}}},
				},
				"distinct_sources": map[string]any{
					"cardinality": map[string]any{"field": "related.ip"},
				},
			},
		},
	}
	aggs, _, err := d.layer.QueryAggregation(ctx, req.TimeRange, nil, aggSpec)
	if err != nil {
		return nil, err
	}
	buckets := parseDateHistogramBuckets(aggs)
	if len(buckets) == 0 {
		return nil, errs.New(errs.KindNoSeedEvents, "no event buckets in the requested window")
	}

	results := make([]MethodResult, 0, len(methods))
	for _, m := range methods {
		series := seriesFor(m, buckets)
		results = append(results, scoreSeries(m, buckets, series, sensitivity))
	}
	return results, nil
}

type rawBucket struct {
	start           time.Time
	docCount        int
	highSeverity    int
	distinctSources int
}

func parseDateHistogramBuckets(aggs map[string]any) []rawBucket {
	byTime, ok := aggs["by_time"].(map[string]any)
	if !ok {
		return nil
	}
	rawBuckets, ok := byTime["buckets"].([]any)
	if !ok {
		return nil
	}
	out := make([]rawBucket, 0, len(rawBuckets))
	for _, b := range rawBuckets {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		rb := rawBucket{start: bucketTime(bm), docCount: intField(bm, "doc_count")}
		if hs, ok := bm["high_severity"].(map[string]any); ok {
			rb.highSeverity = intField(hs, "doc_count")
		}
		if ds, ok := bm["distinct_sources"].(map[string]any); ok {
			rb.distinctSources = intField(ds, "value")
		}
		out = append(out, rb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start.Before(out[j].start) })
	return out
}

func seriesFor(m Method, buckets []rawBucket) []float64 {
	out := make([]float64, len(buckets))
	var prevSources int
	for i, b := range buckets {
		switch m {
		case MethodSeverityMix:
			if b.docCount > 0 {
				out[i] = float64(b.highSeverity) / float64(b.docCount)
			}
		case MethodNewSourceBurst:
			delta := b.distinctSources - prevSources
			if delta < 0 {
				delta = 0
			}
			out[i] = float64(delta)
			prevSources = b.distinctSources
		default: // MethodVolume
			out[i] = float64(b.docCount)
		}
	}
	return out
}

func scoreSeries(m Method, buckets []rawBucket, series []float64, sensitivity float64) MethodResult {
	mean := computeMean(series)
	stddev := computeStdDev(series)
	percentiles := computePercentiles(series)
	threshold := 2.0 / sensitivity

	out := make([]Bucket, len(buckets))
	for i, b := range buckets {
		z := 0.0
		if stddev > 0 {
			z = (series[i] - mean) / stddev
		} else if series[i] != mean {
			z = math.Inf(1)
		}
		sev := severityFor(math.Abs(z), threshold)
		out[i] = Bucket{Start: b.start, Count: b.docCount, ZScore: z, Severity: sev, IsAnomaly: sev != SeverityNone}
	}
	return MethodResult{Method: m, Mean: mean, StdDev: stddev, Percentiles: percentiles, Buckets: out}
}

// severityFor mirrors the teacher's four fixed bands, scaled by the
// sensitivity-derived base threshold rather than the teacher's fixed 2.0.
func severityFor(absZ, threshold float64) Severity {
	switch {
	case absZ < threshold:
		return SeverityNone
	case absZ < threshold*1.25:
		return SeverityLow
	case absZ < threshold*1.5:
		return SeverityMedium
	case absZ < threshold*2:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

func computeMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func computeStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := computeMean(values)
	sumSqDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSqDiff += diff * diff
	}
	return math.Sqrt(sumSqDiff / float64(len(values)-1))
}

func computePercentiles(values []float64) map[int]float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return map[int]float64{
		5:  percentile(sorted, 5),
		25: percentile(sorted, 25),
		50: percentile(sorted, 50),
		75: percentile(sorted, 75),
		95: percentile(sorted, 95),
	}
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(p)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func durationToESInterval(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	case d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	default:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	}
}

func bucketTime(bm map[string]any) time.Time {
	if ms, ok := bm["key"].(float64); ok {
		return time.UnixMilli(int64(ms)).UTC()
	}
	return time.Time{}
}

func intField(m map[string]any, field string) int {
	v, ok := m[field].(float64)
	if !ok {
		return 0
	}
	return int(v)
}
