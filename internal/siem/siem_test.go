package siem

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
)

// fakeClient is an in-memory ElasticClient fixture: it holds a fixed set
// of documents, sorted once by @timestamp desc, and serves from/size or
// search_after pagination against that fixed snapshot.
type fakeClient struct {
	docs []map[string]any
}

func newFakeClientWithEvents(n int, base time.Time) *fakeClient {
	docs := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(-i) * time.Minute)
		docs[i] = map[string]any{
			"@timestamp": ts.Format(time.RFC3339),
			"event": map[string]any{"id": "ev-" + itoa(i)},
			"source": map[string]any{"ip": "10.0.0.1"},
		}
	}
	return &fakeClient{docs: docs}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func (f *fakeClient) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	size, _ := req.Body["size"].(int)
	from := 0
	if v, ok := req.Body["from"]; ok {
		from, _ = v.(int)
	}
	if searchAfter, ok := req.Body["search_after"]; ok {
		sa := searchAfter.([]any)
		id := sa[1].(string)
		for i, d := range f.docs {
			if d["event"].(map[string]any)["id"] == id {
				from = i + 1
				break
			}
		}
	}
	end := from + size
	if end > len(f.docs) {
		end = len(f.docs)
	}
	if from > len(f.docs) {
		from = len(f.docs)
	}
	hits := make([]Hit, 0, end-from)
	for i := from; i < end; i++ {
		d := f.docs[i]
		hits = append(hits, Hit{
			ID:     d["event"].(map[string]any)["id"].(string),
			Source: d,
			Sort:   []any{d["@timestamp"], d["event"].(map[string]any)["id"]},
		})
	}
	return SearchResponse{
		Hits:       SearchHits{Total: len(f.docs), Hits: hits},
		IndicesHit: []string{"dshield-2026.01.01"},
	}, nil
}

func testLayer(client ElasticClient) *Layer {
	mapper := fieldmap.New(map[string][]string{
		"source_ip": {"source.ip", "related.ip"},
	})
	cfg := Config{
		MaxWindow:                 30 * 24 * time.Hour,
		MaxPageSize:                1000,
		OptimizationFloorPageSize: 50,
		PageOffsetCursorThreshold:  1000,
		ResultSizeBudgetBytes:      100 * 1024 * 1024,
		DefaultSortField:           "@timestamp",
		StreamChunkSize:            500,
		StreamSoftCapOverflow:      0.2,
		DefaultMaxSessionGap:       30 * time.Minute,
	}
	return NewLayer(client, mapper, cfg, []string{"dshield-*"})
}

func TestQueryEvents_PaginationRoundTrip(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	client := newFakeClientWithEvents(250, base)
	layer := testLayer(client)

	pageSize := 100
	var allIDs []string
	page := 1
	for {
		resp, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
			TimeRange: model.TimeRange{Start: base.Add(-300 * time.Minute), End: base.Add(time.Minute)},
			Page:      &page,
			PageSize:  pageSize,
			SortDesc:  true,
		})
		require.NoError(t, err)
		for _, e := range resp.Events {
			allIDs = append(allIDs, e.ID)
		}
		if page == 1 {
			assert.Len(t, resp.Events, 100)
			assert.True(t, resp.PaginationMeta.HasNext)
		}
		if page == 3 {
			assert.Len(t, resp.Events, 50)
			assert.False(t, resp.PaginationMeta.HasNext)
			break
		}
		page++
	}
	assert.Len(t, allIDs, 250)
}

func TestQueryEvents_ExactlyOnePaginationModeRequired(t *testing.T) {
	layer := testLayer(newFakeClientWithEvents(10, time.Now()))
	page := 1
	cursor := "x"
	_, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange: model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		Page:      &page,
		Cursor:    &cursor,
	})
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidRequest, errs.KindOf(err))
}

func TestQueryEvents_CursorMismatchOnTamperedToken(t *testing.T) {
	layer := testLayer(newFakeClientWithEvents(10, time.Now()))
	page := 1
	resp, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange: model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		Page:      &page,
		PageSize:  5,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.PaginationMeta.NextCursor)

	tampered := []byte(*resp.PaginationMeta.NextCursor)
	tampered[len(tampered)-1] ^= 0x01
	tamperedStr := string(tampered)

	_, err = layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange: model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		Cursor:    &tamperedStr,
		PageSize:  5,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindCursorMismatch, errs.KindOf(err))
}

func TestQueryEvents_CursorBoundToFingerprint(t *testing.T) {
	layer := testLayer(newFakeClientWithEvents(10, time.Now()))
	page := 1
	resp, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange: model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		Page:      &page,
		PageSize:  5,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.PaginationMeta.NextCursor)

	// A structurally different query (a different time range) must reject
	// the same cursor with CursorMismatch.
	_, err = layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange: model.TimeRange{Start: time.Now().Add(-2 * time.Hour), End: time.Now()},
		Cursor:    resp.PaginationMeta.NextCursor,
		PageSize:  5,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindCursorMismatch, errs.KindOf(err))
}

func TestQueryEvents_TimeRangeInvariant(t *testing.T) {
	layer := testLayer(newFakeClientWithEvents(1, time.Now()))
	page := 1
	_, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange: model.TimeRange{Start: time.Now(), End: time.Now().Add(-time.Hour)},
		Page:      &page,
		PageSize:  5,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidationError, errs.KindOf(err))
}

// recordingClient captures every request body so tests can assert on the
// exact clause shapes the layer emits.
type recordingClient struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *recordingClient) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, req.Body)
	return SearchResponse{Hits: SearchHits{}, IndicesHit: []string{"dshield-*"}}, nil
}

func TestQueryEvents_RawPathFiltersBypassCandidateExpansion(t *testing.T) {
	rec := &recordingClient{}
	layer := testLayer(rec)

	page := 1
	_, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange:      model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		RawPathFilters: []model.QueryFilter{{Field: "related.ip", Operator: model.OpEq, Value: "1.2.3.4"}},
		Page:           &page,
		PageSize:       5,
	})
	require.NoError(t, err)
	require.Len(t, rec.bodies, 1)

	filter := rec.bodies[0]["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
	require.Len(t, filter, 1)
	term, ok := filter[0]["term"].(map[string]any)
	require.True(t, ok, "a raw-path filter must emit a plain term clause, never a bool/should over candidates")
	assert.Contains(t, term, "related.ip")
}

func TestQueryEvents_MappedFilterFoldsCandidatePaths(t *testing.T) {
	rec := &recordingClient{}
	layer := testLayer(rec)

	page := 1
	_, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange: model.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		Filters:   []model.QueryFilter{{Field: "source_ip", Operator: model.OpEq, Value: "1.2.3.4"}},
		Page:      &page,
		PageSize:  5,
	})
	require.NoError(t, err)
	require.Len(t, rec.bodies, 1)

	filter := rec.bodies[0]["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
	require.Len(t, filter, 1)
	_, folded := filter[0]["bool"]
	assert.True(t, folded, "a multi-candidate mapped filter folds its paths into one bool/should")
}

func TestQueryEvents_FallbackError(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	client := newFakeClientWithEvents(100, base)
	mapper := fieldmap.New(map[string][]string{"source_ip": {"source.ip"}})
	layer := NewLayer(client, mapper, Config{
		MaxWindow:                 30 * 24 * time.Hour,
		MaxPageSize:               1000,
		OptimizationFloorPageSize: 50,
		ResultSizeBudgetBytes:     64, // force the ladder to exhaust every step
	}, []string{"dshield-*"})

	page := 1
	_, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange:    model.TimeRange{Start: base.Add(-time.Hour), End: base},
		Page:         &page,
		PageSize:     100,
		Optimization: model.OptimizationAuto,
		Fallback:     model.FallbackError,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindResultTooLarge, errs.KindOf(err))
}

func TestQueryEvents_FallbackAggregateReturnsNoEvents(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	client := newFakeClientWithEvents(100, base)
	mapper := fieldmap.New(map[string][]string{"source_ip": {"source.ip"}})
	layer := NewLayer(client, mapper, Config{
		MaxWindow:                 30 * 24 * time.Hour,
		MaxPageSize:               1000,
		OptimizationFloorPageSize: 50,
		ResultSizeBudgetBytes:     64,
	}, []string{"dshield-*"})

	page := 1
	resp, err := layer.QueryEvents(context.Background(), QueryEventsRequest{
		TimeRange:    model.TimeRange{Start: base.Add(-time.Hour), End: base},
		Page:         &page,
		PageSize:     100,
		Optimization: model.OptimizationAuto,
		Fallback:     model.FallbackAggregate,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Events)
	assert.Equal(t, model.ComplexityAggregation, resp.PerfMetrics.QueryComplexity)
	assert.Contains(t, resp.PerfMetrics.OptimizationApplied, "fallback:aggregate")
}

func TestStream_PullsUntilExhausted(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	layer := testLayer(newFakeClientWithEvents(1000, base))
	stream := layer.NewStream(QueryEventsRequest{
		TimeRange: model.TimeRange{Start: base.Add(-2000 * time.Minute), End: base.Add(time.Minute)},
		SortDesc:  true,
	}, StreamConfig{ChunkSize: 500}, "stream-1")

	chunk1, total, cursor1, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunk1, 500)
	assert.Equal(t, 1000, total)
	require.NotNil(t, cursor1)

	chunk2, _, cursor2, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, chunk2, 500)
	assert.NotNil(t, cursor2)

	chunk3, _, cursor3, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chunk3)
	assert.Nil(t, cursor3)
}

func TestSessionStream_KeepsSessionsTogether(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := newFakeClientWithEvents(600, base)
	layer := testLayer(client)

	ss := layer.NewSessionStream(QueryEventsRequest{
		TimeRange: model.TimeRange{Start: base.Add(-1000 * time.Minute), End: base.Add(time.Minute)},
		SortDesc:  true,
	}, StreamConfig{ChunkSize: 500}, "sess-1", nil, 30*time.Minute)

	chunk, count, _, err := ss.Next(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, chunk)
	assert.Equal(t, len(chunk), count)
	for _, e := range chunk {
		assert.NotEmpty(t, e.SessionKey)
	}
}
