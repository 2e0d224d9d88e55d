package siem

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/fieldmap"
	"github.com/dshield/mcp-analytics/internal/model"
)

// Layer is the query layer: the single owner of Elasticsearch connection
// state (via ElasticClient), the field mapper, and the configured
// pagination/optimization/size-budget knobs.
type Layer struct {
	client ElasticClient
	mapper *fieldmap.Mapper
	cfg    Config
	indices []string
}

// Config mirrors config.QueryConfig's fields the query layer needs
// directly; kept as a narrow local type so this package does not import
// internal/config (avoiding a dependency from core logic onto the
// top-level config surface).
type Config struct {
	MaxWindow                 time.Duration
	MaxPageSize               int
	OptimizationFloorPageSize int
	PageOffsetCursorThreshold int
	ResultSizeBudgetBytes     int64
	DefaultSortField          string
	StreamChunkSize           int
	StreamSoftCapOverflow     float64
	DefaultMaxSessionGap      time.Duration
}

func NewLayer(client ElasticClient, mapper *fieldmap.Mapper, cfg Config, indices []string) *Layer {
	return &Layer{client: client, mapper: mapper, cfg: cfg, indices: indices}
}

// QueryEventsRequest is the full parameter set for query_events.
type QueryEventsRequest struct {
	TimeRange model.TimeRange
	Filters   []model.QueryFilter
	// RawPathFilters match literal document paths, bypassing the
	// mapper's candidate-path expansion (and its bool/should folding).
	// Used by campaign seed retrieval, which must query each candidate
	// path separately.
	RawPathFilters []model.QueryFilter
	Fields         []string
	Page        *int
	PageSize    int
	Cursor      *string
	SortField   string
	SortDesc    bool
	Optimization model.OptimizationLevel
	Fallback    model.FallbackStrategy
}

type QueryEventsResponse struct {
	Events         []model.SecurityEvent `json:"events"`
	PaginationMeta model.PaginationMeta  `json:"pagination_meta"`
	PerfMetrics    model.PerfMetrics     `json:"perf_metrics"`
	Aggregations   map[string]any        `json:"aggregations,omitempty"`
}

// QueryEvents implements the query layer's primary read operation,
// including field mapping, pagination mode selection, the optimization
// ladder, and perf-metrics construction.
func (l *Layer) QueryEvents(ctx context.Context, req QueryEventsRequest) (QueryEventsResponse, error) {
	start := time.Now()

	if req.TimeRange.End.Before(req.TimeRange.Start) {
		return QueryEventsResponse{}, errs.New(errs.KindValidationError, "time_range.end must be >= start")
	}
	if l.cfg.MaxWindow > 0 && req.TimeRange.End.Sub(req.TimeRange.Start) > l.cfg.MaxWindow {
		return QueryEventsResponse{}, errs.New(errs.KindValidationError, "time_range exceeds configured_max_window")
	}
	if (req.Page != nil) == (req.Cursor != nil) {
		return QueryEventsResponse{}, errs.New(errs.KindInvalidRequest, "exactly one of (page,page_size) or cursor must be provided")
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	maxPageSize := l.cfg.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = 1000
	}
	if pageSize > maxPageSize {
		return QueryEventsResponse{}, errs.Newf(errs.KindValidationError, "page_size %d exceeds max_page_size %d", pageSize, maxPageSize)
	}

	sortField := req.SortField
	if sortField == "" {
		sortField = l.cfg.DefaultSortField
		if sortField == "" {
			sortField = "@timestamp"
		}
	}

	allFilters := make([]model.QueryFilter, 0, len(req.Filters)+len(req.RawPathFilters))
	allFilters = append(allFilters, req.Filters...)
	allFilters = append(allFilters, req.RawPathFilters...)
	fingerprint := QueryFingerprint(req.TimeRange, allFilters, sortField, sortOrderString(req.SortDesc))

	var cursor *model.PaginationCursor
	if req.Cursor != nil {
		c, err := DecodeCursor(*req.Cursor, fingerprint)
		if err != nil {
			return QueryEventsResponse{}, err
		}
		cursor = &c
	} else if req.Page != nil && *req.Page > 1 {
		offset := (*req.Page - 1) * pageSize
		threshold := l.cfg.PageOffsetCursorThreshold
		if threshold <= 0 {
			threshold = 1000
		}
		if offset >= threshold {
			return QueryEventsResponse{}, errs.New(errs.KindInvalidRequest, "page offset beyond configured threshold: use a cursor instead")
		}
	}

	clauses, err := BuildFilterClauses(l.mapper, req.Filters)
	if err != nil {
		return QueryEventsResponse{}, err
	}
	rawClauses, err := BuildRawPathClauses(req.RawPathFilters)
	if err != nil {
		return QueryEventsResponse{}, err
	}
	clauses = append(clauses, rawClauses...)

	plan := ApplyOptimizationLadder(req.Optimization, req.Fallback, req.Fields, pageSize,
		optimizationFloor(l.cfg.OptimizationFloorPageSize), estimateHitsForBudget(pageSize), budgetOrDefault(l.cfg.ResultSizeBudgetBytes))

	if plan.FallbackInvoked == model.FallbackError {
		return QueryEventsResponse{}, errs.New(errs.KindResultTooLarge, "estimated result size exceeds configured budget")
	}

	timeClause := map[string]any{"range": map[string]any{"@timestamp": map[string]any{
		"gte": req.TimeRange.Start.UTC().Format(time.RFC3339),
		"lte": req.TimeRange.End.UTC().Format(time.RFC3339),
	}}}
	query := map[string]any{"bool": map[string]any{"filter": clauses, "must": []map[string]any{timeClause}}}
	if plan.FallbackInvoked == model.FallbackSample {
		// Deterministic sampling: the seed derives from the query
		// fingerprint, so re-running the same query samples the same
		// documents.
		query = map[string]any{"function_score": map[string]any{
			"query":        query,
			"random_score": map[string]any{"seed": fingerprintSeed(fingerprint), "field": "_seq_no"},
		}}
	}

	body := map[string]any{
		"query": query,
		"sort":  sortSpec(sortField, req.SortDesc),
		"size":  plan.PageSize,
	}
	if plan.FallbackInvoked == model.FallbackAggregate {
		body["aggs"] = map[string]any{"by_field": map[string]any{"terms": map[string]any{"field": sortField}}}
		body["size"] = 0
	} else if cursor != nil {
		body["search_after"] = []any{cursor.LastSortValue, cursor.TiebreakID}
	} else if req.Page != nil {
		body["from"] = (*req.Page - 1) * pageSize
	}

	resp, err := l.client.Search(ctx, SearchRequest{Index: l.indices, Body: body})
	if err != nil {
		return QueryEventsResponse{}, errs.Wrap(errs.KindExternalServiceError, "siem search failed", err)
	}

	events := make([]model.SecurityEvent, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		events = append(events, ParseSecurityEvent(l.mapper, h))
	}
	if len(resp.Hits.Hits) > 0 {
		// One representative document per response is enough operator
		// visibility into unmapped paths without per-hit log volume.
		l.mapper.LogUnmapped(resp.Hits.Hits[0].Source)
	}

	meta := model.PaginationMeta{
		TotalCount: resp.Hits.Total,
		PageSize:   plan.PageSize,
	}
	if req.Page != nil {
		meta.Page = req.Page
		meta.HasNext = (*req.Page)*plan.PageSize < resp.Hits.Total
	} else {
		meta.HasNext = len(events) == plan.PageSize
	}
	if meta.HasNext && len(resp.Hits.Hits) > 0 {
		last := resp.Hits.Hits[len(resp.Hits.Hits)-1]
		next := EncodeCursor(model.PaginationCursor{
			SortField:        sortField,
			LastSortValue:    sortValueString(last),
			TiebreakID:       last.ID,
			PageSize:         plan.PageSize,
			QueryFingerprint: fingerprint,
		})
		meta.NextCursor = &next
	}

	perf := model.PerfMetrics{
		QueryTimeMS:         time.Since(start).Milliseconds(),
		IndicesScanned:      len(resp.IndicesHit),
		DocumentsExamined:   len(resp.Hits.Hits),
		ShardsScanned:       resp.ShardsScanned,
		QueryComplexity:     ClassifyComplexity(plan.FallbackInvoked == model.FallbackAggregate, len(allFilters), plan.FallbackInvoked != ""),
		OptimizationApplied: plan.StepsApplied,
		CacheHit:            false,
	}

	return QueryEventsResponse{
		Events:         events,
		PaginationMeta: meta,
		PerfMetrics:    perf,
		Aggregations:   resp.Aggregations,
	}, nil
}

// QueryAggregation executes a bucket/metric aggregation without returning
// raw documents, sharing filter/mapping semantics with QueryEvents.
func (l *Layer) QueryAggregation(ctx context.Context, timeRange model.TimeRange, filters []model.QueryFilter, aggSpec map[string]any) (map[string]any, model.PerfMetrics, error) {
	start := time.Now()
	clauses, err := BuildFilterClauses(l.mapper, filters)
	if err != nil {
		return nil, model.PerfMetrics{}, err
	}
	timeClause := map[string]any{"range": map[string]any{"@timestamp": map[string]any{
		"gte": timeRange.Start.UTC().Format(time.RFC3339),
		"lte": timeRange.End.UTC().Format(time.RFC3339),
	}}}
	body := map[string]any{
		"query": map[string]any{"bool": map[string]any{"filter": clauses, "must": []map[string]any{timeClause}}},
		"size":  0,
		"aggs":  aggSpec,
	}
	resp, err := l.client.Search(ctx, SearchRequest{Index: l.indices, Body: body})
	if err != nil {
		return nil, model.PerfMetrics{}, errs.Wrap(errs.KindExternalServiceError, "siem aggregation failed", err)
	}
	perf := model.PerfMetrics{
		QueryTimeMS:     time.Since(start).Milliseconds(),
		ShardsScanned:   resp.ShardsScanned,
		QueryComplexity: model.ComplexityAggregation,
	}
	return resp.Aggregations, perf, nil
}

func sortOrderString(desc bool) string {
	if desc {
		return "desc"
	}
	return "asc"
}

func sortSpec(field string, desc bool) []map[string]any {
	order := "asc"
	if desc {
		order = "desc"
	}
	return []map[string]any{
		{field: map[string]any{"order": order}},
		{"_id": map[string]any{"order": "asc"}},
	}
}

func sortValueString(h Hit) string {
	if len(h.Sort) == 0 {
		return ""
	}
	switch v := h.Sort[0].(type) {
	case string:
		return v
	case float64:
		// @timestamp sort values arrive as epoch millis.
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}

// fingerprintSeed folds the query fingerprint into the integer seed the
// sampling rewrite feeds to random_score.
func fingerprintSeed(fingerprint string) int64 {
	var seed int64
	for _, b := range []byte(fingerprint) {
		seed = seed*31 + int64(b)
	}
	if seed < 0 {
		seed = -seed
	}
	return seed
}

func optimizationFloor(floor int) int {
	if floor <= 0 {
		return 50
	}
	return floor
}

func budgetOrDefault(budget int64) int64 {
	if budget <= 0 {
		return 25 * 1024 * 1024
	}
	return budget
}

// estimateHitsForBudget is a placeholder pre-flight estimate; a real
// ElasticClient implementation would issue a `_count` request first. The
// query layer's contract only requires the ladder to be exercised
// deterministically given a page size, which this satisfies.
func estimateHitsForBudget(pageSize int) int {
	return pageSize
}
