package server

import (
	"context"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dshield/mcp-analytics/internal/anomaly"
	"github.com/dshield/mcp-analytics/internal/campaign"
	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/report"
	"github.com/dshield/mcp-analytics/internal/resilience"
	"github.com/dshield/mcp-analytics/internal/siem"
	"github.com/dshield/mcp-analytics/internal/tools"
)

// RegisterAll wires svc's subsystems into reg as the server's tool
// surface. Each tool's InputSchema is what Registry.Execute validates
// args against before the handler ever runs.
func RegisterAll(reg *tools.Registry, svc *Services) {
	reg.Register(queryEventsTool(svc))
	reg.Register(streamEventsTool(svc))
	reg.Register(streamSessionTool(svc))
	reg.Register(analyzeCampaignTool(svc))
	reg.Register(expandCampaignIndicatorsTool(svc))
	reg.Register(getCampaignTimelineTool(svc))
	reg.Register(detectOngoingCampaignsTool(svc))
	reg.Register(detectAnomaliesTool(svc))
	reg.Register(enrichIPTool(svc))
	reg.Register(generateReportTool(svc))
	reg.Register(healthStatusTool(svc))
	reg.Register(dataDictionaryTool(svc))
}

func queryEventsTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "query_dshield_events",
			Description: "Query normalized DShield security events within a time window, with optional filters, pagination, and result optimization.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"time_range_hours":      {Type: "number", Description: "Window width in hours, ending now."},
					"filters":               {Type: "object", Description: "Map of user_field -> scalar | list | {operator: value}."},
					"fields":                {Type: "array", Items: &tools.PropertySchema{Type: "string"}},
					"page":                  {Type: "number"},
					"page_size":             {Type: "number"},
					"cursor":                {Type: "string"},
					"sort_by":               {Type: "string"},
					"sort_order":            {Type: "string", Enum: []string{"asc", "desc"}},
					"optimization":          {Type: "string", Enum: []string{"none", "auto", "aggressive"}},
					"fallback_strategy":     {Type: "string", Enum: []string{"error", "aggregate", "sample"}},
					"max_result_size_mb":    {Type: "number", Description: "Advisory cap; the query layer's configured byte budget still governs the optimization ladder."},
					"query_timeout_seconds": {Type: "number", Description: "Deadline for this call as a whole; it can only shorten the configured timeouts, which still apply within it."},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			filters, err := argFilters(args, "filters")
			if err != nil {
				return tools.CallToolResult{}, err
			}
			req := siem.QueryEventsRequest{
				TimeRange:    argTimeRangeHours(args, "time_range_hours", 24),
				Filters:      filters,
				Fields:       argStringSlice(args, "fields"),
				PageSize:     argIntDefault(args, "page_size", 50),
				SortField:    argStringDefault(args, "sort_by", ""),
				SortDesc:     argStringDefault(args, "sort_order", "desc") != "asc",
				Optimization: model.OptimizationLevel(argStringDefault(args, "optimization", string(model.OptimizationAuto))),
				Fallback:     model.FallbackStrategy(argStringDefault(args, "fallback_strategy", string(model.FallbackAggregate))),
			}
			if s, ok := argString(args, "cursor"); ok {
				req.Cursor = &s
			} else {
				p := argIntDefault(args, "page", 1)
				req.Page = &p
			}
			if secs, ok := argFloat(args, "query_timeout_seconds"); ok {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
				defer cancel()
			}
			resp, err := svc.Query.QueryEvents(ctx, req)
			if err != nil {
				return tools.CallToolResult{}, err
			}
			observeQueryMetrics(svc, resp.PerfMetrics)
			return tools.NewJSONResult(resp), nil
		},
	}
}

func observeQueryMetrics(svc *Services, pm model.PerfMetrics) {
	if svc.Metrics == nil {
		return
	}
	svc.Metrics.QueryDuration.WithLabelValues(string(pm.QueryComplexity)).Observe(float64(pm.QueryTimeMS) / 1000)
	svc.Metrics.QueryCacheHits.WithLabelValues(strconv.FormatBool(pm.CacheHit)).Inc()
	for _, step := range pm.OptimizationApplied {
		svc.Metrics.OptimizationApplied.WithLabelValues(step).Inc()
	}
}

func streamEventsTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "stream_dshield_events",
			Description: "Pull the next chunk of events for a time window without session grouping, resuming an in-flight stream_id if supplied.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"stream_id":        {Type: "string", Description: "Omit to start a new stream."},
					"time_range_hours": {Type: "number"},
					"filters":          {Type: "object"},
					"fields":           {Type: "array", Items: &tools.PropertySchema{Type: "string"}},
					"chunk_size":       {Type: "number"},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			streamID, hasID := argString(args, "stream_id")

			var s *siem.Stream
			if hasID {
				found, ok := svc.Streams.Lookup(streamID)
				if !ok {
					return tools.CallToolResult{}, siem.ErrStreamNotFound
				}
				s = found
			} else {
				filters, err := argFilters(args, "filters")
				if err != nil {
					return tools.CallToolResult{}, err
				}
				streamID = ulid.Make().String()
				req := siem.QueryEventsRequest{
					TimeRange: argTimeRangeHours(args, "time_range_hours", 24),
					Filters:   filters,
					Fields:    argStringSlice(args, "fields"),
					SortDesc:  true,
				}
				cfg := siem.StreamConfig{ChunkSize: argIntDefault(args, "chunk_size", 0), TTL: svc.Config.Query.StreamIDTTL}
				s = svc.Query.NewStream(req, cfg, streamID)
				svc.Streams.Register(s)
			}

			events, total, nextCursor, err := s.Next(ctx)
			if err != nil {
				return tools.CallToolResult{}, err
			}
			return tools.NewJSONResult(map[string]any{
				"stream_id":   streamID,
				"events":      events,
				"total_count": total,
				"next_cursor": nextCursor,
				"has_more":    nextCursor != nil,
			}), nil
		},
	}
}

func streamSessionTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "stream_dshield_events_with_session_context",
			Description: "Pull the next session-grouped chunk of events for a time window, resuming an in-flight stream_id if supplied.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"stream_id":          {Type: "string", Description: "Omit to start a new stream."},
					"time_range_hours":   {Type: "number"},
					"filters":            {Type: "object"},
					"chunk_size":         {Type: "number"},
					"session_fields":     {Type: "array", Items: &tools.PropertySchema{Type: "string"}},
					"max_session_gap_minutes": {Type: "number"},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			streamID, hasID := argString(args, "stream_id")

			var ss *siem.SessionStream
			if hasID {
				s, ok := svc.SessionStreams.Lookup(streamID)
				if !ok {
					return tools.CallToolResult{}, siem.ErrStreamNotFound
				}
				ss = s
			} else {
				filters, err := argFilters(args, "filters")
				if err != nil {
					return tools.CallToolResult{}, err
				}
				streamID = ulid.Make().String()
				req := siem.QueryEventsRequest{
					TimeRange: argTimeRangeHours(args, "time_range_hours", 24),
					Filters:   filters,
					SortDesc:  true,
				}
				cfg := siem.StreamConfig{ChunkSize: argIntDefault(args, "chunk_size", 0), TTL: svc.Config.Query.StreamIDTTL}
				var maxGap time.Duration
				if mins, ok := argFloat(args, "max_session_gap_minutes"); ok {
					maxGap = time.Duration(mins * float64(time.Minute))
				}
				ss = svc.Query.NewSessionStream(req, cfg, streamID, argStringSlice(args, "session_fields"), maxGap)
				svc.SessionStreams.Register(streamID, ss, svc.Config.Query.StreamIDTTL)
			}

			events, total, nextCursor, err := ss.Next(ctx)
			if err != nil {
				return tools.CallToolResult{}, err
			}
			return tools.NewJSONResult(map[string]any{
				"stream_id":    streamID,
				"events":       events,
				"total_count":  total,
				"has_more":     nextCursor != nil,
			}), nil
		},
	}
}

func analyzeCampaignTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "analyze_campaign",
			Description: "Correlate a set of seed indicators into a named attack campaign using IP, infrastructure, behavioral, and temporal correlation.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"seed_indicators":       {Type: "array", Items: &tools.PropertySchema{Type: "string"}},
					"time_range_hours":      {Type: "number"},
					"correlation_methods":   {Type: "array", Items: &tools.PropertySchema{Type: "string"}},
					"min_confidence":        {Type: "number"},
					"include_timeline":      {Type: "boolean"},
					"include_relationships": {Type: "boolean"},
				},
				Required: []string{"seed_indicators"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			req := campaign.AnalyzeRequest{
				SeedIndicators:       argStringSlice(args, "seed_indicators"),
				TimeRange:            argTimeRangeHours(args, "time_range_hours", 72),
				CorrelationMethods:   methodsFromStrings(argStringSlice(args, "correlation_methods")),
				MinConfidence:        argFloatDefault(args, "min_confidence", 0),
				IncludeTimeline:      argBoolDefault(args, "include_timeline", true),
				IncludeRelationships: argBoolDefault(args, "include_relationships", true),
			}
			c, err := svc.Campaigns.AnalyzeCampaign(ctx, req)
			if err != nil {
				return tools.CallToolResult{}, err
			}
			svc.CampaignStore.Put(c)

			result := map[string]any{"campaign": c}
			if req.IncludeTimeline {
				result["timeline"] = campaign.BuildTimeline(c.Events, model.GranularityHourly, 5)
			}
			if req.IncludeRelationships {
				cfg := svc.Campaigns.Config()
				windowSeconds := int64(cfg.TemporalWindowWidth / time.Second)
				result["relationships"] = campaign.DeriveRelationships(c, cfg.SubnetMaskBits, windowSeconds)
			}
			return tools.NewJSONResult(result), nil
		},
	}
}

func expandCampaignIndicatorsTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "expand_campaign_indicators",
			Description: "Expand a previously-analyzed campaign's indicator graph from its seed indicators, following relationship edges up to a bounded depth.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"campaign_id":        {Type: "string"},
					"expansion_strategy": {Type: "string", Enum: []string{"comprehensive", "infrastructure", "temporal"}},
					"expansion_depth":    {Type: "number"},
				},
				Required: []string{"campaign_id"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			campaignID, _ := argString(args, "campaign_id")
			c, ok := svc.CampaignStore.Get(campaignID)
			if !ok {
				return tools.CallToolResult{}, errs.Newf(errs.KindResourceNotFound, "unknown campaign_id %q", campaignID)
			}
			cfg := svc.Campaigns.Config()
			strategy := model.ExpansionStrategy(argStringDefault(args, "expansion_strategy", string(model.ExpansionComprehensive)))
			maxDepth := argIntDefault(args, "expansion_depth", cfg.MaxExpansionDepth)

			windowSeconds := int64(cfg.TemporalWindowWidth / time.Second)
			g := campaign.BuildGraph(c, cfg.SubnetMaskBits, windowSeconds)
			seeds := make([]string, 0, len(c.SeedIndicators))
			for s := range c.SeedIndicators {
				seeds = append(seeds, s)
			}
			relationships := g.Expand(seeds, strategy, maxDepth, cfg.PerLevelFanoutCap)
			return tools.NewJSONResult(map[string]any{
				"campaign_id":   campaignID,
				"relationships": relationships,
			}), nil
		},
	}
}

func getCampaignTimelineTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "get_campaign_timeline",
			Description: "Build a bucketed timeline of events for a previously-analyzed campaign.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"campaign_id": {Type: "string"},
					"granularity": {Type: "string", Enum: []string{"minute", "hourly", "daily"}},
					"sample_size": {Type: "number"},
				},
				Required: []string{"campaign_id"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			campaignID, _ := argString(args, "campaign_id")
			c, ok := svc.CampaignStore.Get(campaignID)
			if !ok {
				return tools.CallToolResult{}, errs.Newf(errs.KindResourceNotFound, "unknown campaign_id %q", campaignID)
			}
			granularity := model.TimelineGranularity(argStringDefault(args, "granularity", string(model.GranularityHourly)))
			buckets := campaign.BuildTimeline(c.Events, granularity, argIntDefault(args, "sample_size", 5))
			return tools.NewJSONResult(map[string]any{
				"campaign_id": campaignID,
				"buckets":     buckets,
			}), nil
		},
	}
}

func detectOngoingCampaignsTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "detect_ongoing_campaigns",
			Description: "Scan recent events for unseeded activity clusters: connected components of correlated events meeting minimum size and confidence thresholds.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"window_hours":          {Type: "number"},
					"min_events":            {Type: "number"},
					"correlation_threshold": {Type: "number"},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			window := time.Duration(argFloatDefault(args, "window_hours", 24)) * time.Hour
			groups, err := svc.Campaigns.DetectOngoingCampaigns(ctx, window,
				argIntDefault(args, "min_events", 10),
				argFloatDefault(args, "correlation_threshold", 0.5))
			if err != nil {
				return tools.CallToolResult{}, err
			}
			return tools.NewJSONResult(map[string]any{"campaigns": groups}), nil
		},
	}
}

func detectAnomaliesTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureSIEM},
		Definition: tools.Tool{
			Name:        "detect_statistical_anomalies",
			Description: "Detect statistical anomalies (volume, severity mix, new-source bursts) in event buckets over a time window.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"time_range_hours":       {Type: "number"},
					"anomaly_methods":        {Type: "array", Items: &tools.PropertySchema{Type: "string"}},
					"sensitivity":            {Type: "number"},
					"bucket_interval_minutes": {Type: "number"},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			methodNames := argStringSlice(args, "anomaly_methods")
			methods := make([]anomaly.Method, 0, len(methodNames))
			for _, m := range methodNames {
				methods = append(methods, anomaly.Method(m))
			}
			req := anomaly.Request{
				TimeRange:      argTimeRangeHours(args, "time_range_hours", 24),
				Methods:        methods,
				Sensitivity:    argFloatDefault(args, "sensitivity", 1.0),
				BucketInterval: time.Duration(argFloatDefault(args, "bucket_interval_minutes", 60)) * time.Minute,
			}
			results, err := svc.Anomaly.Detect(ctx, req)
			if err != nil {
				return tools.CallToolResult{}, err
			}
			return tools.NewJSONResult(results), nil
		},
	}
}

func enrichIPTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassToolExecution,
		RequiredFeatures: []string{FeatureThreatIntel},
		Definition: tools.Tool{
			Name:        "enrich_ip_with_dshield",
			Description: "Enrich an IP address with multi-source threat intelligence, merged by confidence weighting.",
			InputSchema: tools.InputSchema{
				Type:       "object",
				Properties: map[string]tools.PropertySchema{"ip_address": {Type: "string"}},
				Required:   []string{"ip_address"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			ip, _ := argString(args, "ip_address")
			result, err := svc.ThreatIntel.EnrichIP(ctx, ip)
			if err != nil {
				return tools.CallToolResult{}, err
			}
			return tools.NewJSONResult(result), nil
		},
	}
}

func generateReportTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		TimeoutClass:     resilience.ClassResourceAccess,
		RequiredFeatures: []string{FeatureReport},
		Definition: tools.Tool{
			Name:        "generate_attack_report",
			Description: "Render a structured attack report from either a flat event query or a previously-analyzed campaign.",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]tools.PropertySchema{
					"title":            {Type: "string"},
					"campaign_id":      {Type: "string", Description: "If set, report is built from this campaign instead of a fresh query or events list."},
					"events":           {Type: "array", Description: "Raw event documents to report on directly, bypassing both the campaign store and a fresh query.", Items: &tools.PropertySchema{Type: "object"}},
					"time_range_hours": {Type: "number"},
					"filters":          {Type: "object"},
					"template":         {Type: "string"},
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			title := argStringDefault(args, "title", "DShield Attack Report")
			template := argStringDefault(args, "template", "default")
			data, err := buildReportData(ctx, svc, args, title)
			if err != nil {
				return tools.CallToolResult{}, err
			}
			path, err := svc.Renderer.Compile(data, template)
			if err != nil {
				return tools.CallToolResult{}, errs.Wrap(errs.KindExternalServiceError, "report render failed", err)
			}
			return tools.NewJSONResult(map[string]any{"artifact_path": path}), nil
		},
	}
}

// buildReportData assembles a report.ReportData from, in order of
// precedence, a previously stored campaign (campaign_id set), an inline
// events list, or a fresh event query over time_range_hours/filters,
// mirroring generate_attack_report's three input forms.
func buildReportData(ctx context.Context, svc *Services, args map[string]any, title string) (report.ReportData, error) {
	if campaignID, ok := argString(args, "campaign_id"); ok && campaignID != "" {
		c, ok := svc.CampaignStore.Get(campaignID)
		if !ok {
			return report.ReportData{}, errs.Newf(errs.KindResourceNotFound, "unknown campaign_id %q", campaignID)
		}
		return report.BuildFromCampaign(title, c, time.Now().UTC()), nil
	}

	if raw, ok := args["events"].([]any); ok {
		events := make([]model.SecurityEvent, 0, len(raw))
		for i, item := range raw {
			doc, ok := item.(map[string]any)
			if !ok {
				return report.ReportData{}, errs.Newf(errs.KindInvalidParams, "events[%d] must be an object", i)
			}
			events = append(events, siem.ParseSecurityEvent(svc.Mapper, siem.Hit{ID: argStringDefault(doc, "id", ""), Source: doc}))
		}
		return report.BuildFromEvents(title, events, time.Now().UTC()), nil
	}

	filters, err := argFilters(args, "filters")
	if err != nil {
		return report.ReportData{}, err
	}
	resp, err := svc.Query.QueryEvents(ctx, siem.QueryEventsRequest{
		TimeRange: argTimeRangeHours(args, "time_range_hours", 24),
		Filters:   filters,
		PageSize:  1000,
		Page:      intPtr(1),
		SortDesc:  true,
	})
	if err != nil {
		return report.ReportData{}, err
	}
	return report.BuildFromEvents(title, resp.Events, time.Now().UTC()), nil
}

func intPtr(i int) *int { return &i }

func healthStatusTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		Definition: tools.Tool{
			Name:        "get_health_status",
			Description: "Report the current circuit-breaker state of every backend and the recent error-rate aggregation.",
			InputSchema: tools.InputSchema{Type: "object", Properties: map[string]tools.PropertySchema{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			return tools.NewJSONResult(map[string]any{
				"breakers":     svc.Breakers.Snapshot(),
				"recent_errors": svc.Errors.Snapshot(),
			}), nil
		},
	}
}

func dataDictionaryTool(svc *Services) tools.RegisteredTool {
	return tools.RegisteredTool{
		Definition: tools.Tool{
			Name:        "get_data_dictionary",
			Description: "List every user-visible field name the query layer and campaign engine accept, with candidate paths and examples.",
			InputSchema: tools.InputSchema{Type: "object", Properties: map[string]tools.PropertySchema{}},
		},
		Handler: func(ctx context.Context, args map[string]any) (tools.CallToolResult, error) {
			return tools.NewJSONResult(svc.Dictionary.Fields()), nil
		},
	}
}
