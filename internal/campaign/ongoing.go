package campaign

import (
	"context"
	"sort"
	"time"

	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/siem"
)

// OngoingGroup is one connected component detected by
// detect_ongoing_campaigns.
type OngoingGroup struct {
	Events          []model.SecurityEvent `json:"events"`
	GroupConfidence float64               `json:"group_confidence"`
}

// DetectOngoingCampaigns scans recent events (not seeded by an analyst)
// within window, groups them into connected components by shared source
// IP (the cheapest correlation signal available without running the full
// five-stage pipeline per component), and returns components meeting the
// minimum size and confidence thresholds.
func (e *Engine) DetectOngoingCampaigns(ctx context.Context, window time.Duration, minEvents int, correlationThreshold float64) ([]OngoingGroup, error) {
	now := time.Now()
	resp, err := e.layer.QueryEvents(ctx, siem.QueryEventsRequest{
		TimeRange: model.TimeRange{Start: now.Add(-window), End: now},
		Page:      intPtr(1),
		PageSize:  maxSeedEvents(e.cfg.PerStageEventBudget),
		SortDesc:  true,
	})
	if err != nil {
		return nil, err
	}

	components := groupByConnectedIP(resp.Events)

	var out []OngoingGroup
	for _, comp := range components {
		if len(comp) < minEvents {
			continue
		}
		confidence := groupConfidence(comp)
		if confidence < correlationThreshold {
			continue
		}
		out = append(out, OngoingGroup{Events: comp, GroupConfidence: confidence})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupConfidence > out[j].GroupConfidence })
	return out, nil
}

func groupByConnectedIP(events []model.SecurityEvent) [][]model.SecurityEvent {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] == x || parent[x] == "" {
			parent[x] = x
			return x
		}
		parent[x] = find(parent[x])
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	byIP := make(map[string][]model.SecurityEvent)
	for _, ev := range events {
		src := derefOr(ev.SourceIP)
		dst := derefOr(ev.DestinationIP)
		if src != "" {
			find(src)
			byIP[src] = append(byIP[src], ev)
		}
		if dst != "" {
			find(dst)
		}
		if src != "" && dst != "" {
			union(src, dst)
		}
	}

	groups := make(map[string][]model.SecurityEvent)
	for ip, evs := range byIP {
		root := find(ip)
		groups[root] = append(groups[root], evs...)
	}
	out := make([][]model.SecurityEvent, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	return out
}

func groupConfidence(events []model.SecurityEvent) float64 {
	ipSet := make(map[string]struct{})
	for _, e := range events {
		if ip := derefOr(e.SourceIP); ip != "" {
			ipSet[ip] = struct{}{}
		}
	}
	if len(ipSet) == 0 {
		return 0
	}
	// Denser groups (more events per distinct source IP) are scored more
	// confident, capped at 1.
	density := float64(len(events)) / float64(len(ipSet))
	score := density / (density + 2)
	return score
}
