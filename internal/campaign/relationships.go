package campaign

import (
	"strconv"

	"github.com/dshield/mcp-analytics/internal/model"
)

// DeriveRelationships walks a completed campaign's event set and produces
// the IndicatorRelationship edges that feed the Graph expand_indicators
// traverses: same-subnet (IPv4 /24) and same-ASN edges between source IPs,
// and a temporal-cluster edge between any two source IPs whose first
// events land in the same TemporalWindowWidth bucket. Each source IP is
// grouped by its first event in c.Events only, and subnetMaskBits is not
// consulted. This is evidence already implicit
// in a Campaign's events, turned into the explicit edge shape §4.3
// describes for BuildGraph/Expand.
func DeriveRelationships(c model.Campaign, subnetMaskBits int, windowWidth int64) []model.IndicatorRelationship {
	var ips []string
	seen := map[string]bool{}
	bySubnet := map[string][]string{}
	byASN := map[string][]string{}
	byWindow := map[int64][]string{}

	for _, ev := range c.Events {
		ip := derefOr(ev.SourceIP)
		if ip == "" || seen[ip] {
			continue
		}
		seen[ip] = true
		ips = append(ips, ip)

		if sn := subnet24(ip); sn != "" {
			bySubnet[sn] = append(bySubnet[sn], ip)
		}
		if ev.ASN != "" {
			byASN[ev.ASN] = append(byASN[ev.ASN], ip)
		}
		if windowWidth > 0 {
			bucket := ev.Timestamp.Unix() / windowWidth
			byWindow[bucket] = append(byWindow[bucket], ip)
		}
	}

	byWindowStr := make(map[string][]string, len(byWindow))
	for bucket, members := range byWindow {
		byWindowStr[strconv.FormatInt(bucket, 10)] = members
	}

	var out []model.IndicatorRelationship
	out = append(out, pairwise(bySubnet, model.RelationSameSubnet, 0.7)...)
	out = append(out, pairwise(byASN, model.RelationSameASN, 0.6)...)
	out = append(out, pairwise(byWindowStr, model.RelationTemporalCluster, 0.5)...)
	return out
}

// pairwise emits a symmetric-in-meaning (stored as two directed edges)
// relationship between every distinct pair of indicators sharing a group
// key, capped so a huge group doesn't produce a quadratic edge blowup.
func pairwise(groups map[string][]string, relation model.RelationType, confidence float64) []model.IndicatorRelationship {
	const maxGroupMembers = 50
	var out []model.IndicatorRelationship
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		if len(members) > maxGroupMembers {
			members = members[:maxGroupMembers]
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				out = append(out,
					model.IndicatorRelationship{SourceIndicator: members[i], RelatedIndicator: members[j], RelationType: relation, Confidence: confidence},
					model.IndicatorRelationship{SourceIndicator: members[j], RelatedIndicator: members[i], RelationType: relation, Confidence: confidence},
				)
			}
		}
	}
	return out
}

// BuildGraph constructs a Graph populated with the derived relationships
// for one campaign, ready for Expand.
func BuildGraph(c model.Campaign, subnetMaskBits int, windowWidth int64) *Graph {
	g := NewGraph()
	for _, rel := range DeriveRelationships(c, subnetMaskBits, windowWidth) {
		g.AddRelationship(rel)
	}
	return g
}
