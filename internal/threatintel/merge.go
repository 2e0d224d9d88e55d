package threatintel

import (
	"sort"

	"github.com/dshield/mcp-analytics/internal/model"
)

// mergeResults folds every successful SourceResult into one
// ThreatIntelResult. Numeric aggregates are trust-weighted means;
// categorical attribution (country, asn) uses majority vote broken by
// highest per-source trust; timestamps take the earliest first_seen and
// latest last_seen observed. confidenceScore is computed separately by
// the caller, since it also needs the queried/failed counts.
func mergeResults(results []SourceResult) model.ThreatIntelResult {
	out := model.ThreatIntelResult{PerSourceRaw: make(map[string]map[string]any)}
	if len(results) == 0 {
		return out
	}

	out.OverallThreatScore = weightedMean(results)
	out.Country = majorityVote(results, func(r SourceResult) string { return r.Country })
	out.ASN = majorityVote(results, func(r SourceResult) string { return r.ASN })

	tagSet := make(map[string]struct{})
	for _, r := range results {
		out.PerSourceRaw[r.Source] = r.Raw
		for _, t := range r.Tags {
			tagSet[t] = struct{}{}
		}
		if r.FirstSeen != nil && (out.FirstSeen == nil || r.FirstSeen.Before(*out.FirstSeen)) {
			fs := *r.FirstSeen
			out.FirstSeen = &fs
		}
		if r.LastSeen != nil && (out.LastSeen == nil || r.LastSeen.After(*out.LastSeen)) {
			ls := *r.LastSeen
			out.LastSeen = &ls
		}
	}
	out.Tags = sortedKeys(tagSet)
	return out
}

func weightedMean(results []SourceResult) float64 {
	var weightedSum, weightTotal float64
	for _, r := range results {
		w := r.Trust
		if w <= 0 {
			w = 0.1
		}
		weightedSum += w * r.ThreatScore
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

// majorityVote picks the value with the most source votes; ties are broken
// by the highest trust among the sources proposing the tied value. Empty
// values are not counted as votes.
func majorityVote(results []SourceResult, extract func(SourceResult) string) string {
	votes := make(map[string]int)
	maxTrust := make(map[string]float64)
	for _, r := range results {
		v := extract(r)
		if v == "" {
			continue
		}
		votes[v]++
		if r.Trust > maxTrust[v] {
			maxTrust[v] = r.Trust
		}
	}
	best := ""
	bestVotes := -1
	bestTrust := -1.0
	candidates := sortedKeysFromCount(votes)
	for _, v := range candidates {
		if votes[v] > bestVotes || (votes[v] == bestVotes && maxTrust[v] > bestTrust) {
			best = v
			bestVotes = votes[v]
			bestTrust = maxTrust[v]
		}
	}
	return best
}

// confidenceScore implements confidence_score = w*(succeeded/queried) +
// (1-w)*mean(per_source_confidence).
func confidenceScore(succeeded, queried int, perSourceConfidence []float64, w float64) float64 {
	if queried == 0 {
		return 0
	}
	successRatio := float64(succeeded) / float64(queried)
	meanConf := 0.0
	if len(perSourceConfidence) > 0 {
		sum := 0.0
		for _, c := range perSourceConfidence {
			sum += c
		}
		meanConf = sum / float64(len(perSourceConfidence))
	}
	return w*successRatio + (1-w)*meanConf
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysFromCount(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
