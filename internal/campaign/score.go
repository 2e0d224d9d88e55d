package campaign

import "github.com/dshield/mcp-analytics/internal/model"

// ScoreCampaign computes the sophistication heuristic: a weighted
// combination of distinct ASNs, distinct attack vectors, duration, and
// presence of multi-stage behavioral signatures, normalized to [0,1].
// Grounded on the teacher's root-cause confidence heuristic shape
// (several bounded bonuses summed and capped), generalized to this
// domain's signals.
func ScoreCampaign(c model.Campaign) float64 {
	asns := make(map[string]struct{})
	for _, e := range c.Events {
		if e.ASN != "" {
			asns[e.ASN] = struct{}{}
		}
	}
	asnScore := bounded(float64(len(asns))/5.0, 0.3)
	vectorScore := bounded(float64(len(c.AttackVectors))/5.0, 0.3)

	durationHours := c.EndTime.Sub(c.StartTime).Hours()
	durationScore := bounded(durationHours/72.0, 0.2)

	behavioralScore := 0.0
	if _, ok := c.CorrelationMethodsUsed[model.MethodBehavioralMatch]; ok {
		behavioralScore = 0.2
	}

	total := asnScore + vectorScore + durationScore + behavioralScore
	if total > 1 {
		total = 1
	}
	return total
}

func bounded(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	if v < 0 {
		return 0
	}
	return v
}
