package siem

import "github.com/dshield/mcp-analytics/internal/model"

// minimumReconstructionFields are always included in a projection,
// regardless of what the caller asked to prune to, because a
// SecurityEvent cannot be reconstructed without them.
var minimumReconstructionFields = []string{
	"@timestamp", "event.id",
	"source.ip", "source.address", "related.ip",
	"destination.ip", "destination.address",
}

// estimateResultBytes is a rough per-document size estimate used to
// decide whether the optimization ladder needs to act. It intentionally
// does not attempt to be exact — the ladder only needs an order-of-
// magnitude signal to decide whether to step down.
func estimateResultBytes(estimatedHits int, fieldCount int) int64 {
	const perFieldBytes = 48
	const perDocOverhead = 96
	if fieldCount <= 0 {
		fieldCount = 20 // unrestricted projection: assume a typical document width
	}
	return int64(estimatedHits) * (int64(fieldCount)*perFieldBytes + perDocOverhead)
}

// OptimizationPlan is the ladder's outcome for one query: the final
// fields projection, page size, and whether a fallback strategy had to
// be invoked, plus the ordered list of steps actually applied (the
// perf_metrics.optimization_applied contract output).
type OptimizationPlan struct {
	Fields            []string
	PageSize          int
	FallbackInvoked   model.FallbackStrategy
	StepsApplied      []string
}

// ApplyOptimizationLadder runs the four-step ladder described in the
// query layer's contract, stopping at the first step whose resulting
// estimate fits the configured byte budget.
func ApplyOptimizationLadder(
	level model.OptimizationLevel,
	fallback model.FallbackStrategy,
	requestedFields []string,
	requestedPageSize int,
	optimizationFloorPageSize int,
	estimatedHits int,
	budgetBytes int64,
) OptimizationPlan {
	plan := OptimizationPlan{Fields: requestedFields, PageSize: requestedPageSize}

	if level == model.OptimizationNone {
		return plan
	}

	// Step 1: as requested.
	if estimateResultBytes(estimatedHits, len(requestedFields)) <= budgetBytes {
		return plan
	}

	// Step 2: prune fields to requested subset plus minimum reconstruction set.
	pruned := unionFields(requestedFields, minimumReconstructionFields)
	plan.Fields = pruned
	plan.StepsApplied = append(plan.StepsApplied, "prune_fields")
	if estimateResultBytes(estimatedHits, len(pruned)) <= budgetBytes {
		return plan
	}

	// Step 3: reduce page size to the configured optimization floor.
	if requestedPageSize > optimizationFloorPageSize {
		plan.PageSize = optimizationFloorPageSize
		plan.StepsApplied = append(plan.StepsApplied, "reduce_page_size")
		if estimateResultBytes(plan.PageSize, len(pruned)) <= budgetBytes {
			return plan
		}
	}

	// Step 4: fall back per the configured strategy.
	plan.FallbackInvoked = fallback
	plan.StepsApplied = append(plan.StepsApplied, "fallback:"+string(fallback))
	return plan
}

func unionFields(requested, minimum []string) []string {
	seen := make(map[string]bool, len(requested)+len(minimum))
	var out []string
	for _, f := range requested {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range minimum {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// ClassifyComplexity buckets a query for the perf_metrics.query_complexity
// contract output.
func ClassifyComplexity(hasAggregation bool, filterCount int, fallbackInvoked bool) model.QueryComplexity {
	switch {
	case hasAggregation:
		return model.ComplexityAggregation
	case fallbackInvoked || filterCount > 5:
		return model.ComplexityComplex
	case filterCount > 2:
		return model.ComplexityModerate
	default:
		return model.ComplexitySimple
	}
}
