package siem

import (
	"reflect"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/fieldmap"
	"github.com/dshield/mcp-analytics/internal/model"
)

// BuildFilterClauses translates QueryFilters into Elasticsearch bool
// clauses, resolving each filter's user-visible field into its candidate
// document paths via the field mapper. When a field has more than one
// candidate path, the clauses for that field are OR'd together inside a
// nested bool/should — this is a normal filter-construction detail and is
// NOT the forbidden composite-should pattern called out for campaign
// seed retrieval (stage S1 must issue separate queries per candidate
// path instead; see internal/campaign).
//
// Mapping invariant enforced here, not left to caller discipline: a
// filter whose Value is a slice always becomes a terms clause, never a
// term clause, even if the slice has exactly one element. Conflating the
// two was a documented historical bug class and must be impossible by
// construction.
func BuildFilterClauses(mapper *fieldmap.Mapper, filters []model.QueryFilter) ([]map[string]any, error) {
	clauses := make([]map[string]any, 0, len(filters))
	for _, f := range filters {
		if !f.Operator.Valid() {
			return nil, errs.Newf(errs.KindInvalidRequest, "unknown operator %q for field %q", f.Operator, f.Field)
		}
		paths, err := mapper.MapForQuery(f.Field)
		if err != nil {
			return nil, err
		}
		clause, err := buildClauseForPaths(paths, f)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func buildClauseForPaths(paths []string, f model.QueryFilter) (map[string]any, error) {
	if len(paths) == 1 {
		return buildClauseForPath(paths[0], f)
	}
	should := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		c, err := buildClauseForPath(p, f)
		if err != nil {
			return nil, err
		}
		should = append(should, c)
	}
	return map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}}, nil
}

func buildClauseForPath(path string, f model.QueryFilter) (map[string]any, error) {
	switch f.Operator {
	case model.OpEq:
		return termOrTerms(path, f.Value), nil
	case model.OpNeq:
		return map[string]any{"bool": map[string]any{"must_not": []map[string]any{termOrTerms(path, f.Value)}}}, nil
	case model.OpIn:
		return map[string]any{"terms": map[string]any{path: f.Value}}, nil
	case model.OpNotIn:
		return map[string]any{"bool": map[string]any{"must_not": []map[string]any{{"terms": map[string]any{path: f.Value}}}}}, nil
	case model.OpGt:
		return map[string]any{"range": map[string]any{path: map[string]any{"gt": f.Value}}}, nil
	case model.OpGte:
		return map[string]any{"range": map[string]any{path: map[string]any{"gte": f.Value}}}, nil
	case model.OpLt:
		return map[string]any{"range": map[string]any{path: map[string]any{"lt": f.Value}}}, nil
	case model.OpLte:
		return map[string]any{"range": map[string]any{path: map[string]any{"lte": f.Value}}}, nil
	case model.OpExists:
		return map[string]any{"exists": map[string]any{"field": path}}, nil
	case model.OpMissing:
		return map[string]any{"bool": map[string]any{"must_not": []map[string]any{{"exists": map[string]any{"field": path}}}}}, nil
	case model.OpContain:
		return map[string]any{"wildcard": map[string]any{path: map[string]any{"value": "*" + toString(f.Value) + "*"}}}, nil
	default:
		return nil, errs.Newf(errs.KindInvalidRequest, "unsupported operator %q", f.Operator)
	}
}

// BuildRawPathClauses translates filters whose Field is already a
// literal document path, bypassing the mapper's candidate expansion
// entirely. Campaign seed retrieval depends on this: stage S1 issues one
// query per candidate path and unions the results by id, so its filters
// must never be folded into a multi-path bool/should the way mapped
// user-field filters are.
func BuildRawPathClauses(filters []model.QueryFilter) ([]map[string]any, error) {
	clauses := make([]map[string]any, 0, len(filters))
	for _, f := range filters {
		if !f.Operator.Valid() {
			return nil, errs.Newf(errs.KindInvalidRequest, "unknown operator %q for path %q", f.Operator, f.Field)
		}
		clause, err := buildClauseForPath(f.Field, f)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

// termOrTerms enforces the scalar-vs-list mapping invariant: any slice
// value (even length 1) becomes "terms", any scalar becomes "term".
func termOrTerms(path string, value any) map[string]any {
	if isSliceLike(value) {
		return map[string]any{"terms": map[string]any{path: value}}
	}
	return map[string]any{"term": map[string]any{path: value}}
}

func isSliceLike(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
