package server

import (
	"time"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
)

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argStringDefault(args map[string]any, key, def string) string {
	if s, ok := argString(args, key); ok && s != "" {
		return s
	}
	return def
}

func argFloat(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func argIntDefault(args map[string]any, key string, def int) int {
	if f, ok := argFloat(args, key); ok {
		return int(f)
	}
	return def
}

func argFloatDefault(args map[string]any, key string, def float64) float64 {
	if f, ok := argFloat(args, key); ok {
		return f
	}
	return def
}

func argBoolDefault(args map[string]any, key string, def bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func argStringSlice(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// argTimeRangeHours builds a model.TimeRange ending now, spanning the
// requested number of hours. time_range_hours is how every required tool
// in §6 expresses its window — there is no absolute-timestamp variant in
// the tool surface.
func argTimeRangeHours(args map[string]any, key string, def float64) model.TimeRange {
	hours := argFloatDefault(args, key, def)
	end := time.Now().UTC()
	return model.TimeRange{Start: end.Add(-time.Duration(hours * float64(time.Hour))), End: end}
}

// argFilters translates the tool-surface "filters" argument (a map of
// user_field -> scalar | list | {operator: value}) into []model.QueryFilter,
// per §4.2's filter semantics: arrays always become terms/"in", scalars
// become "eq", and an object maps explicit operator names (any valid
// model.Operator) to values, yielding one filter per key.
func argFilters(args map[string]any, key string) ([]model.QueryFilter, error) {
	v, ok := args[key]
	if !ok {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, errs.Newf(errs.KindInvalidRequest, "%q must be an object", key)
	}

	var out []model.QueryFilter
	for field, value := range raw {
		switch val := value.(type) {
		case []any:
			out = append(out, model.QueryFilter{Field: field, Operator: model.OpIn, Value: val})
		case map[string]any:
			for opName, opVal := range val {
				op := model.Operator(opName)
				if !op.Valid() {
					return nil, errs.Newf(errs.KindInvalidRequest, "filters.%s: unknown operator %q", field, opName)
				}
				out = append(out, model.QueryFilter{Field: field, Operator: op, Value: opVal})
			}
		default:
			out = append(out, model.QueryFilter{Field: field, Operator: model.OpEq, Value: val})
		}
	}
	return out, nil
}

func methodsFromStrings(names []string) []model.CorrelationMethod {
	out := make([]model.CorrelationMethod, len(names))
	for i, n := range names {
		out[i] = model.CorrelationMethod(n)
	}
	return out
}
