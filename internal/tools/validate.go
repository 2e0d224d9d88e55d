package tools

import (
	"github.com/dshield/mcp-analytics/internal/errs"
)

// ValidateArgs checks args against schema's required fields, each present
// field's declared JSON type, and each string field's enum list. It does
// not attempt full JSON Schema validation (no minimum/maximum/pattern) —
// the handlers themselves validate domain-level constraints such as time
// ranges and filter operators.
func ValidateArgs(schema InputSchema, args map[string]any) error {
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return errs.Newf(errs.KindInvalidParams, "missing required argument %q", req)
		}
	}
	for name, value := range args {
		prop, ok := schema.Properties[name]
		if !ok {
			continue // unknown extra arguments are ignored, not rejected
		}
		if !typeMatches(prop.Type, value) {
			return errs.Newf(errs.KindInvalidParams, "argument %q: expected %s", name, prop.Type)
		}
		if len(prop.Enum) > 0 {
			if s, ok := value.(string); ok && !containsStr(prop.Enum, s) {
				return errs.Newf(errs.KindInvalidParams, "argument %q: %q is not one of %v", name, s, prop.Enum)
			}
		}
	}
	return nil
}

func typeMatches(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
