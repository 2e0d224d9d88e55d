package resilience

import (
	"strings"

	"github.com/dshield/mcp-analytics/internal/errs"
)

// CategorizeError maps an arbitrary collaborator error to an errs.Kind
// when the collaborator didn't already return an *errs.Error. Generalizes
// the teacher breaker's string-matching heuristic (rate-limit/bad-request/
// auth-failure detection) from LLM-vendor error strings to upstream
// HTTP/SIEM error strings.
func CategorizeError(err error) errs.Kind {
	if err == nil {
		return errs.KindExternalServiceError
	}
	if kind := errs.KindOf(err); kind != errs.KindInternal {
		return kind
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "rate limit", "429", "too many requests", "quota exceeded"):
		return errs.KindRateLimited
	case containsAny(lower, "context deadline exceeded", "timeout", "timed out"):
		return errs.KindTimeout
	case containsAny(lower, "400", "bad request", "invalid", "malformed"):
		return errs.KindValidationError
	case containsAny(lower, "401", "403", "unauthorized", "forbidden"):
		return errs.KindResourceAccessDenied
	case containsAny(lower, "404", "not found"):
		return errs.KindResourceNotFound
	default:
		return errs.KindExternalServiceError
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
