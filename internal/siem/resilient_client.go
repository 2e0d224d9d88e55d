package siem

import (
	"context"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/resilience"
)

// ResilientClient wraps an ElasticClient with the breaker+retry portion of
// the resilience substrate, so every Search call crossing into the
// backing store is subject to the same per-service circuit breaker and
// bounded retry the spec requires at every external-service boundary.
// Construction-time errors (bad field names, bad operators — already
// surfaced as KindInvalidRequest/KindValidationError before Search is
// ever called) never reach this type, matching §4.2's "request-
// construction errors fail fast without consuming a breaker credit."
type ResilientClient struct {
	inner   ElasticClient
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	timeout resilience.TimeoutTable
}

// NewResilientClient wraps inner with breaker (pulled from the shared
// registry under the name "siem"), retry, and the external_service
// timeout envelope, per §4.2/§4.5.
func NewResilientClient(inner ElasticClient, breaker *resilience.Breaker, retry resilience.RetryConfig, timeout resilience.TimeoutTable) *ResilientClient {
	return &ResilientClient{inner: inner, breaker: breaker, retry: retry, timeout: timeout}
}

func (c *ResilientClient) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	var resp SearchResponse
	err := resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		ctx, cancel := c.timeout.WithTimeout(ctx, resilience.ClassExternalService)
		defer cancel()
		if !c.breaker.Allow() {
			return errs.New(errs.KindCircuitOpen, "siem: circuit open")
		}
		r, err := c.inner.Search(ctx, req)
		if err != nil {
			kind := resilience.CategorizeError(err)
			wrapped := errs.Wrap(kind, "siem search failed", err)
			c.breaker.RecordFailure(kind, wrapped)
			return wrapped
		}
		resp = r
		return nil
	})
	if err != nil {
		return SearchResponse{}, err
	}
	c.breaker.RecordSuccess()
	return resp, nil
}
