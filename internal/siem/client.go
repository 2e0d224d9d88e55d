// Package siem implements the query layer: building and executing
// Elasticsearch-shaped requests, field mapping via internal/fieldmap,
// page- and cursor-based pagination, the optimization ladder, and
// session-context streaming.
package siem

import "context"

// SearchRequest is the shape of request the query layer emits. Index is
// the set of concrete index names/patterns to search; Body is the raw
// query body ({query, sort, size, from|search_after, aggs}).
type SearchRequest struct {
	Index []string
	Body  map[string]any
}

// SearchResponse is the shape of response the query layer consumes.
type SearchResponse struct {
	Hits          SearchHits
	Aggregations  map[string]any
	ShardsScanned int
	IndicesHit    []string
}

type SearchHits struct {
	Total int
	Hits  []Hit
}

type Hit struct {
	ID     string
	Source map[string]any
	Sort   []any
}

// ElasticClient is the collaborator the query layer executes requests
// through. The core never imports an Elasticsearch SDK; connection
// pooling, auth, and the wire protocol live on the other side of this
// interface.
type ElasticClient interface {
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
}
