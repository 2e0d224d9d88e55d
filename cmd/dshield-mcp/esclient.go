package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dshield/mcp-analytics/internal/siem"
)

// httpElasticClient implements siem.ElasticClient against a real
// Elasticsearch-compatible `_search` endpoint, per §6's SIEM contract. It
// is the one place in this repository that knows the wire shape of an ES
// response; the query layer only ever sees siem.SearchResponse.
type httpElasticClient struct {
	baseURL    string
	apiKey     string
	compatMode string
	httpClient *http.Client
}

func newHTTPElasticClient(baseURL, apiKey, compatMode string, timeout time.Duration) *httpElasticClient {
	return &httpElasticClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		compatMode: compatMode,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *httpElasticClient) Search(ctx context.Context, req siem.SearchRequest) (siem.SearchResponse, error) {
	// 8.x caps hit totals at 10k unless asked not to; 7.x responds the
	// same way once asked, so the request side is version-independent.
	// The response side is not: see esTotal.
	if _, ok := req.Body["track_total_hits"]; !ok {
		req.Body["track_total_hits"] = true
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return siem.SearchResponse{}, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_search", c.baseURL, strings.Join(req.Index, ","))
	if c.compatMode == "7" {
		url += "?rest_total_hits_as_int=true"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return siem.SearchResponse{}, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return siem.SearchResponse{}, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return siem.SearchResponse{}, fmt.Errorf("search request returned status %d", resp.StatusCode)
	}

	var wire esSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return siem.SearchResponse{}, fmt.Errorf("decode search response: %w", err)
	}
	return wire.toSearchResponse(req.Index), nil
}

// esSearchResponse mirrors an Elasticsearch-compatible `_search` response
// body, per §6: {hits: {total: {value}, hits: [{_id, _source, sort}]},
// aggregations?, _shards: {total, successful}}; the shard count reported as
// scanned is _shards.successful.
// esTotal bridges the 7.x/8.x compatibility split in hits.total: object
// form {"value": n, "relation": "eq"} on modern clusters, a bare number
// on clusters running with rest_total_hits_as_int (the 7.x upgrade-path
// setting compatibility_mode "7" implies).
type esTotal struct {
	Value int
}

func (t *esTotal) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Value int `json:"value"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		t.Value = obj.Value
		return nil
	}
	return json.Unmarshal(data, &t.Value)
}

type esSearchResponse struct {
	Hits struct {
		Total esTotal `json:"total"`
		Hits  []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
			Sort   []any          `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]any `json:"aggregations"`
	Shards       struct {
		Total      int `json:"total"`
		Successful int `json:"successful"`
	} `json:"_shards"`
}

func (w esSearchResponse) toSearchResponse(indices []string) siem.SearchResponse {
	hits := make([]siem.Hit, 0, len(w.Hits.Hits))
	for _, h := range w.Hits.Hits {
		hits = append(hits, siem.Hit{ID: h.ID, Source: h.Source, Sort: h.Sort})
	}
	return siem.SearchResponse{
		Hits:          siem.SearchHits{Total: w.Hits.Total.Value, Hits: hits},
		Aggregations:  w.Aggregations,
		ShardsScanned: w.Shards.Successful,
		IndicesHit:    indices,
	}
}
