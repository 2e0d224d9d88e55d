package model

import (
	"encoding/json"
	"sort"
	"time"
)

// StringSet is a set of indicator/vector strings that marshals as a
// sorted JSON array, keeping tool output deterministic.
type StringSet map[string]struct{}

func (s StringSet) Add(v string) { s[v] = struct{}{} }

func (s StringSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return json.Marshal(out)
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = make(StringSet, len(items))
	for _, v := range items {
		(*s)[v] = struct{}{}
	}
	return nil
}

// MethodSet is a set of correlation methods, marshalled sorted like
// StringSet.
type MethodSet map[CorrelationMethod]struct{}

func (s MethodSet) Add(m CorrelationMethod) { s[m] = struct{}{} }

func (s MethodSet) MarshalJSON() ([]byte, error) {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return json.Marshal(out)
}

func (s *MethodSet) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = make(MethodSet, len(items))
	for _, v := range items {
		(*s)[CorrelationMethod(v)] = struct{}{}
	}
	return nil
}

// SecurityEvent is the canonical normalized record produced by parsing a
// SIEM document through the field mapper. Immutable after construction.
type SecurityEvent struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	EventType       string         `json:"event_type"`
	Severity        Severity       `json:"severity"`
	Category        Category       `json:"category"`
	SourceIP        *string        `json:"source_ip"`
	DestinationIP   *string        `json:"destination_ip"`
	SourcePort      *int           `json:"source_port"`
	DestinationPort *int           `json:"destination_port"`
	Protocol        string         `json:"protocol,omitempty"`
	Country         string         `json:"country,omitempty"`
	ASN             string         `json:"asn,omitempty"`
	Organization    string         `json:"organization,omitempty"`
	ReputationScore *int           `json:"reputation_score"`
	Raw             map[string]any `json:"raw,omitempty"`
}

// CampaignEvent enriches a SecurityEvent with correlation metadata assigned
// while it was pulled into a Campaign. Lifetime is bounded to one analysis.
type CampaignEvent struct {
	SecurityEvent
	Confidence         float64                       `json:"confidence"`
	TimeProximityScore float64                       `json:"time_proximity_score"`
	Role               EventRole                     `json:"role"`
	MethodScores       map[CorrelationMethod]float64 `json:"method_scores,omitempty"`
	SessionKey         string                        `json:"session_key,omitempty"`
	SessionDuration    time.Duration                 `json:"session_duration,omitempty"`
	SessionEventCount  int                           `json:"session_event_count,omitempty"`
}

// Campaign is the aggregate result of analyze_campaign.
type Campaign struct {
	CampaignID             string          `json:"campaign_id"`
	Confidence             ConfidenceLevel `json:"confidence"`
	ConfidenceScore        float64         `json:"confidence_score"`
	StartTime              time.Time       `json:"start_time"`
	EndTime                time.Time       `json:"end_time"`
	SeedIndicators         StringSet       `json:"seed_indicators"`
	RelatedIndicators      StringSet       `json:"related_indicators"`
	Events                 []CampaignEvent `json:"events"`
	CorrelationMethodsUsed MethodSet       `json:"correlation_methods_used"`
	AttackVectors          StringSet       `json:"attack_vectors"`
	SuspectedActor         *string         `json:"suspected_actor"`
	SophisticationScore    float64         `json:"sophistication_score"`
}

// IndicatorRelationship is a directed edge in the correlation graph.
type IndicatorRelationship struct {
	SourceIndicator  string       `json:"source_indicator"`
	RelatedIndicator string       `json:"related_indicator"`
	RelationType     RelationType `json:"relation_type"`
	Confidence       float64      `json:"confidence"`
	EvidenceEventIDs []string     `json:"evidence_event_ids"`
}

// ThreatIntelResult is the aggregated, multi-source view of one indicator.
type ThreatIntelResult struct {
	Indicator          string                    `json:"indicator"`
	IndicatorType      IndicatorType             `json:"indicator_type"`
	PerSourceRaw       map[string]map[string]any `json:"per_source_raw,omitempty"`
	OverallThreatScore float64                   `json:"overall_threat_score"`
	ConfidenceScore    float64                   `json:"confidence_score"`
	FirstSeen          *time.Time                `json:"first_seen"`
	LastSeen           *time.Time                `json:"last_seen"`
	Country            string                    `json:"country,omitempty"`
	ASN                string                    `json:"asn,omitempty"`
	Tags               []string                  `json:"tags,omitempty"`
	SourcesQueried     []string                  `json:"sources_queried"`
	SourcesSucceeded   []string                  `json:"sources_succeeded"`
	SourcesFailed      []string                  `json:"sources_failed"`
}

// QueryFilter is one (field, operator, value) predicate against SIEM documents.
type QueryFilter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// PaginationCursor is the decoded form of the opaque cursor string. The
// cursor is valid only against the QueryFingerprint that produced it.
type PaginationCursor struct {
	SortField        string `json:"sort_field"`
	LastSortValue    string `json:"last_sort_value"`
	TiebreakID       string `json:"tiebreak_id"`
	PageSize         int    `json:"page_size"`
	QueryFingerprint string `json:"query_fingerprint"`
}

// CircuitBreakerState is a snapshot of one breaker's state machine.
type CircuitBreakerState struct {
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	OpenedAt             time.Time    `json:"opened_at"`
	HalfOpenInFlight     int          `json:"half_open_in_flight"`
}

// TimeRange bounds a query or campaign window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PerfMetrics is the contract-level performance payload returned with every
// query_events / query_aggregation response.
type PerfMetrics struct {
	QueryTimeMS         int64           `json:"query_time_ms"`
	IndicesScanned      int             `json:"indices_scanned"`
	DocumentsExamined   int             `json:"documents_examined"`
	ShardsScanned       int             `json:"shards_scanned"`
	QueryComplexity     QueryComplexity `json:"query_complexity"`
	OptimizationApplied []string        `json:"optimization_applied"`
	CacheHit            bool            `json:"cache_hit"`
}

// PaginationMeta accompanies a query_events response.
type PaginationMeta struct {
	TotalCount int     `json:"total_count"`
	Page       *int    `json:"page,omitempty"`
	PageSize   int     `json:"page_size"`
	HasNext    bool    `json:"has_next"`
	NextCursor *string `json:"next_cursor,omitempty"`
}
