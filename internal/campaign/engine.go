// Package campaign implements the five-stage correlation engine that
// turns seed indicators into a named Campaign: IP/subnet/ASN correlation,
// infrastructure correlation, behavioral correlation, and temporal
// correlation, followed by confidence scoring, indicator expansion, and
// timeline construction.
package campaign

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/fieldmap"
	"github.com/dshield/mcp-analytics/internal/model"
	"github.com/dshield/mcp-analytics/internal/siem"
)

// Config tunes the correlation engine; mirrors config.CampaignConfig.
type Config struct {
	MaxSeedEvents               int
	SubnetMaskBits              int
	PerStageEventBudget         int
	BehavioralDistanceThreshold float64
	TemporalWindowWidth        time.Duration
	TemporalDecayTau           time.Duration
	MinConfidenceDefault        float64
	MaxExpansionDepth           int
	PerLevelFanoutCap           int
}

// SimilarityFunc scores how behaviorally similar two attack-type
// sequences are, in [0,1] (higher = more similar). The concrete metric is
// an open question the spec leaves to the implementer; tests exercise
// this seam rather than a fixed formula. See DESIGN.md.
type SimilarityFunc func(a, b []string) float64

// Engine produces Campaign results from seed indicators. It holds a
// read-only reference to the query layer — campaign analysis never
// mutates SIEM connection state, only queries through it.
type Engine struct {
	layer      *siem.Layer
	mapper     *fieldmap.Mapper
	cfg        Config
	similarity SimilarityFunc
}

func NewEngine(layer *siem.Layer, mapper *fieldmap.Mapper, cfg Config) *Engine {
	return &Engine{layer: layer, mapper: mapper, cfg: cfg, similarity: NormalizedLevenshteinSimilarity}
}

// SetSimilarityFunc overrides the behavioral-similarity metric.
func (e *Engine) SetSimilarityFunc(fn SimilarityFunc) { e.similarity = fn }

// Config returns the engine's tuning parameters, for callers (expand_campaign_indicators)
// that need the same subnet/depth/fanout knobs the engine itself was built with.
func (e *Engine) Config() Config { return e.cfg }

// AnalyzeRequest is the full parameter set for analyze_campaign.
type AnalyzeRequest struct {
	SeedIndicators        []string
	TimeRange             model.TimeRange
	CorrelationMethods    []model.CorrelationMethod
	MinConfidence         float64
	IncludeTimeline       bool
	IncludeRelationships  bool
}

type eventState struct {
	event        model.SecurityEvent
	methodScores map[model.CorrelationMethod]float64
	role         model.EventRole
}

// AnalyzeCampaign runs stages S1..S5 in fixed order and produces a
// Campaign. S1's per-seed, per-path subqueries run concurrently and are
// merged deterministically (sorted by event id) before the next stage;
// the later stages issue their queries one after another.
func (e *Engine) AnalyzeCampaign(ctx context.Context, req AnalyzeRequest) (model.Campaign, error) {
	if len(req.SeedIndicators) == 0 {
		return model.Campaign{}, errs.New(errs.KindValidationError, "seed_indicators must be non-empty")
	}
	minConfidence := req.MinConfidence
	if minConfidence <= 0 {
		minConfidence = e.cfg.MinConfidenceDefault
	}
	methods := methodSet(req.CorrelationMethods)

	events := make(map[string]*eventState)

	// Stage S1 — seed retrieval. Separate filter queries per IP-bearing
	// candidate path, issued concurrently, never a combined boolean-should.
	s1Events, err := e.stageSeedRetrieval(ctx, req.SeedIndicators, req.TimeRange)
	if err != nil {
		return model.Campaign{}, err
	}
	if len(s1Events) == 0 {
		return model.Campaign{}, errs.New(errs.KindNoSeedEvents, "no events found for any seed indicator")
	}
	for _, ev := range s1Events {
		addEvent(events, ev, model.RoleSeed, model.MethodIPExact, 1.0)
	}

	stagesRun := 0
	stageFailures := 0

	if methods[model.MethodIPExact] || methods[model.MethodIPSubnet] || methods[model.MethodIPASN] {
		stagesRun++
		if err := e.stageIPCorrelation(ctx, events, req.TimeRange, methods); err != nil {
			log.Warn().Err(err).Msg("campaign: IP correlation stage failed, continuing")
			stageFailures++
		}
	}
	if methods[model.MethodSharedInfrastructure] {
		stagesRun++
		if err := e.stageInfrastructureCorrelation(ctx, events, req.TimeRange); err != nil {
			log.Warn().Err(err).Msg("campaign: infrastructure correlation stage failed, continuing")
			stageFailures++
		}
	}
	if methods[model.MethodBehavioralMatch] {
		stagesRun++
		e.stageBehavioralCorrelation(events)
	}
	if methods[model.MethodTemporalCluster] {
		stagesRun++
		e.stageTemporalCorrelation(events)
	}

	if stagesRun > 0 && stageFailures == stagesRun {
		return model.Campaign{}, errs.New(errs.KindResourceUnavailable, "every correlation stage after seed retrieval failed")
	}

	return e.buildCampaign(events, req.SeedIndicators, minConfidence, methods), nil
}

func methodSet(methods []model.CorrelationMethod) map[model.CorrelationMethod]bool {
	set := make(map[model.CorrelationMethod]bool, len(methods))
	if len(methods) == 0 {
		set[model.MethodIPExact] = true
		return set
	}
	for _, m := range methods {
		set[m] = true
	}
	return set
}

func addEvent(events map[string]*eventState, ev model.SecurityEvent, role model.EventRole, method model.CorrelationMethod, score float64) {
	st, ok := events[ev.ID]
	if !ok {
		st = &eventState{event: ev, methodScores: make(map[model.CorrelationMethod]float64), role: role}
		events[ev.ID] = st
	}
	if existing, ok := st.methodScores[method]; !ok || score > existing {
		st.methodScores[method] = score
	}
}

// seedCandidatePaths are the IP-bearing document paths stage S1 queries
// individually. A single composite bool/should over them has been
// observed to miss events in some index configurations, so each path
// gets its own query and the results are unioned by id.
var seedCandidatePaths = []string{"source.address", "destination.address", "related.ip"}

// stageSeedRetrieval issues one filter query per IP-bearing candidate
// path for each seed IP, concurrently, and unions the results by id.
// RawPathFilters bypasses the field mapper, whose multi-candidate
// expansion would otherwise fold the paths back into one bool/should.
func (e *Engine) stageSeedRetrieval(ctx context.Context, seeds []string, tr model.TimeRange) ([]model.SecurityEvent, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([][]model.SecurityEvent, len(seeds)*len(seedCandidatePaths))

	for si, seed := range seeds {
		for pi, path := range seedCandidatePaths {
			si, pi, path, seed := si, pi, path, seed
			g.Go(func() error {
				resp, err := e.layer.QueryEvents(gctx, siem.QueryEventsRequest{
					TimeRange:      tr,
					RawPathFilters: []model.QueryFilter{{Field: path, Operator: model.OpEq, Value: seed}},
					Page:           intPtr(1),
					PageSize:       maxSeedEvents(e.cfg.MaxSeedEvents),
					SortDesc:       true,
				})
				if err != nil {
					return nil // a single candidate-path query failing does not fail the stage
				}
				results[si*len(seedCandidatePaths)+pi] = resp.Events
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]model.SecurityEvent)
	for _, r := range results {
		for _, ev := range r {
			merged[ev.ID] = ev
		}
	}
	out := make([]model.SecurityEvent, 0, len(merged))
	for _, ev := range merged {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func maxSeedEvents(n int) int {
	if n <= 0 {
		return 2000
	}
	return n
}

// stageIPCorrelation expands the current event set's IPs by exact match,
// /24 subnet, and ASN, per the active methods.
func (e *Engine) stageIPCorrelation(ctx context.Context, events map[string]*eventState, tr model.TimeRange, methods map[model.CorrelationMethod]bool) error {
	ips := collectIPs(events)
	if len(ips) == 0 {
		return nil
	}

	if methods[model.MethodIPExact] {
		resp, err := e.layer.QueryEvents(ctx, siem.QueryEventsRequest{
			TimeRange: tr,
			Filters:   []model.QueryFilter{{Field: "source_ip", Operator: model.OpIn, Value: ips}},
			Page:      intPtr(1),
			PageSize:  maxSeedEvents(e.cfg.PerStageEventBudget),
			SortDesc:  true,
		})
		if err == nil {
			for _, ev := range resp.Events {
				addEvent(events, ev, model.RoleCorrelated, model.MethodIPExact, 1.0)
			}
		}
	}

	if methods[model.MethodIPSubnet] {
		subnets := make([]string, 0, len(ips))
		for _, ip := range ips {
			if s := subnet24(ip); s != "" {
				subnets = append(subnets, s)
			}
		}
		if len(subnets) > 0 {
			resp, err := e.layer.QueryEvents(ctx, siem.QueryEventsRequest{
				TimeRange: tr,
				Filters:   []model.QueryFilter{{Field: "source_ip", Operator: model.OpIn, Value: subnets}},
				Page:      intPtr(1),
				PageSize:  maxSeedEvents(e.cfg.PerStageEventBudget),
				SortDesc:  true,
			})
			if err == nil {
				for _, ev := range resp.Events {
					addEvent(events, ev, model.RoleCorrelated, model.MethodIPSubnet, 0.8)
				}
			}
		}
	}

	if methods[model.MethodIPASN] {
		asns := collectASNs(events)
		if len(asns) > 0 {
			resp, err := e.layer.QueryEvents(ctx, siem.QueryEventsRequest{
				TimeRange: tr,
				Filters:   []model.QueryFilter{{Field: "asn", Operator: model.OpIn, Value: asns}},
				Page:      intPtr(1),
				PageSize:  maxSeedEvents(e.cfg.PerStageEventBudget),
				SortDesc:  true,
			})
			if err == nil {
				for _, ev := range resp.Events {
					addEvent(events, ev, model.RoleCorrelated, model.MethodIPASN, 0.7)
				}
			}
		}
	}
	return nil
}

func (e *Engine) stageInfrastructureCorrelation(ctx context.Context, events map[string]*eventState, tr model.TimeRange) error {
	domains := collectField(events, "organization")
	if len(domains) == 0 {
		return nil
	}
	resp, err := e.layer.QueryEvents(ctx, siem.QueryEventsRequest{
		TimeRange: tr,
		Filters:   []model.QueryFilter{{Field: "organization", Operator: model.OpIn, Value: domains}},
		Page:      intPtr(1),
		PageSize:  maxSeedEvents(e.cfg.PerStageEventBudget),
		SortDesc:  true,
	})
	if err != nil {
		return err
	}
	for _, ev := range resp.Events {
		addEvent(events, ev, model.RoleCorrelated, model.MethodSharedInfrastructure, 0.6)
	}
	return nil
}

// stageBehavioralCorrelation groups events by source IP into attack-type
// sequences and scores pairs by normalized sequence-edit-distance; events
// belonging to a source IP whose sequence is close to any other
// already-included source IP's sequence are reinforced.
func (e *Engine) stageBehavioralCorrelation(events map[string]*eventState) {
	sequences := make(map[string][]string)
	ids := make(map[string][]string)
	for id, st := range events {
		ip := derefOr(st.event.SourceIP)
		if ip == "" {
			continue
		}
		sequences[ip] = append(sequences[ip], st.event.EventType)
		ids[ip] = append(ids[ip], id)
	}
	threshold := e.cfg.BehavioralDistanceThreshold
	if threshold <= 0 {
		threshold = 0.35
	}
	ipList := make([]string, 0, len(sequences))
	for ip := range sequences {
		ipList = append(ipList, ip)
	}
	sort.Strings(ipList)

	for i := 0; i < len(ipList); i++ {
		for j := i + 1; j < len(ipList); j++ {
			sim := e.similarity(sequences[ipList[i]], sequences[ipList[j]])
			if sim >= (1 - threshold) {
				for _, ip := range []string{ipList[i], ipList[j]} {
					for _, id := range ids[ip] {
						st := events[id]
						if st.role == "" {
							st.role = model.RoleCorrelated
						}
						st.methodScores[model.MethodBehavioralMatch] = sim
					}
				}
			}
		}
	}
}

// stageTemporalCorrelation assigns each event a time_proximity_score
// based on exponential decay from the nearest already-included event.
func (e *Engine) stageTemporalCorrelation(events map[string]*eventState) {
	tau := e.cfg.TemporalDecayTau
	if tau <= 0 {
		tau = 30 * time.Minute
	}
	timestamps := make([]time.Time, 0, len(events))
	for _, st := range events {
		timestamps = append(timestamps, st.event.Timestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	for _, st := range events {
		nearest := nearestDelta(st.event.Timestamp, timestamps)
		score := math.Exp(-nearest.Seconds() / tau.Seconds())
		st.methodScores[model.MethodTemporalCluster] = score
	}
}

func nearestDelta(t time.Time, sorted []time.Time) time.Duration {
	best := time.Duration(math.MaxInt64)
	for _, other := range sorted {
		if other.Equal(t) {
			continue
		}
		d := t.Sub(other)
		if d < 0 {
			d = -d
		}
		if d < best {
			best = d
		}
	}
	if best == time.Duration(math.MaxInt64) {
		return 0
	}
	return best
}

// buildCampaign computes per-event confidence, drops events below
// min_confidence, and assembles the final Campaign aggregate.
func (e *Engine) buildCampaign(events map[string]*eventState, seeds []string, minConfidence float64, methods map[model.CorrelationMethod]bool) model.Campaign {
	var campaignEvents []model.CampaignEvent
	methodsUsed := make(map[model.CorrelationMethod]struct{})
	attackVectors := make(map[string]struct{})
	related := make(map[string]struct{})
	for _, s := range seeds {
		related[s] = struct{}{}
	}

	for _, st := range events {
		confidence := meanScore(st.methodScores)
		if confidence < minConfidence {
			continue
		}
		ce := model.CampaignEvent{
			SecurityEvent: st.event,
			Confidence:    confidence,
			Role:          st.role,
			MethodScores:  st.methodScores,
		}
		if score, ok := st.methodScores[model.MethodTemporalCluster]; ok {
			ce.TimeProximityScore = score
		}
		campaignEvents = append(campaignEvents, ce)
		for m := range st.methodScores {
			methodsUsed[m] = struct{}{}
		}
		if st.event.EventType != "" {
			attackVectors[st.event.EventType] = struct{}{}
		}
		if ip := derefOr(st.event.SourceIP); ip != "" {
			related[ip] = struct{}{}
		}
		if ip := derefOr(st.event.DestinationIP); ip != "" {
			related[ip] = struct{}{}
		}
	}

	sort.Slice(campaignEvents, func(i, j int) bool {
		return campaignEvents[i].Timestamp.Before(campaignEvents[j].Timestamp)
	})

	var start, end time.Time
	var confidenceSum float64
	for i, ce := range campaignEvents {
		if i == 0 || ce.Timestamp.Before(start) {
			start = ce.Timestamp
		}
		if i == 0 || ce.Timestamp.After(end) {
			end = ce.Timestamp
		}
		confidenceSum += ce.Confidence
	}
	confidenceScore := 0.0
	if len(campaignEvents) > 0 {
		confidenceScore = confidenceSum / float64(len(campaignEvents))
	}

	seedSet := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		seedSet[s] = struct{}{}
	}

	c := model.Campaign{
		CampaignID:            campaignID(seeds, start, end),
		Confidence:            model.ConfidenceLevelFor(confidenceScore),
		ConfidenceScore:        confidenceScore,
		StartTime:             start,
		EndTime:               end,
		SeedIndicators:        seedSet,
		RelatedIndicators:     related,
		Events:                campaignEvents,
		CorrelationMethodsUsed: methodsUsed,
		AttackVectors:         attackVectors,
	}
	c.SophisticationScore = ScoreCampaign(c)
	return c
}

func meanScore(scores map[model.CorrelationMethod]float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores))
}

// campaignID is a stable hash of the sorted seed-indicator set and the
// rounded time window.
func campaignID(seeds []string, start, end time.Time) string {
	sorted := append([]string(nil), seeds...)
	sort.Strings(sorted)
	roundedStart := start.Truncate(time.Hour)
	roundedEnd := end.Truncate(time.Hour)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d", strings.Join(sorted, ","), roundedStart.Unix(), roundedEnd.Unix())
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))[:22]
}

func collectIPs(events map[string]*eventState) []string {
	set := make(map[string]struct{})
	for _, st := range events {
		if ip := derefOr(st.event.SourceIP); ip != "" {
			set[ip] = struct{}{}
		}
		if ip := derefOr(st.event.DestinationIP); ip != "" {
			set[ip] = struct{}{}
		}
	}
	return keys(set)
}

func collectASNs(events map[string]*eventState) []string {
	set := make(map[string]struct{})
	for _, st := range events {
		if st.event.ASN != "" {
			set[st.event.ASN] = struct{}{}
		}
	}
	return keys(set)
}

func collectField(events map[string]*eventState, field string) []string {
	set := make(map[string]struct{})
	for _, st := range events {
		var v string
		switch field {
		case "organization":
			v = st.event.Organization
		}
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return keys(set)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func subnet24(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.To4() == nil {
		return ""
	}
	mask := net.CIDRMask(24, 32)
	network := ip.Mask(mask)
	return network.String() + "/24"
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intPtr(i int) *int { return &i }
