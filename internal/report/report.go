// Package report builds the structured, renderer-agnostic payload
// generate_attack_report hands to a Renderer collaborator. The core
// never opens a PDF/LaTeX library itself; it only assembles data and
// compiles a text/template document against it.
package report

import (
	"sort"
	"time"

	"github.com/dshield/mcp-analytics/internal/model"
)

// ReportTable is one tabular block within a ReportSection.
type ReportTable struct {
	Headers []string
	Rows    [][]string
}

// ReportSection is one heading/body/table block of the report.
type ReportSection struct {
	Heading string
	Body    string
	Table   *ReportTable
}

// ReportSummary aggregates counts across the events in a report.
type ReportSummary struct {
	TotalEvents     int
	BySeverity      map[model.Severity]int
	ByCategory      map[model.Category]int
	ByCountry       map[string]int
	DistinctSources int
}

// ReportData is the complete structured payload generate_attack_report
// produces; rendering it to an artifact is the Renderer's job.
type ReportData struct {
	Title       string
	GeneratedAt time.Time
	Events      []model.SecurityEvent
	Campaign    *model.Campaign
	Summary     ReportSummary
	Sections    []ReportSection
}

// Renderer compiles a ReportData against a named template into a
// persisted artifact. It is the single collaborator operation the spec's
// non-goal framing calls for ("a collaborator with a single compile
// operation") — the core never performs the compile itself.
type Renderer interface {
	Compile(data ReportData, templateName string) (artifactPath string, err error)
}

// BuildFromEvents assembles a ReportData directly from a flat event set
// (the events-only form of generate_attack_report).
func BuildFromEvents(title string, events []model.SecurityEvent, generatedAt time.Time) ReportData {
	return ReportData{
		Title:       title,
		GeneratedAt: generatedAt,
		Events:      events,
		Summary:     summarize(events),
		Sections:    eventSections(events),
	}
}

// BuildFromCampaign assembles a ReportData from a correlated Campaign
// (the campaign_id form of generate_attack_report).
func BuildFromCampaign(title string, campaign model.Campaign, generatedAt time.Time) ReportData {
	events := make([]model.SecurityEvent, 0, len(campaign.Events))
	for _, ce := range campaign.Events {
		events = append(events, ce.SecurityEvent)
	}
	data := ReportData{
		Title:       title,
		GeneratedAt: generatedAt,
		Events:      events,
		Campaign:    &campaign,
		Summary:     summarize(events),
	}
	data.Sections = append(data.Sections, campaignOverviewSection(campaign))
	data.Sections = append(data.Sections, eventSections(events)...)
	return data
}

func summarize(events []model.SecurityEvent) ReportSummary {
	s := ReportSummary{
		TotalEvents: len(events),
		BySeverity:  make(map[model.Severity]int),
		ByCategory:  make(map[model.Category]int),
		ByCountry:   make(map[string]int),
	}
	sources := make(map[string]struct{})
	for _, e := range events {
		s.BySeverity[e.Severity]++
		s.ByCategory[e.Category]++
		if e.Country != "" {
			s.ByCountry[e.Country]++
		}
		if e.SourceIP != nil {
			sources[*e.SourceIP] = struct{}{}
		}
	}
	s.DistinctSources = len(sources)
	return s
}

func campaignOverviewSection(c model.Campaign) ReportSection {
	return ReportSection{
		Heading: "Campaign Overview",
		Body: campaignOverviewBody(c),
		Table: &ReportTable{
			Headers: []string{"Seed Indicator"},
			Rows:    rowsOf(sortedKeys(c.SeedIndicators)),
		},
	}
}

func campaignOverviewBody(c model.Campaign) string {
	body := c.CampaignID + " scored " + confidenceLabel(c.Confidence) +
		" confidence, spanning " + c.StartTime.Format(time.RFC3339) + " to " + c.EndTime.Format(time.RFC3339)
	if c.SuspectedActor != nil && *c.SuspectedActor != "" {
		body += ", suspected actor " + *c.SuspectedActor
	}
	return body
}

func confidenceLabel(level model.ConfidenceLevel) string { return string(level) }

func eventSections(events []model.SecurityEvent) []ReportSection {
	if len(events) == 0 {
		return nil
	}
	headers := []string{"Timestamp", "Event Type", "Severity", "Source IP"}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		src := ""
		if e.SourceIP != nil {
			src = *e.SourceIP
		}
		rows = append(rows, []string{e.Timestamp.Format(time.RFC3339), e.EventType, string(e.Severity), src})
	}
	return []ReportSection{{
		Heading: "Events",
		Table:   &ReportTable{Headers: headers, Rows: rows},
	}}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func rowsOf(values []string) [][]string {
	rows := make([][]string, len(values))
	for i, v := range values {
		rows[i] = []string{v}
	}
	return rows
}
