package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/model"
)

func ip(s string) *string { return &s }

func sampleEvents() []model.SecurityEvent {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []model.SecurityEvent{
		{ID: "e1", Timestamp: now, EventType: "honeypot.login_attempt", Severity: model.SeverityHigh, Category: model.CategoryIntrusion, SourceIP: ip("198.51.100.23"), Country: "RU"},
		{ID: "e2", Timestamp: now.Add(time.Minute), EventType: "honeypot.login_attempt", Severity: model.SeverityMedium, Category: model.CategoryIntrusion, SourceIP: ip("198.51.100.24"), Country: "RU"},
	}
}

func TestBuildFromEvents_SummaryCounts(t *testing.T) {
	data := BuildFromEvents("Test Report", sampleEvents(), time.Now())
	assert.Equal(t, 2, data.Summary.TotalEvents)
	assert.Equal(t, 2, data.Summary.DistinctSources)
	assert.Equal(t, 1, data.Summary.BySeverity[model.SeverityHigh])
	assert.Equal(t, 1, data.Summary.BySeverity[model.SeverityMedium])
	require.Len(t, data.Sections, 1)
	assert.Equal(t, "Events", data.Sections[0].Heading)
}

func TestBuildFromCampaign_IncludesOverviewSection(t *testing.T) {
	campaign := model.Campaign{
		CampaignID:     "camp-1",
		Confidence:     model.ConfidenceHigh,
		ConfidenceScore: 0.8,
		StartTime:      time.Now().Add(-time.Hour),
		EndTime:        time.Now(),
		SeedIndicators: map[string]struct{}{"198.51.100.23": {}},
		Events: []model.CampaignEvent{
			{SecurityEvent: sampleEvents()[0]},
		},
	}
	data := BuildFromCampaign("Campaign Report", campaign, time.Now())
	require.Len(t, data.Sections, 2)
	assert.Equal(t, "Campaign Overview", data.Sections[0].Heading)
	assert.Contains(t, data.Sections[0].Body, "camp-1")
	require.NotNil(t, data.Campaign)
}

func TestFileTemplateSource_DefaultName(t *testing.T) {
	src := FileTemplateSource{Dir: t.TempDir()}
	body, err := src.Lookup("default")
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplate, body)
}

func TestTextRenderer_CompileWritesArtifactAtomically(t *testing.T) {
	dir := t.TempDir()
	renderer := NewTextRenderer(FileTemplateSource{Dir: dir}, dir)
	data := BuildFromEvents("Test Report", sampleEvents(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	path, err := renderer.Compile(data, "default")
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
	_, tmpErr := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(tmpErr))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Test Report")
}

func TestTextRenderer_UnknownTemplateNameFails(t *testing.T) {
	dir := t.TempDir()
	renderer := NewTextRenderer(FileTemplateSource{Dir: dir}, dir)
	data := BuildFromEvents("x", nil, time.Now())
	_, err := renderer.Compile(data, "nonexistent")
	require.Error(t, err)
}

func TestReportFileName_UsesCampaignIDWhenPresent(t *testing.T) {
	campaign := model.Campaign{CampaignID: "camp-xyz", SeedIndicators: map[string]struct{}{}}
	data := BuildFromCampaign("r", campaign, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	name := reportFileName(data)
	assert.True(t, filepath.Ext(name) == ".txt")
	assert.Contains(t, name, "camp-xyz")
}
