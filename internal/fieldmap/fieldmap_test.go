package fieldmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshield/mcp-analytics/internal/errs"
)

func testMappings() map[string][]string {
	return map[string][]string{
		"source_ip": {"source.ip", "source.address", "related.ip"},
		"country":   {"source.geo.country_name"},
	}
}

func TestMapForQuery_Known(t *testing.T) {
	m := New(testMappings())
	paths, err := m.MapForQuery("source_ip")
	require.NoError(t, err)
	assert.Equal(t, []string{"source.ip", "source.address", "related.ip"}, paths)
}

func TestMapForQuery_UnknownReturnsSuggestions(t *testing.T) {
	m := New(testMappings())
	_, err := m.MapForQuery("source_ips")
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidFieldName, errs.KindOf(err))
}

func TestExtract_PrefersFirstCandidateWithValue(t *testing.T) {
	m := New(testMappings())
	doc := map[string]any{
		"related": map[string]any{"ip": "1.2.3.4"},
		"source":  map[string]any{"ip": "5.6.7.8"},
	}
	v, ok := m.Extract(doc, "source_ip")
	require.True(t, ok)
	assert.Equal(t, "5.6.7.8", v)
}

func TestExtract_FallsBackToRelatedIP(t *testing.T) {
	m := New(testMappings())
	doc := map[string]any{
		"related": map[string]any{"ip": "9.9.9.9"},
	}
	v, ok := m.Extract(doc, "source_ip")
	require.True(t, ok)
	assert.Equal(t, "9.9.9.9", v)
}

func TestExtract_NullIffNoCandidateResolves(t *testing.T) {
	m := New(testMappings())
	doc := map[string]any{"unrelated": "field"}
	_, ok := m.Extract(doc, "source_ip")
	assert.False(t, ok)
}

func TestSuggestions_WithinEditDistance(t *testing.T) {
	m := New(testMappings())
	sugg := m.Suggestions("countr", 2)
	require.Contains(t, sugg, "country")
}

func TestLogUnmapped_ReportsOnlyUncoveredTopLevelPaths(t *testing.T) {
	m := New(testMappings())
	doc := map[string]any{
		"source":      map[string]any{"ip": "1.1.1.1"},
		"mystery_key": "x",
	}
	unmapped := m.LogUnmapped(doc)
	assert.Equal(t, []string{"mystery_key"}, unmapped)
}
