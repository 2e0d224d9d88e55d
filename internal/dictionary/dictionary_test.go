package dictionary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMappings() map[string][]string {
	return map[string][]string{
		"source_ip": {"source.ip", "source.address", "related.ip"},
		"country":   {"source.geo.country_name"},
	}
}

func TestNew_BuildsSortedDescriptors(t *testing.T) {
	d := New(testMappings())
	fields := d.Fields()
	require.Len(t, fields, 2)
	assert.Equal(t, "country", fields[0].UserField)
	assert.Equal(t, "source_ip", fields[1].UserField)
}

func TestLookup_KnownField(t *testing.T) {
	d := New(testMappings())
	f, ok := d.Lookup("source_ip")
	require.True(t, ok)
	assert.Equal(t, []string{"source.ip", "source.address", "related.ip"}, f.CandidatePaths)
	assert.NotEmpty(t, f.Description)
}

func TestLookup_UnknownFieldNotFound(t *testing.T) {
	d := New(testMappings())
	_, ok := d.Lookup("nonexistent")
	assert.False(t, ok)
}

func TestNew_UndocumentedFieldGetsDefaultDataType(t *testing.T) {
	d := New(map[string][]string{"custom_field": {"custom.path"}})
	f, ok := d.Lookup("custom_field")
	require.True(t, ok)
	assert.Equal(t, "string", f.DataType)
}
