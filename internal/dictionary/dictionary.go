// Package dictionary supplies get_data_dictionary: a description of
// every user-visible field name the query layer and campaign engine
// accept, built from the same field-mapping table that configures
// internal/fieldmap so the two can never drift apart.
package dictionary

import "sort"

// FieldDescriptor documents one user-visible field name.
type FieldDescriptor struct {
	UserField      string   `json:"user_field"`
	CandidatePaths []string `json:"candidate_paths"`
	Description    string   `json:"description"`
	Examples       []string `json:"examples,omitempty"`
	DataType       string   `json:"data_type"`
}

// fieldDocs carries the human-authored description/examples/type for the
// fields DefaultFieldMappings names; it is deliberately not config data
// since these are prose, not tunable behavior.
var fieldDocs = map[string]struct {
	description string
	examples    []string
	dataType    string
}{
	"source_ip":        {"originating IP address of the observed traffic", []string{"198.51.100.23"}, "ip"},
	"destination_ip":    {"destination IP address of the observed traffic", []string{"203.0.113.9"}, "ip"},
	"source_port":       {"originating TCP/UDP port", []string{"22", "445"}, "integer"},
	"destination_port":  {"destination TCP/UDP port", []string{"80", "3389"}, "integer"},
	"country":           {"geolocated country of the source IP", []string{"RU", "CN"}, "string"},
	"asn":               {"autonomous system number announcing the source IP", []string{"AS4134"}, "string"},
	"organization":      {"registered organization for the source ASN", []string{"Example Hosting LLC"}, "string"},
	"protocol":          {"network or transport protocol observed", []string{"tcp", "ssh"}, "string"},
	"event_type":        {"normalized event type/category reported by the sensor", []string{"honeypot.login_attempt"}, "string"},
	"severity":          {"normalized severity bucket", []string{"low", "high"}, "string"},
	"reputation_score":  {"DShield-style reputation score for the source IP, 0-100", []string{"87"}, "integer"},
}

// Dictionary is a frozen, queryable view over a field-mapping table.
type Dictionary struct {
	descriptors []FieldDescriptor
}

// New builds a Dictionary from the same mappings table that configures
// fieldmap.New, so get_data_dictionary can never describe a field the
// query layer doesn't actually resolve, or vice versa.
func New(mappings map[string][]string) *Dictionary {
	names := make([]string, 0, len(mappings))
	for name := range mappings {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]FieldDescriptor, 0, len(names))
	for _, name := range names {
		paths := append([]string(nil), mappings[name]...)
		doc := fieldDocs[name]
		dataType := doc.dataType
		if dataType == "" {
			dataType = "string"
		}
		descriptors = append(descriptors, FieldDescriptor{
			UserField:      name,
			CandidatePaths: paths,
			Description:    doc.description,
			Examples:       doc.examples,
			DataType:       dataType,
		})
	}
	return &Dictionary{descriptors: descriptors}
}

// Fields returns every field descriptor, sorted by user_field for stable
// output across calls.
func (d *Dictionary) Fields() []FieldDescriptor {
	out := make([]FieldDescriptor, len(d.descriptors))
	copy(out, d.descriptors)
	return out
}

// Lookup returns the descriptor for one field, if known.
func (d *Dictionary) Lookup(userField string) (FieldDescriptor, bool) {
	for _, f := range d.descriptors {
		if f.UserField == userField {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}
