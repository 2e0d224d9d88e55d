// Package fieldmap implements bidirectional translation between
// user-visible field names and the Elastic Common Schema dotted paths
// actually present in SIEM documents, per a static, startup-configured
// mapping table.
package fieldmap

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/dshield/mcp-analytics/internal/errs"
)

// Mapper holds the frozen user_field -> candidate-path table and exposes
// the three operations the query layer and campaign engine both depend
// on. Mappings are configured once at construction and never mutated.
type Mapper struct {
	candidates map[string][]string
	names      []string // sorted, cached for suggestion search
}

// New builds a Mapper from a static mapping table. The caller (config
// loading, a non-goal) owns ensuring every IP-bearing field's candidate
// list ends with "related.ip" — New does not silently inject it, since
// doing so behind the caller's back would hide a real configuration bug.
func New(mappings map[string][]string) *Mapper {
	m := &Mapper{candidates: make(map[string][]string, len(mappings))}
	for field, paths := range mappings {
		cp := make([]string, len(paths))
		copy(cp, paths)
		m.candidates[field] = cp
		m.names = append(m.names, field)
	}
	sort.Strings(m.names)
	return m
}

// MapForQuery returns the candidate document paths a filter on user_field
// must match any of. Unknown fields fail with KindInvalidFieldName and a
// suggestion list computed by edit distance over known field names.
func (m *Mapper) MapForQuery(userField string) ([]string, error) {
	paths, ok := m.candidates[userField]
	if !ok {
		suggestions := m.Suggestions(userField, 2)
		return nil, errs.New(errs.KindInvalidFieldName, "unknown field: "+userField).
			WithData(map[string]any{"field": userField, "suggestions": suggestions})
	}
	out := make([]string, len(paths))
	copy(out, paths)
	return out, nil
}

// Extract probes candidate paths for userField in precedence order and
// returns the first non-null value found, or nil if none resolve.
func (m *Mapper) Extract(document map[string]any, userField string) (any, bool) {
	paths, ok := m.candidates[userField]
	if !ok {
		return nil, false
	}
	raw, err := marshalForProbing(document)
	if err != nil {
		return nil, false
	}
	for _, path := range paths {
		res := gjson.GetBytes(raw, path)
		if res.Exists() && res.Value() != nil {
			return res.Value(), true
		}
	}
	return nil, false
}

// LogUnmapped emits a structured record of the top-level document paths
// not covered by any known candidate mapping, for operator visibility.
// Not an error; the list is also returned for callers that want it.
func (m *Mapper) LogUnmapped(document map[string]any) []string {
	covered := make(map[string]bool)
	for _, paths := range m.candidates {
		for _, p := range paths {
			covered[strings.SplitN(p, ".", 2)[0]] = true
		}
	}
	var unmapped []string
	for top := range document {
		if !covered[top] {
			unmapped = append(unmapped, top)
		}
	}
	sort.Strings(unmapped)
	if len(unmapped) > 0 {
		log.Debug().Strs("paths", unmapped).Msg("fieldmap: document paths not covered by mapping")
	}
	return unmapped
}

// Suggestions returns known field names within the given edit distance of
// candidate, sorted by distance then name.
func (m *Mapper) Suggestions(candidate string, maxDistance int) []string {
	type scored struct {
		name string
		dist int
	}
	var matches []scored
	for _, name := range m.names {
		d := levenshtein(candidate, name)
		if d <= maxDistance {
			matches = append(matches, scored{name, d})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].dist != matches[j].dist {
			return matches[i].dist < matches[j].dist
		}
		return matches[i].name < matches[j].name
	})
	out := make([]string, len(matches))
	for i, s := range matches {
		out[i] = s.name
	}
	return out
}

// levenshtein computes classic edit distance; small and narrowly scoped
// enough that no pack dependency covers it (see DESIGN.md).
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
