package campaign

import "github.com/dshield/mcp-analytics/internal/model"

// Graph is the indicator-relationship graph the spec requires be modeled
// by interned identifier with a flat edge list, not owned pointer chains,
// because the expansion graph can be cyclic. Nodes are indices into arena;
// edges reference nodes by index.
type Graph struct {
	arena []string
	index map[string]int
	edges []edge
}

type edge struct {
	from, to   int
	relation   model.RelationType
	confidence float64
}

func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Intern returns the stable integer id for an indicator string, creating
// one if this is the first time the indicator has been seen.
func (g *Graph) Intern(indicator string) int {
	if id, ok := g.index[indicator]; ok {
		return id
	}
	id := len(g.arena)
	g.arena = append(g.arena, indicator)
	g.index[indicator] = id
	return id
}

// AddRelationship interns both endpoints and appends a flat edge record.
func (g *Graph) AddRelationship(rel model.IndicatorRelationship) {
	from := g.Intern(rel.SourceIndicator)
	to := g.Intern(rel.RelatedIndicator)
	g.edges = append(g.edges, edge{from: from, to: to, relation: rel.RelationType, confidence: rel.Confidence})
}

// edgeFilterFor returns the relation types admitted by an expansion
// strategy.
func edgeFilterFor(strategy model.ExpansionStrategy) map[model.RelationType]bool {
	switch strategy {
	case model.ExpansionInfrastructure:
		return map[model.RelationType]bool{model.RelationSharedInfrastructure: true, model.RelationSameASN: true}
	case model.ExpansionTemporal:
		return map[model.RelationType]bool{model.RelationTemporalCluster: true}
	default: // comprehensive
		return map[model.RelationType]bool{
			model.RelationSameSubnet: true, model.RelationSameASN: true,
			model.RelationSharedInfrastructure: true, model.RelationTemporalCluster: true,
			model.RelationBehavioralMatch: true,
		}
	}
}

// Expand runs a depth-limited, per-level-capped BFS over integer node ids
// with a visited set, starting from seedIOCs, following only edges whose
// relation type passes the strategy's filter.
func (g *Graph) Expand(seedIOCs []string, strategy model.ExpansionStrategy, maxDepth int, perLevelFanoutCap int) []model.IndicatorRelationship {
	filter := edgeFilterFor(strategy)
	adjacency := g.adjacency()

	visited := make(map[int]bool)
	frontier := make([]int, 0, len(seedIOCs))
	for _, s := range seedIOCs {
		id := g.Intern(s)
		visited[id] = true
		frontier = append(frontier, id)
	}

	var out []model.IndicatorRelationship
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []int
		fanout := 0
		for _, node := range frontier {
			for _, e := range adjacency[node] {
				if !filter[e.relation] {
					continue
				}
				if visited[e.to] {
					continue
				}
				if perLevelFanoutCap > 0 && fanout >= perLevelFanoutCap {
					break
				}
				visited[e.to] = true
				next = append(next, e.to)
				fanout++
				out = append(out, model.IndicatorRelationship{
					SourceIndicator:  g.arena[e.from],
					RelatedIndicator: g.arena[e.to],
					RelationType:     e.relation,
					Confidence:       e.confidence,
				})
			}
		}
		frontier = next
	}
	return out
}

func (g *Graph) adjacency() map[int][]edge {
	adj := make(map[int][]edge, len(g.arena))
	for _, e := range g.edges {
		adj[e.from] = append(adj[e.from], e)
		// Relationships are used for undirected reachability during
		// expansion even though they are stored directed, since
		// correlation edges are symmetric in practice (shared
		// infrastructure, same subnet, temporal cluster all commute).
		adj[e.to] = append(adj[e.to], edge{from: e.to, to: e.from, relation: e.relation, confidence: e.confidence})
	}
	return adj
}
