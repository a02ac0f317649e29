// Package reputation implements the append-only reputation graph: subject
// labels, weighted association edges, and risk propagation lookups.
//
// The graph is an intel ledger. Labels and edges are only ever added; a
// subject is "cleared" by a superseding label, never by deletion.
package reputation

import (
	"sort"
	"sync"
)

// Edge is one weighted, directed association from a subject to a neighbor.
type Edge struct {
	Neighbor string  `json:"neighbor"`
	Weight   float64 `json:"weight"`
}

// Record is the read view of one subject. RiskScore is recomputed on
// every lookup, never cached stale.
type Record struct {
	Subject   string   `json:"subject"`
	Labels    []string `json:"labels,omitempty"`
	RiskScore float64  `json:"risk_score"`
	Edges     []Edge   `json:"edges,omitempty"`
}

// PropagationConfig tunes risk propagation on lookup.
type PropagationConfig struct {
	// MaxHops bounds the breadth-first traversal.
	MaxHops int `yaml:"max_hops" json:"max_hops"`

	// Decay is the per-hop attenuation factor, 0..1.
	Decay float64 `yaml:"decay" json:"decay"`

	// LabelRisk maps intel labels to a base risk on the 0..100 scale.
	LabelRisk map[string]float64 `yaml:"label_risk" json:"label_risk"`

	// ClearingLabels supersede bad labels: a subject carrying one has
	// base risk zero regardless of earlier intel.
	ClearingLabels []string `yaml:"clearing_labels" json:"clearing_labels"`
}

// DefaultPropagationConfig returns the documented propagation defaults.
func DefaultPropagationConfig() PropagationConfig {
	return PropagationConfig{
		MaxHops: 3,
		Decay:   0.5,
		LabelRisk: map[string]float64{
			"known-phisher":  100,
			"sanctioned":     100,
			"exploit-source": 95,
			"scam":           90,
			"drainer":        90,
			"mixer":          60,
			"suspicious":     40,
			"new-deployment": 20,
		},
		ClearingLabels: []string{"cleared", "false-positive"},
	}
}

// node is one arena entry. Edges index into the arena so propagation is
// bounded and independent of insertion order.
type node struct {
	subject string
	labels  []string
	edges   []arenaEdge
}

type arenaEdge struct {
	to     int
	weight float64
}

// Graph is the in-memory reputation graph: a node arena plus a subject
// index. Mutation is append-only under a single writer lock; lookups take
// the read lock only.
type Graph struct {
	mu     sync.RWMutex
	nodes  []node
	index  map[string]int
	config PropagationConfig
}

// NewGraph creates an empty graph with the given propagation config.
func NewGraph(config PropagationConfig) *Graph {
	if config.MaxHops <= 0 {
		config.MaxHops = DefaultPropagationConfig().MaxHops
	}
	if config.Decay <= 0 {
		config.Decay = DefaultPropagationConfig().Decay
	}
	if config.LabelRisk == nil {
		config.LabelRisk = DefaultPropagationConfig().LabelRisk
	}
	return &Graph{
		index:  make(map[string]int),
		config: config,
	}
}

// ensure returns the arena index for subject, creating the node on first
// sighting. Callers hold the write lock.
func (g *Graph) ensure(subject string) int {
	if i, ok := g.index[subject]; ok {
		return i
	}
	g.nodes = append(g.nodes, node{subject: subject})
	i := len(g.nodes) - 1
	g.index[subject] = i
	return i
}

// AddLabel appends a label to the subject, creating the record on first
// sighting. Duplicate labels are ignored.
func (g *Graph) AddLabel(subject, label string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := g.ensure(subject)
	for _, l := range g.nodes[i].labels {
		if l == label {
			return
		}
	}
	g.nodes[i].labels = append(g.nodes[i].labels, label)
}

// AddEdge appends a weighted directed edge from a to b, creating either
// record on first sighting. A repeated edge keeps the stronger weight;
// observed association strength only grows.
func (g *Graph) AddEdge(a, b string, weight float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ai := g.ensure(a)
	bi := g.ensure(b)
	for j := range g.nodes[ai].edges {
		if g.nodes[ai].edges[j].to == bi {
			if weight > g.nodes[ai].edges[j].weight {
				g.nodes[ai].edges[j].weight = weight
			}
			return
		}
	}
	g.nodes[ai].edges = append(g.nodes[ai].edges, arenaEdge{to: bi, weight: weight})
}

// Known reports whether the subject has ever been sighted.
func (g *Graph) Known(subject string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[subject]
	return ok
}

// Lookup returns the record for the subject with its risk recomputed,
// including propagated risk from the graph neighborhood. Unknown subjects
// return an empty record with zero risk.
func (g *Graph) Lookup(subject string) Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec := Record{Subject: subject}
	i, ok := g.index[subject]
	if !ok {
		return rec
	}

	n := g.nodes[i]
	rec.Labels = append([]string(nil), n.labels...)
	rec.Edges = make([]Edge, 0, len(n.edges))
	for _, e := range n.edges {
		rec.Edges = append(rec.Edges, Edge{Neighbor: g.nodes[e.to].subject, Weight: e.weight})
	}
	sort.Slice(rec.Edges, func(a, b int) bool { return rec.Edges[a].Neighbor < rec.Edges[b].Neighbor })

	own := g.baseRisk(i)
	propagated := g.propagate(i)
	rec.RiskScore = own
	if propagated > rec.RiskScore {
		rec.RiskScore = propagated
	}
	return rec
}

// baseRisk derives a node's own risk from its labels. A clearing label
// supersedes all accumulated bad intel.
func (g *Graph) baseRisk(i int) float64 {
	for _, l := range g.nodes[i].labels {
		for _, clear := range g.config.ClearingLabels {
			if l == clear {
				return 0
			}
		}
	}
	risk := 0.0
	for _, l := range g.nodes[i].labels {
		if r, ok := g.config.LabelRisk[l]; ok && r > risk {
			risk = r
		}
	}
	return risk
}

// propagate runs a bounded breadth-first traversal from the start node.
// A neighbor at hop d along a path with cumulative edge weight w
// contributes base_risk * w * decay^d. The result is the maximum
// contribution, not a sum, so high connectivity alone does not inflate
// risk. Callers hold at least the read lock.
func (g *Graph) propagate(start int) float64 {
	type frontier struct {
		node   int
		weight float64 // cumulative edge weight along the best path here
	}

	best := 0.0
	visited := make(map[int]bool, len(g.nodes))
	visited[start] = true
	current := []frontier{{node: start, weight: 1.0}}
	decay := 1.0

	for hop := 1; hop <= g.config.MaxHops && len(current) > 0; hop++ {
		decay *= g.config.Decay
		var next []frontier
		for _, f := range current {
			for _, e := range g.nodes[f.node].edges {
				if visited[e.to] {
					continue
				}
				visited[e.to] = true
				w := f.weight * e.weight
				if contrib := g.baseRisk(e.to) * w * decay; contrib > best {
					best = contrib
				}
				next = append(next, frontier{node: e.to, weight: w})
			}
		}
		current = next
	}
	return best
}

// Snapshot returns all records for persistence or export, in subject order.
func (g *Graph) Snapshot() []Record {
	g.mu.RLock()
	subjects := make([]string, 0, len(g.index))
	for s := range g.index {
		subjects = append(subjects, s)
	}
	g.mu.RUnlock()

	sort.Strings(subjects)
	out := make([]Record, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, g.Lookup(s))
	}
	return out
}
