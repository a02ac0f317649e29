package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupUnknownSubject(t *testing.T) {
	g := NewGraph(DefaultPropagationConfig())

	rec := g.Lookup("0xunknown")
	assert.Equal(t, "0xunknown", rec.Subject)
	assert.Zero(t, rec.RiskScore)
	assert.Empty(t, rec.Labels)
}

func TestAddLabelDeduplicates(t *testing.T) {
	g := NewGraph(DefaultPropagationConfig())
	g.AddLabel("0xabc", "scam")
	g.AddLabel("0xabc", "scam")
	g.AddLabel("0xabc", "mixer")

	rec := g.Lookup("0xabc")
	assert.Equal(t, []string{"scam", "mixer"}, rec.Labels)
	assert.Equal(t, 90.0, rec.RiskScore) // highest label risk
}

func TestClearingLabelSupersedes(t *testing.T) {
	g := NewGraph(DefaultPropagationConfig())
	g.AddLabel("0xabc", "scam")
	g.AddLabel("0xabc", "cleared")

	rec := g.Lookup("0xabc")
	// Labels stay on the ledger; the clearing label only zeroes risk.
	assert.Contains(t, rec.Labels, "scam")
	assert.Zero(t, rec.RiskScore)
}

func TestEdgeWeightOnlyGrows(t *testing.T) {
	g := NewGraph(DefaultPropagationConfig())
	g.AddEdge("a", "b", 0.8)
	g.AddEdge("a", "b", 0.3)

	rec := g.Lookup("a")
	assert.Equal(t, []Edge{{Neighbor: "b", Weight: 0.8}}, rec.Edges)
}

func TestPropagationOneHop(t *testing.T) {
	cfg := DefaultPropagationConfig()
	g := NewGraph(cfg)
	g.AddLabel("0xbad", "known-phisher") // base 100
	g.AddEdge("0xsubject", "0xbad", 0.8)

	rec := g.Lookup("0xsubject")
	// 100 * 0.8 * decay^1
	assert.InDelta(t, 100*0.8*cfg.Decay, rec.RiskScore, 0.001)
}

func TestPropagationDecaysPerHop(t *testing.T) {
	cfg := DefaultPropagationConfig()
	g := NewGraph(cfg)
	g.AddLabel("0xbad", "sanctioned") // base 100
	g.AddEdge("0xsubject", "0xmid", 1.0)
	g.AddEdge("0xmid", "0xbad", 1.0)

	rec := g.Lookup("0xsubject")
	assert.InDelta(t, 100*cfg.Decay*cfg.Decay, rec.RiskScore, 0.001)
}

func TestPropagationTakesMaxNotSum(t *testing.T) {
	cfg := DefaultPropagationConfig()
	g := NewGraph(cfg)
	// Many moderately-bad neighbors must not inflate past the worst one.
	for _, n := range []string{"n1", "n2", "n3", "n4"} {
		g.AddLabel(n, "mixer") // base 60
		g.AddEdge("0xsubject", n, 1.0)
	}

	rec := g.Lookup("0xsubject")
	assert.InDelta(t, 60*cfg.Decay, rec.RiskScore, 0.001)
}

func TestPropagationBoundedByMaxHops(t *testing.T) {
	cfg := DefaultPropagationConfig()
	cfg.MaxHops = 2
	g := NewGraph(cfg)
	g.AddLabel("0xbad", "sanctioned")
	g.AddEdge("a", "b", 1.0)
	g.AddEdge("b", "c", 1.0)
	g.AddEdge("c", "0xbad", 1.0) // three hops out

	rec := g.Lookup("a")
	assert.Zero(t, rec.RiskScore)
}

func TestOwnRiskBeatsWeakerPropagation(t *testing.T) {
	cfg := DefaultPropagationConfig()
	g := NewGraph(cfg)
	g.AddLabel("0xsubject", "scam") // own 90
	g.AddLabel("0xbad", "mixer")    // neighbor 60
	g.AddEdge("0xsubject", "0xbad", 1.0)

	rec := g.Lookup("0xsubject")
	assert.Equal(t, 90.0, rec.RiskScore)
}

func TestKnownTracksSightings(t *testing.T) {
	g := NewGraph(DefaultPropagationConfig())
	assert.False(t, g.Known("0xabc"))

	g.AddLabel("0xabc", "suspicious")
	assert.True(t, g.Known("0xabc"))

	// Edge endpoints count as sightings too.
	g.AddEdge("0xabc", "0xdef", 0.5)
	assert.True(t, g.Known("0xdef"))
	assert.False(t, g.Known("0xother"))
}

func TestSnapshotOrdered(t *testing.T) {
	g := NewGraph(DefaultPropagationConfig())
	g.AddLabel("zzz", "scam")
	g.AddLabel("aaa", "mixer")

	recs := g.Snapshot()
	assert.Equal(t, "aaa", recs[0].Subject)
	assert.Equal(t, "zzz", recs[1].Subject)
}
