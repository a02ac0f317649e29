package collectors

import (
	"context"

	"github.com/c360studio/forgegate/reputation"
	"github.com/c360studio/forgegate/risk"
)

// ReputationLookup scores a subject from the reputation graph, including
// risk propagated from its neighborhood.
type ReputationLookup struct {
	graph *reputation.Graph
}

// NewReputationLookup creates the reputation collector.
func NewReputationLookup(graph *reputation.Graph) *ReputationLookup {
	return &ReputationLookup{graph: graph}
}

// Name returns the collector identifier.
func (r *ReputationLookup) Name() string { return risk.CollectorReputation }

// Assess looks the subject up in the graph. The propagation policy
// (hops, decay, max-not-sum) lives in the graph itself.
func (r *ReputationLookup) Assess(ctx context.Context, subject string) (*risk.Signal, error) {
	if r.graph == nil {
		return nil, risk.Unavailablef("reputation graph not configured")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	rec := r.graph.Lookup(subject)
	signal := &risk.Signal{
		Score:  rec.RiskScore,
		Labels: rec.Labels,
	}
	switch {
	case len(rec.Labels) > 0:
		// Direct intel on the subject itself.
		signal.Confidence = 0.9
	case rec.RiskScore > 0:
		// Propagated-only risk is weaker evidence.
		signal.Confidence = 0.6
	default:
		// Never sighted: absence of intel is weak evidence of safety.
		signal.Confidence = 0.3
	}
	return signal, nil
}
