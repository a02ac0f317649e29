// Package collectors implements the built-in signal collectors for the
// risk aggregation pipeline.
package collectors

import (
	"context"
	"fmt"
	"math"

	"github.com/c360studio/forgegate/risk"
)

// StateDelta is one observed balance/state change from a simulated run.
type StateDelta struct {
	Account string  `json:"account"`
	Asset   string  `json:"asset"`
	Amount  float64 `json:"amount"` // negative = outflow
}

// SimResult is the outcome of a dry run against a forked environment.
type SimResult struct {
	Success bool         `json:"success"`
	Deltas  []StateDelta `json:"deltas,omitempty"`
	Revert  string       `json:"revert,omitempty"`
}

// Environment dry-runs a pending action against a forked or snapshot
// execution environment. Implementations wrap an external RPC endpoint.
type Environment interface {
	Simulate(ctx context.Context, subject string) (*SimResult, error)
}

// SourceFn resolves the artifact source for a subject, when the subject
// is a generated artifact rather than an on-chain entity.
type SourceFn func(subject string) ([]byte, bool)

// Simulator scores a subject by dry-running it and inspecting the
// resulting state deltas, plus an exploit-signature scan of the artifact
// source when one is available.
type Simulator struct {
	env Environment
	src SourceFn

	// OutflowLimit is the absolute outflow above which the run is
	// considered draining.
	OutflowLimit float64
}

// NewSimulator creates the execution-simulation collector. env may be
// nil when no fork environment is configured; the collector then reports
// itself unavailable unless a source scan is possible.
func NewSimulator(env Environment, src SourceFn) *Simulator {
	return &Simulator{
		env:          env,
		src:          src,
		OutflowLimit: 10_000,
	}
}

// Name returns the collector identifier.
func (s *Simulator) Name() string { return risk.CollectorSimulator }

// Assess dry-runs the subject and scores the observed deltas.
func (s *Simulator) Assess(ctx context.Context, subject string) (*risk.Signal, error) {
	signal := &risk.Signal{Confidence: 0.5}
	assessed := false

	if s.src != nil {
		if source, ok := s.src(subject); ok {
			sigs, err := ScanSource(ctx, source)
			if err != nil {
				return nil, fmt.Errorf("signature scan: %w", err)
			}
			assessed = true
			if len(sigs) > 0 {
				signal.Labels = append(signal.Labels, sigs...)
				signal.Score = 70
				signal.Confidence = 0.8
			}
		}
	}

	if s.env != nil {
		result, err := s.env.Simulate(ctx, subject)
		if err != nil {
			if !assessed {
				return nil, risk.Unavailablef("simulate %s", subject)
			}
			// Keep the scan-only signal when the fork is down.
			return signal, nil
		}
		assessed = true
		s.scoreDeltas(result, signal)
	}

	if !assessed {
		return nil, risk.Unavailablef("no simulation environment for %s", subject)
	}
	return signal, nil
}

// scoreDeltas folds simulated state changes into the signal.
func (s *Simulator) scoreDeltas(result *SimResult, signal *risk.Signal) {
	if !result.Success {
		// A reverting action cannot drain anything.
		if signal.Score < 10 {
			signal.Score = 10
		}
		signal.Confidence = math.Max(signal.Confidence, 0.7)
		return
	}

	var outflow float64
	for _, d := range result.Deltas {
		if d.Amount < 0 {
			outflow += -d.Amount
		}
	}

	score := 0.0
	switch {
	case outflow > s.OutflowLimit*10:
		score = 95
		signal.Labels = append(signal.Labels, "exploit-signature")
	case outflow > s.OutflowLimit:
		score = 75
		signal.Labels = append(signal.Labels, "large-outflow")
	case outflow > 0:
		score = 20 * (outflow / s.OutflowLimit)
	}
	if score > signal.Score {
		signal.Score = score
	}
	signal.Confidence = math.Max(signal.Confidence, 0.9)
}
