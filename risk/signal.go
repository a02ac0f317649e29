// Package risk implements the multi-signal risk aggregation pipeline that
// gates the release stage. Independent collectors each assess a subject;
// the aggregator combines whatever subset responded into one score, level,
// and conflict flag.
package risk

import (
	"time"
)

// Level is the discrete risk classification derived from the aggregate score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"

	// LevelUnknown means no collector produced a signal. Callers gating on
	// risk must fail closed: UNKNOWN blocks like HIGH does.
	LevelUnknown Level = "unknown"
)

// Blocks reports whether the level blocks a gated action absent an
// explicit override.
func (l Level) Blocks() bool {
	switch l {
	case LevelHigh, LevelCritical, LevelUnknown:
		return true
	}
	return false
}

// Signal is one collector's independent assessment of a subject.
type Signal struct {
	// Score is the collector's risk score on a 0..100 scale.
	Score float64 `json:"score"`

	// Confidence is how sure the collector is of its score, 0..1.
	Confidence float64 `json:"confidence"`

	// Labels are threat-intel tags attached by the collector.
	Labels []string `json:"labels,omitempty"`
}

// HasLabel reports whether the signal carries the given label.
func (s Signal) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Assessment is the aggregate result for one subject.
//
// AggregateScore is always recomputable from Signals and the weight
// table; it is never persisted without the signals that produced it.
type Assessment struct {
	Subject string `json:"subject"`

	// Signals maps collector name to its returned signal. Collectors that
	// were unavailable or timed out are absent, not zero.
	Signals map[string]Signal `json:"signals"`

	// Unavailable lists collectors excluded from this assessment.
	Unavailable []string `json:"unavailable,omitempty"`

	AggregateScore float64 `json:"aggregate_score"`
	Level          Level   `json:"risk_level"`

	// Conflict is set when available signals disagree beyond the
	// configured spread. Flagged for human review, not itself blocking.
	Conflict bool `json:"conflict"`

	// ForcedCritical names the label that forced CRITICAL, if any.
	ForcedCritical string `json:"forced_critical,omitempty"`

	AssessedAt time.Time `json:"assessed_at"`
}
