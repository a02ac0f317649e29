// Package workflow defines the workflow state machine types and the durable
// state store that makes runs resumable across process restarts.
package workflow

import (
	"fmt"
	"time"
)

// Stage identifies one step of the workflow state machine.
type Stage string

const (
	// StageInputParsing parses the free-text goal into a structured intent.
	StageInputParsing Stage = "input_parsing"

	// StageGeneration produces the artifact via an external provider.
	StageGeneration Stage = "generation"

	// StageAudit runs static analyzers against the generated artifact.
	StageAudit Stage = "audit"

	// StageRelease publishes the artifact, gated by the risk assessment.
	StageRelease Stage = "release"

	// StageVerification confirms the released artifact is reachable and intact.
	StageVerification Stage = "verification"

	// StageTesting exercises the released artifact functionally.
	StageTesting Stage = "testing"

	// StageDone is the successful terminal stage.
	StageDone Stage = "done"

	// StageFailed is the failure terminal stage.
	StageFailed Stage = "failed"

	// StageAborted is the terminal stage for operator-cancelled runs.
	StageAborted Stage = "aborted"
)

// stageOrder is the fixed forward order of executable stages.
var stageOrder = []Stage{
	StageInputParsing,
	StageGeneration,
	StageAudit,
	StageRelease,
	StageVerification,
	StageTesting,
	StageDone,
}

// ExecutableStages returns the stages that run work, in order (DONE excluded).
func ExecutableStages() []Stage {
	out := make([]Stage, len(stageOrder)-1)
	copy(out, stageOrder[:len(stageOrder)-1])
	return out
}

// Index returns the position of the stage in the fixed order, or -1 for
// terminal failure stages.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s in the fixed order.
// ok is false for DONE and the terminal failure stages.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i >= len(stageOrder)-1 {
		return s, false
	}
	return stageOrder[i+1], true
}

// IsTerminal reports whether the stage ends the workflow.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed || s == StageAborted
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// ParseStage converts a string to a Stage, returning an error for unknown values.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	switch s {
	case StageInputParsing, StageGeneration, StageAudit, StageRelease,
		StageVerification, StageTesting, StageDone, StageFailed, StageAborted:
		return s, nil
	}
	return "", fmt.Errorf("unknown stage: %s", v)
}

// CanTransition reports whether a workflow may move from one stage to another.
// Forward-only along the fixed order; the failure stages are reachable from
// any non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed || to == StageAborted {
		return true
	}
	fi, ti := from.Index(), to.Index()
	return fi >= 0 && ti > fi
}

// Status is the execution status of a workflow or a single stage attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// FailureKind distinguishes why a workflow failed.
type FailureKind string

const (
	// FailureNone means the workflow has not failed.
	FailureNone FailureKind = ""

	// FailureExecution means a stage exhausted retries or hit a fatal error.
	FailureExecution FailureKind = "execution"

	// FailureGateBlocked means the release gate blocked on risk policy.
	// The run is not broken; policy refused to proceed.
	FailureGateBlocked FailureKind = "gate_blocked"

	// FailureAborted means an operator abort was observed at a stage boundary.
	FailureAborted FailureKind = "aborted"
)

// StageEvent is one immutable entry in the workflow audit trail.
type StageEvent struct {
	Stage       Stage     `json:"stage"`
	Action      string    `json:"action"` // "plan", "act", "act_error", "update"
	Reasoning   string    `json:"reasoning,omitempty"`
	Plan        string    `json:"plan,omitempty"`
	Constraints string    `json:"constraints,omitempty"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// ToolInvocation records one external tool call made during a stage.
type ToolInvocation struct {
	Stage      Stage          `json:"stage"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Timestamp  time.Time      `json:"timestamp"`
}

// DegradedArtifactPrefix marks an artifact produced by a degradable stage
// that failed critically but let the workflow continue.
const DegradedArtifactPrefix = "degraded:"

// State is the durable record of one workflow run.
//
// History is append-only: entries are never rewritten once recorded.
// CurrentStage only moves forward in the fixed order, except to the
// terminal failure stages.
type State struct {
	ID           string           `json:"id"`
	Goal         string           `json:"goal"`
	CurrentStage Stage            `json:"current_stage"`
	Status       Status           `json:"status"`
	History      []StageEvent     `json:"history"`
	RetryCount   map[Stage]int    `json:"retry_count"`
	Artifacts    map[Stage]string `json:"artifacts"`
	StageStatus  map[Stage]Status `json:"stage_status"`
	ToolCalls    []ToolInvocation `json:"tool_calls,omitempty"`
	Degraded     []Stage          `json:"degraded,omitempty"`
	FailureKind  FailureKind      `json:"failure_kind,omitempty"`
	FailureNote  string           `json:"failure_note,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// NewState creates a workflow state at the first stage.
func NewState(id, goal string) *State {
	now := time.Now().UTC()
	return &State{
		ID:           id,
		Goal:         goal,
		CurrentStage: StageInputParsing,
		Status:       StatusPending,
		RetryCount:   make(map[Stage]int),
		Artifacts:    make(map[Stage]string),
		StageStatus:  make(map[Stage]Status),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// LastEvent returns the most recent history entry, or nil if none.
func (s *State) LastEvent() *StageEvent {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// StageSucceeded reports whether the given stage has a committed
// SUCCEEDED result.
func (s *State) StageSucceeded(stage Stage) bool {
	return s.StageStatus[stage] == StatusSucceeded
}

// IsDegraded reports whether the given stage completed in degraded mode.
func (s *State) IsDegraded(stage Stage) bool {
	for _, d := range s.Degraded {
		if d == stage {
			return true
		}
	}
	return false
}

// DeepCopy returns a deep copy of the state.
func (s *State) DeepCopy() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.History = append([]StageEvent(nil), s.History...)
	out.ToolCalls = append([]ToolInvocation(nil), s.ToolCalls...)
	out.Degraded = append([]Stage(nil), s.Degraded...)
	out.RetryCount = make(map[Stage]int, len(s.RetryCount))
	for k, v := range s.RetryCount {
		out.RetryCount[k] = v
	}
	out.Artifacts = make(map[Stage]string, len(s.Artifacts))
	for k, v := range s.Artifacts {
		out.Artifacts[k] = v
	}
	out.StageStatus = make(map[Stage]Status, len(s.StageStatus))
	for k, v := range s.StageStatus {
		out.StageStatus[k] = v
	}
	return &out
}

// Summary is the shape returned by the inspection surface.
type Summary struct {
	ID           string      `json:"id"`
	Goal         string      `json:"goal"`
	CurrentStage Stage       `json:"current_stage"`
	Status       Status      `json:"status"`
	LastEvent    *StageEvent `json:"last_event,omitempty"`
	Degraded     []Stage     `json:"degraded,omitempty"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	FailureNote  string      `json:"failure_note,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Summarize builds the inspection summary for the state.
func (s *State) Summarize() Summary {
	return Summary{
		ID:           s.ID,
		Goal:         s.Goal,
		CurrentStage: s.CurrentStage,
		Status:       s.Status,
		LastEvent:    s.LastEvent(),
		Degraded:     append([]Stage(nil), s.Degraded...),
		FailureKind:  s.FailureKind,
		FailureNote:  s.FailureNote,
		UpdatedAt:    s.UpdatedAt,
	}
}
