package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common store errors.
var (
	// ErrNotFound is returned when a workflow does not exist.
	ErrNotFound = errors.New("workflow not found")

	// ErrTerminal is returned when a commit targets a terminal workflow.
	ErrTerminal = errors.New("workflow is terminal")
)

// StageCommit describes one atomic stage transition.
//
// The store applies the whole commit or none of it: a reader never sees
// CurrentStage advanced without the matching history entry.
type StageCommit struct {
	// Stage is the stage that just ran.
	Stage Stage `json:"stage"`

	// Result is the outcome of the stage attempt.
	Result Status `json:"result"`

	// Artifact is an opaque reference to the stage output, if any.
	Artifact string `json:"artifact,omitempty"`

	// Degraded marks a degradable stage that failed critically but let
	// the workflow continue.
	Degraded bool `json:"degraded,omitempty"`

	// Retries is the number of retries consumed by this stage attempt.
	// Added to the monotonic per-stage retry counter.
	Retries int `json:"retries,omitempty"`

	// Advance is the stage the workflow moves to.
	Advance Stage `json:"advance"`

	// WorkflowStatus is the workflow-level status after the commit.
	WorkflowStatus Status `json:"workflow_status"`

	// FailureKind and FailureNote describe a terminal failure, if any.
	FailureKind FailureKind `json:"failure_kind,omitempty"`
	FailureNote string      `json:"failure_note,omitempty"`

	// Event is the history entry recorded with the transition.
	Event StageEvent `json:"event"`
}

// Validate checks commit consistency before it is applied.
//
// Advance normally moves the workflow forward. A forced re-run of a
// stage already behind CurrentStage commits with Advance == current,
// recording the fresh result without moving the workflow.
func (c *StageCommit) Validate(current Stage) error {
	if c.Stage.Index() < 0 {
		return fmt.Errorf("commit stage %q is not executable", c.Stage)
	}
	if c.Advance == current {
		if current.IsTerminal() || c.Stage.Index() >= current.Index() {
			return fmt.Errorf("illegal re-run commit of %s at %s", c.Stage, current)
		}
	} else if !CanTransition(current, c.Advance) {
		return fmt.Errorf("illegal transition %s -> %s", current, c.Advance)
	}
	switch c.Result {
	case StatusSucceeded, StatusFailed:
	default:
		return fmt.Errorf("commit result must be succeeded or failed, got %q", c.Result)
	}
	return nil
}

// Store is the durable workflow state store.
//
// AppendEvent is additive only; CommitStage is the only operation that
// advances CurrentStage. If the underlying write fails, in-memory state
// is not advanced and the caller must retry the commit.
type Store interface {
	// Create persists a new workflow for the goal and returns its state.
	Create(ctx context.Context, goal string) (*State, error)

	// Load returns the workflow with the given id, or ErrNotFound.
	Load(ctx context.Context, id string) (*State, error)

	// AppendEvent appends one history entry without advancing the stage.
	AppendEvent(ctx context.Context, id string, ev StageEvent) error

	// RecordTool appends one tool-invocation record.
	RecordTool(ctx context.Context, id string, inv ToolInvocation) error

	// CommitStage atomically records a stage result and advances the
	// workflow. Returns the state after the commit.
	CommitStage(ctx context.Context, id string, commit StageCommit) (*State, error)

	// List returns summaries of all known workflows.
	List(ctx context.Context) ([]Summary, error)
}

// applyCommit mutates a loaded state with the commit contents.
// Callers hold whatever lock the store requires.
func applyCommit(s *State, commit StageCommit, now time.Time) {
	s.StageStatus[commit.Stage] = commit.Result
	if commit.Retries > 0 {
		s.RetryCount[commit.Stage] += commit.Retries
	}
	if commit.Artifact != "" {
		artifact := commit.Artifact
		if commit.Degraded {
			artifact = DegradedArtifactPrefix + artifact
		}
		s.Artifacts[commit.Stage] = artifact
	}
	if commit.Degraded && !s.IsDegraded(commit.Stage) {
		s.Degraded = append(s.Degraded, commit.Stage)
	}
	s.History = append(s.History, commit.Event)
	s.CurrentStage = commit.Advance
	s.Status = commit.WorkflowStatus
	if commit.FailureKind != FailureNone {
		s.FailureKind = commit.FailureKind
		s.FailureNote = commit.FailureNote
	}
	s.UpdatedAt = now
}
